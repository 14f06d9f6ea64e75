package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/italolelis/lesson_offline/internal/download"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/progress"
	"github.com/italolelis/lesson_offline/internal/quota"
	"github.com/italolelis/lesson_offline/internal/remote"
	"github.com/italolelis/lesson_offline/internal/storage"
	"github.com/italolelis/lesson_offline/internal/syncer"
	"github.com/italolelis/lesson_offline/internal/transport"
)

var (
	errBadRequest   = errors.New("bad request")
	errUnauthorized = errors.New("invalid username or password")
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string         `json:"error"`
	RequestID string         `json:"requestId,omitempty"`
	Task      *download.Task `json:"task,omitempty"`
}

// StatusCode maps domain errors to HTTP status codes.
func StatusCode(err error) int {
	var netErr *transport.NetworkError

	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, download.ErrAlreadyQueued), errors.Is(err, syncer.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, download.ErrTaskNotFound),
		errors.Is(err, remote.ErrModuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, download.ErrInvalidTransition),
		errors.Is(err, download.ErrInvalidRequest),
		errors.Is(err, progress.ErrInvalidPatch),
		errors.Is(err, progress.ErrNotTracking):
		return http.StatusBadRequest
	case errors.Is(err, syncer.ErrOffline), errors.Is(err, download.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeTaskError(w, r, err, nil)
}

func writeTaskError(w http.ResponseWriter, r *http.Request, err error, task *download.Task) {
	status := StatusCode(err)
	logger := logctx.LoggerFromContext(r.Context())

	if status >= http.StatusInternalServerError && status != http.StatusInsufficientStorage {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "err", err)
	} else {
		logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "err", err)
	}

	writeJSON(w, r, status, ErrorResponse{Error: err.Error(), RequestID: logctx.RequestID(r.Context()), Task: task})
}
