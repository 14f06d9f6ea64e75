package rest

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/italolelis/lesson_offline/internal/logctx"
)

// RequestIDHeader carries the id of an API call in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// RequestID tags every API call with an id, reusing a sane one sent by the
// client. The id is echoed back and every log line written while serving the
// call carries it as request_id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(logctx.WithRequestID(r.Context(), id)))
	})
}

func (h *LessonHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="lesson_offline"`)
			writeError(w, r, errUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			logctx.LoggerFromContext(r.Context()).WarnContext(r.Context(), "rejected credentials", "username", username)
			writeError(w, r, errUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
