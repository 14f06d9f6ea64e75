package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/lesson_offline/internal/download"
	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/progress"
	"github.com/italolelis/lesson_offline/internal/quota"
)

const maxBodySize = 1 << 20

type DownloadRequest struct {
	LessonID string `json:"lessonId"`
	Quality  string `json:"quality"`
}

type ModuleDownloadResponse struct {
	Tasks []download.Task `json:"tasks"`
	Error string          `json:"error,omitempty"`
}

type FreedResponse struct {
	FreedBytes int64 `json:"freedBytes"`
}

type ProgressRequest struct {
	CourseID             string           `json:"courseId"`
	LessonID             string           `json:"lessonId"`
	CurrentTime          *float64         `json:"currentTime,omitempty"`
	Duration             *float64         `json:"duration,omitempty"`
	CompletionPercentage *float64         `json:"completionPercentage,omitempty"`
	Chapters             []lesson.Chapter `json:"chapters,omitempty"`
}

type ResumeResponse struct {
	Position float64 `json:"position"`
}

type ConnectivityState struct {
	Online     *bool `json:"online,omitempty"`
	Foreground *bool `json:"foreground,omitempty"`
}

type LessonHandler struct {
	svc      Service
	username string
	password string
}

// NewLessonHandler creates the handler of the offline lessons API. Basic auth
// is enforced when username is not empty.
func NewLessonHandler(svc Service, username, password string) *LessonHandler {
	return &LessonHandler{svc: svc, username: username, password: password}
}

func (h *LessonHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.HandleListDownloads)
		r.Post("/", h.HandleDownloadLesson)
		r.Delete("/", h.HandleClearDownloads)
		r.Get("/{taskID}", h.HandleGetDownload)
		r.Post("/{taskID}/{action}", h.HandleTaskAction)
	})

	r.Post("/modules/{moduleID}/downloads", h.HandleDownloadModule)

	r.Delete("/lessons/{lessonID}/download", h.HandleDeleteDownload)
	r.Get("/lessons/{lessonID}/offline", h.HandleOffline)

	r.Get("/storage", h.HandleStorage)
	r.Post("/storage/optimize", h.HandleOptimize)

	r.Get("/sync", h.HandleSyncStatus)
	r.Post("/sync", h.HandleForceSync)

	r.Put("/progress", h.HandleSaveProgress)
	r.Post("/progress/{action}", h.HandleProgressAction)

	r.Put("/connectivity", h.HandleConnectivity)

	r.Get("/events", h.HandleEvents)

	return r
}

func (h *LessonHandler) HandleListDownloads(w http.ResponseWriter, r *http.Request) {
	tasks := h.svc.Tasks()
	if tasks == nil {
		tasks = []download.Task{}
	}

	writeJSON(w, r, http.StatusOK, tasks)
}

func (h *LessonHandler) HandleGetDownload(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Task(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, task)
}

// HandleDownloadLesson queues a lesson. A download blocked by the quota stays
// queued and is reported with 507 together with the task.
func (h *LessonHandler) HandleDownloadLesson(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)

		return
	}

	quality, err := parseQuality(req.Quality)
	if err != nil {
		writeError(w, r, err)

		return
	}

	task, err := h.svc.DownloadLesson(r.Context(), req.LessonID, quality)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) && task.ID != "" {
			writeTaskError(w, r, err, &task)

			return
		}

		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, task)
}

func (h *LessonHandler) HandleDownloadModule(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)

		return
	}

	quality, err := parseQuality(req.Quality)
	if err != nil {
		writeError(w, r, err)

		return
	}

	tasks, err := h.svc.DownloadModule(r.Context(), chi.URLParam(r, "moduleID"), quality)
	if err != nil && len(tasks) == 0 {
		writeError(w, r, err)

		return
	}

	resp := ModuleDownloadResponse{Tasks: tasks}
	if err != nil {
		resp.Error = err.Error()
	}

	writeJSON(w, r, http.StatusAccepted, resp)
}

func (h *LessonHandler) HandleTaskAction(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var (
		task download.Task
		err  error
	)

	switch action := chi.URLParam(r, "action"); action {
	case "pause":
		task, err = h.svc.PauseDownload(r.Context(), taskID)
	case "resume":
		task, err = h.svc.ResumeDownload(r.Context(), taskID)
	case "cancel":
		task, err = h.svc.CancelDownload(r.Context(), taskID)
	default:
		err = fmt.Errorf("%w: unknown action %q", errBadRequest, action)
	}

	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, task)
}

func (h *LessonHandler) HandleDeleteDownload(w http.ResponseWriter, r *http.Request) {
	freed, err := h.svc.DeleteDownload(r.Context(), chi.URLParam(r, "lessonID"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, FreedResponse{FreedBytes: freed})
}

func (h *LessonHandler) HandleClearDownloads(w http.ResponseWriter, r *http.Request) {
	freed, err := h.svc.ClearAllDownloads(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, FreedResponse{FreedBytes: freed})
}

func (h *LessonHandler) HandleOffline(w http.ResponseWriter, r *http.Request) {
	avail, err := h.svc.CanWatchOffline(r.Context(), chi.URLParam(r, "lessonID"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, avail)
}

func (h *LessonHandler) HandleStorage(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.StorageUsage(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}

func (h *LessonHandler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.OptimizeStorage(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, report)
}

func (h *LessonHandler) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.svc.SyncStatus())
}

func (h *LessonHandler) HandleForceSync(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ForceSync(r.Context()); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, h.svc.SyncStatus())
}

func (h *LessonHandler) HandleSaveProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)

		return
	}

	p, err := h.svc.SaveProgress(r.Context(), req.CourseID, req.LessonID, progress.Patch{
		CurrentTime:          req.CurrentTime,
		Duration:             req.Duration,
		CompletionPercentage: req.CompletionPercentage,
	})
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, p)
}

func (h *LessonHandler) HandleProgressAction(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)

		return
	}

	ctx := r.Context()

	switch action := chi.URLParam(r, "action"); action {
	case "start":
		if err := h.svc.StartWatching(req.CourseID, req.LessonID); err != nil {
			writeError(w, r, err)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	case "stop", "complete":
		stop := h.svc.StopWatching
		if action == "complete" {
			stop = h.svc.MarkCompleted
		}

		p, err := stop(ctx, req.CourseID, req.LessonID)
		if err != nil {
			writeError(w, r, err)

			return
		}

		writeJSON(w, r, http.StatusOK, p)
	case "resume":
		pos, err := h.svc.ResumePosition(ctx, req.CourseID, req.LessonID, req.Chapters)
		if err != nil {
			writeError(w, r, err)

			return
		}

		writeJSON(w, r, http.StatusOK, ResumeResponse{Position: pos})
	default:
		writeError(w, r, fmt.Errorf("%w: unknown action %q", errBadRequest, action))
	}
}

// HandleConnectivity applies platform connectivity and visibility reports.
func (h *LessonHandler) HandleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityState
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)

		return
	}

	if req.Online != nil {
		h.svc.SetOnline(*req.Online)
	}

	if req.Foreground != nil {
		h.svc.SetForeground(*req.Foreground)
	}

	online, foreground := h.svc.Connectivity()
	writeJSON(w, r, http.StatusOK, ConnectivityState{Online: &online, Foreground: &foreground})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).DebugContext(r.Context(), "failed to decode request", "err", err)

		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}

	return nil
}

func parseQuality(s string) (lesson.Quality, error) {
	if s == "" {
		return lesson.QualityHD, nil
	}

	q, err := lesson.ParseQuality(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}

	return q, nil
}
