package rest

import (
	"context"

	"github.com/italolelis/lesson_offline/internal/download"
	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/orchestrator"
	"github.com/italolelis/lesson_offline/internal/progress"
	"github.com/italolelis/lesson_offline/internal/quota"
	"github.com/italolelis/lesson_offline/internal/syncer"
)

// Service is the set of operations exposed over HTTP. It is implemented by
// *orchestrator.Orchestrator.
type Service interface {
	DownloadLesson(ctx context.Context, lessonID string, quality lesson.Quality) (download.Task, error)
	DownloadModule(ctx context.Context, moduleID string, quality lesson.Quality) ([]download.Task, error)
	PauseDownload(ctx context.Context, taskID string) (download.Task, error)
	ResumeDownload(ctx context.Context, taskID string) (download.Task, error)
	CancelDownload(ctx context.Context, taskID string) (download.Task, error)
	DeleteDownload(ctx context.Context, lessonID string) (int64, error)
	ClearAllDownloads(ctx context.Context) (int64, error)
	Tasks() []download.Task
	Task(taskID string) (download.Task, error)
	Subscribe(buffer int) (<-chan download.Event, func())

	CanWatchOffline(ctx context.Context, lessonID string) (orchestrator.Availability, error)
	StorageUsage(ctx context.Context) (quota.Stats, error)
	OptimizeStorage(ctx context.Context) (orchestrator.OptimizeReport, error)

	ForceSync(ctx context.Context) error
	SyncStatus() syncer.Info

	SaveProgress(ctx context.Context, courseID, lessonID string, patch progress.Patch) (lesson.VideoProgress, error)
	StartWatching(courseID, lessonID string) error
	StopWatching(ctx context.Context, courseID, lessonID string) (lesson.VideoProgress, error)
	MarkCompleted(ctx context.Context, courseID, lessonID string) (lesson.VideoProgress, error)
	ResumePosition(ctx context.Context, courseID, lessonID string, chapters []lesson.Chapter) (float64, error)

	SetOnline(online bool)
	SetForeground(foreground bool)
	Connectivity() (online, foreground bool)
}

var _ Service = (*orchestrator.Orchestrator)(nil)
