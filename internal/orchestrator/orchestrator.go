// Package orchestrator composes downloads, storage, progress and sync into the
// operations the UI calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/lesson_offline/internal/cleanup"
	"github.com/italolelis/lesson_offline/internal/connectivity"
	"github.com/italolelis/lesson_offline/internal/download"
	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/progress"
	"github.com/italolelis/lesson_offline/internal/quota"
	"github.com/italolelis/lesson_offline/internal/storage"
	"github.com/italolelis/lesson_offline/internal/syncer"
)

const moduleFanOut = 8

// Catalog lists the lessons of a course module.
type Catalog interface {
	ModuleLessons(ctx context.Context, moduleID string) ([]string, error)
}

type Config struct {
	UserID              string
	OptimizeTargetUsage int // percent
	KeepDownloadedFor   time.Duration
}

// Deps are the components the orchestrator drives.
type Deps struct {
	Store     storage.Store
	Downloads *download.Manager
	Quota     *quota.Manager
	Progress  *progress.Engine
	Sync      *syncer.Coordinator
	Monitor   *connectivity.Monitor
	Catalog   Catalog
	Clock     clockwork.Clock
}

// Availability tells whether a lesson can be played without the network.
type Availability struct {
	LessonID  string         `json:"lessonId"`
	Available bool           `json:"available"`
	Quality   lesson.Quality `json:"quality,omitempty"`
	Path      string         `json:"path,omitempty"`
	Size      int64          `json:"size,omitempty"`
}

// OptimizeReport describes what OptimizeStorage freed.
type OptimizeReport struct {
	Expired cleanup.Result       `json:"expired"`
	Evicted quota.EvictionReport `json:"evicted"`
	Stats   quota.Stats          `json:"stats"`
}

type Orchestrator struct {
	cfg       Config
	store     storage.Store
	downloads *download.Manager
	quota     *quota.Manager
	progress  *progress.Engine
	sync      *syncer.Coordinator
	monitor   *connectivity.Monitor
	catalog   Catalog
	clock     clockwork.Clock
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	if cfg.OptimizeTargetUsage <= 0 || cfg.OptimizeTargetUsage > 100 {
		cfg.OptimizeTargetUsage = 80
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		downloads: deps.Downloads,
		quota:     deps.Quota,
		progress:  deps.Progress,
		sync:      deps.Sync,
		monitor:   deps.Monitor,
		catalog:   deps.Catalog,
		clock:     deps.Clock,
	}

	o.quota.Bind(o.progress, o.downloads)
	o.progress.OnChange(func(lesson.VideoProgress) { o.sync.NotifyDirty() })

	return o
}

// Start restores persisted downloads and starts the sync loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.downloads.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore downloads: %w", err)
	}

	o.sync.Start(ctx)

	return nil
}

// Close stops syncing and transfers. Interrupted downloads resume on the next Start.
func (o *Orchestrator) Close() error {
	o.sync.Stop()
	err := o.downloads.Close()
	o.monitor.Close()

	return err
}

// DownloadLesson makes a lesson available offline. A lesson already cached at
// the quality, or already being downloaded, is returned as is. Concurrent
// calls for one lesson all return the same task.
func (o *Orchestrator) DownloadLesson(ctx context.Context, lessonID string, quality lesson.Quality) (download.Task, error) {
	for {
		t, found, err := o.existingDownload(ctx, lessonID, quality)
		if found || err != nil {
			return t, err
		}

		t, err = o.downloads.Enqueue(ctx, lessonID, quality)
		if !errors.Is(err, download.ErrAlreadyQueued) {
			return t, err
		}

		// another call is queueing the lesson; look again once it settles
		if err := o.downloads.AwaitEnqueue(ctx, lessonID); err != nil {
			return download.Task{}, err
		}
	}
}

func (o *Orchestrator) existingDownload(ctx context.Context, lessonID string, quality lesson.Quality) (download.Task, bool, error) {
	tasks := o.downloads.LessonTasks(lessonID)

	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return t, true, nil
		}
	}

	rec, err := o.quota.Media(ctx, lessonID, quality)
	switch {
	case err == nil:
		for i := len(tasks) - 1; i >= 0; i-- {
			if tasks[i].Status == download.StatusCompleted && tasks[i].Quality == quality {
				return tasks[i], true, nil
			}
		}

		return download.Task{
			LessonID:        lessonID,
			Quality:         quality,
			Status:          download.StatusCompleted,
			Progress:        100,
			DownloadedBytes: rec.Size,
			TotalBytes:      rec.Size,
			UpdatedAt:       rec.CompletedAt,
		}, true, nil
	case !errors.Is(err, storage.ErrNotFound):
		return download.Task{}, false, err
	}

	return download.Task{}, false, nil
}

// DownloadModule downloads every lesson of a module. Lessons that fail do not
// stop the others; their errors are joined.
func (o *Orchestrator) DownloadModule(ctx context.Context, moduleID string, quality lesson.Quality) ([]download.Task, error) {
	logger := logctx.LoggerFromContext(ctx).With("module_id", moduleID)

	lessonIDs, err := o.catalog.ModuleLessons(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons of module %s: %w", moduleID, err)
	}

	tasks := make([]download.Task, len(lessonIDs))
	errs := make([]error, len(lessonIDs))

	var g errgroup.Group

	g.SetLimit(moduleFanOut)

	for i, id := range lessonIDs {
		g.Go(func() error {
			t, err := o.DownloadLesson(ctx, id, quality)
			tasks[i] = t

			if err != nil {
				errs[i] = fmt.Errorf("lesson %s: %w", id, err)
			}

			return nil
		})
	}

	_ = g.Wait()

	var queued []download.Task

	for _, t := range tasks {
		if t.LessonID != "" {
			queued = append(queued, t)
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		logger.WarnContext(ctx, "some module lessons were not queued", "err", err)
	}

	logger.InfoContext(ctx, "module download requested", "lessons", len(lessonIDs), "queued", len(queued))

	return queued, err
}

func (o *Orchestrator) PauseDownload(ctx context.Context, taskID string) (download.Task, error) {
	return o.downloads.Pause(ctx, taskID)
}

func (o *Orchestrator) ResumeDownload(ctx context.Context, taskID string) (download.Task, error) {
	return o.downloads.Resume(ctx, taskID)
}

func (o *Orchestrator) CancelDownload(ctx context.Context, taskID string) (download.Task, error) {
	return o.downloads.Cancel(ctx, taskID)
}

// DeleteDownload cancels any active task of a lesson, forgets its task records
// and removes its cached media of every quality. Progress is kept.
func (o *Orchestrator) DeleteDownload(ctx context.Context, lessonID string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("lesson_id", lessonID)

	var errs []error

	for _, t := range o.downloads.LessonTasks(lessonID) {
		if !t.Status.IsTerminal() {
			if _, err := o.downloads.Cancel(ctx, t.ID); err != nil {
				errs = append(errs, err)

				continue
			}
		}

		if err := o.downloads.Forget(ctx, t.ID); err != nil {
			errs = append(errs, err)
		}
	}

	freed, err := o.quota.RemoveLesson(ctx, lessonID)
	if err != nil {
		errs = append(errs, err)
	}

	logger.InfoContext(ctx, "lesson download deleted", "freed", humanize.Bytes(uint64(max(freed, 0))))

	return freed, errors.Join(errs...)
}

// ClearAllDownloads deletes the downloads of every lesson.
func (o *Orchestrator) ClearAllDownloads(ctx context.Context) (int64, error) {
	lessons := make(map[string]bool)

	for _, t := range o.downloads.List() {
		lessons[t.LessonID] = true
	}

	records, _, err := storage.MediaRecords(ctx, o.store)
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		lessons[rec.LessonID] = true
	}

	ids := make([]string, 0, len(lessons))
	for id := range lessons {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	var (
		freed int64
		errs  []error
	)

	for _, id := range ids {
		n, err := o.DeleteDownload(ctx, id)
		freed += n

		if err != nil {
			errs = append(errs, err)
		}
	}

	return freed, errors.Join(errs...)
}

// OptimizeStorage drops expired downloads, evicts completed lessons until
// usage is under the target and the head of the queue fits, then admits
// waiting downloads.
func (o *Orchestrator) OptimizeStorage(ctx context.Context) (OptimizeReport, error) {
	logger := logctx.LoggerFromContext(ctx)

	var report OptimizeReport

	expired, err := o.quota.RemoveExpired(ctx, o.cfg.KeepDownloadedFor, o.clock.Now())
	report.Expired = expired

	if err != nil {
		return report, fmt.Errorf("failed to delete expired downloads: %w", err)
	}

	stats, err := o.quota.Usage(ctx)
	if err != nil {
		return report, err
	}

	blocked := o.downloads.Blocked()
	target := stats.Total * int64(100-o.cfg.OptimizeTargetUsage) / 100
	wantFree := max(target-stats.Reserved, blocked, 0)

	report.Evicted, err = o.quota.Evict(ctx, wantFree)

	switch {
	case err == nil:
	case !errors.Is(err, quota.ErrQuotaExceeded):
		return report, err
	case report.Evicted.Stats.Available >= blocked:
		logger.InfoContext(ctx, "storage usage stays above target", "target_usage", o.cfg.OptimizeTargetUsage, "err", err)
	default:
		report.Stats = report.Evicted.Stats

		return report, err
	}

	err = o.downloads.Pump(ctx)

	stats, statsErr := o.quota.Usage(ctx)
	if statsErr != nil {
		return report, errors.Join(err, statsErr)
	}

	report.Stats = stats

	logger.InfoContext(ctx, "storage optimized",
		"expired", expired.Removed,
		"evicted", len(report.Evicted.Lessons),
		"freed", humanize.Bytes(uint64(max(expired.FreedBytes+report.Evicted.FreedBytes, 0))),
		"used", humanize.Bytes(uint64(max(stats.Used, 0))))

	return report, err
}

func (o *Orchestrator) ForceSync(ctx context.Context) error {
	return o.sync.ForceSync(ctx)
}

func (o *Orchestrator) SyncStatus() syncer.Info {
	return o.sync.Status()
}

func (o *Orchestrator) StorageUsage(ctx context.Context) (quota.Stats, error) {
	return o.quota.Usage(ctx)
}

func (o *Orchestrator) Tasks() []download.Task {
	return o.downloads.List()
}

func (o *Orchestrator) Task(taskID string) (download.Task, error) {
	return o.downloads.Get(taskID)
}

// Subscribe streams download events.
func (o *Orchestrator) Subscribe(buffer int) (<-chan download.Event, func()) {
	return o.downloads.Subscribe(buffer)
}

// CanWatchOffline reports the best cached quality of a lesson.
func (o *Orchestrator) CanWatchOffline(ctx context.Context, lessonID string) (Availability, error) {
	avail := Availability{LessonID: lessonID}

	for _, q := range []lesson.Quality{lesson.QualityHD, lesson.QualitySD, lesson.QualityAudio} {
		rec, err := o.quota.Media(ctx, lessonID, q)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}

		if err != nil {
			return avail, err
		}

		avail.Available = true
		avail.Quality = rec.Quality
		avail.Path = rec.Path
		avail.Size = rec.Size

		return avail, nil
	}

	return avail, nil
}

func (o *Orchestrator) key(courseID, lessonID string) lesson.Key {
	return lesson.Key{UserID: o.cfg.UserID, CourseID: courseID, LessonID: lessonID}
}

func (o *Orchestrator) SaveProgress(ctx context.Context, courseID, lessonID string, patch progress.Patch) (lesson.VideoProgress, error) {
	return o.progress.Save(ctx, o.key(courseID, lessonID), patch)
}

func (o *Orchestrator) Progress(ctx context.Context, courseID, lessonID string) (lesson.VideoProgress, error) {
	return o.progress.Get(ctx, o.key(courseID, lessonID))
}

func (o *Orchestrator) StartWatching(courseID, lessonID string) error {
	return o.progress.StartTracking(o.key(courseID, lessonID))
}

func (o *Orchestrator) StopWatching(ctx context.Context, courseID, lessonID string) (lesson.VideoProgress, error) {
	return o.progress.StopTracking(ctx, o.key(courseID, lessonID))
}

func (o *Orchestrator) MarkCompleted(ctx context.Context, courseID, lessonID string) (lesson.VideoProgress, error) {
	return o.progress.MarkCompleted(ctx, o.key(courseID, lessonID))
}

func (o *Orchestrator) ResumePosition(ctx context.Context, courseID, lessonID string, chapters []lesson.Chapter) (float64, error) {
	return o.progress.ResumePosition(ctx, o.key(courseID, lessonID), chapters)
}

func (o *Orchestrator) SetOnline(online bool) {
	o.monitor.SetOnline(online)
}

func (o *Orchestrator) SetForeground(foreground bool) {
	o.monitor.SetForeground(foreground)
}

// Connectivity returns the debounced online and foreground state.
func (o *Orchestrator) Connectivity() (online, foreground bool) {
	return o.monitor.Online(), o.monitor.Foreground()
}
