// Package download owns the lifecycle of lesson download tasks.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/italolelis/lesson_offline/internal/download/progress"
	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/quota"
	"github.com/italolelis/lesson_offline/internal/storage"
	"github.com/italolelis/lesson_offline/internal/telemetry"
	"github.com/italolelis/lesson_offline/internal/transport"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	defaultMaxParallel    = 3
	defaultReportInterval = 1 << 20 // 1MiB
)

// Transport fetches lesson media.
type Transport interface {
	Size(ctx context.Context, lessonID string, quality lesson.Quality) (int64, error)
	Open(ctx context.Context, lessonID string, quality lesson.Quality, offset int64) (*transport.Stream, error)
}

// Quota gates admission of tasks to the download window.
type Quota interface {
	Reserve(ctx context.Context, taskID string, bytes int64) error
	Release(taskID string)
}

type Config struct {
	MediaDir       string
	MaxParallel    int
	Limiter        *rate.Limiter // shared by all transfers, nil for unlimited
	ReportInterval int64         // bytes between progress events
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) { m.telemetry = t }
}

type run struct {
	cancel   context.CancelFunc
	stopping bool // pause or cancel requested
}

type Manager struct {
	store     storage.Store
	transport Transport
	quota     Quota
	cfg       Config
	clock     clockwork.Clock
	telemetry *telemetry.Telemetry
	window    *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*Task
	pending []string                 // FIFO of task ids waiting for admission
	probing map[string]chan struct{} // closed when the size probe of a lesson settles
	runs    map[string]*run
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// New creates a Manager. Transfers run on contexts derived from ctx, so the
// logger carried by ctx is used for every task.
func New(ctx context.Context, store storage.Store, tr Transport, q Quota, cfg Config, opts ...Option) *Manager {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}

	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}

	baseCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		store:     store,
		transport: tr,
		quota:     q,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		window:    semaphore.NewWeighted(int64(cfg.MaxParallel)),
		baseCtx:   baseCtx,
		cancel:    cancel,
		tasks:     make(map[string]*Task),
		probing:   make(map[string]chan struct{}),
		runs:      make(map[string]*run),
		subs:      make(map[int]chan Event),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// MediaPath returns where the finished media of a lesson is stored.
func MediaPath(mediaDir, lessonID string, quality lesson.Quality) string {
	ext := ".mp4"
	if quality == lesson.QualityAudio {
		ext = ".m4a"
	}

	return filepath.Join(mediaDir, lessonID, string(quality)+ext)
}

func (m *Manager) partPath(t *Task) string {
	return MediaPath(m.cfg.MediaDir, t.LessonID, t.Quality) + ".part"
}

// Enqueue creates a pending task and tries to admit it. When the quota denies
// admission the pending task is returned with an error wrapping
// quota.ErrQuotaExceeded.
func (m *Manager) Enqueue(ctx context.Context, lessonID string, quality lesson.Quality) (Task, error) {
	logger := logctx.LoggerFromContext(ctx).With("lesson_id", lessonID, "quality", quality)

	if err := validateLessonID(lessonID); err != nil {
		return Task{}, err
	}

	if !quality.Valid() {
		return Task{}, fmt.Errorf("%w: quality %q", ErrInvalidRequest, quality)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return Task{}, ErrClosed
	}

	if _, probing := m.probing[lessonID]; probing || m.activeTaskLocked(lessonID) != nil {
		m.mu.Unlock()

		return Task{}, fmt.Errorf("%w: lesson %s", ErrAlreadyQueued, lessonID)
	}

	settled := make(chan struct{})
	m.probing[lessonID] = settled
	m.mu.Unlock()

	size, err := m.transport.Size(ctx, lessonID, quality)

	m.mu.Lock()
	delete(m.probing, lessonID)
	close(settled)

	if err != nil {
		m.mu.Unlock()

		logger.WarnContext(ctx, "failed to probe lesson size", "err", err)

		return Task{}, &TransferError{LessonID: lessonID, Op: "probe", Err: err}
	}

	now := m.clock.Now()
	t := &Task{
		ID:         uuid.NewString(),
		LessonID:   lessonID,
		Quality:    quality,
		Status:     StatusPending,
		TotalBytes: size,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.persistLocked(ctx, t); err != nil {
		m.mu.Unlock()

		return Task{}, err
	}

	m.tasks[t.ID] = t
	m.pending = append(m.pending, t.ID)
	m.emitLocked(t)

	logger.InfoContext(ctx, "download queued", "task_id", t.ID, "size", humanize.Bytes(uint64(size)))

	pumpErr := m.pumpLocked(ctx)
	snapshot := *t
	m.mu.Unlock()

	if pumpErr != nil && snapshot.Status == StatusPending {
		return snapshot, pumpErr
	}

	return snapshot, nil
}

// AwaitEnqueue blocks until no Enqueue of the lesson is probing its size.
// Once it returns, a successful Enqueue is visible through LessonTasks.
func (m *Manager) AwaitEnqueue(ctx context.Context, lessonID string) error {
	m.mu.Lock()
	settled, ok := m.probing[lessonID]
	m.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pump admits pending tasks in FIFO order while window slots and quota allow.
// It returns an error wrapping quota.ErrQuotaExceeded when the head of the
// queue is blocked by the quota.
func (m *Manager) Pump(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pumpLocked(ctx)
}

func (m *Manager) pumpLocked(ctx context.Context) error {
	for len(m.pending) > 0 {
		if m.closed {
			return ErrClosed
		}

		id := m.pending[0]

		t, ok := m.tasks[id]
		if !ok || t.Status != StatusPending {
			m.pending = m.pending[1:]

			continue
		}

		if _, busy := m.runs[id]; busy {
			// the previous run of this task is still winding down; its finish pumps again
			return nil
		}

		if !m.window.TryAcquire(1) {
			return nil
		}

		if err := m.quota.Reserve(ctx, id, t.Remaining()); err != nil {
			m.window.Release(1)

			if msg := err.Error(); t.Error != msg {
				t.Error = msg
				t.UpdatedAt = m.clock.Now()
				m.persistQuietLocked(ctx, t)
				m.emitLocked(t)
			}

			return fmt.Errorf("task %s not admitted: %w", id, err)
		}

		m.pending = m.pending[1:]
		m.startLocked(ctx, t)
	}

	return nil
}

func (m *Manager) startLocked(ctx context.Context, t *Task) {
	runCtx, cancel := context.WithCancel(m.baseCtx)
	r := &run{cancel: cancel}
	m.runs[t.ID] = r

	t.Status = StatusDownloading
	t.Error = ""
	t.UpdatedAt = m.clock.Now()
	m.persistQuietLocked(ctx, t)
	m.emitLocked(t)

	m.wg.Add(1)

	go m.execute(runCtx, r, *t)
}

func (m *Manager) execute(ctx context.Context, r *run, t Task) {
	defer m.wg.Done()

	ctx = logctx.With(ctx, "task_id", t.ID, "lesson_id", t.LessonID, "quality", t.Quality)
	logger := logctx.LoggerFromContext(ctx)

	pos := t.DownloadedBytes

	var err error

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.ErrorContext(ctx, "panic in download", "panic", rec, "stack", string(debug.Stack()))

				err = fmt.Errorf("panic: %v", rec)
			}
		}()

		err = m.telemetry.InstrumentDownload(ctx, string(t.Quality), func(ctx context.Context) error {
			var terr error

			pos, terr = m.transfer(ctx, r, &t)

			return terr
		})
	}()

	m.finish(r, t.ID, pos, err)
}

// transfer streams the media into the part file and returns the byte position reached.
func (m *Manager) transfer(ctx context.Context, r *run, t *Task) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)
	part := m.partPath(t)

	if err := os.MkdirAll(filepath.Dir(part), dirPerm); err != nil {
		return t.DownloadedBytes, &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "prepare", Err: err}
	}

	offset := t.DownloadedBytes

	info, err := os.Stat(part)
	switch {
	case err != nil:
		offset = 0
	case info.Size() < offset:
		offset = info.Size()
	}

	if t.TotalBytes > 0 && offset >= t.TotalBytes {
		return offset, m.commit(ctx, r, t, part, offset)
	}

	stream, err := m.transport.Open(ctx, t.LessonID, t.Quality, offset)
	if err != nil {
		return offset, &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "open", Err: err}
	}
	defer stream.Body.Close()

	if stream.Offset != offset {
		logger.DebugContext(ctx, "resuming from server offset", "requested", offset, "offset", stream.Offset)

		offset = stream.Offset
	}

	total := stream.Total
	if total <= 0 {
		total = t.TotalBytes
	}

	if total > t.TotalBytes {
		logger.WarnContext(ctx, "origin serves more than the probed size",
			"probed", humanize.Bytes(uint64(max(t.TotalBytes, 0))), "total", humanize.Bytes(uint64(total)))

		if err := m.quota.Reserve(ctx, t.ID, total-offset); err != nil {
			return offset, &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "reserve", Err: err}
		}
	}

	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE, filePerm)
	if err != nil {
		return offset, &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "write", Err: err}
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()

		return offset, &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "write", Err: err}
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()

		return offset, &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "write", Err: err}
	}

	logger.InfoContext(ctx, "downloading lesson",
		"offset", humanize.Bytes(uint64(offset)),
		"total", humanize.Bytes(uint64(max(total, 0))))

	var body io.Reader = transport.LimitReader(ctx, stream.Body, m.cfg.Limiter)
	if total > 0 {
		// reads stop one byte past total so an oversized stream fails the length check
		body = io.LimitReader(body, total-offset+1)
	}
	pr := progress.NewReader(body, offset, total, m.cfg.ReportInterval, func(read, total int64) {
		m.reportProgress(r, t.ID, read, total)
	})

	_, copyErr := io.Copy(f, pr)
	closeErr := errors.Join(f.Sync(), f.Close())
	pos := pr.BytesRead()

	if copyErr != nil {
		if ctx.Err() != nil {
			return pos, ctx.Err()
		}

		return pos, &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "read", Err: copyErr}
	}

	if closeErr != nil {
		return pos, &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "write", Err: closeErr}
	}

	if total > 0 && pos != total {
		return pos, &TransferError{
			TaskID: t.ID, LessonID: t.LessonID, Op: "read",
			Err: fmt.Errorf("stream ended at %d of %d bytes", pos, total),
		}
	}

	return pos, m.commit(ctx, r, t, part, pos)
}

// commit moves the part file into place and indexes it, unless the run was
// stopped meanwhile.
func (m *Manager) commit(ctx context.Context, r *run, t *Task, part string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.stopping || m.closed {
		return context.Canceled
	}

	final := MediaPath(m.cfg.MediaDir, t.LessonID, t.Quality)
	if err := os.Rename(part, final); err != nil {
		return &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "commit", Err: err}
	}

	rec := storage.MediaRecord{
		LessonID:    t.LessonID,
		Quality:     t.Quality,
		Path:        final,
		Size:        size,
		CompletedAt: m.clock.Now(),
	}

	if err := storage.PutRecord(ctx, m.store, storage.MediaKey(t.LessonID, t.Quality), rec); err != nil {
		return &TransferError{TaskID: t.ID, LessonID: t.LessonID, Op: "commit", Err: err}
	}

	return nil
}

func (m *Manager) reportProgress(r *run, id string, read, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runs[id] != r || r.stopping {
		return
	}

	t, ok := m.tasks[id]
	if !ok || t.Status != StatusDownloading {
		return
	}

	m.telemetry.RecordDownloadedBytes(string(t.Quality), read-t.DownloadedBytes)

	t.DownloadedBytes = read
	if total > 0 {
		t.TotalBytes = total
	}

	t.Progress = max(t.Progress, percent(read, t.TotalBytes))
	t.UpdatedAt = m.clock.Now()

	m.persistQuietLocked(m.baseCtx, t)
	m.emitLocked(t)
}

func (m *Manager) finish(r *run, id string, pos int64, err error) {
	ctx := m.baseCtx
	logger := logctx.LoggerFromContext(ctx).With("task_id", id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runs[id] == r {
		delete(m.runs, id)
	}

	m.window.Release(1)
	m.quota.Release(id)

	t, ok := m.tasks[id]

	switch {
	case !ok:
	case m.closed:
		// leave it downloading so Restore requeues it
		t.DownloadedBytes = pos
		m.persistQuietLocked(context.WithoutCancel(ctx), t)

		return
	case t.Status == StatusCancelled:
		m.removePartialLocked(t)

		if err == nil {
			// cancelled after the media was committed
			m.removeCommittedLocked(ctx, t)
		}
	case err == nil:
		// committed, even when a pause or resume landed after the commit
		t.Status = StatusCompleted
		t.DownloadedBytes = pos
		t.TotalBytes = max(t.TotalBytes, pos)
		t.Progress = 100
		t.UpdatedAt = m.clock.Now()
		m.persistQuietLocked(ctx, t)
		m.emitLocked(t)

		logger.InfoContext(ctx, "download completed", "lesson_id", t.LessonID, "size", humanize.Bytes(uint64(pos)))
	case t.Status != StatusDownloading:
		t.DownloadedBytes = pos
		t.UpdatedAt = m.clock.Now()
		m.persistQuietLocked(ctx, t)
		m.emitLocked(t)
	default:
		t.Status = StatusFailed
		t.Error = err.Error()
		t.DownloadedBytes = pos
		t.UpdatedAt = m.clock.Now()
		m.persistQuietLocked(ctx, t)
		m.emitLocked(t)

		logger.ErrorContext(ctx, "download failed", "lesson_id", t.LessonID, "err", err)
	}

	if err := m.pumpLocked(ctx); err != nil && !errors.Is(err, ErrClosed) {
		logger.DebugContext(ctx, "pending downloads still blocked", "err", err)
	}
}

// Pause stops a downloading task and keeps its partial bytes.
func (m *Manager) Pause(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	switch t.Status {
	case StatusPaused:
		return *t, nil
	case StatusDownloading:
		if r, running := m.runs[id]; running {
			r.stopping = true
			r.cancel()
		}

		t.Status = StatusPaused
		t.UpdatedAt = m.clock.Now()
		m.persistQuietLocked(ctx, t)
		m.emitLocked(t)

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "download paused", "task_id", id)

		return *t, nil
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
	}

	return *t, fmt.Errorf("%w: cannot pause %s task", ErrInvalidTransition, t.Status)
}

// Resume moves a paused or failed task back to the queue. Resuming a pending
// or downloading task is a no-op.
func (m *Manager) Resume(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	switch t.Status {
	case StatusPending, StatusDownloading:
		return *t, nil
	case StatusPaused, StatusFailed:
		if other := m.activeTaskLocked(t.LessonID); other != nil && other.ID != id {
			return *t, fmt.Errorf("%w: lesson %s", ErrAlreadyQueued, t.LessonID)
		}

		t.Status = StatusPending
		t.Error = ""
		t.UpdatedAt = m.clock.Now()
		m.persistQuietLocked(ctx, t)
		m.pending = append(m.pending, id)
		m.emitLocked(t)

		if err := m.pumpLocked(ctx); err != nil && t.Status == StatusPending {
			return *t, err
		}

		return *t, nil
	case StatusCompleted, StatusCancelled:
	}

	return *t, fmt.Errorf("%w: cannot resume %s task", ErrInvalidTransition, t.Status)
}

// Cancel stops a non-terminal task and deletes its partial bytes.
func (m *Manager) Cancel(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	switch t.Status {
	case StatusCancelled:
		return *t, nil
	case StatusCompleted, StatusFailed:
		return *t, fmt.Errorf("%w: cannot cancel %s task", ErrInvalidTransition, t.Status)
	case StatusPending, StatusDownloading, StatusPaused:
	}

	if r, running := m.runs[id]; running {
		r.stopping = true
		r.cancel()
	} else {
		m.removePartialLocked(t)
	}

	m.removePendingLocked(id)

	t.Status = StatusCancelled
	t.Error = ""
	t.DownloadedBytes = 0
	t.UpdatedAt = m.clock.Now()
	m.persistQuietLocked(ctx, t)
	m.emitLocked(t)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download cancelled", "task_id", id)

	if err := m.pumpLocked(ctx); err != nil && !errors.Is(err, ErrClosed) {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "pending downloads still blocked", "err", err)
	}

	return *t, nil
}

// Forget removes a terminal task record. Partial bytes of unfinished tasks are deleted.
func (m *Manager) Forget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if !t.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot forget %s task", ErrInvalidTransition, t.Status)
	}

	if err := m.store.Delete(ctx, storage.QueueKey(id)); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	if t.Status != StatusCompleted {
		m.removePartialLocked(t)
	}

	delete(m.tasks, id)

	return nil
}

// Get returns a copy of a task.
func (m *Manager) Get(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	return *t, nil
}

// List returns every known task ordered by creation time.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, *t)
	}

	sortTasks(tasks)

	return tasks
}

// LessonTasks returns the tasks of one lesson ordered by creation time.
func (m *Manager) LessonTasks(lessonID string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []Task

	for _, t := range m.tasks {
		if t.LessonID == lessonID {
			tasks = append(tasks, *t)
		}
	}

	sortTasks(tasks)

	return tasks
}

// ActiveLessons returns the lessons that have a non-terminal task.
func (m *Manager) ActiveLessons() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]bool)

	for _, t := range m.tasks {
		if !t.Status.IsTerminal() {
			active[t.LessonID] = true
		}
	}

	return active
}

// Blocked returns the bytes needed by the pending task at the head of the
// queue, or 0 when nothing is waiting.
func (m *Manager) Blocked() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.pending {
		if t, ok := m.tasks[id]; ok && t.Status == StatusPending {
			return t.Remaining()
		}
	}

	return 0
}

// Restore reloads persisted tasks. Interrupted downloads are queued again and
// unreadable records are dropped.
func (m *Manager) Restore(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := m.store.List(ctx, storage.QueuePrefix)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*Task

	for _, e := range entries {
		var t Task
		if err := storage.Decode(e.Value, &t); err != nil || storage.QueueKey(t.ID) != e.Key {
			logger.WarnContext(ctx, "dropping corrupt task record", "key", e.Key, "err", err)

			if err := m.store.Delete(ctx, e.Key); err != nil {
				logger.ErrorContext(ctx, "failed to drop corrupt task record", "key", e.Key, "err", err)
			}

			continue
		}

		if t.Status == StatusDownloading {
			t.Status = StatusPending
			m.persistQuietLocked(ctx, &t)
		}

		if _, known := m.tasks[t.ID]; known {
			continue
		}

		m.tasks[t.ID] = &t

		if t.Status == StatusPending {
			pending = append(pending, &t)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].UpdatedAt.Equal(pending[j].UpdatedAt) {
			return pending[i].UpdatedAt.Before(pending[j].UpdatedAt)
		}

		return pending[i].ID < pending[j].ID
	})

	for _, t := range pending {
		m.pending = append(m.pending, t.ID)
	}

	logger.InfoContext(ctx, "download tasks restored", "tasks", len(m.tasks), "pending", len(pending))

	if err := m.pumpLocked(ctx); err != nil {
		logger.WarnContext(ctx, "restored downloads are blocked", "err", err)
	}

	return nil
}

// Subscribe returns a channel of task events. Events are dropped for
// subscribers whose buffer is full. The returned function unsubscribes.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, buffer)

	if m.closed {
		close(ch)

		return ch, func() {}
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// Close stops every transfer and waits for them to exit. Interrupted tasks
// stay persisted as downloading and are requeued by Restore.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}

	return nil
}

func (m *Manager) emitLocked(t *Task) {
	ev := eventOf(t)

	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) activeTaskLocked(lessonID string) *Task {
	for _, t := range m.tasks {
		if t.LessonID == lessonID && !t.Status.IsTerminal() {
			return t
		}
	}

	return nil
}

func (m *Manager) removePendingLocked(id string) {
	for i, pid := range m.pending {
		if pid == id {
			m.pending = append(m.pending[:i:i], m.pending[i+1:]...)

			return
		}
	}
}

func (m *Manager) removePartialLocked(t *Task) {
	if err := os.Remove(m.partPath(t)); err != nil && !os.IsNotExist(err) {
		logctx.LoggerFromContext(m.baseCtx).WarnContext(m.baseCtx, "failed to remove partial download",
			"task_id", t.ID, "err", err)
	}
}

func (m *Manager) removeCommittedLocked(ctx context.Context, t *Task) {
	logger := logctx.LoggerFromContext(ctx)

	if err := m.store.Delete(ctx, storage.MediaKey(t.LessonID, t.Quality)); err != nil {
		logger.ErrorContext(ctx, "failed to drop media record of cancelled task", "task_id", t.ID, "err", err)
	}

	if err := os.Remove(MediaPath(m.cfg.MediaDir, t.LessonID, t.Quality)); err != nil && !os.IsNotExist(err) {
		logger.WarnContext(ctx, "failed to remove media of cancelled task", "task_id", t.ID, "err", err)
	}
}

func (m *Manager) persistLocked(ctx context.Context, t *Task) error {
	if err := storage.PutRecord(ctx, m.store, storage.QueueKey(t.ID), t); err != nil {
		return fmt.Errorf("failed to persist task %s: %w", t.ID, err)
	}

	return nil
}

func (m *Manager) persistQuietLocked(ctx context.Context, t *Task) {
	if err := m.persistLocked(ctx, t); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist task", "task_id", t.ID, "err", err)
	}
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}

		return tasks[i].ID < tasks[j].ID
	})
}

func validateLessonID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id || filepath.IsAbs(id) {
		return fmt.Errorf("%w: lesson id %q", ErrInvalidRequest, id)
	}

	return nil
}

var _ Quota = (*quota.Manager)(nil)
