// Package progress is the single writer of lesson watch progress records.
package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/storage"
)

var (
	// ErrInvalidPatch is returned for negative or non-finite values.
	ErrInvalidPatch = errors.New("invalid progress patch")

	// ErrNotTracking is returned by StopTracking without a matching StartTracking.
	ErrNotTracking = errors.New("lesson is not being tracked")
)

type Config struct {
	CompletionThreshold float64       // percent
	ResumeThreshold     time.Duration // below this no resume position is offered
	ChapterSnapWindow   time.Duration
	WatchCapFactor      float64 // watched time is capped at duration times this factor, 0 disables
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		CompletionThreshold: 90,
		ResumeThreshold:     30 * time.Second,
		ChapterSnapWindow:   10 * time.Second,
		WatchCapFactor:      3,
	}
}

// Patch holds the fields a player reports. Nil fields are left untouched.
type Patch struct {
	CurrentTime          *float64 `json:"currentTime,omitempty"`
	Duration             *float64 `json:"duration,omitempty"`
	CompletionPercentage *float64 `json:"completionPercentage,omitempty"`
}

func (p Patch) validate() error {
	for name, v := range map[string]*float64{
		"currentTime":          p.CurrentTime,
		"duration":             p.Duration,
		"completionPercentage": p.CompletionPercentage,
	} {
		if v != nil && (*v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: %s = %v", ErrInvalidPatch, name, *v)
		}
	}

	return nil
}

// Listener is called after every local write.
type Listener func(lesson.VideoProgress)

type Engine struct {
	store storage.Store
	cfg   Config
	clock clockwork.Clock

	mu        sync.Mutex
	tracking  map[lesson.Key]time.Time
	listeners []Listener
}

func New(store storage.Store, cfg Config, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Engine{
		store:    store,
		cfg:      cfg,
		clock:    clock,
		tracking: make(map[lesson.Key]time.Time),
	}
}

// OnChange registers a listener for local writes.
func (e *Engine) OnChange(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = append(e.listeners, l)
}

// Save merges a patch into the record of key. The completion percentage
// never regresses and completion latches once the threshold is reached.
func (e *Engine) Save(ctx context.Context, key lesson.Key, patch Patch) (lesson.VideoProgress, error) {
	if err := key.Validate(); err != nil {
		return lesson.VideoProgress{}, fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}

	if err := patch.validate(); err != nil {
		return lesson.VideoProgress{}, err
	}

	return e.update(ctx, key, func(p *lesson.VideoProgress) bool {
		if patch.CurrentTime != nil {
			p.CurrentTime = *patch.CurrentTime
		}

		if patch.Duration != nil && *patch.Duration > 0 {
			p.Duration = *patch.Duration
		}

		var pct float64

		switch {
		case patch.CompletionPercentage != nil:
			pct = *patch.CompletionPercentage
		case patch.CurrentTime != nil && p.Duration > 0:
			pct = p.CurrentTime * 100 / p.Duration
		}

		p.CompletionPercentage = max(p.CompletionPercentage, min(pct, 100))
		e.latchCompletion(p)

		return true
	})
}

// MarkCompleted force-completes a lesson. Completing twice writes once.
func (e *Engine) MarkCompleted(ctx context.Context, key lesson.Key) (lesson.VideoProgress, error) {
	if err := key.Validate(); err != nil {
		return lesson.VideoProgress{}, fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}

	return e.update(ctx, key, func(p *lesson.VideoProgress) bool {
		if p.Completed && p.CompletionPercentage == 100 {
			return false
		}

		p.CompletionPercentage = 100
		e.latchCompletion(p)

		return true
	})
}

func (e *Engine) latchCompletion(p *lesson.VideoProgress) {
	if p.CompletionPercentage >= e.cfg.CompletionThreshold && !p.Completed {
		p.Completed = true
		p.CompletedAt = e.clock.Now()
	}
}

// StartTracking marks the start of a playback interval.
func (e *Engine) StartTracking(key lesson.Key) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tracking[key]; !ok {
		e.tracking[key] = e.clock.Now()
	}

	return nil
}

// StopTracking adds the wall-clock time since StartTracking to the watched
// time. Watched time is capped at the lesson duration times the configured
// factor and never decreases.
func (e *Engine) StopTracking(ctx context.Context, key lesson.Key) (lesson.VideoProgress, error) {
	e.mu.Lock()
	start, ok := e.tracking[key]
	delete(e.tracking, key)
	e.mu.Unlock()

	if !ok {
		return lesson.VideoProgress{}, fmt.Errorf("%w: %s", ErrNotTracking, key)
	}

	delta := e.clock.Since(start).Seconds()
	if delta <= 0 {
		return e.Get(ctx, key)
	}

	return e.update(ctx, key, func(p *lesson.VideoProgress) bool {
		watched := p.WatchedTime + delta

		if e.cfg.WatchCapFactor > 0 && p.Duration > 0 {
			watched = min(watched, p.Duration*e.cfg.WatchCapFactor)
		}

		if watched <= p.WatchedTime {
			return false
		}

		p.WatchedTime = watched

		return true
	})
}

// ComputeResumePosition returns where playback should resume. Positions
// below the resume threshold yield 0; positions within the snap window of a
// chapter start snap back to that start.
func (e *Engine) ComputeResumePosition(currentTime float64, chapters []lesson.Chapter) float64 {
	if currentTime < e.cfg.ResumeThreshold.Seconds() {
		return 0
	}

	if len(chapters) == 0 {
		return currentTime
	}

	sorted := append([]lesson.Chapter(nil), chapters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var (
		start float64
		found bool
	)

	for _, c := range sorted {
		if c.Start > currentTime {
			break
		}

		start, found = c.Start, true
	}

	if found && currentTime-start <= e.cfg.ChapterSnapWindow.Seconds() {
		return start
	}

	return currentTime
}

// ResumePosition computes the resume position of a stored record.
func (e *Engine) ResumePosition(ctx context.Context, key lesson.Key, chapters []lesson.Chapter) (float64, error) {
	p, err := e.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return e.ComputeResumePosition(p.CurrentTime, chapters), nil
}

// Get returns the stored record of key.
func (e *Engine) Get(ctx context.Context, key lesson.Key) (lesson.VideoProgress, error) {
	var p lesson.VideoProgress

	err := storage.GetRecord(ctx, e.store, storage.ProgressKey(key), &p)
	if errors.Is(err, storage.ErrCorrupt) {
		e.dropCorrupt(ctx, storage.ProgressKey(key), err)

		return p, storage.ErrNotFound
	}

	return p, err
}

// Dirty returns every record not yet confirmed by the remote, oldest write first.
func (e *Engine) Dirty(ctx context.Context) ([]lesson.VideoProgress, error) {
	all, err := e.all(ctx)
	if err != nil {
		return nil, err
	}

	var dirty []lesson.VideoProgress

	for _, p := range all {
		if p.Dirty {
			dirty = append(dirty, p)
		}
	}

	sort.SliceStable(dirty, func(i, j int) bool { return dirty[i].LastUpdated.Before(dirty[j].LastUpdated) })

	return dirty, nil
}

// PendingCount returns the number of dirty records.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	dirty, err := e.Dirty(ctx)

	return len(dirty), err
}

// MarkSynced clears the dirty flag when the record is still at the pushed
// revision. It reports whether the flag was cleared.
func (e *Engine) MarkSynced(ctx context.Context, key lesson.Key, revision int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadLocked(ctx, key)
	if err != nil {
		return false, err
	}

	if p.Revision != revision || !p.Dirty {
		return false, nil
	}

	p.Dirty = false
	p.SyncedAt = e.clock.Now()

	return true, e.persistLocked(ctx, &p)
}

// ApplyRemote stores a merged value that won conflict resolution. When the
// record changed after the pushed revision only the monotonic fields are
// merged and the record stays dirty. Applying the same value twice yields
// the same record.
func (e *Engine) ApplyRemote(ctx context.Context, key lesson.Key, merged lesson.VideoProgress, revision int64) (lesson.VideoProgress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.loadLocked(ctx, key)
	if err != nil {
		return p, err
	}

	p.WatchedTime = max(p.WatchedTime, merged.WatchedTime)
	p.CompletionPercentage = max(p.CompletionPercentage, merged.CompletionPercentage)

	if merged.Completed && !p.Completed {
		p.Completed = true
		p.CompletedAt = merged.CompletedAt
	}

	if p.Revision == revision {
		p.CurrentTime = merged.CurrentTime
		p.Duration = max(p.Duration, merged.Duration)
		p.LastUpdated = merged.LastUpdated

		if p.Dirty {
			p.Dirty = false
			p.SyncedAt = e.clock.Now()
		}
	}

	return p, e.persistLocked(ctx, &p)
}

// CompletedLessons maps every completed lesson to the latest time it was completed.
func (e *Engine) CompletedLessons(ctx context.Context) (map[string]time.Time, error) {
	all, err := e.all(ctx)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]time.Time)

	for _, p := range all {
		if !p.Completed {
			continue
		}

		at := p.CompletedAt
		if at.IsZero() {
			at = p.LastUpdated
		}

		if prev, ok := completed[p.LessonID]; !ok || at.After(prev) {
			completed[p.LessonID] = at
		}
	}

	return completed, nil
}

func (e *Engine) update(ctx context.Context, key lesson.Key, mutate func(*lesson.VideoProgress) bool) (lesson.VideoProgress, error) {
	e.mu.Lock()

	p, err := e.loadLocked(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		p, err = lesson.VideoProgress{UserID: key.UserID, CourseID: key.CourseID, LessonID: key.LessonID}, nil
	}

	if err != nil {
		e.mu.Unlock()

		return p, err
	}

	if !mutate(&p) {
		e.mu.Unlock()

		return p, nil
	}

	p.LastUpdated = e.clock.Now()
	p.Revision++
	p.Dirty = true

	if err := e.persistLocked(ctx, &p); err != nil {
		e.mu.Unlock()

		return p, err
	}

	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, l := range listeners {
		l(p)
	}

	return p, nil
}

func (e *Engine) loadLocked(ctx context.Context, key lesson.Key) (lesson.VideoProgress, error) {
	var p lesson.VideoProgress

	err := storage.GetRecord(ctx, e.store, storage.ProgressKey(key), &p)
	if errors.Is(err, storage.ErrCorrupt) {
		e.dropCorrupt(ctx, storage.ProgressKey(key), err)

		return lesson.VideoProgress{}, storage.ErrNotFound
	}

	return p, err
}

func (e *Engine) persistLocked(ctx context.Context, p *lesson.VideoProgress) error {
	if err := storage.PutRecord(ctx, e.store, storage.ProgressKey(p.Key()), p); err != nil {
		return fmt.Errorf("failed to persist progress %s: %w", p.Key(), err)
	}

	return nil
}

func (e *Engine) all(ctx context.Context) ([]lesson.VideoProgress, error) {
	entries, err := e.store.List(ctx, storage.ProgressPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress records: %w", err)
	}

	records := make([]lesson.VideoProgress, 0, len(entries))

	for _, entry := range entries {
		var p lesson.VideoProgress
		if err := storage.Decode(entry.Value, &p); err != nil {
			e.dropCorrupt(ctx, entry.Key, err)

			continue
		}

		records = append(records, p)
	}

	return records, nil
}

func (e *Engine) dropCorrupt(ctx context.Context, key string, cause error) {
	logger := logctx.LoggerFromContext(ctx)
	logger.WarnContext(ctx, "dropping corrupt progress record", "key", key, "err", cause)

	if err := e.store.Delete(ctx, key); err != nil {
		logger.ErrorContext(ctx, "failed to drop corrupt progress record", "key", key, "err", err)
	}
}
