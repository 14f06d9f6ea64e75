// Package quota accounts for the bytes held by cached lesson media and
// decides which lessons to evict when space runs out.
package quota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/italolelis/lesson_offline/internal/cleanup"
	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/storage"
	"github.com/italolelis/lesson_offline/internal/telemetry"
)

// ErrQuotaExceeded is returned when the requested bytes do not fit.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Stats is a point-in-time view of media storage.
type Stats struct {
	Used      int64   `json:"used"`
	Reserved  int64   `json:"reserved"`
	Available int64   `json:"available"`
	Total     int64   `json:"total"`
	Usage     float64 `json:"usage"` // percent of Total held by Used
}

// EvictionReport lists what Evict removed.
type EvictionReport struct {
	Lessons    []string `json:"lessons"`
	FreedBytes int64    `json:"freedBytes"`
	Stats      Stats    `json:"stats"`
}

// Completions reports when each lesson was finished by the user.
type Completions interface {
	CompletedLessons(ctx context.Context) (map[string]time.Time, error)
}

// ActiveLessons reports the lessons that have a non-terminal download task.
type ActiveLessons interface {
	ActiveLessons() map[string]bool
}

// FreeSpaceFunc returns the free bytes of the volume holding path.
type FreeSpaceFunc func(path string) (uint64, error)

// DiskFree reads the free space of the volume holding path.
func DiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}

	return usage.Free, nil
}

type Option func(*Manager)

// WithCeiling fixes the total bytes instead of asking the device.
func WithCeiling(bytes int64) Option {
	return func(m *Manager) { m.ceiling = bytes }
}

func WithFreeSpace(fn FreeSpaceFunc) Option {
	return func(m *Manager) { m.freeSpace = fn }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) { m.telemetry = t }
}

type Manager struct {
	store     storage.Store
	mediaDir  string
	ceiling   int64
	freeSpace FreeSpaceFunc
	telemetry *telemetry.Telemetry

	mu          sync.Mutex
	reserved    map[string]int64
	completions Completions
	active      ActiveLessons
}

func New(store storage.Store, mediaDir string, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		mediaDir:  mediaDir,
		freeSpace: DiskFree,
		reserved:  make(map[string]int64),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Bind connects the sources eviction depends on. The download manager needs
// the quota manager at construction, so the active lessons are bound later.
func (m *Manager) Bind(completions Completions, active ActiveLessons) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completions = completions
	m.active = active
}

// Usage sums the cached media records.
func (m *Manager) Usage(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.usageLocked(ctx)
}

func (m *Manager) usageLocked(ctx context.Context) (Stats, error) {
	records, corrupt, err := storage.MediaRecords(ctx, m.store)
	if err != nil {
		return Stats{}, err
	}

	m.dropCorrupt(ctx, corrupt)

	var s Stats

	for _, rec := range records {
		s.Used += rec.Size
	}

	for _, b := range m.reserved {
		s.Reserved += b
	}

	if m.ceiling > 0 {
		s.Total = m.ceiling
	} else {
		if err := os.MkdirAll(m.mediaDir, 0o755); err != nil {
			return Stats{}, fmt.Errorf("failed to create media dir: %w", err)
		}

		free, err := m.freeSpace(m.mediaDir)
		if err != nil {
			return Stats{}, err
		}

		s.Total = s.Used + int64(free)
	}

	s.Available = max(s.Total-s.Used-s.Reserved, 0)

	if s.Total > 0 {
		s.Usage = float64(s.Used) * 100 / float64(s.Total)
	}

	m.telemetry.RecordStorageUsed(s.Used)

	return s, nil
}

// CanAdmit reports whether estimated more bytes fit next to what is stored
// and reserved.
func (m *Manager) CanAdmit(ctx context.Context, estimated int64) (bool, error) {
	s, err := m.Usage(ctx)
	if err != nil {
		return false, err
	}

	return estimated <= s.Available, nil
}

// Reserve holds bytes for an in-flight task. Reserving again for the same
// task replaces the previous amount.
func (m *Manager) Reserve(ctx context.Context, taskID string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reserved, taskID)

	s, err := m.usageLocked(ctx)
	if err != nil {
		return err
	}

	if bytes > s.Available {
		return fmt.Errorf("%w: need %s, %s available", ErrQuotaExceeded,
			humanize.Bytes(uint64(max(bytes, 0))), humanize.Bytes(uint64(s.Available)))
	}

	m.reserved[taskID] = bytes

	return nil
}

// Release drops the reservation of a task.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reserved, taskID)
}

// Evict removes media of completed lessons, least recently completed first,
// until wantFree bytes are available. Lessons with a non-terminal download
// task are never evicted and progress records are never touched. When not
// enough can be freed the report is returned with ErrQuotaExceeded.
func (m *Manager) Evict(ctx context.Context, wantFree int64) (EvictionReport, error) {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	completions, active := m.completions, m.active
	m.mu.Unlock()

	// collected before taking the lock: the download manager calls Reserve with its own lock held
	protected := map[string]bool{}
	if active != nil {
		protected = active.ActiveLessons()
	}

	completed := map[string]time.Time{}

	if completions != nil {
		var err error

		completed, err = completions.CompletedLessons(ctx)
		if err != nil {
			return EvictionReport{}, fmt.Errorf("failed to load completed lessons: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.usageLocked(ctx)
	if err != nil {
		return EvictionReport{}, err
	}

	report := EvictionReport{Stats: s}
	if s.Available >= wantFree {
		return report, nil
	}

	records, _, err := storage.MediaRecords(ctx, m.store)
	if err != nil {
		return report, err
	}

	for _, c := range candidates(records, completed, protected) {
		if s.Available >= wantFree {
			break
		}

		freed, err := m.removeRecords(ctx, c.records)
		if err != nil {
			return report, fmt.Errorf("failed to evict lesson %s: %w", c.lessonID, err)
		}

		report.Lessons = append(report.Lessons, c.lessonID)
		report.FreedBytes += freed
		s.Used -= freed
		s.Available = max(s.Total-s.Used-s.Reserved, 0)

		logger.InfoContext(ctx, "evicted lesson media", "lesson_id", c.lessonID, "freed", humanize.Bytes(uint64(freed)))
	}

	m.telemetry.RecordEviction(report.FreedBytes)

	report.Stats, err = m.usageLocked(ctx)
	if err != nil {
		return report, err
	}

	if report.Stats.Available < wantFree {
		return report, fmt.Errorf("%w: %s wanted, %s available and no eviction candidate left",
			ErrQuotaExceeded, humanize.Bytes(uint64(max(wantFree, 0))), humanize.Bytes(uint64(report.Stats.Available)))
	}

	return report, nil
}

// RemoveExpired deletes media completed more than keep ago. Lessons with a
// non-terminal download task are skipped.
func (m *Manager) RemoveExpired(ctx context.Context, keep time.Duration, now time.Time) (cleanup.Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	var res cleanup.Result

	if keep <= 0 {
		return res, nil
	}

	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	protected := map[string]bool{}
	if active != nil {
		protected = active.ActiveLessons()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, corrupt, err := storage.MediaRecords(ctx, m.store)
	if err != nil {
		return res, err
	}

	m.dropCorrupt(ctx, corrupt)

	for _, rec := range cleanup.Expired(ctx, records, keep, now) {
		if protected[rec.LessonID] {
			logger.DebugContext(ctx, "keeping expired media of a lesson being downloaded", "lesson_id", rec.LessonID)

			continue
		}

		freed, err := m.removeRecords(ctx, []storage.MediaRecord{rec})
		if err != nil {
			return res, fmt.Errorf("failed to delete expired media of lesson %s: %w", rec.LessonID, err)
		}

		res.Removed++
		res.FreedBytes += freed
		res.Lessons = append(res.Lessons, rec.LessonID)

		logger.InfoContext(ctx, "deleted expired media", "lesson_id", rec.LessonID, "quality", rec.Quality,
			"size", humanize.Bytes(uint64(max(freed, 0))))
	}

	return res, nil
}

// RemoveLesson deletes the cached media of every quality of a lesson.
func (m *Manager) RemoveLesson(ctx context.Context, lessonID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.store.List(ctx, storage.MediaLessonPrefix(lessonID))
	if err != nil {
		return 0, fmt.Errorf("failed to list media of lesson %s: %w", lessonID, err)
	}

	var records []storage.MediaRecord

	for _, e := range entries {
		var rec storage.MediaRecord
		if err := storage.Decode(e.Value, &rec); err != nil {
			m.dropCorrupt(ctx, []string{e.Key})

			continue
		}

		records = append(records, rec)
	}

	freed, err := m.removeRecords(ctx, records)
	if err != nil {
		return freed, err
	}

	removeIfEmpty(filepath.Join(m.mediaDir, lessonID))

	return freed, nil
}

// Media returns the cached media record of a lesson at a quality.
func (m *Manager) Media(ctx context.Context, lessonID string, quality lesson.Quality) (storage.MediaRecord, error) {
	var rec storage.MediaRecord

	key := storage.MediaKey(lessonID, quality)
	if err := storage.GetRecord(ctx, m.store, key, &rec); err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			m.dropCorrupt(ctx, []string{key})

			return rec, storage.ErrNotFound
		}

		return rec, err
	}

	if _, err := os.Stat(rec.Path); err != nil {
		return rec, fmt.Errorf("media file of lesson %s missing: %w", lessonID, storage.ErrNotFound)
	}

	return rec, nil
}

func (m *Manager) removeRecords(ctx context.Context, records []storage.MediaRecord) (int64, error) {
	var freed int64

	for _, rec := range records {
		if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
			return freed, fmt.Errorf("failed to remove %s: %w", rec.Path, err)
		}

		if err := m.store.Delete(ctx, storage.MediaKey(rec.LessonID, rec.Quality)); err != nil {
			return freed, err
		}

		freed += rec.Size

		removeIfEmpty(filepath.Dir(rec.Path))
	}

	return freed, nil
}

func (m *Manager) dropCorrupt(ctx context.Context, keys []string) {
	logger := logctx.LoggerFromContext(ctx)

	for _, key := range keys {
		logger.WarnContext(ctx, "dropping corrupt media record", "key", key)

		if err := m.store.Delete(ctx, key); err != nil {
			logger.ErrorContext(ctx, "failed to drop corrupt media record", "key", key, "err", err)
		}
	}
}

type candidate struct {
	lessonID    string
	completedAt time.Time
	records     []storage.MediaRecord
}

// candidates groups evictable media by lesson, least recently completed first.
func candidates(records []storage.MediaRecord, completed map[string]time.Time, protected map[string]bool) []candidate {
	byLesson := make(map[string]*candidate)

	for _, rec := range records {
		at, done := completed[rec.LessonID]
		if !done || protected[rec.LessonID] {
			continue
		}

		c, ok := byLesson[rec.LessonID]
		if !ok {
			c = &candidate{lessonID: rec.LessonID, completedAt: at}
			byLesson[rec.LessonID] = c
		}

		c.records = append(c.records, rec)
	}

	out := make([]candidate, 0, len(byLesson))
	for _, c := range byLesson {
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].completedAt.Equal(out[j].completedAt) {
			return out[i].completedAt.Before(out[j].completedAt)
		}

		return out[i].lessonID < out[j].lessonID
	})

	return out
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}
