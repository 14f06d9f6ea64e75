package quota

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/storage"
	"github.com/italolelis/lesson_offline/internal/storage/memory"
)

const mb = 1 << 20

type fakeCompletions map[string]time.Time

func (f fakeCompletions) CompletedLessons(context.Context) (map[string]time.Time, error) {
	return f, nil
}

type fakeActive map[string]bool

func (f fakeActive) ActiveLessons() map[string]bool { return f }

func addMedia(t *testing.T, store storage.Store, dir, lessonID string, q lesson.Quality, size int64) string {
	t.Helper()

	path := filepath.Join(dir, lessonID, string(q)+".mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	rec := storage.MediaRecord{LessonID: lessonID, Quality: q, Path: path, Size: size, CompletedAt: time.Now()}
	require.NoError(t, storage.PutRecord(context.Background(), store, storage.MediaKey(lessonID, q), rec))

	return path
}

func TestManager_Usage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	dir := t.TempDir()

	addMedia(t, store, dir, "l1", lesson.QualitySD, 30*mb)
	addMedia(t, store, dir, "l2", lesson.QualityHD, 20*mb)
	require.NoError(t, store.Put(ctx, storage.MediaKey("broken", lesson.QualitySD), []byte("{not json")))

	m := New(store, dir, WithCeiling(200*mb))

	s, err := m.Usage(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(50*mb), s.Used)
	assert.Equal(t, int64(200*mb), s.Total)
	assert.Equal(t, int64(150*mb), s.Available)
	assert.InDelta(t, 25.0, s.Usage, 0.001)

	_, err = store.Get(ctx, storage.MediaKey("broken", lesson.QualitySD))
	assert.ErrorIs(t, err, storage.ErrNotFound, "corrupt record dropped")
}

func TestManager_DeviceReportedTotal(t *testing.T) {
	store := memory.New()
	dir := t.TempDir()
	addMedia(t, store, dir, "l1", lesson.QualitySD, 10*mb)

	m := New(store, dir, WithFreeSpace(func(string) (uint64, error) { return 90 * mb, nil }))

	s, err := m.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100*mb), s.Total)
	assert.Equal(t, int64(90*mb), s.Available)

	m = New(store, dir, WithFreeSpace(func(string) (uint64, error) { return 0, errors.New("statfs failed") }))
	_, err = m.Usage(context.Background())
	assert.Error(t, err)
}

func TestManager_CanAdmitAndReserve(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	dir := t.TempDir()

	m := New(store, dir, WithCeiling(100*mb))

	ok, err := m.CanAdmit(ctx, 150*mb)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.CanAdmit(ctx, 100*mb)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Reserve(ctx, "t1", 60*mb))

	err = m.Reserve(ctx, "t2", 50*mb)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, m.Reserve(ctx, "t1", 10*mb), "re-reserving replaces the amount")
	require.NoError(t, m.Reserve(ctx, "t2", 50*mb))

	m.Release("t1")
	m.Release("t2")

	s, err := m.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.Reserved)
}

func TestManager_EvictLeastRecentlyCompletedFirst(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	dir := t.TempDir()
	now := time.Now()

	oldest := addMedia(t, store, dir, "old", lesson.QualityHD, 40*mb)
	addMedia(t, store, dir, "recent", lesson.QualityHD, 40*mb)
	addMedia(t, store, dir, "busy", lesson.QualityHD, 10*mb)
	addMedia(t, store, dir, "unwatched", lesson.QualitySD, 10*mb)

	progressKey := storage.ProgressKey(lesson.Key{UserID: "u", CourseID: "c", LessonID: "old"})
	require.NoError(t, store.Put(ctx, progressKey, []byte(`{"completed":true}`)))

	m := New(store, dir, WithCeiling(100*mb))
	m.Bind(
		fakeCompletions{"old": now.Add(-2 * time.Hour), "recent": now.Add(-time.Hour), "busy": now.Add(-3 * time.Hour)},
		fakeActive{"busy": true},
	)

	report, err := m.Evict(ctx, 30*mb)
	require.NoError(t, err)

	assert.Equal(t, []string{"old"}, report.Lessons)
	assert.Equal(t, int64(40*mb), report.FreedBytes)
	assert.Equal(t, int64(40*mb), report.Stats.Available)

	_, err = os.Stat(oldest)
	assert.True(t, os.IsNotExist(err))

	_, err = store.Get(ctx, progressKey)
	assert.NoError(t, err, "progress records are never touched")

	_, err = store.Get(ctx, storage.MediaKey("busy", lesson.QualityHD))
	assert.NoError(t, err, "lessons with active tasks are kept")
}

func TestManager_EvictWithoutCandidates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	dir := t.TempDir()

	addMedia(t, store, dir, "l1", lesson.QualityHD, 90*mb)

	m := New(store, dir, WithCeiling(100*mb))
	m.Bind(fakeCompletions{}, fakeActive{})

	report, err := m.Evict(ctx, 50*mb)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Empty(t, report.Lessons)

	_, err = store.Get(ctx, storage.MediaKey("l1", lesson.QualityHD))
	assert.NoError(t, err)
}

func TestManager_RemoveLessonAndMedia(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	dir := t.TempDir()

	addMedia(t, store, dir, "l1", lesson.QualityHD, 5*mb)
	addMedia(t, store, dir, "l1", lesson.QualityAudio, 1*mb)

	m := New(store, dir, WithCeiling(100*mb))

	rec, err := m.Media(ctx, "l1", lesson.QualityHD)
	require.NoError(t, err)
	assert.Equal(t, int64(5*mb), rec.Size)

	freed, err := m.RemoveLesson(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, int64(6*mb), freed)

	_, err = m.Media(ctx, "l1", lesson.QualityHD)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = os.Stat(filepath.Join(dir, "l1"))
	assert.True(t, os.IsNotExist(err), "empty lesson dir removed")
}

func TestManager_RemoveExpiredSkipsActiveLessons(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	dir := t.TempDir()

	expired := addMedia(t, store, dir, "l1", lesson.QualityHD, 5*mb)
	active := addMedia(t, store, dir, "l2", lesson.QualitySD, 3*mb)

	m := New(store, dir, WithCeiling(100*mb))
	m.Bind(fakeCompletions{}, fakeActive{"l2": true})

	res, err := m.RemoveExpired(ctx, 24*time.Hour, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, int64(5*mb), res.FreedBytes)
	assert.Equal(t, []string{"l1"}, res.Lessons)

	_, err = os.Stat(expired)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(active)
	assert.NoError(t, err, "media of a lesson being downloaded stays")

	s, err := m.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3*mb), s.Used)

	res, err = m.RemoveExpired(ctx, 0, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Removed, "a zero keep disables retention")
}
