package progress

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/storage"
	"github.com/italolelis/lesson_offline/internal/storage/memory"
)

var key = lesson.Key{UserID: "u1", CourseID: "c1", LessonID: "L1"}

func ptr(v float64) *float64 { return &v }

func newEngine(t *testing.T) (*Engine, *clockwork.FakeClock, storage.Store) {
	t.Helper()

	store := memory.New()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	return New(store, DefaultConfig(), clock), clock, store
}

func TestEngine_SaveCompletionLatches(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)

	p, err := e.Save(ctx, key, Patch{CompletionPercentage: ptr(85)})
	require.NoError(t, err)
	assert.False(t, p.Completed)

	p, err = e.Save(ctx, key, Patch{CompletionPercentage: ptr(92)})
	require.NoError(t, err)
	assert.True(t, p.Completed)

	p, err = e.Save(ctx, key, Patch{CompletionPercentage: ptr(91)})
	require.NoError(t, err)
	assert.True(t, p.Completed, "no un-completing")
	assert.InDelta(t, 92.0, p.CompletionPercentage, 0.001, "percentage never regresses")
	assert.Equal(t, int64(3), p.Revision)
	assert.True(t, p.Dirty)
}

func TestEngine_SaveMergesFields(t *testing.T) {
	ctx := context.Background()
	e, clock, _ := newEngine(t)

	_, err := e.Save(ctx, key, Patch{Duration: ptr(600)})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	p, err := e.Save(ctx, key, Patch{CurrentTime: ptr(300)})
	require.NoError(t, err)

	assert.InDelta(t, 600.0, p.Duration, 0.001, "unrelated fields kept")
	assert.InDelta(t, 300.0, p.CurrentTime, 0.001)
	assert.InDelta(t, 50.0, p.CompletionPercentage, 0.001, "derived from position")
	assert.Equal(t, clock.Now(), p.LastUpdated)

	_, err = e.Save(ctx, key, Patch{CurrentTime: ptr(-1)})
	assert.ErrorIs(t, err, ErrInvalidPatch)

	_, err = e.Save(ctx, lesson.Key{UserID: "u1"}, Patch{})
	assert.ErrorIs(t, err, ErrInvalidPatch)
}

func TestEngine_MarkCompletedIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)

	first, err := e.MarkCompleted(ctx, key)
	require.NoError(t, err)
	assert.True(t, first.Completed)
	assert.InDelta(t, 100.0, first.CompletionPercentage, 0.001)

	second, err := e.MarkCompleted(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEngine_ComputeResumePosition(t *testing.T) {
	e, _, _ := newEngine(t)

	chapters := []lesson.Chapter{
		{Title: "outro", Start: 400},
		{Title: "intro", Start: 0},
		{Title: "core", Start: 120},
	}

	tests := []struct {
		name     string
		current  float64
		chapters []lesson.Chapter
		want     float64
	}{
		{name: "below threshold", current: 25, chapters: chapters, want: 0},
		{name: "no chapters", current: 250, want: 250},
		{name: "inside snap window", current: 127, chapters: chapters, want: 120},
		{name: "snap window edge", current: 130, chapters: chapters, want: 120},
		{name: "past snap window", current: 131, chapters: chapters, want: 131},
		{name: "later chapter", current: 405, chapters: chapters, want: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, e.ComputeResumePosition(tt.current, tt.chapters), 0.001)
		})
	}
}

func TestEngine_ResumeNeverLosesMoreThanSnapWindow(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	chapters := []lesson.Chapter{{Start: 0}, {Start: 60}, {Start: 200}, {Start: 330}}

	for current := 0.0; current <= 600; current += 7 {
		_, err := e.Save(ctx, key, Patch{CurrentTime: ptr(current)})
		require.NoError(t, err)

		pos, err := e.ResumePosition(ctx, key, chapters)
		require.NoError(t, err)

		if current >= DefaultConfig().ResumeThreshold.Seconds() {
			assert.GreaterOrEqual(t, pos, current-DefaultConfig().ChapterSnapWindow.Seconds())
			assert.LessOrEqual(t, pos, current)
		}
	}
}

func TestEngine_WatchTracking(t *testing.T) {
	ctx := context.Background()
	e, clock, _ := newEngine(t)

	_, err := e.Save(ctx, key, Patch{Duration: ptr(100)})
	require.NoError(t, err)

	require.NoError(t, e.StartTracking(key))
	clock.Advance(40 * time.Second)

	// seeking does not inflate watched time
	_, err = e.Save(ctx, key, Patch{CurrentTime: ptr(95)})
	require.NoError(t, err)

	p, err := e.StopTracking(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, p.WatchedTime, 0.001)

	require.NoError(t, e.StartTracking(key))
	clock.Advance(time.Hour)

	p, err = e.StopTracking(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 300.0, p.WatchedTime, 0.001, "capped at duration times factor")

	_, err = e.StopTracking(ctx, key)
	assert.ErrorIs(t, err, ErrNotTracking)
}

func TestEngine_SyncFacing(t *testing.T) {
	ctx := context.Background()
	e, clock, _ := newEngine(t)
	other := lesson.Key{UserID: "u1", CourseID: "c1", LessonID: "L2"}

	_, err := e.Save(ctx, key, Patch{CompletionPercentage: ptr(10)})
	require.NoError(t, err)

	clock.Advance(time.Second)

	p2, err := e.Save(ctx, other, Patch{CompletionPercentage: ptr(20)})
	require.NoError(t, err)

	n, err := e.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dirty, err := e.Dirty(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 2)
	assert.Equal(t, "L1", dirty[0].LessonID)

	ok, err := e.MarkSynced(ctx, other, p2.Revision-1)
	require.NoError(t, err)
	assert.False(t, ok, "stale revision keeps the record dirty")

	ok, err = e.MarkSynced(ctx, other, p2.Revision)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = e.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_ApplyRemoteIdempotent(t *testing.T) {
	ctx := context.Background()
	e, clock, _ := newEngine(t)

	local, err := e.Save(ctx, key, Patch{CompletionPercentage: ptr(40)})
	require.NoError(t, err)

	remote := local
	remote.CompletionPercentage = 70
	remote.WatchedTime = 120
	remote.CurrentTime = 400
	remote.LastUpdated = clock.Now().Add(time.Minute)

	first, err := e.ApplyRemote(ctx, key, remote, local.Revision)
	require.NoError(t, err)

	second, err := e.ApplyRemote(ctx, key, remote, local.Revision)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.InDelta(t, 120.0, second.WatchedTime, 0.001)
	assert.InDelta(t, 70.0, second.CompletionPercentage, 0.001)
	assert.False(t, second.Dirty)
}

func TestEngine_CompletedLessonsAndCorruptRecords(t *testing.T) {
	ctx := context.Background()
	e, _, store := newEngine(t)

	_, err := e.MarkCompleted(ctx, key)
	require.NoError(t, err)

	broken := lesson.Key{UserID: "u1", CourseID: "c1", LessonID: "bad"}
	require.NoError(t, store.Put(ctx, storage.ProgressKey(broken), []byte("{")))

	completed, err := e.CompletedLessons(ctx)
	require.NoError(t, err)
	assert.Contains(t, completed, "L1")
	assert.Len(t, completed, 1)

	_, err = e.Get(ctx, broken)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	p, err := e.Save(ctx, broken, Patch{CurrentTime: ptr(5)})
	require.NoError(t, err, "corrupt record re-created on next write")
	assert.Equal(t, int64(1), p.Revision)
}

func TestEngine_NotifiesListeners(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)

	var seen []lesson.VideoProgress

	e.OnChange(func(p lesson.VideoProgress) { seen = append(seen, p) })

	_, err := e.Save(ctx, key, Patch{CurrentTime: ptr(1)})
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.True(t, seen[0].Dirty)
}
