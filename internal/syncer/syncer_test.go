package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/lesson_offline/internal/connectivity"
	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/progress"
	"github.com/italolelis/lesson_offline/internal/remote"
	"github.com/italolelis/lesson_offline/internal/storage/memory"
	"github.com/italolelis/lesson_offline/internal/telemetry"
)

var testConfig = Config{
	Interval:    30 * time.Second,
	BaseDelay:   2 * time.Second,
	MaxRetries:  3,
	BatchSize:   2,
	SettleDelay: time.Second,
}

type fakePusher struct {
	mu      sync.Mutex
	batches [][]lesson.VideoProgress
	respond func(batch []lesson.VideoProgress) ([]remote.Result, error)
}

func (f *fakePusher) PushProgress(_ context.Context, batch []lesson.VideoProgress) ([]remote.Result, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(batch)
	}

	return acceptAll(batch), nil
}

func (f *fakePusher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.batches)
}

func (f *fakePusher) batch(i int) []lesson.VideoProgress {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.batches[i]
}

func acceptAll(batch []lesson.VideoProgress) []remote.Result {
	results := make([]remote.Result, 0, len(batch))
	for _, p := range batch {
		results = append(results, remote.Result{Key: p.Key(), Accepted: true})
	}

	return results
}

type fixture struct {
	clock   *clockwork.FakeClock
	engine  *progress.Engine
	monitor *connectivity.Monitor
	pusher  *fakePusher
	c       *Coordinator
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	engine := progress.New(memory.New(), progress.DefaultConfig(), clock)
	monitor := connectivity.New(clock, 0, online)
	pusher := &fakePusher{}

	c := New(engine, pusher, monitor, clock, testConfig)
	engine.OnChange(func(lesson.VideoProgress) { c.NotifyDirty() })

	t.Cleanup(func() {
		c.Stop()
		monitor.Close()
	})

	return &fixture{clock: clock, engine: engine, monitor: monitor, pusher: pusher, c: c}
}

func keyOf(id string) lesson.Key {
	return lesson.Key{UserID: "u1", CourseID: "c1", LessonID: id}
}

func (f *fixture) save(t *testing.T, id string, pct float64) lesson.VideoProgress {
	t.Helper()

	p, err := f.engine.Save(context.Background(), keyOf(id), progress.Patch{CompletionPercentage: &pct})
	require.NoError(t, err)

	return p
}

func (f *fixture) waitStatus(t *testing.T, want Status) Info {
	t.Helper()

	var info Info

	require.Eventually(t, func() bool {
		info = f.c.Status()

		return info.Status == want
	}, 2*time.Second, time.Millisecond, "status never became %s", want)

	return info
}

func TestResolve(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	local := lesson.VideoProgress{
		UserID: "u1", CourseID: "c1", LessonID: "l1",
		CurrentTime: 100, WatchedTime: 120, CompletionPercentage: 50,
		LastUpdated: now, Revision: 4, Dirty: true,
	}

	tests := []struct {
		name        string
		remote      lesson.VideoProgress
		wantWins    bool
		wantCurrent float64
		wantWatched float64
	}{
		{
			name:     "newer and further ahead",
			remote:   lesson.VideoProgress{CurrentTime: 300, WatchedTime: 90, CompletionPercentage: 60, LastUpdated: now.Add(time.Minute)},
			wantWins: true, wantCurrent: 300, wantWatched: 120,
		},
		{
			name:     "newer but behind",
			remote:   lesson.VideoProgress{CurrentTime: 10, WatchedTime: 200, CompletionPercentage: 20, LastUpdated: now.Add(time.Minute)},
			wantWins: false, wantCurrent: 100, wantWatched: 200,
		},
		{
			name:     "ahead but older",
			remote:   lesson.VideoProgress{CurrentTime: 400, CompletionPercentage: 80, LastUpdated: now.Add(-time.Minute)},
			wantWins: false, wantCurrent: 100, wantWatched: 120,
		},
		{
			name:     "same timestamp",
			remote:   lesson.VideoProgress{CurrentTime: 400, CompletionPercentage: 80, LastUpdated: now},
			wantWins: false, wantCurrent: 100, wantWatched: 120,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, wins := Resolve(local, tt.remote)

			assert.Equal(t, tt.wantWins, wins)
			assert.InDelta(t, tt.wantCurrent, merged.CurrentTime, 0.001)
			assert.InDelta(t, tt.wantWatched, merged.WatchedTime, 0.001)
			assert.GreaterOrEqual(t, merged.CompletionPercentage, local.CompletionPercentage)
			assert.Equal(t, local.Key(), merged.Key())
			assert.Equal(t, local.Revision, merged.Revision)

			again, _ := Resolve(merged, tt.remote)
			assert.InDelta(t, merged.WatchedTime, again.WatchedTime, 0.001, "merging twice changes nothing")
		})
	}
}

func TestResolve_CompletionNeverReverts(t *testing.T) {
	now := time.Now()
	local := lesson.VideoProgress{CompletionPercentage: 95, Completed: true, CompletedAt: now, LastUpdated: now}
	remote := lesson.VideoProgress{CompletionPercentage: 96, LastUpdated: now.Add(time.Second)}

	merged, wins := Resolve(local, remote)
	require.True(t, wins)
	assert.True(t, merged.Completed)
	assert.Equal(t, now, merged.CompletedAt)
}

func TestCoordinator_IntervalSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	f.save(t, "l1", 10)
	f.save(t, "l2", 20)
	f.save(t, "l3", 30)

	f.c.Start(ctx)

	info := f.c.Status()
	assert.Equal(t, StatusPending, info.Status)
	assert.Equal(t, 3, info.PendingItems)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(testConfig.Interval)

	info = f.waitStatus(t, StatusSynced)
	assert.Zero(t, info.PendingItems)
	assert.Equal(t, f.clock.Now(), info.LastSync)
	assert.Equal(t, 2, f.pusher.calls(), "three records in batches of two")

	n, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCoordinator_NothingPendingMeansNoPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	f.c.Start(ctx)
	assert.Equal(t, StatusSynced, f.c.Status().Status)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(testConfig.Interval)

	assert.Never(t, func() bool { return f.pusher.calls() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	f.save(t, "l1", 10)
	assert.Equal(t, StatusPending, f.c.Status().Status, "a dirty record moves synced to pending")
}

func TestCoordinator_OfflineSuppressesUntilReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	f.save(t, "l1", 10)
	f.save(t, "l2", 20)
	f.c.Start(ctx)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(testConfig.Interval)

	assert.Never(t, func() bool { return f.pusher.calls() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StatusPending, f.c.Status().Status)

	require.ErrorIs(t, f.c.ForceSync(ctx), ErrOffline)

	f.monitor.SetOnline(true)

	// ticker plus the settle timer
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	assert.Zero(t, f.pusher.calls(), "waits for the settle delay")

	f.clock.Advance(testConfig.SettleDelay)

	info := f.waitStatus(t, StatusSynced)
	assert.Zero(t, info.PendingItems)
	require.Equal(t, 1, f.pusher.calls(), "both offline writes go out in one batch")
	assert.Len(t, f.pusher.batch(0), 2)
}

func TestCoordinator_ForegroundTriggersSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	f.save(t, "l1", 10)
	f.c.Start(ctx)

	f.monitor.SetForeground(false)
	f.monitor.SetForeground(true)

	f.waitStatus(t, StatusSynced)
	assert.Equal(t, 1, f.pusher.calls())
}

func TestCoordinator_BackoffAndRetryBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.pusher.respond = func([]lesson.VideoProgress) ([]remote.Result, error) {
		return nil, errors.New("503 service unavailable")
	}

	f.save(t, "l1", 10)
	f.c.Start(ctx)

	err := f.c.ForceSync(ctx)

	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, TriggerManual, serr.Trigger)

	info := f.c.Status()
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, 1, info.RetryCount)
	assert.NotEmpty(t, info.Error)

	calls := 1

	for _, delay := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		require.NoError(t, f.clock.BlockUntilContext(ctx, 2))

		f.clock.Advance(delay - time.Millisecond)
		assert.Equal(t, calls, f.pusher.calls(), "retry fires only after %s", delay)

		f.clock.Advance(time.Millisecond)
		calls++

		require.Eventually(t, func() bool { return f.pusher.calls() == calls }, 2*time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(f.c.Status().Errors) == 4 }, 2*time.Second, time.Millisecond)

	info = f.c.Status()
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, 3, info.RetryCount)

	f.clock.Advance(2 * testConfig.Interval)
	assert.Never(t, func() bool { return f.pusher.calls() > 4 }, 50*time.Millisecond, 5*time.Millisecond,
		"an exhausted budget waits for a manual sync")

	f.pusher.mu.Lock()
	f.pusher.respond = nil
	f.pusher.mu.Unlock()

	require.NoError(t, f.c.ForceSync(ctx))

	info = f.c.Status()
	assert.Equal(t, StatusSynced, info.Status)
	assert.Zero(t, info.RetryCount)
	assert.Empty(t, info.Errors)
}

func TestCoordinator_ConflictResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	f.save(t, "newer", 40)
	f.save(t, "stale", 40)
	f.save(t, "refused", 40)

	later := f.clock.Now().Add(time.Hour)

	f.pusher.respond = func(batch []lesson.VideoProgress) ([]remote.Result, error) {
		var results []remote.Result

		for _, p := range batch {
			switch p.LessonID {
			case "newer":
				r := p
				r.CurrentTime, r.CompletionPercentage, r.LastUpdated = 500, 70, later
				results = append(results, remote.Result{Key: p.Key(), Remote: &r})
			case "stale":
				r := p
				r.CompletionPercentage, r.LastUpdated = 10, p.LastUpdated.Add(-time.Hour)
				results = append(results, remote.Result{Key: p.Key(), Accepted: true, Remote: &r})
			case "refused":
				results = append(results, remote.Result{Key: p.Key()})
			}
		}

		return results, nil
	}

	err := f.c.ForceSync(ctx)
	require.ErrorIs(t, err, ErrRejected)

	newer, err := f.engine.Get(ctx, keyOf("newer"))
	require.NoError(t, err)
	assert.InDelta(t, 70.0, newer.CompletionPercentage, 0.001)
	assert.InDelta(t, 500.0, newer.CurrentTime, 0.001)
	assert.False(t, newer.Dirty)

	stale, err := f.engine.Get(ctx, keyOf("stale"))
	require.NoError(t, err)
	assert.InDelta(t, 40.0, stale.CompletionPercentage, 0.001, "local value stays authoritative")
	assert.False(t, stale.Dirty)

	refused, err := f.engine.Get(ctx, keyOf("refused"))
	require.NoError(t, err)
	assert.True(t, refused.Dirty)

	info := f.c.Status()
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, 1, info.PendingItems)
}

func TestCoordinator_WriteDuringSyncStaysDirty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	f.save(t, "l1", 10)

	f.pusher.respond = func(batch []lesson.VideoProgress) ([]remote.Result, error) {
		pct := 20.0
		_, err := f.engine.Save(ctx, keyOf("l1"), progress.Patch{CompletionPercentage: &pct})
		require.NoError(t, err)

		return acceptAll(batch), nil
	}

	require.NoError(t, f.c.ForceSync(ctx))

	p, err := f.engine.Get(ctx, keyOf("l1"))
	require.NoError(t, err)
	assert.True(t, p.Dirty, "the newer revision still has to be pushed")

	info := f.c.Status()
	assert.Equal(t, StatusPending, info.Status)
	assert.Equal(t, 1, info.PendingItems)
}

func TestCoordinator_StatusListeners(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	var (
		mu   sync.Mutex
		seen []Status
	)

	f.c.OnChange(func(info Info) {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, info.Status)
	})

	f.save(t, "l1", 10)
	require.NoError(t, f.c.ForceSync(ctx))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []Status{StatusPending, StatusSyncing, StatusSynced}, seen)
}

func TestCoordinator_SyncLogsCarryTrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: true, ServiceName: "syncer-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	var buf bytes.Buffer

	ctx = logctx.WithLogger(ctx, slog.New(logctx.NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))))

	clock := clockwork.NewFakeClock()
	engine := progress.New(memory.New(), progress.DefaultConfig(), clock)
	monitor := connectivity.New(clock, 0, true)
	t.Cleanup(monitor.Close)

	c := New(engine, &fakePusher{}, monitor, clock, testConfig, WithTelemetry(tel))

	pct := 40.0
	_, err = engine.Save(ctx, keyOf("l1"), progress.Patch{CompletionPercentage: &pct})
	require.NoError(t, err)

	require.NoError(t, c.ForceSync(logctx.WithRequestID(ctx, "req-7")))

	var synced map[string]any

	dec := json.NewDecoder(&buf)
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))

		if rec["msg"] == "progress synced" {
			synced = rec
		}
	}

	require.NotNil(t, synced, "sync was logged")
	assert.Equal(t, "req-7", synced["request_id"])
	assert.Equal(t, "manual", synced["trigger"])
	assert.NotEmpty(t, synced["trace_id"])
	assert.NotEmpty(t, synced["span_id"])
}

func TestSyncError(t *testing.T) {
	cause := errors.New("timeout")

	err := &SyncError{Trigger: TriggerRetry, Pushed: 3, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "sync (retry) failed after 3 records: timeout", err.Error())

	err = &SyncError{Trigger: TriggerManual, Pushed: 3, Rejected: 1, Err: ErrRejected}
	assert.Equal(t, "sync (manual) failed: 1 of 3 records rejected: progress records rejected", err.Error())
}
