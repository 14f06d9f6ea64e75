// Package syncer pushes dirty progress records to the remote and tracks the
// sync status shown to the user.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/italolelis/lesson_offline/internal/connectivity"
	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/remote"
	"github.com/italolelis/lesson_offline/internal/telemetry"
)

const maxKeptErrors = 10

// Status is the sync state of the local progress records.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusSyncing Status = "syncing"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Triggers of a sync attempt.
const (
	TriggerInterval   = "interval"
	TriggerRetry      = "retry"
	TriggerReconnect  = "reconnect"
	TriggerForeground = "foreground"
	TriggerManual     = "manual"
)

// Info is a snapshot of the coordinator state. Synced always means no
// pending items.
type Info struct {
	Status       Status    `json:"status"`
	PendingItems int       `json:"pendingItems"`
	LastSync     time.Time `json:"lastSync,omitempty"`
	LastAttempt  time.Time `json:"lastAttempt,omitempty"`
	RetryCount   int       `json:"retryCount"`
	Error        string    `json:"error,omitempty"`
	Errors       []string  `json:"errors,omitempty"`
}

// Engine is the progress store the coordinator reads and confirms.
type Engine interface {
	Dirty(ctx context.Context) ([]lesson.VideoProgress, error)
	PendingCount(ctx context.Context) (int, error)
	MarkSynced(ctx context.Context, key lesson.Key, revision int64) (bool, error)
	ApplyRemote(ctx context.Context, key lesson.Key, merged lesson.VideoProgress, revision int64) (lesson.VideoProgress, error)
}

// Pusher sends a batch of progress records to the remote.
type Pusher interface {
	PushProgress(ctx context.Context, records []lesson.VideoProgress) ([]remote.Result, error)
}

// Connectivity reports and announces reachability changes.
type Connectivity interface {
	Online() bool
	Subscribe(buffer int) (<-chan connectivity.Event, func())
}

type Config struct {
	Interval    time.Duration
	BaseDelay   time.Duration
	MaxRetries  int
	BatchSize   int
	SettleDelay time.Duration
}

type Option func(*Coordinator)

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Coordinator) { c.telemetry = t }
}

type Coordinator struct {
	engine    Engine
	pusher    Pusher
	monitor   Connectivity
	clock     clockwork.Clock
	cfg       Config
	telemetry *telemetry.Telemetry
	kick      chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	baseCtx     context.Context
	backoff     *backoff.ExponentialBackOff
	syncing     bool
	pending     int
	retries     int
	lastErr     error
	errs        []string
	lastSync    time.Time
	lastAttempt time.Time
	retryTimer  clockwork.Timer
	settleTimer clockwork.Timer
	published   Status
	listeners   []func(Info)
}

func New(engine Engine, pusher Pusher, monitor Connectivity, clock clockwork.Clock, cfg Config, opts ...Option) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.BaseDelay << max(cfg.MaxRetries, 0)

	c := &Coordinator{
		engine:    engine,
		pusher:    pusher,
		monitor:   monitor,
		clock:     clock,
		cfg:       cfg,
		kick:      make(chan string, 4),
		baseCtx:   context.Background(),
		backoff:   b,
		published: StatusSynced,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OnChange registers a listener called whenever the status changes.
func (c *Coordinator) OnChange(l func(Info)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, l)
}

// Start runs the scheduling loop until Stop or until ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	c.refresh(ctx)

	events, unsubscribe := c.monitor.Subscribe(8)
	ticker := c.clock.NewTicker(c.cfg.Interval)

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		defer unsubscribe()

		c.run(ctx, ticker, events)
	}()
}

// Stop ends the loop and drops scheduled retries.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}

	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimersLocked()
}

func (c *Coordinator) run(ctx context.Context, ticker clockwork.Ticker, events <-chan connectivity.Event) {
	logger := logctx.LoggerFromContext(ctx)
	wasOnline := c.monitor.Online()

	logger.InfoContext(ctx, "sync coordinator started", "interval", c.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "sync coordinator stopped")

			return
		case <-ticker.Chan():
			c.maybeSync(ctx, TriggerInterval)
		case trigger := <-c.kick:
			c.maybeSync(ctx, trigger)
		case ev, ok := <-events:
			if !ok {
				events = nil

				continue
			}

			switch ev.Signal {
			case connectivity.SignalNetwork:
				if ev.Online && !wasOnline {
					c.reconnected(ctx)
				}

				wasOnline = ev.Online
			case connectivity.SignalVisibility:
				if ev.Foreground && ev.Online {
					c.maybeSync(ctx, TriggerForeground)
				}
			}
		}
	}
}

// maybeSync runs an attempt when the device is online, nothing is in flight
// and records are pending. Interval attempts also wait a full interval since
// the last attempt and stop once the retry budget is spent.
func (c *Coordinator) maybeSync(ctx context.Context, trigger string) {
	logger := logctx.LoggerFromContext(ctx)

	c.refresh(ctx)

	c.mu.Lock()
	skip := c.syncing || c.pending == 0 || !c.monitor.Online()

	if trigger == TriggerInterval {
		exhausted := c.lastErr != nil && c.retries >= c.cfg.MaxRetries
		skip = skip || exhausted || c.clock.Since(c.lastAttempt) < c.cfg.Interval
	}
	c.mu.Unlock()

	if skip {
		return
	}

	if err := c.attempt(ctx, trigger); err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
		logger.WarnContext(ctx, "progress sync failed", "trigger", trigger, "err", err)
	}
}

// ForceSync runs an attempt now and resets the retry budget.
func (c *Coordinator) ForceSync(ctx context.Context) error {
	if !c.monitor.Online() {
		return ErrOffline
	}

	c.mu.Lock()
	c.resetRetriesLocked()
	c.mu.Unlock()

	return c.attempt(ctx, TriggerManual)
}

// NotifyDirty tells the coordinator that a local record changed.
func (c *Coordinator) NotifyDirty() {
	c.mu.Lock()
	ctx := c.baseCtx
	c.mu.Unlock()

	c.refresh(ctx)
}

// Status returns the current sync state.
func (c *Coordinator) Status() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.infoLocked()
}

func (c *Coordinator) infoLocked() Info {
	info := Info{
		PendingItems: c.pending,
		LastSync:     c.lastSync,
		LastAttempt:  c.lastAttempt,
		RetryCount:   c.retries,
		Errors:       append([]string(nil), c.errs...),
	}

	switch {
	case c.syncing:
		info.Status = StatusSyncing
	case c.pending == 0:
		info.Status = StatusSynced
	case c.lastErr != nil:
		info.Status = StatusFailed
		info.Error = c.lastErr.Error()
	default:
		info.Status = StatusPending
	}

	return info
}

func (c *Coordinator) attempt(ctx context.Context, trigger string) (err error) {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()

		return ErrSyncInProgress
	}

	if !c.monitor.Online() {
		c.mu.Unlock()

		return ErrOffline
	}

	c.syncing = true
	c.lastAttempt = c.clock.Now()
	c.mu.Unlock()

	c.publish()

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "panic in progress sync", "panic", rec, "stack", string(debug.Stack()))

			err = &SyncError{Trigger: trigger, Err: fmt.Errorf("panic: %v", rec)}
		}

		c.finish(ctx, trigger, err)
	}()

	return c.telemetry.InstrumentSync(ctx, trigger, func(ctx context.Context) error {
		return c.push(ctx, trigger)
	})
}

func (c *Coordinator) finish(ctx context.Context, trigger string, err error) {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	c.syncing = false

	if err == nil {
		c.lastSync = c.clock.Now()
		c.lastErr = nil
		c.errs = nil
		c.resetRetriesLocked()
	} else {
		c.lastErr = err
		c.errs = append(c.errs, err.Error())

		if len(c.errs) > maxKeptErrors {
			c.errs = c.errs[len(c.errs)-maxKeptErrors:]
		}

		c.scheduleRetryLocked(ctx)
	}
	c.mu.Unlock()

	if err == nil {
		logger.DebugContext(ctx, "progress sync finished", "trigger", trigger)
	}

	c.refresh(ctx)
}

// push sends every dirty record in batches and reconciles the answers.
func (c *Coordinator) push(ctx context.Context, trigger string) error {
	logger := logctx.LoggerFromContext(ctx)

	dirty, err := c.engine.Dirty(ctx)
	if err != nil {
		return &SyncError{Trigger: trigger, Err: err}
	}

	var (
		pushed   int
		rejected int
		errs     []error
	)

	for start := 0; start < len(dirty); start += c.cfg.BatchSize {
		batch := dirty[start:min(start+c.cfg.BatchSize, len(dirty))]

		results, err := c.pusher.PushProgress(ctx, batch)
		if err != nil {
			return &SyncError{Trigger: trigger, Pushed: pushed, Rejected: rejected, Err: err}
		}

		pushed += len(batch)

		n, err := c.reconcile(ctx, batch, results)
		rejected += n

		if err != nil {
			errs = append(errs, err)
		}
	}

	if rejected > 0 {
		errs = append(errs, ErrRejected)
	}

	if len(errs) > 0 {
		return &SyncError{Trigger: trigger, Pushed: pushed, Rejected: rejected, Err: errors.Join(errs...)}
	}

	logger.InfoContext(ctx, "progress synced", "records", pushed, "trigger", trigger)

	return nil
}

// reconcile applies the remote verdicts of one batch and returns how many
// records stay dirty because the remote refused them.
func (c *Coordinator) reconcile(ctx context.Context, batch []lesson.VideoProgress, results []remote.Result) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	byKey := make(map[lesson.Key]remote.Result, len(results))
	for _, r := range results {
		byKey[r.Key] = r
	}

	var (
		rejected int
		errs     []error
	)

	for _, local := range batch {
		key := local.Key()

		res, ok := byKey[key]
		if !ok {
			rejected++

			continue
		}

		remoteWins := false

		if res.Remote != nil {
			var merged lesson.VideoProgress

			merged, remoteWins = Resolve(local, *res.Remote)

			if remoteWins {
				if _, err := c.engine.ApplyRemote(ctx, key, merged, local.Revision); err != nil {
					errs = append(errs, err)
				}

				continue
			}

			logger.InfoContext(ctx, "ConflictDiscarded: kept local progress over remote copy",
				"lesson_id", key.LessonID,
				"local_updated", local.LastUpdated,
				"remote_updated", res.Remote.LastUpdated,
				"local_percentage", local.CompletionPercentage,
				"remote_percentage", res.Remote.CompletionPercentage)
		}

		if !res.Accepted {
			rejected++

			continue
		}

		if _, err := c.engine.MarkSynced(ctx, key, local.Revision); err != nil {
			errs = append(errs, err)
		}
	}

	return rejected, errors.Join(errs...)
}

func (c *Coordinator) reconnected(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetRetriesLocked()

	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}

	logger.InfoContext(ctx, "back online, syncing after settle delay", "delay", c.cfg.SettleDelay)

	c.settleTimer = c.clock.AfterFunc(c.cfg.SettleDelay, func() { c.trigger(TriggerReconnect) })
}

func (c *Coordinator) scheduleRetryLocked(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if c.retries >= c.cfg.MaxRetries {
		logger.WarnContext(ctx, "sync retries exhausted", "retries", c.retries)

		return
	}

	delay := c.backoff.NextBackOff()
	c.retries++

	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}

	logger.InfoContext(ctx, "sync retry scheduled", "attempt", c.retries, "delay", delay)

	c.retryTimer = c.clock.AfterFunc(delay, func() { c.trigger(TriggerRetry) })
}

func (c *Coordinator) resetRetriesLocked() {
	c.retries = 0
	c.backoff.Reset()

	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Coordinator) stopTimersLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}

	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}

func (c *Coordinator) trigger(name string) {
	select {
	case c.kick <- name:
	default:
	}
}

// refresh recounts the pending records and publishes status changes.
func (c *Coordinator) refresh(ctx context.Context) {
	n, err := c.engine.PendingCount(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to count pending progress records", "err", err)

		return
	}

	c.mu.Lock()
	c.pending = n
	c.mu.Unlock()

	c.telemetry.RecordSyncPending(n)
	c.publish()
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	info := c.infoLocked()

	if info.Status == c.published {
		c.mu.Unlock()

		return
	}

	c.published = info.Status
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(info)
	}
}
