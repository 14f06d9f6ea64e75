package connectivity

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/italolelis/lesson_offline/internal/logctx"
)

// HealthChecker reports whether the remote answers.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Prober feeds the result of periodic health checks into a Monitor.
type Prober struct {
	monitor  *Monitor
	checker  HealthChecker
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
}

func NewProber(monitor *Monitor, checker HealthChecker, clock clockwork.Clock, interval time.Duration) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Prober{
		monitor:  monitor,
		checker:  checker,
		clock:    clock,
		interval: interval,
		timeout:  max(interval/2, time.Second),
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	logger.InfoContext(ctx, "connectivity prober started", "interval", p.interval)

	p.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "connectivity prober stopped")

			return
		case <-ticker.Chan():
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.checker.Health(checkCtx)
	if ctx.Err() != nil {
		return
	}

	online := err == nil

	if online != p.monitor.Online() {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "remote reachability changed", "online", online, "err", err)
	}

	p.monitor.SetOnline(online)
}
