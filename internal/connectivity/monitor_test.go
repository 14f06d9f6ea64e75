package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const debounce = 500 * time.Millisecond

func TestMonitor_DebouncesChanges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(clock, debounce, true)
	defer m.Close()

	events, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	m.SetOnline(false)
	assert.True(t, m.Online(), "not applied before the window elapses")

	clock.Advance(debounce)

	require.Eventually(t, func() bool { return !m.Online() }, time.Second, time.Millisecond)

	ev := <-events
	assert.Equal(t, Event{Signal: SignalNetwork, Online: false, Foreground: true}, ev)
}

func TestMonitor_FlappingCollapses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(clock, debounce, true)
	defer m.Close()

	events, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	m.SetOnline(false)
	clock.Advance(debounce / 2)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)
	clock.Advance(2 * debounce)

	// a visibility change afterwards proves the network timers already ran
	m.SetForeground(false)
	clock.Advance(debounce)

	select {
	case ev := <-events:
		assert.Equal(t, SignalVisibility, ev.Signal)
		assert.True(t, ev.Online)
		assert.False(t, ev.Foreground)
	case <-time.After(time.Second):
		t.Fatal("no visibility event")
	}

	assert.True(t, m.Online())
	assert.Empty(t, events)
}

func TestMonitor_ZeroDebounceAppliesImmediately(t *testing.T) {
	m := New(clockwork.NewFakeClock(), 0, false)
	defer m.Close()

	events, unsubscribe := m.Subscribe(1)
	defer unsubscribe()

	m.SetOnline(true)
	assert.True(t, m.Online())

	m.SetOnline(true)

	require.Len(t, events, 1, "unchanged values emit nothing")
}

func TestMonitor_CloseEndsSubscriptions(t *testing.T) {
	m := New(clockwork.NewFakeClock(), debounce, true)

	events, unsubscribe := m.Subscribe(1)

	m.SetOnline(false)
	m.Close()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok)

	late, _ := m.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

type fakeChecker struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (f *fakeChecker) Health(context.Context) error {
	f.calls.Add(1)

	if f.healthy.Load() {
		return nil
	}

	return errors.New("unreachable")
}

func TestProber_FeedsMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	m := New(clock, 0, true)
	defer m.Close()

	checker := &fakeChecker{}
	p := NewProber(m, checker, clock, 15*time.Second)

	done := make(chan struct{})

	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool { return !m.Online() }, time.Second, time.Millisecond)

	checker.healthy.Store(true)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(15 * time.Second)

	require.Eventually(t, func() bool { return m.Online() }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, checker.calls.Load(), int32(2))

	cancel()
	<-done
}
