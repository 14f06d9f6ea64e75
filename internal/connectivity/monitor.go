// Package connectivity tracks whether the remote is reachable and whether the
// user is looking at the app.
package connectivity

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Signal names the input that changed.
type Signal string

const (
	SignalNetwork    Signal = "network"
	SignalVisibility Signal = "visibility"
)

// Event is emitted after a debounced change of either signal.
type Event struct {
	Signal     Signal `json:"signal"`
	Online     bool   `json:"online"`
	Foreground bool   `json:"foreground"`
}

type pendingChange struct {
	value bool
	timer clockwork.Timer
}

// Monitor debounces the raw online and visibility signals. Flapping inside the
// debounce window collapses to the final value.
type Monitor struct {
	clock    clockwork.Clock
	debounce time.Duration

	mu         sync.Mutex
	online     bool
	foreground bool
	pending    map[Signal]*pendingChange
	subs       map[int]chan Event
	nextSub    int
	closed     bool
}

func New(clock clockwork.Clock, debounce time.Duration, initialOnline bool) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Monitor{
		clock:      clock,
		debounce:   debounce,
		online:     initialOnline,
		foreground: true,
		pending:    make(map[Signal]*pendingChange),
		subs:       make(map[int]chan Event),
	}
}

// Online reports the current debounced network state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// Foreground reports the current debounced visibility state.
func (m *Monitor) Foreground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.foreground
}

func (m *Monitor) SetOnline(online bool) {
	m.set(SignalNetwork, online)
}

func (m *Monitor) SetForeground(foreground bool) {
	m.set(SignalVisibility, foreground)
}

func (m *Monitor) set(sig Signal, value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if p, ok := m.pending[sig]; ok {
		p.timer.Stop()
		delete(m.pending, sig)
	}

	if m.debounce <= 0 {
		m.applyLocked(sig, value)

		return
	}

	p := &pendingChange{value: value}
	p.timer = m.clock.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.pending[sig] != p || m.closed {
			return
		}

		delete(m.pending, sig)
		m.applyLocked(sig, p.value)
	})
	m.pending[sig] = p
}

func (m *Monitor) applyLocked(sig Signal, value bool) {
	current := &m.online
	if sig == SignalVisibility {
		current = &m.foreground
	}

	if *current == value {
		return
	}

	*current = value

	ev := Event{Signal: sig, Online: m.online, Foreground: m.foreground}

	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of state changes and a function that
// unsubscribes. Slow subscribers miss events rather than block the monitor.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
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

// Close drops pending changes and closes every subscription.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true

	for sig, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, sig)
	}

	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
