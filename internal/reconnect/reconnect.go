// Package reconnect supervises channel subscriptions. When the transport
// drops, it retries with exponential backoff and republishes connection state
// so engines can queue persistence work while offline.
package reconnect

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danilashk/noter/internal/channel"
)

// State is the observable connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Status is the tuple observers receive on every transition.
type Status struct {
	State   State
	Attempt int
	LastErr error
}

// Delay computes the backoff before retry number attempt (zero-based):
// min(base * 2^attempt, cap).
func Delay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Manager owns a set of handles on one transport and keeps them subscribed.
// Handles are registered before Start; a registered handle is resubscribed on
// every recovery.
type Manager struct {
	clock clock.Clock
	base  time.Duration
	cap   time.Duration

	mu        sync.Mutex
	handles   []channel.Handle
	observers []func(Status)
	state     State
	attempt   int
	lastErr   error
	timer     *clock.Timer
	closed    bool
}

// NewManager builds a manager with the given backoff bounds. A nil clk uses
// the wall clock.
func NewManager(clk clock.Clock, base, cap time.Duration) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clock: clk,
		base:  base,
		cap:   cap,
		state: StateConnecting,
	}
}

// Register adds a handle to the supervised set.
func (m *Manager) Register(h channel.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles = append(m.handles, h)
}

// OnStateChange registers an observer called on every transition, including
// the initial one delivered from Start.
func (m *Manager) OnStateChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Status returns the current state tuple.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Attempt: m.attempt, LastErr: m.lastErr}
}

// Start subscribes every registered handle. On failure the manager moves to
// reconnecting and keeps retrying in the background; Start itself returns the
// first attempt's error so callers can log it.
func (m *Manager) Start(ctx context.Context) error {
	m.transition(StateConnecting, 0, nil)
	if err := m.subscribeAll(ctx); err != nil {
		m.scheduleRetry(err)
		return err
	}
	m.transition(StateConnected, 0, nil)
	return nil
}

// NotifyDisconnect is called by transports (or their read loops) when an
// established subscription is lost. It starts the retry cycle from attempt
// zero.
func (m *Manager) NotifyDisconnect(cause error) {
	m.mu.Lock()
	if m.closed || m.state == StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	m.mu.Unlock()
	m.scheduleRetry(cause)
}

// Close stops retrying and unsubscribes every handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	handles := append([]channel.Handle(nil), m.handles...)
	m.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
	m.transition(StateClosed, 0, nil)
	return nil
}

func (m *Manager) subscribeAll(ctx context.Context) error {
	m.mu.Lock()
	handles := append([]channel.Handle(nil), m.handles...)
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.Subscribe(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) scheduleRetry(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	attempt := m.attempt
	delay := Delay(m.base, m.cap, attempt)
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.clock.AfterFunc(delay, m.retry)
	m.mu.Unlock()

	log.Printf("[Reconnect] attempt %d in %s: %v", attempt+1, delay, cause)
	m.transition(StateReconnecting, attempt, cause)
}

func (m *Manager) retry() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.subscribeAll(context.Background()); err != nil {
		m.mu.Lock()
		m.attempt++
		m.mu.Unlock()
		m.scheduleRetry(err)
		return
	}

	m.mu.Lock()
	count := len(m.handles)
	m.mu.Unlock()

	// A confirmed resubscribe resets the attempt counter, so the next drop
	// starts from the base delay again.
	m.transition(StateConnected, 0, nil)
	log.Printf("[Reconnect] resubscribed %d handles", count)
}

func (m *Manager) transition(state State, attempt int, cause error) {
	m.mu.Lock()
	m.state = state
	m.attempt = attempt
	m.lastErr = cause
	observers := append([]func(Status){}, m.observers...)
	status := Status{State: state, Attempt: attempt, LastErr: cause}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}
