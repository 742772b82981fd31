// Package heartbeat probes registered sessions for liveness and evicts the
// ones that stop responding.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/ralph0830/stockcast/internal/metrics"
	"github.com/ralph0830/stockcast/internal/ws"
)

// probeState is the per-session liveness state machine:
// alive -> awaiting-pong -> alive (on pong) or evicted (after missLimit ticks).
type probeState struct {
	awaiting bool
	missed   int
}

// Manager sends a liveness probe to every registered session on a fixed
// interval and evicts sessions that miss too many consecutive deadlines.
// Stopping the manager leaves the session registry untouched.
type Manager struct {
	registry  *ws.Manager
	clock     clockwork.Clock
	interval  time.Duration
	missLimit int
	onTimeout func(uuid.UUID)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	states  map[uuid.UUID]*probeState
}

// New creates a heartbeat manager. onTimeout, if non-nil, is notified after a
// session has been evicted for missing missLimit consecutive deadlines.
func New(registry *ws.Manager, clock clockwork.Clock, interval time.Duration, missLimit int, onTimeout func(uuid.UUID)) *Manager {
	if missLimit < 1 {
		missLimit = 1
	}
	return &Manager{
		registry:  registry,
		clock:     clock,
		interval:  interval,
		missLimit: missLimit,
		onTimeout: onTimeout,
		states:    make(map[uuid.UUID]*probeState),
	}
}

// Start launches the periodic probe loop. Calling Start on a running manager
// is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stopCh, m.done)
	slog.Info("Heartbeat manager started", "interval", m.interval, "miss_limit", m.missLimit)
}

// Stop cancels the probe loop and waits for it to exit. Sessions are not
// force-evicted. Safe to call when not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	close(stopCh)
	<-done
	slog.Info("Heartbeat manager stopped")
}

// Running reports whether the probe loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Pong records a liveness response for a session, transitioning it back to
// alive and updating its last-seen timestamp.
func (m *Manager) Pong(id uuid.UUID) {
	m.mu.Lock()
	if st, ok := m.states[id]; ok {
		st.awaiting = false
		st.missed = 0
	}
	m.mu.Unlock()

	if sess, ok := m.registry.Get(id); ok {
		sess.Touch(m.clock.Now())
	}
}

func (m *Manager) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.tick()
		case <-stopCh:
			return
		}
	}
}

func (m *Manager) tick() {
	sessions := m.registry.Sessions()

	m.mu.Lock()
	// Drop state for sessions gone from the registry.
	live := make(map[uuid.UUID]struct{}, len(sessions))
	for _, sess := range sessions {
		live[sess.ID()] = struct{}{}
	}
	for id := range m.states {
		if _, ok := live[id]; !ok {
			delete(m.states, id)
		}
	}

	var expired []uuid.UUID
	for _, sess := range sessions {
		st, ok := m.states[sess.ID()]
		if !ok {
			st = &probeState{}
			m.states[sess.ID()] = st
		}

		if st.awaiting {
			st.missed++
			if st.missed >= m.missLimit {
				expired = append(expired, sess.ID())
				delete(m.states, sess.ID())
				continue
			}
		}

		st.awaiting = true
		if err := sess.Ping(); err == nil {
			metrics.HeartbeatProbesTotal.Inc()
		}
	}
	m.mu.Unlock()

	// Evict outside the state lock: Unregister waits for the session's
	// write goroutine.
	for _, id := range expired {
		slog.Warn("Session timed out, evicting", "session_id", id.String(), "missed", m.missLimit)
		metrics.HeartbeatTimeoutsTotal.Inc()
		m.registry.Unregister(id)
		if m.onTimeout != nil {
			m.onTimeout(id)
		}
	}
}
