package ws

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/ralph0830/stockcast/internal/domain"
	"github.com/ralph0830/stockcast/internal/metrics"
)

// OverflowPolicy decides what happens to a session whose send queue keeps
// overflowing during broadcast.
type OverflowPolicy int

const (
	// OverflowFlag drops the message and flags the session, but keeps it.
	OverflowFlag OverflowPolicy = iota
	// OverflowEvict unregisters the session after EvictAfter consecutive drops.
	OverflowEvict
)

// Options configure a Manager.
type Options struct {
	QueueSize  int
	Policy     OverflowPolicy
	EvictAfter int // consecutive drops before eviction under OverflowEvict
	Clock      clockwork.Clock
}

// Stats is a point-in-time view of the registry for introspection endpoints.
type Stats struct {
	Sessions int            `json:"sessions"`
	Topics   map[string]int `json:"topics"`
}

// Manager is the authoritative registry of sessions and topic memberships.
// All mutation goes through it; broadcast readers work on snapshots.
type Manager struct {
	queueSize  int
	policy     OverflowPolicy
	evictAfter int
	clock      clockwork.Clock

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	topics   map[string]map[uuid.UUID]*Session
}

// NewManager creates a session registry. Zero-value options get defaults:
// queue size 16, flag-and-keep overflow policy, real clock.
func NewManager(opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = 3
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		queueSize:  opts.QueueSize,
		policy:     opts.Policy,
		evictAfter: opts.EvictAfter,
		clock:      opts.Clock,
		sessions:   make(map[uuid.UUID]*Session),
		topics:     make(map[string]map[uuid.UUID]*Session),
	}
}

// Register adds a new session with an empty subscription set and starts its
// write goroutine. A duplicate identifier is an error.
func (m *Manager) Register(id uuid.UUID, conn *websocket.Conn) (*Session, error) {
	sess := newSession(id, conn, m.clock, m.queueSize)
	if err := m.register(sess); err != nil {
		sess.writer.stop()
		return nil, err
	}
	slog.Debug("Session registered", "session_id", id.String())
	return sess, nil
}

func (m *Manager) register(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sess.id]; exists {
		return domain.ErrDuplicateSession
	}
	m.sessions[sess.id] = sess
	metrics.ConnectedSessions.Set(float64(len(m.sessions)))
	return nil
}

// Unregister removes a session and all its topic memberships. A no-op for
// unknown identifiers.
func (m *Manager) Unregister(id uuid.UUID) {
	m.mu.Lock()
	sess, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	for topic, subs := range m.topics {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.topics, topic)
		}
	}
	sessionCount := len(m.sessions)
	subscriptionCount := m.subscriptionCountLocked()
	m.mu.Unlock()

	// Stop the writer outside the lock: it waits for the write goroutine.
	sess.markClosed()
	sess.writer.stopGraceful("connection closed")

	metrics.ConnectedSessions.Set(float64(sessionCount))
	metrics.TopicSubscriptions.Set(float64(subscriptionCount))
	slog.Debug("Session unregistered", "session_id", id.String())
}

// Subscribe adds the session to a topic. Topics are created implicitly.
func (m *Manager) Subscribe(id uuid.UUID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[id]
	if !exists {
		return domain.ErrUnknownSession
	}

	subs, exists := m.topics[topic]
	if !exists {
		subs = make(map[uuid.UUID]*Session)
		m.topics[topic] = subs
	}
	subs[id] = sess

	sess.mu.Lock()
	sess.topics[topic] = struct{}{}
	sess.mu.Unlock()

	metrics.TopicSubscriptions.Set(float64(m.subscriptionCountLocked()))
	return nil
}

// Unsubscribe removes the session from a topic. Unsubscribing from a topic
// the session is not in is not an error; an unknown session is.
func (m *Manager) Unsubscribe(id uuid.UUID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[id]
	if !exists {
		return domain.ErrUnknownSession
	}

	if subs, ok := m.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.topics, topic)
		}
	}

	sess.mu.Lock()
	delete(sess.topics, topic)
	sess.mu.Unlock()

	metrics.TopicSubscriptions.Set(float64(m.subscriptionCountLocked()))
	return nil
}

// Broadcast enqueues the message onto the queue of every session subscribed
// to its topic at the moment of the call. Delivery to each session is
// independent: a full queue drops the message for that session only. Returns
// the number of sessions reached.
func (m *Manager) Broadcast(msg *domain.BroadcastMessage) int {
	m.mu.RLock()
	subs := m.topics[msg.Topic]
	snapshot := make([]*Session, 0, len(subs))
	for _, sess := range subs {
		snapshot = append(snapshot, sess)
	}
	m.mu.RUnlock()

	data := msg.Encoded()
	reached := 0
	var overflowed []*Session
	for _, sess := range snapshot {
		if sess.Enqueue(data) {
			reached++
			continue
		}
		metrics.BroadcastDroppedTotal.Inc()
		slog.Warn("Dropped message for slow session",
			"session_id", sess.id.String(),
			"topic", msg.Topic,
		)
		if m.policy == OverflowEvict && sess.consecutiveDrops() >= m.evictAfter {
			overflowed = append(overflowed, sess)
		}
	}

	for _, sess := range overflowed {
		slog.Warn("Evicting slow session", "session_id", sess.id.String())
		metrics.SlowSessionsEvicted.Inc()
		m.Unregister(sess.id)
	}

	if reached > 0 {
		metrics.BroadcastMessagesTotal.WithLabelValues(string(msg.Type)).Add(float64(reached))
	}
	return reached
}

// Get looks up a registered session by identifier.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// TopicSubscriberCount returns the number of sessions subscribed to topic.
func (m *Manager) TopicSubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// Sessions returns a snapshot of all registered sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Stats returns registry counts for introspection.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics := make(map[string]int, len(m.topics))
	for topic, subs := range m.topics {
		topics[topic] = len(subs)
	}
	return Stats{Sessions: len(m.sessions), Topics: topics}
}

// Close tears down every session. Used during graceful shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[uuid.UUID]*Session)
	m.topics = make(map[string]map[uuid.UUID]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.markClosed()
		sess.writer.stopGraceful("server shutting down")
	}
	metrics.ConnectedSessions.Set(0)
	metrics.TopicSubscriptions.Set(0)
	slog.Info("Session registry closed", "disconnected_sessions", len(sessions))
}

// subscriptionCountLocked counts (session, topic) memberships. Callers hold m.mu.
func (m *Manager) subscriptionCountLocked() int {
	total := 0
	for _, subs := range m.topics {
		total += len(subs)
	}
	return total
}
