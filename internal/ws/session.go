package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/ralph0830/stockcast/internal/domain"
)

// Session is one connected client: its transport, its bounded outbound queue,
// and the subscription set the Manager maintains on its behalf.
type Session struct {
	id     uuid.UUID
	writer *clientWriter

	mu       sync.Mutex
	topics   map[string]struct{}
	drops    int // consecutive enqueue failures
	flagged  bool
	lastSeen time.Time
	closed   bool
}

func newSession(id uuid.UUID, conn *websocket.Conn, clock clockwork.Clock, queueSize int) *Session {
	return &Session{
		id:       id,
		writer:   newClientWriter(conn, clock, queueSize),
		topics:   make(map[string]struct{}),
		lastSeen: clock.Now(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Enqueue offers an encoded frame to the session's outbound queue without
// blocking. A full queue drops the frame and flags the session; delivery to
// other sessions is unaffected.
func (s *Session) Enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.writer.sendCh <- data:
		s.drops = 0
		return true
	default:
		s.drops++
		s.flagged = true
		return false
	}
}

// Send encodes nothing: it enqueues a pre-built broadcast message. Returns
// domain.ErrSessionClosed if the session has been torn down.
func (s *Session) Send(msg *domain.BroadcastMessage) error {
	if !s.Enqueue(msg.Encoded()) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return domain.ErrSessionClosed
		}
		return domain.ErrQueueFull
	}
	return nil
}

// Ping asks the writer to emit a liveness probe. Non-blocking: a probe
// already in flight is not duplicated.
func (s *Session) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}

	select {
	case s.writer.pingCh <- struct{}{}:
	default:
	}
	return nil
}

// Touch records client activity for liveness tracking.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// LastSeen returns the time of the last observed client activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Flagged reports whether the session has ever overflowed its send queue.
func (s *Session) Flagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagged
}

func (s *Session) consecutiveDrops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
