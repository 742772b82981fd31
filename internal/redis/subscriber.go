package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ralph0830/stockcast/internal/metrics"
	"github.com/ralph0830/stockcast/internal/retry"
)

// ChannelPrefix namespaces all upstream broadcast channels. The remainder of
// the channel name after the prefix is the topic.
const ChannelPrefix = "ws:broadcast:"

const stopTimeout = 10 * time.Second

// Handler consumes a decoded upstream event for one topic.
type Handler interface {
	Handle(topic string, payload []byte) error
}

// SubscriberOptions tune reconnection behavior on upstream connection loss.
type SubscriberOptions struct {
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	Clock             clockwork.Clock
}

// Subscriber owns the upstream pattern subscription and the single consumer
// loop feeding the broadcasters. Lifecycle: stopped -> running -> stopped;
// Start on a running subscriber and Stop on a stopped one are no-ops.
type Subscriber struct {
	feed    Feed
	signals Handler
	prices  Handler
	clock   clockwork.Clock

	reconnectAttempts int
	reconnectBackoff  time.Duration

	mu      sync.Mutex
	running bool
	conn    FeedConn
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSubscriber creates a subscriber routing price-namespace topics to prices
// and everything else to signals.
func NewSubscriber(feed Feed, signals, prices Handler, opts SubscriberOptions) *Subscriber {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 10
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Subscriber{
		feed:              feed,
		signals:           signals,
		prices:            prices,
		clock:             opts.Clock,
		reconnectAttempts: opts.ReconnectAttempts,
		reconnectBackoff:  opts.ReconnectBackoff,
	}
}

// Start subscribes to the broadcast channel pattern and launches the consumer
// loop. Running is reported only after the subscription is confirmed. A
// second Start while running is a no-op.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	conn, err := s.feed.PSubscribe(ctx, ChannelPrefix+"*")
	if err != nil {
		return fmt.Errorf("subscribe upstream: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	metrics.SubscriberRunning.Set(1)

	go s.loop(loopCtx, s.done)

	slog.Info("Upstream subscriber started", "pattern", ChannelPrefix+"*")
	return nil
}

// Stop cancels the consumer loop, unsubscribes, and closes the upstream
// connection. Safe to call when not running and from any goroutine.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn, cancel, done := s.conn, s.cancel, s.done
	s.conn = nil
	s.mu.Unlock()

	cancel()

	// Closing the connection unblocks a pending Receive.
	unsubCtx, unsubCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := conn.Unsubscribe(unsubCtx, ChannelPrefix+"*"); err != nil {
		slog.Debug("Upstream unsubscribe failed", "error", err)
	}
	unsubCancel()
	_ = conn.Close()

	timeout := s.clock.NewTimer(stopTimeout)
	defer timeout.Stop()
	select {
	case <-done:
		slog.Info("Upstream subscriber stopped")
	case <-timeout.Chan():
		slog.Warn("Upstream subscriber stop timeout exceeded", "timeout", stopTimeout)
	}

	metrics.SubscriberRunning.Set(0)
}

// IsRunning reports whether the consumer loop is active.
func (s *Subscriber) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Subscriber) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		conn := s.currentConn()
		if conn == nil {
			return
		}

		ev, err := conn.Receive(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !s.reconnect(ctx, err) {
				return
			}
			continue
		}

		switch e := ev.(type) {
		case ControlEvent:
			metrics.PubSubMessagesReceived.WithLabelValues("control").Inc()
			slog.Debug("Ignoring control event", "kind", e.Kind, "channel", e.Channel)
		case DataEvent:
			metrics.PubSubMessagesReceived.WithLabelValues("data").Inc()
			s.dispatch(e)
		}
	}
}

// dispatch extracts the topic from the channel name and routes the payload.
// An empty remainder after the prefix is still forwarded; the handler decides
// whether an empty topic means anything.
func (s *Subscriber) dispatch(e DataEvent) {
	topic := strings.TrimPrefix(e.Channel, ChannelPrefix)

	handler := s.signals
	if topicNamespace(topic) == "price" {
		handler = s.prices
	}

	if err := handler.Handle(topic, e.Payload); err != nil {
		// One bad message must never terminate the subscription.
		slog.Warn("Discarding undecodable upstream message",
			"channel", e.Channel,
			"topic", topic,
			"error", err,
		)
	}
}

// reconnect re-subscribes with exponential backoff after upstream connection
// loss. Returns false when attempts are exhausted or the context is done; the
// subscriber then reports itself stopped rather than crashing the process.
func (s *Subscriber) reconnect(ctx context.Context, cause error) bool {
	slog.Warn("Upstream connection lost, resubscribing", "error", cause)

	policy := retry.Policy{
		MaxAttempts:    s.reconnectAttempts,
		InitialBackoff: s.reconnectBackoff,
		Clock:          s.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Upstream resubscribe failed, backing off",
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)
		},
	}
	classify := func(error) retry.Action { return retry.Retry }

	conn, err := retry.Do(ctx, policy, classify, func() (FeedConn, error) {
		metrics.SubscriberReconnectsTotal.Inc()
		return s.feed.PSubscribe(ctx, ChannelPrefix+"*")
	})
	if err != nil {
		slog.Error("Upstream resubscribe exhausted, broadcast paused", "error", err)
		s.markStopped()
		return false
	}

	s.mu.Lock()
	if !s.running {
		// Stopped while we were reconnecting.
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	old := s.conn
	s.conn = conn
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	slog.Info("Upstream subscription reestablished")
	return true
}

func (s *Subscriber) currentConn() FeedConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Subscriber) markStopped() {
	s.mu.Lock()
	if s.running {
		s.running = false
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
	}
	s.mu.Unlock()
	metrics.SubscriberRunning.Set(0)
}

// topicNamespace returns the part of the topic before the first colon.
func topicNamespace(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i]
	}
	return topic
}
