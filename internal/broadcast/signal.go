package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/ralph0830/stockcast/internal/domain"
	"github.com/ralph0830/stockcast/internal/metrics"
)

// Sink delivers an encoded broadcast message to its topic's subscribers and
// returns the number of sessions reached.
type Sink interface {
	Broadcast(msg *domain.BroadcastMessage) int
}

// SignalBroadcaster publishes trading-signal and market-gate events.
type SignalBroadcaster struct {
	sink  Sink
	clock clockwork.Clock
}

func NewSignalBroadcaster(sink Sink, clock clockwork.Clock) *SignalBroadcaster {
	return &SignalBroadcaster{sink: sink, clock: clock}
}

// Handle validates a raw upstream event and broadcasts it to the topic's
// subscribers. Market-gate status goes out as a system message, everything
// else as a signal. A decode failure is returned to the caller for reporting
// and the event is discarded.
func (b *SignalBroadcaster) Handle(topic string, payload []byte) error {
	typ := domain.TypeSignal
	if topic == domain.TopicMarketGate {
		typ = domain.TypeSystem
		if !json.Valid(payload) {
			metrics.DecodeErrorsTotal.WithLabelValues("signal").Inc()
			return fmt.Errorf("decode market-gate payload: invalid JSON")
		}
	} else {
		var sig domain.Signal
		if err := json.Unmarshal(payload, &sig); err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues("signal").Inc()
			return fmt.Errorf("decode signal payload: %w", err)
		}
		if err := sig.Validate(); err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues("signal").Inc()
			return fmt.Errorf("invalid signal payload: %w", err)
		}
	}

	msg, err := domain.NewBroadcastMessage(topic, typ, payload, b.clock.Now())
	if err != nil {
		return err
	}

	reached := b.sink.Broadcast(msg)
	slog.Debug("Signal broadcast", "topic", topic, "reached", reached)
	return nil
}
