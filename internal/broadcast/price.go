package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/ralph0830/stockcast/internal/domain"
	"github.com/ralph0830/stockcast/internal/metrics"
)

// PriceBroadcaster publishes OHLCV price ticks. Same shape as the signal
// broadcaster but runs at much higher frequency, so it validates and encodes
// once and never blocks on session delivery.
type PriceBroadcaster struct {
	sink  Sink
	clock clockwork.Clock
}

func NewPriceBroadcaster(sink Sink, clock clockwork.Clock) *PriceBroadcaster {
	return &PriceBroadcaster{sink: sink, clock: clock}
}

// Handle validates a raw price tick and broadcasts it. A decode failure is
// returned to the caller for reporting and the event is discarded.
func (b *PriceBroadcaster) Handle(topic string, payload []byte) error {
	var tick domain.PriceTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues("price").Inc()
		return fmt.Errorf("decode price payload: %w", err)
	}
	if err := tick.Validate(); err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues("price").Inc()
		return fmt.Errorf("invalid price payload: %w", err)
	}

	msg, err := domain.NewBroadcastMessage(topic, domain.TypePrice, payload, b.clock.Now())
	if err != nil {
		return err
	}

	reached := b.sink.Broadcast(msg)
	slog.Debug("Price broadcast", "topic", topic, "ticker", tick.Ticker, "reached", reached)
	return nil
}
