package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies outbound frames. The set is closed: the ingestion
// boundary decides the type once, downstream code never inspects raw strings.
type MessageType string

const (
	TypeSignal    MessageType = "signal"
	TypePrice     MessageType = "price"
	TypeHeartbeat MessageType = "heartbeat"
	TypeSystem    MessageType = "system"
)

// TopicMarketGate carries market open/close status updates.
const TopicMarketGate = "market-gate"

// BroadcastMessage is the immutable envelope fanned out to subscribed
// sessions. It is serialized exactly once; every recipient gets the same bytes.
type BroadcastMessage struct {
	Topic   string          `json:"topic"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`

	encoded []byte
}

// NewBroadcastMessage builds an envelope stamped with now and encodes it.
func NewBroadcastMessage(topic string, typ MessageType, payload json.RawMessage, now time.Time) (*BroadcastMessage, error) {
	m := &BroadcastMessage{
		Topic:   topic,
		Type:    typ,
		Payload: payload,
		TS:      now.UnixMilli(),
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode broadcast message: %w", err)
	}
	m.encoded = data
	return m, nil
}

// Encoded returns the serialized frame shared by all recipients.
func (m *BroadcastMessage) Encoded() []byte {
	return m.encoded
}
