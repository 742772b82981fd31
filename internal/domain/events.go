package domain

import "fmt"

// Signal is a trading-signal event from the upstream feed, e.g. a VCP grade
// for a single ticker.
type Signal struct {
	Ticker string  `json:"ticker"`
	Grade  string  `json:"grade,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// Validate checks the signal carries the fields every downstream consumer
// relies on.
func (s Signal) Validate() error {
	if s.Ticker == "" {
		return fmt.Errorf("signal missing ticker")
	}
	return nil
}

// PriceTick is an OHLCV price event from the upstream feed.
type PriceTick struct {
	Ticker    string  `json:"ticker"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// Validate rejects ticks that are unusable for charting or alerting.
func (t PriceTick) Validate() error {
	if t.Ticker == "" {
		return fmt.Errorf("price tick missing ticker")
	}
	if t.Close <= 0 {
		return fmt.Errorf("price tick has invalid close: %f", t.Close)
	}
	return nil
}
