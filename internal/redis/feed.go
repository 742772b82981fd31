package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// FeedEvent is the closed set of events a feed connection can yield. Raw
// pub/sub kinds are decoded into this variant once, at the boundary.
type FeedEvent interface {
	feedEvent()
}

// DataEvent carries a payload published on a channel (message/pmessage kinds).
type DataEvent struct {
	Channel string
	Payload []byte
}

func (DataEvent) feedEvent() {}

// ControlEvent is a subscription acknowledgement or keepalive
// (subscribe/psubscribe/unsubscribe/pong kinds). Never forwarded downstream.
type ControlEvent struct {
	Kind    string
	Channel string
}

func (ControlEvent) feedEvent() {}

// Feed is the upstream pub/sub capability. Implementations and test doubles
// share this contract.
type Feed interface {
	PSubscribe(ctx context.Context, pattern string) (FeedConn, error)
}

// FeedConn is one active pattern subscription.
type FeedConn interface {
	Receive(ctx context.Context) (FeedEvent, error)
	Unsubscribe(ctx context.Context, pattern string) error
	Close() error
}

type goredisFeed struct {
	rdb *goredis.Client
}

// NewFeed wraps a Redis client as an upstream feed.
func NewFeed(client *Client) Feed {
	return &goredisFeed{rdb: client.rdb}
}

// PSubscribe opens a pattern subscription and waits for the server's
// acknowledgement, so a non-nil FeedConn means the subscription is live.
func (f *goredisFeed) PSubscribe(ctx context.Context, pattern string) (FeedConn, error) {
	sub := f.rdb.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("confirm psubscribe %q: %w", pattern, err)
	}
	return &goredisConn{sub: sub}, nil
}

type goredisConn struct {
	sub *goredis.PubSub
}

func (c *goredisConn) Receive(ctx context.Context) (FeedEvent, error) {
	msg, err := c.sub.Receive(ctx)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *goredis.Message:
		return DataEvent{Channel: m.Channel, Payload: []byte(m.Payload)}, nil
	case *goredis.Subscription:
		return ControlEvent{Kind: m.Kind, Channel: m.Channel}, nil
	case *goredis.Pong:
		return ControlEvent{Kind: "pong"}, nil
	default:
		return ControlEvent{Kind: fmt.Sprintf("%T", msg)}, nil
	}
}

func (c *goredisConn) Unsubscribe(ctx context.Context, pattern string) error {
	return c.sub.PUnsubscribe(ctx, pattern)
}

func (c *goredisConn) Close() error {
	return c.sub.Close()
}
