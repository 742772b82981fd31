// Package broadcast turns decoded upstream events into broadcast envelopes.
//
// The signal and price broadcasters are stateless transformation stages:
// validate the raw payload, build a BroadcastMessage, hand it to the Sink.
// A malformed payload is discarded and reported; it never reaches a session
// and never propagates back to the upstream feed.
package broadcast
