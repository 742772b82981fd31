// Package ws implements the WebSocket session registry and topic-based fan-out.
//
// The Manager is the sole writer of session and subscription state. Broadcast
// takes a snapshot of a topic's subscribers under a read lock and enqueues the
// pre-encoded frame onto each session's bounded queue without blocking; a full
// queue degrades that one session only. Per-session write goroutines drain the
// queues to the transport.
package ws
