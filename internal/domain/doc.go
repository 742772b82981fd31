// Package domain holds the core types of the broadcast subsystem:
// the outbound message envelope, the upstream event schemas, and sentinel errors.
package domain
