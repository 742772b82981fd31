package domain

import "errors"

var (
	ErrDuplicateSession = errors.New("session already registered")
	ErrUnknownSession   = errors.New("unknown session")
	ErrSessionClosed    = errors.New("session closed")
	ErrQueueFull        = errors.New("session send queue full")
)
