package rpc

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced by every client operation. Callers match with
// errors.Is; wrapped errors keep the underlying cause.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotStarted       = errors.New("client not started")
	ErrAlreadyStarted   = errors.New("client already started")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrTimeout          = errors.New("request timed out")
	ErrCancelled        = errors.New("request cancelled")
	ErrTransport        = errors.New("transport error")
	ErrInternal         = errors.New("internal error")
)

// ErrIdleTimeout is what idle-reaped sessions report to their handlers and
// pending waiters. It matches ErrTimeout under errors.Is.
var ErrIdleTimeout = fmt.Errorf("session idle: %w", ErrTimeout)

// errClientClosing is the cancelAll reason used during Close.
var errClientClosing = fmt.Errorf("client closing: %w", ErrCancelled)
