package librtc

import (
	"context"

	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTimedOut signals that a bounded wait exceeded its deadline.
	ErrTimedOut = errors.New("operation timed out")
	// ErrCancelled signals task-level cancellation or an explicit reset.
	ErrCancelled = errors.New("operation cancelled")
	// ErrInvalidState signals an operation attempted from a state that forbids it.
	// It is never retried; it indicates an ordering error at the call site.
	ErrInvalidState = errors.New("operation not allowed in current state")

	ErrConnectionClosed = errors.New("connection has been closed")
	ErrCannotConnect    = errors.New("connection cannot be established")
	ErrRateLimit        = errors.New("rate limit exceeded")
)

// ErrSignalConnection wraps a signaling-socket failure with the endpoint it
// was dialing.
type ErrSignalConnection struct {
	err error
	url string
}

func (e ErrSignalConnection) Error() string {
	return fmt.Sprintf("signal connection error: %s to %s", e.err, e.url)
}

func (e ErrSignalConnection) Unwrap() error { return e.err }

func WrapErrSignalConnection(err error, url string) error {
	if err == nil {
		return nil
	}
	return &ErrSignalConnection{err: err, url: url}
}

// isCancelled reports whether err stems from cooperative cancellation, either
// our own sentinel or the context package's.
func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
