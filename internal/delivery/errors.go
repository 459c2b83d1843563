package delivery

import (
	"errors"
	"fmt"
	"time"

	"relaybot/internal/transport"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery queue stopped")
)

// Permanent marks an error as non-retryable.
//
// Senders wrap failures that no retry can fix so the queue fails the item
// right away:
//
//	return delivery.Permanent(fmt.Errorf("bad recipient: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err should not be retried.
// Unknown recipients are always permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e) || errors.Is(err, transport.ErrRecipientUnknown)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a minimum delay before the next attempt, for example
// when the transport reports flood control.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterHint extracts the delay attached by RetryAfter.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e retryAfterError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.after, e.err)
}
func (e retryAfterError) Unwrap() error { return e.err }
