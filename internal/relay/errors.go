package relay

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotReady         = errors.New("messaging session not ready")
	ErrRecipientUnknown = errors.New("recipient not reachable on this transport")
	ErrSendFailed       = errors.New("message send failed")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidMessage   = errors.New("invalid message")
)

// RateLimitError reports a denied admission and when the window resets.
// errors.Is(err, ErrRateLimited) holds for it.
type RateLimitError struct {
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%d per window), resets at %s", e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
