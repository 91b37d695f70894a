package ratelimiter

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrExceedsCapacity is returned when a request needs more than a full minute of budget.
	ErrExceedsCapacity = errors.New("request exceeds limiter capacity")

	// ErrWaitTooLong is returned when the required wait exceeds maxWait.
	ErrWaitTooLong = errors.New("rate limit wait exceeds max wait")
)

// Limiter defines the interface for rate limiters.
// Implementations can be local (in-memory) or distributed (Redis).
type Limiter interface {
	// TryConsume checks capacity and consumes tokens if available.
	// Returns true if tokens were consumed, false if insufficient capacity.
	TryConsume(numTokens int) bool

	// TimeUntilAvailable returns how long until tokens would be available (read-only).
	TimeUntilAvailable(tokens int) time.Duration

	// WaitAndConsume waits until tokens are available, then consumes them.
	// Returns error if context is cancelled or maxWait is exceeded.
	WaitAndConsume(ctx context.Context, tokens int, maxWait time.Duration) error
}

// Limits defines per-minute budgets. Zero means unlimited.
type Limits struct {
	TokensPerMinute   int
	RequestsPerMinute int
}
