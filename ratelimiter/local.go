package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local enforces per-minute token and request budgets in process. Budgets
// refill continuously and a full minute of budget may be spent at once.
type Local struct {
	mu       sync.Mutex
	tokens   *rate.Limiter // nil = unlimited
	requests *rate.Limiter // nil = unlimited
}

// Ensure Local implements Limiter.
var _ Limiter = (*Local)(nil)

// New creates a local limiter. Zero values disable the corresponding budget.
func New(tokensPerMinute, requestsPerMinute int) *Local {
	return &Local{
		tokens:   perMinute(tokensPerMinute),
		requests: perMinute(requestsPerMinute),
	}
}

// NewFromLimits creates a local limiter from Limits.
func NewFromLimits(limits Limits) *Local {
	return New(limits.TokensPerMinute, limits.RequestsPerMinute)
}

func perMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
}

// reserve takes reservations on both budgets. The caller must cancel them
// unless it intends to consume.
func (l *Local) reserve(now time.Time, tokens int) (cancel func(), delay time.Duration, ok bool) {
	var reservations []*rate.Reservation
	cancel = func() {
		for _, r := range reservations {
			r.CancelAt(now)
		}
	}

	for _, item := range []struct {
		lim *rate.Limiter
		n   int
	}{{l.tokens, tokens}, {l.requests, 1}} {
		if item.lim == nil || item.n <= 0 {
			continue
		}
		r := item.lim.ReserveN(now, item.n)
		if !r.OK() {
			cancel()
			return func() {}, rate.InfDuration, false
		}
		reservations = append(reservations, r)
		delay = max(delay, r.DelayFrom(now))
	}
	return cancel, delay, true
}

// TryConsume consumes tokens and one request if both are available now.
func (l *Local) TryConsume(numTokens int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cancel, delay, ok := l.reserve(now, numTokens)
	if !ok {
		return false
	}
	if delay > 0 {
		cancel()
		return false
	}
	return true
}

// TimeUntilAvailable returns how long until the specified tokens would be available.
// This does not modify state.
func (l *Local) TimeUntilAvailable(tokens int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	cancel, delay, ok := l.reserve(time.Now(), tokens)
	cancel()
	if !ok {
		return rate.InfDuration
	}
	return delay
}

// WaitAndConsume waits until tokens are available (up to maxWait), then consumes them.
// If maxWait is 0, there is no limit on how long to wait.
func (l *Local) WaitAndConsume(ctx context.Context, tokens int, maxWait time.Duration) error {
	l.mu.Lock()
	now := time.Now()
	cancel, delay, ok := l.reserve(now, tokens)
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d tokens", ErrExceedsCapacity, tokens)
	}
	if maxWait > 0 && delay > maxWait {
		cancel()
		l.mu.Unlock()
		return fmt.Errorf("%w: %v > %v", ErrWaitTooLong, delay, maxWait)
	}
	l.mu.Unlock()

	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.mu.Lock()
		cancel()
		l.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
