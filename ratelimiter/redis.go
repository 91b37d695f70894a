package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 2 * time.Second

// Redis enforces per-minute budgets shared by every process using the same
// key prefix. It counts usage in fixed one-minute windows. Redis errors fail
// open so a cache outage never blocks generation.
type Redis struct {
	client            redis.UniversalClient
	prefix            string
	tokensPerMinute   int
	requestsPerMinute int
	now               func() time.Time
}

// Ensure Redis implements Limiter.
var _ Limiter = (*Redis)(nil)

// NewRedis creates a distributed limiter. Zero budgets are unlimited.
func NewRedis(client redis.UniversalClient, prefix string, limits Limits) *Redis {
	return &Redis{
		client:            client,
		prefix:            prefix,
		tokensPerMinute:   limits.TokensPerMinute,
		requestsPerMinute: limits.RequestsPerMinute,
		now:               time.Now,
	}
}

func (r *Redis) keys(now time.Time) (tokensKey, requestsKey string) {
	window := now.Unix() / 60
	return fmt.Sprintf("%s:tokens:%d", r.prefix, window), fmt.Sprintf("%s:requests:%d", r.prefix, window)
}

func (r *Redis) untilNextWindow(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}

// TryConsume adds usage to the current window and rolls it back if a budget is exceeded.
func (r *Redis) TryConsume(numTokens int) bool {
	if numTokens > r.tokensPerMinute && r.tokensPerMinute > 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	now := r.now()
	tk, rk := r.keys(now)

	var tokens, requests *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		tokens = pipe.IncrBy(ctx, tk, int64(numTokens))
		pipe.Expire(ctx, tk, 2*time.Minute)
		requests = pipe.Incr(ctx, rk)
		pipe.Expire(ctx, rk, 2*time.Minute)
		return nil
	})
	if err != nil {
		return true
	}

	overTokens := r.tokensPerMinute > 0 && tokens.Val() > int64(r.tokensPerMinute)
	overRequests := r.requestsPerMinute > 0 && requests.Val() > int64(r.requestsPerMinute)
	if !overTokens && !overRequests {
		return true
	}

	_, _ = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.DecrBy(ctx, tk, int64(numTokens))
		pipe.Decr(ctx, rk)
		return nil
	})
	return false
}

// TimeUntilAvailable returns 0 if the current window has room, otherwise the
// time until the next window opens.
func (r *Redis) TimeUntilAvailable(tokens int) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	now := r.now()
	tk, rk := r.keys(now)

	var usedTokens, usedRequests *redis.StringCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		usedTokens = pipe.Get(ctx, tk)
		usedRequests = pipe.Get(ctx, rk)
		return nil
	})
	if err != nil && err != redis.Nil {
		return 0
	}

	t, _ := usedTokens.Int()
	q, _ := usedRequests.Int()
	if (r.tokensPerMinute == 0 || t+tokens <= r.tokensPerMinute) &&
		(r.requestsPerMinute == 0 || q+1 <= r.requestsPerMinute) {
		return 0
	}
	return r.untilNextWindow(now)
}

// WaitAndConsume retries TryConsume at window boundaries until it succeeds,
// ctx is done or maxWait elapses.
func (r *Redis) WaitAndConsume(ctx context.Context, tokens int, maxWait time.Duration) error {
	if r.tokensPerMinute > 0 && tokens > r.tokensPerMinute {
		return fmt.Errorf("%w: %d tokens", ErrExceedsCapacity, tokens)
	}

	var deadline time.Time
	if maxWait > 0 {
		deadline = r.now().Add(maxWait)
	}

	for {
		if r.TryConsume(tokens) {
			return nil
		}
		wait := r.TimeUntilAvailable(tokens)
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if !deadline.IsZero() && r.now().Add(wait).After(deadline) {
			return fmt.Errorf("%w: %v", ErrWaitTooLong, maxWait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
