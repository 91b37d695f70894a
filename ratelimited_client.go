package pagegen

import (
	"context"
	"strings"
	"time"

	"github.com/mhpenta/pagegen/ratelimiter"
)

const (
	// tokenBuffer is added to every estimate for system and response overhead.
	tokenBuffer = 100

	// imageTokenCost approximates the input cost of one reference image.
	imageTokenCost = 258
)

// RateLimitOptions configures a RateLimitedClient.
type RateLimitOptions struct {
	// Model names the limited model in RateLimitError.
	Model string

	// WaitOnRateLimit, if true, waits for capacity instead of failing.
	// If false, a RateLimitError is returned immediately.
	WaitOnRateLimit bool

	// MaxWaitDuration is the maximum time to wait when WaitOnRateLimit is true.
	// Zero means no limit.
	MaxWaitDuration time.Duration

	// Estimator defaults to SimpleTokenEstimator.
	Estimator TokenEstimator
}

// RateLimitedClient applies local or distributed rate limits in front of a
// GenerationClient. A nil limiter leaves that call kind unlimited.
type RateLimitedClient struct {
	client GenerationClient
	text   ratelimiter.Limiter
	image  ratelimiter.Limiter
	opts   RateLimitOptions
}

// Ensure RateLimitedClient implements GenerationClient.
var _ GenerationClient = (*RateLimitedClient)(nil)

// NewRateLimitedClient wraps client with separate limiters for text and image calls.
func NewRateLimitedClient(client GenerationClient, text, image ratelimiter.Limiter, opts RateLimitOptions) *RateLimitedClient {
	if opts.Estimator == nil {
		opts.Estimator = NewSimpleTokenEstimator()
	}
	return &RateLimitedClient{client: client, text: text, image: image, opts: opts}
}

func (c *RateLimitedClient) CompleteText(ctx context.Context, parts []Part) (*TextResult, error) {
	if err := c.check(ctx, c.text, "text", parts); err != nil {
		return nil, err
	}
	return c.client.CompleteText(ctx, parts)
}

func (c *RateLimitedClient) GenerateImage(ctx context.Context, parts []Part, imageConfig ImageConfig) (*ImageResult, error) {
	if err := c.check(ctx, c.image, "image", parts); err != nil {
		return nil, err
	}
	return c.client.GenerateImage(ctx, parts, imageConfig)
}

// estimate returns the token estimate of a request.
func (c *RateLimitedClient) estimate(parts []Part) int {
	var sb strings.Builder
	images := 0
	for _, p := range parts {
		if p.InlineImage != nil {
			images++
			continue
		}
		sb.WriteString(p.Text)
	}
	return c.opts.Estimator.EstimateTokens(sb.String()) + images*imageTokenCost + tokenBuffer
}

func (c *RateLimitedClient) check(ctx context.Context, limiter ratelimiter.Limiter, kind string, parts []Part) error {
	if limiter == nil {
		return nil
	}

	estimatedTokens := c.estimate(parts)

	if c.opts.WaitOnRateLimit {
		if err := limiter.WaitAndConsume(ctx, estimatedTokens, c.opts.MaxWaitDuration); err != nil {
			return &RateLimitError{
				RetryAfter: limiter.TimeUntilAvailable(estimatedTokens),
				LimitType:  kind,
				Model:      c.opts.Model,
				Err:        err,
			}
		}
		return nil
	}

	if !limiter.TryConsume(estimatedTokens) {
		return &RateLimitError{
			RetryAfter: limiter.TimeUntilAvailable(estimatedTokens),
			LimitType:  kind,
			Model:      c.opts.Model,
		}
	}

	return nil
}
