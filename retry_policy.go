package pagegen

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// OutcomeKind tags the result of one attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

// Outcome is the tagged result of one attempt. Expected failures are
// Retryable with a FailureKind; Fatal is reserved for conditions that must
// end the run immediately, such as cancellation.
type Outcome struct {
	Kind    OutcomeKind
	Failure FailureKind
	Result  *ImageResult
	Err     error
}

// Succeeded returns a success outcome.
func Succeeded(res *ImageResult) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: res}
}

// Retryable returns a failed outcome of the given kind.
func Retryable(kind FailureKind, err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Failure: kind, Err: err}
}

// Fatal returns an outcome that stops the run with err.
func Fatal(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err}
}

// RetryState tracks one run. The two counters are independent.
type RetryState struct {
	OverloadAttempts int
	PolicyAttempts   int
	LastFailure      FailureKind
	CurrentPrompt    string
	AIRewriteUsed    bool
}

// AttemptFunc performs one attempt with the given narrative prompt.
type AttemptFunc func(ctx context.Context, prompt string) Outcome

// RetryResult is a successful run.
type RetryResult struct {
	Result *ImageResult

	// Prompt is the narrative prompt of the successful attempt.
	Prompt string
	State  RetryState
}

// RetryPolicy is the bounded retry state machine around one generation goal.
type RetryPolicy struct {
	maxOverload int
	maxPolicy   int
	baseDelay   time.Duration

	adapter *ContentAdapter
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
	metrics *Metrics
}

// NewRetryPolicy creates a policy from settings.
func NewRetryPolicy(settings Settings, adapter *ContentAdapter, logger *zap.Logger, metrics *Metrics) *RetryPolicy {
	settings = settings.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryPolicy{
		maxOverload: settings.MaxOverloadAttempts,
		maxPolicy:   settings.MaxPolicyAttempts,
		baseDelay:   settings.OverloadBaseDelay,
		adapter:     adapter,
		sleep:       sleepContext,
		logger:      logger.Named("retry"),
		metrics:     metrics,
	}
}

// newBackOff returns a schedule yielding base, 2*base, 4*base, ...
func (p *RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.baseDelay << uint(p.maxOverload)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run drives attempt until success, an exhausted budget or a fatal outcome.
// checkpoint, when non-nil, is called around the AI rewrite call and stops
// the run when it returns an error.
func (p *RetryPolicy) Run(ctx context.Context, prompt string, attempt AttemptFunc, checkpoint func() error) (*RetryResult, error) {
	state := RetryState{CurrentPrompt: prompt}
	schedule := p.newBackOff()
	total := 0

	for {
		total++
		out := attempt(ctx, state.CurrentPrompt)

		switch out.Kind {
		case OutcomeSuccess:
			p.metrics.observeAttempt("success")
			return &RetryResult{Result: out.Result, Prompt: state.CurrentPrompt, State: state}, nil
		case OutcomeFatal:
			return nil, out.Err
		}

		state.LastFailure = out.Failure
		p.metrics.observeAttempt(string(out.Failure))

		switch out.Failure {
		case FailureOverloaded:
			state.OverloadAttempts++
			if state.OverloadAttempts >= p.maxOverload {
				return nil, p.fail(FailureOverloaded, state.OverloadAttempts, p.maxOverload, state, out.Err)
			}
			delay := schedule.NextBackOff()
			p.logger.Warn("service overloaded, backing off",
				zap.Int("attempt", state.OverloadAttempts),
				zap.Int("max_attempts", p.maxOverload),
				zap.Duration("delay", delay),
				zap.Error(out.Err),
			)
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}

		case FailurePolicyRejected:
			state.PolicyAttempts++
			if state.PolicyAttempts >= p.maxPolicy {
				return nil, p.fail(FailurePolicyRejected, state.PolicyAttempts, p.maxPolicy, state, out.Err)
			}
			adapted, err := p.adapt(ctx, prompt, &state, checkpoint)
			if err != nil {
				return nil, err
			}
			state.CurrentPrompt = adapted

		default:
			return nil, p.fail(FailureOther, total, total, state, out.Err)
		}
	}
}

func (p *RetryPolicy) adapt(ctx context.Context, original string, state *RetryState, checkpoint func() error) (string, error) {
	level := LevelForAttempt(state.PolicyAttempts)

	if p.adapter.AIRewriteEnabled() && !state.AIRewriteUsed {
		state.AIRewriteUsed = true
		if checkpoint != nil {
			if err := checkpoint(); err != nil {
				return "", err
			}
		}
		rewritten, err := p.adapter.Rewrite(ctx, original)
		if checkpoint != nil {
			if cErr := checkpoint(); cErr != nil {
				return "", cErr
			}
		}
		if err == nil {
			p.metrics.observeAdaptation(LevelAIRewrite)
			p.logger.Info("prompt rewritten by text model", zap.Int("policy_attempt", state.PolicyAttempts))
			return rewritten, nil
		}
		p.logger.Warn("ai rewrite failed, using deterministic level",
			zap.Int("level", int(level)),
			zap.Error(err),
		)
	}

	p.metrics.observeAdaptation(level)
	p.logger.Info("prompt adapted after policy rejection",
		zap.Int("policy_attempt", state.PolicyAttempts),
		zap.Int("level", int(level)),
	)
	return p.adapter.Adapt(original, level), nil
}

func (p *RetryPolicy) fail(kind FailureKind, attempts, max int, state RetryState, err error) error {
	p.metrics.observeFinalFailure(kind)
	p.logger.Error("generation retries exhausted",
		zap.String("kind", string(kind)),
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", max),
		zap.Int("overload_attempts", state.OverloadAttempts),
		zap.Int("policy_attempts", state.PolicyAttempts),
		zap.Error(err),
	)
	return &FinalRejectionError{
		Kind:        kind,
		Attempts:    attempts,
		MaxAttempts: max,
		LastPrompt:  state.CurrentPrompt,
		Err:         err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
