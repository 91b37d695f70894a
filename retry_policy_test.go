package pagegen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolicy(t *testing.T, text TextCompleter, aiRewrite bool) (*RetryPolicy, *[]time.Duration) {
	t.Helper()
	settings := DefaultSettings()
	settings.OverloadBaseDelay = 100 * time.Millisecond
	adapter := NewContentAdapter(DefaultAdapterRules(), text, aiRewrite, settings.MinRewriteLength, nil)
	p := NewRetryPolicy(settings, adapter, nil, nil)

	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return p, &delays
}

// scripted returns an AttemptFunc that replays outcomes in order and records
// the prompts it was called with.
func scripted(outcomes ...Outcome) (AttemptFunc, *[]string) {
	var prompts []string
	return func(ctx context.Context, prompt string) Outcome {
		prompts = append(prompts, prompt)
		i := len(prompts) - 1
		if i < len(outcomes) {
			return outcomes[i]
		}
		return outcomes[len(outcomes)-1]
	}, &prompts
}

var (
	overloaded = Retryable(FailureOverloaded, errors.New("503"))
	rejected   = Retryable(FailurePolicyRejected, errors.New("blocked"))
	succeeded  = Succeeded(pngResult())
)

func TestRetryPolicy_OverloadBackoff(t *testing.T) {
	p, delays := newTestPolicy(t, nil, false)
	attempt, prompts := scripted(overloaded)

	_, err := p.Run(context.Background(), "storm", attempt, nil)

	fErr, ok := AsFinalRejection(err)
	require.True(t, ok)
	assert.Equal(t, FailureOverloaded, fErr.Kind)
	assert.Equal(t, 3, fErr.Attempts)
	assert.Equal(t, 3, fErr.MaxAttempts)
	assert.Len(t, *prompts, 3)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
	for _, prompt := range *prompts {
		assert.Equal(t, "storm", prompt, "overload retries keep the prompt")
	}
}

func TestRetryPolicy_PolicyLadder(t *testing.T) {
	p, delays := newTestPolicy(t, nil, false)
	attempt, prompts := scripted(rejected)

	_, err := p.Run(context.Background(), "The knight kills the dragon. Blood everywhere.", attempt, nil)

	fErr, ok := AsFinalRejection(err)
	require.True(t, ok)
	assert.Equal(t, FailurePolicyRejected, fErr.Kind)
	assert.Equal(t, 5, fErr.Attempts)
	assert.Equal(t, 5, fErr.MaxAttempts)
	assert.Empty(t, *delays, "policy retries do not back off")

	require.Len(t, *prompts, 5)
	got := *prompts
	assert.Equal(t, "The knight kills the dragon. Blood everywhere.", got[0])
	assert.Equal(t, "The knight defeats the dragon. red ink splashes everywhere., artistic, stylized illustration", got[1])
	assert.NotContains(t, got[2], "kills")
	assert.Contains(t, got[2], "Focus on composition")
	assert.Equal(t, got[3], got[4], "level 3 is the last rung")
	assert.Equal(t, fErr.LastPrompt, got[4])
}

func TestRetryPolicy_IndependentCounters(t *testing.T) {
	p, _ := newTestPolicy(t, nil, false)
	attempt, prompts := scripted(overloaded, rejected, overloaded, rejected, rejected, rejected, succeeded)

	res, err := p.Run(context.Background(), "duel at noon", attempt, nil)
	require.NoError(t, err)

	assert.Len(t, *prompts, 7)
	assert.Equal(t, 2, res.State.OverloadAttempts)
	assert.Equal(t, 4, res.State.PolicyAttempts)
	assert.Equal(t, (*prompts)[6], res.Prompt)
}

func TestRetryPolicy_Bounds(t *testing.T) {
	// Mixed failures never push either counter past its budget.
	cases := [][]Outcome{
		{overloaded, rejected, overloaded, rejected, overloaded},
		{rejected, overloaded, rejected, rejected, overloaded, rejected, rejected},
		{rejected, rejected, rejected, rejected, overloaded, overloaded, rejected},
	}
	for _, outcomes := range cases {
		p, _ := newTestPolicy(t, nil, false)
		counts := map[FailureKind]int{}
		i := 0
		attempt := func(ctx context.Context, prompt string) Outcome {
			out := outcomes[i%len(outcomes)]
			i++
			counts[out.Failure]++
			return out
		}

		_, err := p.Run(context.Background(), "fight", attempt, nil)
		fErr, ok := AsFinalRejection(err)
		require.True(t, ok)
		assert.LessOrEqual(t, fErr.Attempts, fErr.MaxAttempts)
		assert.LessOrEqual(t, counts[FailureOverloaded], 3)
		assert.LessOrEqual(t, counts[FailurePolicyRejected], 5)
	}
}

func TestRetryPolicy_OtherFailsImmediately(t *testing.T) {
	p, _ := newTestPolicy(t, nil, false)
	attempt, prompts := scripted(overloaded, Retryable(FailureOther, errors.New("bad request")))

	_, err := p.Run(context.Background(), "quiet street", attempt, nil)

	fErr, ok := AsFinalRejection(err)
	require.True(t, ok)
	assert.Equal(t, FailureOther, fErr.Kind)
	assert.Equal(t, 2, fErr.Attempts)
	assert.Equal(t, 2, fErr.MaxAttempts)
	assert.Len(t, *prompts, 2)
	assert.EqualError(t, errors.Unwrap(fErr), "bad request")
}

func TestRetryPolicy_FatalStops(t *testing.T) {
	p, _ := newTestPolicy(t, nil, false)
	attempt, prompts := scripted(rejected, Fatal(context.Canceled))

	_, err := p.Run(context.Background(), "quiet street", attempt, nil)

	assert.ErrorIs(t, err, context.Canceled)
	_, isFinal := AsFinalRejection(err)
	assert.False(t, isFinal)
	assert.Len(t, *prompts, 2)
}

func TestRetryPolicy_CancelledDuringBackoff(t *testing.T) {
	settings := DefaultSettings()
	adapter := NewContentAdapter(DefaultAdapterRules(), nil, false, 20, nil)
	p := NewRetryPolicy(settings, adapter, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempt := func(ctx context.Context, prompt string) Outcome {
		calls++
		cancel()
		return overloaded
	}

	_, err := p.Run(ctx, "storm", attempt, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_AIRewriteUsedOnce(t *testing.T) {
	text := &MockGenerationClient{
		CompleteTextFunc: func(ctx context.Context, parts []Part) (*TextResult, error) {
			return &TextResult{Text: `"The knight faces the dragon in a tense standoff"`}, nil
		},
	}
	p, _ := newTestPolicy(t, text, true)
	attempt, prompts := scripted(rejected, rejected, succeeded)

	res, err := p.Run(context.Background(), "The knight kills the dragon", attempt, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, text.TextCalls())
	require.Len(t, *prompts, 3)
	assert.Equal(t, "The knight faces the dragon in a tense standoff", (*prompts)[1])
	assert.Contains(t, (*prompts)[2], "Focus on composition", "second rejection falls through to level 2")
	assert.True(t, res.State.AIRewriteUsed)
}

func TestRetryPolicy_AIRewriteFailureFallsBack(t *testing.T) {
	text := &MockGenerationClient{
		CompleteTextFunc: func(ctx context.Context, parts []Part) (*TextResult, error) {
			return &TextResult{Text: "too short"}, nil
		},
	}
	p, _ := newTestPolicy(t, text, true)
	attempt, prompts := scripted(rejected, succeeded)

	res, err := p.Run(context.Background(), "Hero draws sword", attempt, nil)
	require.NoError(t, err)

	assert.Equal(t, "Hero draws sword, artistic, stylized illustration", res.Prompt)
	assert.Len(t, *prompts, 2)
}

func TestRetryPolicy_CheckpointAroundRewrite(t *testing.T) {
	text := &MockGenerationClient{}
	p, _ := newTestPolicy(t, text, true)
	attempt, _ := scripted(rejected, succeeded)

	stop := errors.New("stop")
	_, err := p.Run(context.Background(), "Hero draws sword", attempt, func() error { return stop })

	assert.ErrorIs(t, err, stop)
	assert.Zero(t, text.TextCalls())
}

func TestNewBackOff(t *testing.T) {
	p, _ := newTestPolicy(t, nil, false)
	b := p.newBackOff()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 400*time.Millisecond, b.NextBackOff())
}
