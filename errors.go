package pagegen

import (
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies a failed generation attempt.
type FailureKind string

const (
	// FailureOverloaded is a transient service failure (unavailable, overloaded, rate limited).
	FailureOverloaded FailureKind = "overloaded"

	// FailurePolicyRejected means the prompt or the result was blocked by content policy.
	FailurePolicyRejected FailureKind = "policy_rejected"

	// FailureOther is any failure that is not retried.
	FailureOther FailureKind = "other"
)

var (
	// ErrInFlight is returned when an operation of the same kind is already
	// running. Callers should ignore the call rather than report it.
	ErrInFlight = errors.New("generation already in flight")

	// ErrSessionNotFound is returned by SessionStore.LoadSession for unknown ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPageNotFound is returned when a page id is not part of the session.
	ErrPageNotFound = errors.New("page not found")

	// ErrBatchCancelled is returned internally when the batch cancel flag is seen.
	ErrBatchCancelled = errors.New("batch cancelled")

	// ErrStorageNotConfigured is returned when storage operations are attempted
	// without a configured storage backend.
	ErrStorageNotConfigured = errors.New("storage not configured")
)

// ValidationError is returned before any network call when the input cannot
// produce a request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// IsInFlight reports whether err means the call was ignored because another
// call of the same kind holds the latch.
func IsInFlight(err error) bool {
	return errors.Is(err, ErrInFlight)
}

// ServiceError is returned by providers for transport failures they could classify.
type ServiceError struct {
	Kind FailureKind
	Err  error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// RateLimitError is returned when a local rate limit is hit.
type RateLimitError struct {
	RetryAfter time.Duration
	LimitType  string
	Model      string
	Err        error // Underlying error from the limiter
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %s limit, retry after %v",
		e.Model, e.LimitType, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// IsRateLimitError checks if an error is a RateLimitError.
func IsRateLimitError(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// FinalRejectionError is returned when a retry budget is exhausted or a
// non-retryable failure occurs. Attempts never exceeds MaxAttempts.
type FinalRejectionError struct {
	Kind        FailureKind
	Attempts    int
	MaxAttempts int

	// LastPrompt is the narrative prompt sent on the final attempt.
	LastPrompt string
	Err        error
}

func (e *FinalRejectionError) Error() string {
	msg := fmt.Sprintf("generation failed (%s) after %d/%d attempts", e.Kind, e.Attempts, e.MaxAttempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FinalRejectionError) Unwrap() error {
	return e.Err
}

// AsFinalRejection extracts a FinalRejectionError from err.
func AsFinalRejection(err error) (*FinalRejectionError, bool) {
	var fErr *FinalRejectionError
	if errors.As(err, &fErr) {
		return fErr, true
	}
	return nil, false
}

// BatchStage names the step of a batch page that failed.
type BatchStage string

const (
	StageContinuation BatchStage = "continuation"
	StageImage        BatchStage = "image"
	StagePersist      BatchStage = "persist"
)

// BatchPartialFailure is returned when a batch stops on a failed page.
// Pages before PageIndex were persisted.
type BatchPartialFailure struct {
	CompletedCount int
	TotalCount     int
	PageIndex      int
	Stage          BatchStage
	Err            error
}

func (e *BatchPartialFailure) Error() string {
	return fmt.Sprintf("batch stopped at page %d (%s), %d/%d pages completed: %v",
		e.PageIndex+1, e.Stage, e.CompletedCount, e.TotalCount, e.Err)
}

func (e *BatchPartialFailure) Unwrap() error {
	return e.Err
}
