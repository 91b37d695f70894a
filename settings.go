package pagegen

import "time"

// Settings holds the tunable constants of the engine. Every field can be
// overridden through WithSettings or through the environment with the
// envconfig tags below (prefix chosen by the caller, e.g. PAGEGEN_).
type Settings struct {
	// Retry budgets of one RetryPolicy run.
	MaxOverloadAttempts int           `envconfig:"MAX_OVERLOAD_ATTEMPTS" default:"3"`
	MaxPolicyAttempts   int           `envconfig:"MAX_POLICY_ATTEMPTS" default:"5"`
	OverloadBaseDelay   time.Duration `envconfig:"OVERLOAD_BASE_DELAY" default:"2s"`

	// Batch pacing.
	BatchImageAttempts int           `envconfig:"BATCH_IMAGE_ATTEMPTS" default:"3"`
	BatchRetryDelay    time.Duration `envconfig:"BATCH_RETRY_DELAY" default:"3s"`
	InterPageDelay     time.Duration `envconfig:"INTER_PAGE_DELAY" default:"2s"`

	// Uniqueness guard.
	SimilarityThreshold float64 `envconfig:"SIMILARITY_THRESHOLD" default:"0.7"`
	UniquenessRetries   int     `envconfig:"UNIQUENESS_RETRIES" default:"3"`
	MinTokenLength      int     `envconfig:"MIN_TOKEN_LENGTH" default:"4"`

	// Prompt assembly and references.
	ContextCharLimit           int `envconfig:"CONTEXT_CHAR_LIMIT" default:"4000"`
	SingleReferenceCount       int `envconfig:"SINGLE_REFERENCE_COUNT" default:"2"`
	ContinuationReferenceCount int `envconfig:"CONTINUATION_REFERENCE_COUNT" default:"3"`
	MaxReferenceImages         int `envconfig:"MAX_REFERENCE_IMAGES" default:"14"`

	// AIRewrite enables one AI-assisted rewrite per retry run before the
	// deterministic sanitization ladder.
	AIRewrite        bool `envconfig:"AI_REWRITE" default:"false"`
	MinRewriteLength int  `envconfig:"MIN_REWRITE_LENGTH" default:"20"`

	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"400ms"`
}

// DefaultSettings returns the settings the engine uses when none are supplied.
func DefaultSettings() Settings {
	return Settings{
		MaxOverloadAttempts:        3,
		MaxPolicyAttempts:          5,
		OverloadBaseDelay:          2 * time.Second,
		BatchImageAttempts:         3,
		BatchRetryDelay:            3 * time.Second,
		InterPageDelay:             2 * time.Second,
		SimilarityThreshold:        0.7,
		UniquenessRetries:          3,
		MinTokenLength:             4,
		ContextCharLimit:           4000,
		SingleReferenceCount:       2,
		ContinuationReferenceCount: 3,
		MaxReferenceImages:         MaxInputImages,
		AIRewrite:                  false,
		MinRewriteLength:           20,
		ProgressInterval:           400 * time.Millisecond,
	}
}

// normalized replaces non-positive budgets with defaults so a partially
// filled Settings never disables a bound.
func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.MaxOverloadAttempts <= 0 {
		s.MaxOverloadAttempts = d.MaxOverloadAttempts
	}
	if s.MaxPolicyAttempts <= 0 {
		s.MaxPolicyAttempts = d.MaxPolicyAttempts
	}
	if s.OverloadBaseDelay < 0 {
		s.OverloadBaseDelay = d.OverloadBaseDelay
	}
	if s.BatchImageAttempts <= 0 {
		s.BatchImageAttempts = d.BatchImageAttempts
	}
	if s.BatchRetryDelay < 0 {
		s.BatchRetryDelay = d.BatchRetryDelay
	}
	if s.InterPageDelay < 0 {
		s.InterPageDelay = d.InterPageDelay
	}
	if s.SimilarityThreshold <= 0 || s.SimilarityThreshold > 1 {
		s.SimilarityThreshold = d.SimilarityThreshold
	}
	if s.UniquenessRetries < 0 {
		s.UniquenessRetries = d.UniquenessRetries
	}
	if s.MinTokenLength <= 0 {
		s.MinTokenLength = d.MinTokenLength
	}
	if s.ContextCharLimit <= 0 {
		s.ContextCharLimit = d.ContextCharLimit
	}
	if s.SingleReferenceCount < 0 {
		s.SingleReferenceCount = d.SingleReferenceCount
	}
	if s.ContinuationReferenceCount < 0 {
		s.ContinuationReferenceCount = d.ContinuationReferenceCount
	}
	if s.MaxReferenceImages <= 0 || s.MaxReferenceImages > MaxInputImages {
		s.MaxReferenceImages = MaxInputImages
	}
	if s.MinRewriteLength <= 0 {
		s.MinRewriteLength = d.MinRewriteLength
	}
	if s.ProgressInterval <= 0 {
		s.ProgressInterval = d.ProgressInterval
	}
	return s
}
