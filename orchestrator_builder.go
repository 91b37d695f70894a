package pagegen

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a structured logger for the orchestrator.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithStorage sets a storage backend for page images. The URL it returns
// becomes the page's image handle.
func WithStorage(storage Storage) Option {
	return func(o *Orchestrator) {
		o.storage = storage
	}
}

// WithSettings overrides the engine tunables.
func WithSettings(settings Settings) Option {
	return func(o *Orchestrator) {
		o.settings = settings
	}
}

// WithAdapterRules overrides the sanitization ladder tables.
func WithAdapterRules(rules AdapterRules) Option {
	return func(o *Orchestrator) {
		o.rules = rules
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithCancelSignal adds an external batch cancellation source.
func WithCancelSignal(signal CancelSignal) Option {
	return func(o *Orchestrator) {
		o.cancelSignal = signal
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDGenerator sets the page and batch id generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

// withSleep replaces the delay function used for backoff and batch pacing.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// New creates an Orchestrator with the given client, store and options.
//
// Example:
//
//	client, err := gemini.NewWithAPIKey(ctx, apiKey)
//	if err != nil {
//	    return err
//	}
//	orch := pagegen.New(client, memory.New())
//
// With options:
//
//	orch := pagegen.New(client, store,
//	    pagegen.WithLogger(logger),
//	    pagegen.WithSettings(settings),
//	)
func New(client GenerationClient, store SessionStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      client,
		store:       store,
		settings:    DefaultSettings(),
		rules:       DefaultAdapterRules(),
		singleGuard: NewConcurrencyGuard(),
		batchGuard:  NewConcurrencyGuard(),
		logger:      zap.NewNop(),
		now:         time.Now,
		newID:       newUUID,
		sleep:       sleepContext,
		live:        make(map[string]*Session),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.settings = o.settings.normalized()
	o.builder = NewPromptBuilder(o.settings.ContextCharLimit)
	o.resolver = NewReferenceResolver(store, o.settings.MaxReferenceImages, o.logger)
	o.adapter = NewContentAdapter(o.rules, client, o.settings.AIRewrite, o.settings.MinRewriteLength, o.logger)
	o.retry = NewRetryPolicy(o.settings, o.adapter, o.logger, o.metrics)
	o.retry.sleep = o.sleep

	return o
}
