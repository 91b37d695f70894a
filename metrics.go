package pagegen

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	attempts      *prometheus.CounterVec
	adaptations   *prometheus.CounterVec
	finalFailures *prometheus.CounterVec
	pages         *prometheus.CounterVec
	batches       *prometheus.CounterVec
	imageDuration prometheus.Histogram
}

// NewMetrics registers the engine collectors on reg. Pass
// prometheus.NewRegistry() to keep them off the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagegen_image_attempts_total",
			Help: "Image generation attempts, partitioned by outcome.",
		}, []string{"outcome"}),
		adaptations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagegen_prompt_adaptations_total",
			Help: "Prompt adaptations after policy rejections, partitioned by ladder level (0 = ai rewrite).",
		}, []string{"level"}),
		finalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagegen_final_failures_total",
			Help: "Generations that exhausted their retry budget or failed fatally.",
		}, []string{"kind"}),
		pages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagegen_pages_generated_total",
			Help: "Pages generated and persisted, partitioned by prompt mode.",
		}, []string{"mode"}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagegen_batches_total",
			Help: "Batch runs, partitioned by outcome.",
		}, []string{"outcome"}),
		imageDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pagegen_image_call_duration_seconds",
			Help:    "Duration of image generation calls.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. 64s
		}),
	}
}

func (m *Metrics) observeAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeAdaptation(level AdaptationLevel) {
	if m == nil {
		return
	}
	m.adaptations.WithLabelValues(strconv.Itoa(int(level))).Inc()
}

func (m *Metrics) observeFinalFailure(kind FailureKind) {
	if m == nil {
		return
	}
	m.finalFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observePage(mode PromptMode) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) observeBatch(outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeImageCall(d time.Duration) {
	if m == nil {
		return
	}
	m.imageDuration.Observe(d.Seconds())
}
