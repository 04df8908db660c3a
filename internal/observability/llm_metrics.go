package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LLMMetrics is the Prometheus-backed metrics sink of chat sessions. It
// records per-turn outcomes; prompt and response sizes are in characters.
type LLMMetrics struct {
	turns        prometheus.Counter
	errors       prometheus.Counter
	cacheLookups *prometheus.CounterVec
	totalTime    prometheus.Histogram
	firstToken   prometheus.Histogram
	tokensPerSec prometheus.Histogram
	promptLen    prometheus.Histogram
	responseLen  prometheus.Histogram
}

var sizeBuckets = prometheus.ExponentialBuckets(16, 4, 8)

// NewLLMMetrics registers the chat metrics on reg. Passing
// prometheus.DefaultRegisterer exposes them on /metrics.
func NewLLMMetrics(reg prometheus.Registerer) *LLMMetrics {
	f := promauto.With(reg)
	return &LLMMetrics{
		turns: f.NewCounter(prometheus.CounterOpts{
			Name: "llm_turns_total",
			Help: "Completed chat turns, including cache hits.",
		}),
		errors: f.NewCounter(prometheus.CounterOpts{
			Name: "llm_errors_total",
			Help: "Chat turns that failed. User stops are not counted.",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_cache_lookups_total",
			Help: "Response cache lookups by result.",
		}, []string{"result"}),
		totalTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_turn_duration_seconds",
			Help:    "Wall time of a chat turn.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		firstToken: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_first_token_seconds",
			Help:    "Latency until the first streamed content delta.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		tokensPerSec: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_tokens_per_second",
			Help:    "Response characters per second of wall time.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		promptLen: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_prompt_length_chars",
			Help:    "Length of the user prompt.",
			Buckets: sizeBuckets,
		}),
		responseLen: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_response_length_chars",
			Help:    "Length of the final assistant response.",
			Buckets: sizeBuckets,
		}),
	}
}

// RecordMetrics observes one completed turn. A zero firstTokenLatency (cache
// replay) is not observed.
func (m *LLMMetrics) RecordMetrics(promptLength, responseLength int, totalTime, firstTokenLatency time.Duration, tokensPerSecond float64) {
	m.turns.Inc()
	m.promptLen.Observe(float64(promptLength))
	m.responseLen.Observe(float64(responseLength))
	m.totalTime.Observe(totalTime.Seconds())
	if firstTokenLatency > 0 {
		m.firstToken.Observe(firstTokenLatency.Seconds())
	}
	m.tokensPerSec.Observe(tokensPerSecond)
}

// RecordError counts a failed turn.
func (m *LLMMetrics) RecordError() { m.errors.Inc() }

// RecordCacheLookup counts a response cache hit or miss.
func (m *LLMMetrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
