package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLLMMetrics_RecordsTurnsErrorsAndLookups(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLLMMetrics(reg)

	m.RecordMetrics(12, 340, 2*time.Second, 300*time.Millisecond, 170)
	m.RecordMetrics(12, 340, 500*time.Millisecond, 0, 680)
	m.RecordError()
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(true)

	if got := testutil.ToFloat64(m.turns); got != 2 {
		t.Fatalf("turns = %v; want 2", got)
	}
	if got := testutil.ToFloat64(m.errors); got != 1 {
		t.Fatalf("errors = %v; want 1", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 2 {
		t.Fatalf("cache hits = %v; want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")); got != 1 {
		t.Fatalf("cache misses = %v; want 1", got)
	}

	want := `
# HELP llm_first_token_seconds Latency until the first streamed content delta.
# TYPE llm_first_token_seconds histogram
llm_first_token_seconds_bucket{le="0.05"} 0
llm_first_token_seconds_bucket{le="0.1"} 0
llm_first_token_seconds_bucket{le="0.25"} 0
llm_first_token_seconds_bucket{le="0.5"} 1
llm_first_token_seconds_bucket{le="1"} 1
llm_first_token_seconds_bucket{le="2"} 1
llm_first_token_seconds_bucket{le="5"} 1
llm_first_token_seconds_bucket{le="10"} 1
llm_first_token_seconds_bucket{le="+Inf"} 1
llm_first_token_seconds_sum 0.3
llm_first_token_seconds_count 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "llm_first_token_seconds"); err != nil {
		t.Fatalf("first token histogram: %v", err)
	}
}

func TestLLMMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewLLMMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	_ = NewLLMMetrics(reg)
}
