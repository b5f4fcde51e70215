package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNewMetricsSingleton verifies repeated construction returns the same collectors.
func TestNewMetricsSingleton(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	if a != b {
		t.Fatal("NewMetrics() returned different instances")
	}
}

func TestObserveUpstreamAndEnrichment(t *testing.T) {
	m := NewMetrics()

	before := testutil.ToFloat64(m.UpstreamRequestTotal.WithLabelValues("indexd", "get_record", "200"))
	m.ObserveUpstream("indexd", "get_record", "200", 15*time.Millisecond)
	after := testutil.ToFloat64(m.UpstreamRequestTotal.WithLabelValues("indexd", "get_record", "200"))
	if after-before != 1 {
		t.Errorf("upstream counter delta = %v, want 1", after-before)
	}

	before = testutil.ToFloat64(m.EnrichmentFailureTotal.WithLabelValues("status"))
	m.EnrichmentFailed("status")
	after = testutil.ToFloat64(m.EnrichmentFailureTotal.WithLabelValues("status"))
	if after-before != 1 {
		t.Errorf("enrichment counter delta = %v, want 1", after-before)
	}
}
