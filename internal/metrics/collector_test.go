package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Singleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestCollector_Instruments(t *testing.T) {
	c := Default()

	c.RecordOutcome("test_backend", "success")
	c.RecordOutcome("test_backend", "success")
	c.RecordOutcome("test_backend", "rate_limited")
	c.ObserveWait("test_backend", "spacing", 500*time.Millisecond)
	c.SetCurrentDelay("test_backend", 2*time.Second)
	c.RecordWindowRejection("test_backend")
	c.RecordFallbackStep("test_backend", "gpt-4o", "success")
	c.ObserveFallbackDuration("success", time.Second)

	got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("test_backend", "success"))
	assert.Equal(t, 2.0, got)

	got = testutil.ToFloat64(c.currentDelay.WithLabelValues("test_backend"))
	assert.Equal(t, 2.0, got)

	got = testutil.ToFloat64(c.windowRejections.WithLabelValues("test_backend"))
	assert.Equal(t, 1.0, got)
}

func TestCollector_RegisteredOnDefaultRegisterer(t *testing.T) {
	Default().RecordOutcome("probe_backend", "success")

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["paceflow_requests_total"])
}
