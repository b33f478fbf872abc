package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics("test")

	m.ObserveCacheLookup("local", "hit")
	m.ObserveCacheLookup("local", "hit")
	m.ObserveCacheLookup("distributed", "miss")
	m.ObserveUpstreamCall("get_item", "success", 20*time.Millisecond)
	m.ObserveRetry("get_item")
	m.ObserveWarmupItem("skipped")
	m.SetInFlight(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("local", "hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("distributed", "miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.upstreamCalls.WithLabelValues("get_item", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("get_item")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.warmupItems.WithLabelValues("skipped")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.inFlight))
}

func TestHandler(t *testing.T) {
	m := NewPrometheusMetrics("test")
	m.ObserveWarmupItem("succeeded")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `test_warmup_items_total{outcome="succeeded"} 1`)
}
