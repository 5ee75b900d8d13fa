package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheLookup("hit")
	m.TradeOutcome("stake", "committed")
	m.ObserveHTTP("/x", "200", 0.1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.CacheLookup("hit")
	m.CacheLookup("hit")
	m.ScoringFailed()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ScoringFailures))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taodividends_cache_lookups_total")
}
