package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecorders_CountOutcomes(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveProvider("twelvedata", "ok", 10*time.Millisecond)
	m.ObserveProvider("twelvedata", "ok", 5*time.Millisecond)
	m.ObserveAggregation("empty_result")
	m.ObserveDropped("invalid_price", 2)
	m.ObserveSyncAttempt()

	body := scrape(t, m)
	require.Contains(t, body, `pricefeed_provider_requests_total{outcome="ok",provider="twelvedata"} 2`)
	require.Contains(t, body, `pricefeed_aggregator_runs_total{outcome="empty_result"} 1`)
	require.Contains(t, body, `pricefeed_aggregator_dropped_quotes_total{reason="invalid_price"} 2`)
	require.Contains(t, body, `pricefeed_sync_attempts_total 1`)
}

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveProvider("x", "ok", time.Second)
		m.ObserveAggregation("ok")
		m.ObserveDropped("x", 1)
		m.ObservePublishFailure("prices")
		m.ObserveHTTP("GET", "/prices", "200", time.Second)
		m.ObserveSyncCycle("ok")
		m.ObserveSyncAttempt()
	})
}

func TestHandler_ExposesRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveSyncCycle("merged")

	require.Contains(t, scrape(t, m), `pricefeed_sync_cycles_total{outcome="merged"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
