package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsEndpointExposesDecisionCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision("PERMISSION_GRANTED", 3*time.Millisecond)
	metrics.CacheHit()
	metrics.CacheMiss()
	metrics.CacheFallback()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	require.True(t, strings.Contains(out, `authcore_check_decisions_total{reason="PERMISSION_GRANTED"} 1`))
	require.True(t, strings.Contains(out, "authcore_decision_cache_hits_total 1"))
	require.True(t, strings.Contains(out, "authcore_decision_cache_fallbacks_total 1"))
}

func TestMetricsMiddlewareRecordsRequests(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rec.Body.String(), `authcore_http_requests_total{code="418",route="unknown"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision("NO_PERMISSION", time.Millisecond)
	metrics.CacheHit()
	metrics.CacheMiss()
	metrics.CacheFallback()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
