package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Counters(t *testing.T) {
	m := New()
	m.TickFinished(TickCompleted, time.Second)
	m.TickFinished(TickSkipped, 0)
	m.TickFinished(TickSkipped, 0)
	m.FetchError("unknown_symbol")
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.Decisions(3)
	m.Decisions(0)
	m.MarkFired("already_fired")
	m.Dispatched("delivered")
	m.DeliveryAttempt("telegram")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues(TickCompleted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks.WithLabelValues(TickSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchErrors.WithLabelValues("unknown_symbol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cache.WithLabelValues("hit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.decisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.markFired.WithLabelValues("already_fired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("telegram")))
}

func TestMonitor_NilSafe(t *testing.T) {
	var m *Monitor
	m.TickFinished(TickCompleted, time.Second)
	m.FetchError("x")
	m.CacheLookup(true)
	m.Decisions(1)
	m.MarkFired("fired")
	m.Dispatched("failed")
	m.DeliveryAttempt("webhook")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMonitor_Handler(t *testing.T) {
	m := New()
	m.Dispatched("dead_lettered")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `price_alert_dispatches_total{result="dead_lettered"} 1`))
}
