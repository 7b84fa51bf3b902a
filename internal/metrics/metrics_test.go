package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSearch("hybrid", "ok", 3, time.Millisecond)
		m.ObserveSignal("exact", 1, nil)
		m.Degraded()
		m.CacheHit()
		m.CacheMiss()
		m.ObserveIndexRun(1, 2, 3, 4, 5, time.Second)
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSearch("hybrid", "ok", 4, 10*time.Millisecond)
	m.ObserveSearch("hybrid", "error", 0, time.Millisecond)
	m.ObserveSignal("semantic", 0, errors.New("down"))
	m.ObserveSignal("exact", 7, nil)
	m.Degraded()
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.ObserveIndexRun(3, 1, 0, 2, 42, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("hybrid", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues("hybrid", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalErrorsTotal.WithLabelValues("semantic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheMissesTotal))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.IndexedDocuments))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FilesIndexedTotal.WithLabelValues("removed")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CacheHit()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codefuse_cache_hits_total 1")
}
