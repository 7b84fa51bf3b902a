// Package metrics defines the Prometheus collectors for search and
// indexing and exposes an HTTP handler for scraping.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records
// nothing, so components can run without instrumentation.
type Metrics struct {
	SearchQueriesTotal *prometheus.CounterVec
	SearchLatency      *prometheus.HistogramVec
	SearchResultsCount prometheus.Histogram
	SignalResults      *prometheus.HistogramVec
	SignalErrorsTotal  *prometheus.CounterVec
	DegradedTotal      prometheus.Counter
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	IndexedDocuments   prometheus.Gauge
	FilesIndexedTotal  *prometheus.CounterVec
	IndexDuration      prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codefuse_search_queries_total",
				Help: "Total search queries by mode and outcome (ok, empty, error, cached).",
			},
			[]string{"mode", "outcome"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codefuse_search_latency_seconds",
				Help:    "Search latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"mode"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codefuse_search_results_count",
				Help:    "Number of fused results returned per query.",
				Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
			},
		),
		SignalResults: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codefuse_signal_results_count",
				Help:    "Candidates produced per signal before fusion.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"signal"},
		),
		SignalErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codefuse_signal_errors_total",
				Help: "Signal failures tolerated during a search.",
			},
			[]string{"signal"},
		),
		DegradedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "codefuse_fusion_degraded_total",
				Help: "Searches fused without the statistical signal after it was rejected.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "codefuse_cache_hits_total",
				Help: "Search cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "codefuse_cache_misses_total",
				Help: "Search cache misses.",
			},
		),
		IndexedDocuments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "codefuse_indexed_documents",
				Help: "Documents in the BM25 index after the last indexing run.",
			},
		),
		FilesIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codefuse_files_total",
				Help: "Files processed by the indexer by outcome (indexed, skipped, failed, removed).",
			},
			[]string{"outcome"},
		),
		IndexDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codefuse_index_duration_seconds",
				Help:    "Duration of indexing runs in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
	}

	reg.MustRegister(
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.SignalResults,
		m.SignalErrorsTotal,
		m.DegradedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.IndexedDocuments,
		m.FilesIndexedTotal,
		m.IndexDuration,
	)
	return m
}

// ObserveSearch records one completed search.
func (m *Metrics) ObserveSearch(mode, outcome string, results int, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(mode, outcome).Inc()
	m.SearchLatency.WithLabelValues(mode).Observe(d.Seconds())
	if outcome != "error" {
		m.SearchResultsCount.Observe(float64(results))
	}
}

// ObserveSignal records the candidate count or failure of one signal.
func (m *Metrics) ObserveSignal(signal string, results int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SignalErrorsTotal.WithLabelValues(signal).Inc()
		return
	}
	m.SignalResults.WithLabelValues(signal).Observe(float64(results))
}

func (m *Metrics) Degraded() {
	if m == nil {
		return
	}
	m.DegradedTotal.Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// ObserveIndexRun records the outcome counts of an indexing pass.
func (m *Metrics) ObserveIndexRun(indexed, skipped, failed, removed, documents int, d time.Duration) {
	if m == nil {
		return
	}
	m.FilesIndexedTotal.WithLabelValues("indexed").Add(float64(indexed))
	m.FilesIndexedTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.FilesIndexedTotal.WithLabelValues("failed").Add(float64(failed))
	m.FilesIndexedTotal.WithLabelValues("removed").Add(float64(removed))
	m.IndexedDocuments.Set(float64(documents))
	m.IndexDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr in the background. The returned
// function shuts the server down.
func StartServer(addr string, g prometheus.Gatherer, logger *slog.Logger) (shutdown func(context.Context) error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return server.Shutdown
}
