// Package metrics is the Prometheus registry exposed over /metrics,
// scoped to the market-data pipeline and the opportunity detector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus metric this process exposes.
type Registry struct {
	WSReconnects     *prometheus.CounterVec
	BookUpdateLag    *prometheus.HistogramVec
	ScanDuration     prometheus.Histogram
	OpportunitiesHit *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	ConnectedVenues  prometheus.Gauge
}

// NewRegistry builds and registers every metric.
func NewRegistry() *Registry {
	r := &Registry{
		WSReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbmon_ws_reconnects_total",
				Help: "Total WebSocket reconnect attempts by venue.",
			},
			[]string{"venue"},
		),
		BookUpdateLag: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbmon_book_update_latency_ms",
				Help:    "Time from book mutation to detector intake, in milliseconds.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"venue"},
		),
		ScanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arbmon_scan_duration_seconds",
				Help:    "Duration of one detector scan pass.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		OpportunitiesHit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbmon_opportunities_detected_total",
				Help: "Qualifying opportunities emitted, by canonical symbol.",
			},
			[]string{"symbol"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arbmon_cache_hits_total",
				Help: "Order-book cache reads that found a fresh entry.",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arbmon_cache_misses_total",
				Help: "Order-book cache reads that found no entry (TTL expiry or never written).",
			},
		),
		ConnectedVenues: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbmon_connected_venues",
				Help: "Number of venue clients currently live.",
			},
		),
	}

	prometheus.MustRegister(
		r.WSReconnects,
		r.BookUpdateLag,
		r.ScanDuration,
		r.OpportunitiesHit,
		r.CacheHits,
		r.CacheMisses,
		r.ConnectedVenues,
	)
	return r
}

// Handler returns the HTTP handler serving /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordReconnect increments the reconnect counter for venue.
func (r *Registry) RecordReconnect(venue string) {
	r.WSReconnects.WithLabelValues(venue).Inc()
}

// RecordOpportunity increments the opportunities counter for a canonical symbol.
func (r *Registry) RecordOpportunity(symbol string) {
	r.OpportunitiesHit.WithLabelValues(symbol).Inc()
}

// RecordCacheHit records a cache read that found a fresh entry.
func (r *Registry) RecordCacheHit() { r.CacheHits.Inc() }

// RecordCacheMiss records a cache read that found nothing.
func (r *Registry) RecordCacheMiss() { r.CacheMisses.Inc() }

// SetConnectedVenues sets the live-venue-count gauge.
func (r *Registry) SetConnectedVenues(n int) {
	r.ConnectedVenues.Set(float64(n))
}
