// Package metrics exposes fetch outcomes and pool occupancy as Prometheus
// collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/machinedata/signal-accessor/internal/db"
)

type Metrics struct {
	fetches  *prometheus.CounterVec
	duration prometheus.Histogram
	exports  *prometheus.CounterVec
}

// New registers the fetch and export collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessor_fetch_total",
			Help: "Signal fetches by outcome (found, no_data, upstream_failed).",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "accessor_fetch_duration_seconds",
			Help:    "Time spent acquiring a connection and reading signals.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessor_export_total",
			Help: "Parquet export attempts per signal type by result.",
		}, []string{"signal_type", "result"}),
	}
	reg.MustRegister(m.fetches, m.duration, m.exports)
	return m
}

// ObserveFetch records one fetch.
func (m *Metrics) ObserveFetch(outcome string, elapsed time.Duration) {
	m.fetches.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// ObserveExport records one export of a signal type.
func (m *Metrics) ObserveExport(signalType, result string) {
	m.exports.WithLabelValues(signalType, result).Inc()
}

// RegisterPool exposes pool occupancy, read from stat on every scrape.
func RegisterPool(reg prometheus.Registerer, stat func() db.Stats) {
	gauge := func(name, help string, value func(db.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return value(stat())
		})
	}
	counter := func(name, help string, value func(db.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return value(stat())
		})
	}

	reg.MustRegister(
		gauge("accessor_pool_acquired_conns", "Connections currently checked out.",
			func(s db.Stats) float64 { return float64(s.Acquired) }),
		gauge("accessor_pool_idle_conns", "Open connections waiting for reuse.",
			func(s db.Stats) float64 { return float64(s.Idle) }),
		gauge("accessor_pool_total_conns", "Open connections, including ones being established.",
			func(s db.Stats) float64 { return float64(s.Total) }),
		gauge("accessor_pool_max_conns", "Upper bound on open connections.",
			func(s db.Stats) float64 { return float64(s.Max) }),
		counter("accessor_pool_acquire_total", "Successful connection checkouts.",
			func(s db.Stats) float64 { return float64(s.AcquireCount) }),
		counter("accessor_pool_empty_acquire_total", "Checkouts that found no idle connection.",
			func(s db.Stats) float64 { return float64(s.EmptyAcquireCount) }),
	)
}
