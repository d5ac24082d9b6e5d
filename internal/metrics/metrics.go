// Package metrics exposes upload and preview counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scribescope/backend/internal/models"
)

// Collector records per-file outcomes and live resource counts.
type Collector struct {
	registry *prometheus.Registry
	files    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates a Collector on its own registry. outstanding and sessions are
// sampled at scrape time and may be nil.
func New(prefix string, outstanding, sessions func() int) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: prefix + "files_processed_total", Help: "Total number of files run through the search endpoint"},
			[]string{"status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: prefix + "file_duration_seconds", Help: "Time spent on one search round trip", Buckets: prometheus.DefBuckets},
			[]string{"status"},
		),
	}
	c.registry.MustRegister(c.files, c.duration)

	if outstanding != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: prefix + "preview_handles_outstanding", Help: "Number of preview handles not yet released"},
			func() float64 { return float64(outstanding()) },
		))
	}
	if sessions != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: prefix + "sessions", Help: "Number of live sessions"},
			func() float64 { return float64(sessions()) },
		))
	}
	return c
}

// ObserveFile records how one file ended.
func (c *Collector) ObserveFile(status models.FileStatus, elapsed time.Duration) {
	c.files.WithLabelValues(string(status)).Inc()
	c.duration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
