// Package metrics exposes crawl reports as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sriram-PR/harvester/pkg/models"
)

// PrometheusSink is a models.StatsSink backed by a Prometheus registry
type PrometheusSink struct {
	registry *prometheus.Registry

	Runs     *prometheus.CounterVec
	Files    *prometheus.CounterVec
	Bytes    *prometheus.CounterVec
	Links    *prometheus.GaugeVec
	Servers  *prometheus.GaugeVec
	Dirs     *prometheus.GaugeVec
	Duration *prometheus.HistogramVec
}

// NewPrometheusSink registers the crawl metrics under namespace on a
// private registry.
func NewPrometheusSink(namespace string) *PrometheusSink {
	if namespace == "" {
		namespace = "harvester"
	}
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "runs_total", Help: "Finished crawl runs by termination path"},
			[]string{"project", "termination"},
		),
		Files: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "files_total", Help: "Files by download outcome"},
			[]string{"project", "outcome"},
		),
		Bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "bytes_total", Help: "Bytes written to the project directory"},
			[]string{"project"},
		),
		Links: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "links_scanned", Help: "Unique links scanned in the last run"},
			[]string{"project"},
		),
		Servers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "servers_scanned", Help: "Servers seen in the last run"},
			[]string{"project"},
		),
		Dirs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "directories_scanned", Help: "Directories seen in the last run"},
			[]string{"project"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of crawl runs",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"project"},
		),
	}
	s.registry.MustRegister(s.Runs, s.Files, s.Bytes, s.Links, s.Servers, s.Dirs, s.Duration)
	return s
}

// Report implements models.StatsSink
func (s *PrometheusSink) Report(stats models.CrawlStats) {
	if s == nil {
		return
	}
	p := stats.Project
	s.Runs.WithLabelValues(p, stats.Termination).Inc()

	outcomes := map[string]int{
		"saved":      stats.FilesSaved,
		"failed":     stats.FilesFailed,
		"fatal":      stats.FilesFatal,
		"retried":    stats.FilesRetried,
		"up_to_date": stats.FilesUpToDate,
		"from_cache": stats.FilesCached,
		"blocked":    stats.FilesBlocked,
		"deleted":    stats.FilesDeleted,
	}
	for outcome, n := range outcomes {
		if n > 0 {
			s.Files.WithLabelValues(p, outcome).Add(float64(n))
		}
	}
	if stats.Bytes > 0 {
		s.Bytes.WithLabelValues(p).Add(float64(stats.Bytes))
	}
	s.Links.WithLabelValues(p).Set(float64(stats.Links))
	s.Servers.WithLabelValues(p).Set(float64(stats.Servers))
	s.Dirs.WithLabelValues(p).Set(float64(stats.Directories))
	s.Duration.WithLabelValues(p).Observe(stats.Elapsed.Seconds())
}

// Registry returns the registry holding the crawl metrics
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
