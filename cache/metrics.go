package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes store statistics as Prometheus metrics. Register it with
// a prometheus.Registerer to scrape cache behavior alongside the rest of the
// pipeline's metrics.
type Collector struct {
	store Store

	entries    *prometheus.Desc
	totalBytes *prometheus.Desc
	hits       *prometheus.Desc
	misses     *prometheus.Desc
	evictions  *prometheus.Desc
}

// NewCollector creates a Prometheus collector for the given store.
func NewCollector(store Store) *Collector {
	return &Collector{
		store: store,
		entries: prometheus.NewDesc(
			"stagecache_entries",
			"Number of entries currently in the artifact cache.",
			nil, nil),
		totalBytes: prometheus.NewDesc(
			"stagecache_bytes_total",
			"Total bytes stored in the artifact cache.",
			nil, nil),
		hits: prometheus.NewDesc(
			"stagecache_hits_total",
			"Number of cache lookups that found a usable entry.",
			nil, nil),
		misses: prometheus.NewDesc(
			"stagecache_misses_total",
			"Number of cache lookups that missed (including corrupt entries).",
			nil, nil),
		evictions: prometheus.NewDesc(
			"stagecache_evictions_total",
			"Number of entries evicted to stay under the size bound.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.totalBytes
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.store.Stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.totalBytes, prometheus.GaugeValue, float64(stats.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Evictions))
}
