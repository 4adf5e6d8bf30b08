package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/block/mediacache/internal/cache"
)

// StatsFunc is satisfied by both cache.MetadataCache.Stats and
// cache.ImageCache.Stats.
type StatsFunc func() cache.Stats

// cacheCollector is a stateless Prometheus collector: every Collect call takes
// a fresh snapshot from the facade rather than tracking its own counters, so
// it can never drift from what the facade itself reports via Stats().
type cacheCollector struct {
	stats StatsFunc

	requests        *prometheus.Desc
	hits            *prometheus.Desc
	evictions       *prometheus.Desc
	memoryEntries   *prometheus.Desc
	diskEntries     *prometheus.Desc
	diskBytes       *prometheus.Desc
	diskJobFailures *prometheus.Desc
}

// RegisterCacheCollector registers a collector reporting stats for a single
// named facade ("metadata" or "image") against registry.
func RegisterCacheCollector(registry *prometheus.Registry, facade string, stats StatsFunc) error {
	labels := prometheus.Labels{"cache": facade}
	c := &cacheCollector{
		stats:           stats,
		requests:        prometheus.NewDesc("mediacache_requests_total", "Total cache lookups.", nil, labels),
		hits:            prometheus.NewDesc("mediacache_hits_total", "Total cache hits.", nil, labels),
		evictions:       prometheus.NewDesc("mediacache_evictions_total", "Total entries evicted.", nil, labels),
		memoryEntries:   prometheus.NewDesc("mediacache_memory_entries", "Current memory-tier entry count.", nil, labels),
		diskEntries:     prometheus.NewDesc("mediacache_disk_entries", "Current disk-tier entry count.", nil, labels),
		diskBytes:       prometheus.NewDesc("mediacache_disk_bytes", "Current disk-tier bytes used.", nil, labels),
		diskJobFailures: prometheus.NewDesc("mediacache_disk_job_failures_total", "Total disk executor jobs that returned an error.", nil, labels),
	}
	return registry.Register(c) //nolint:wrapcheck
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.hits
	ch <- c.evictions
	ch <- c.memoryEntries
	ch <- c.diskEntries
	ch <- c.diskBytes
	ch <- c.diskJobFailures
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.stats()
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(snapshot.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(snapshot.Hits))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(snapshot.Evictions))
	ch <- prometheus.MustNewConstMetric(c.memoryEntries, prometheus.GaugeValue, float64(snapshot.MemoryEntries))
	ch <- prometheus.MustNewConstMetric(c.diskEntries, prometheus.GaugeValue, float64(snapshot.DiskEntries))
	ch <- prometheus.MustNewConstMetric(c.diskBytes, prometheus.GaugeValue, float64(snapshot.DiskBytes))
	ch <- prometheus.MustNewConstMetric(c.diskJobFailures, prometheus.CounterValue, float64(snapshot.DiskJobFailures))
}
