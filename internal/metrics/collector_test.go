package metrics

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/block/mediacache/internal/cache"
)

func TestCacheCollectorReportsSnapshot(t *testing.T) {
	registry := prometheus.NewPedanticRegistry()
	stats := cache.Stats{TotalRequests: 10, Hits: 7, Evictions: 1, MemoryEntries: 3, DiskEntries: 5, DiskBytes: 1024}

	err := RegisterCacheCollector(registry, "image", func() cache.Stats { return stats })
	assert.NoError(t, err)

	expected := `
		# HELP mediacache_requests_total Total cache lookups.
		# TYPE mediacache_requests_total counter
		mediacache_requests_total{cache="image"} 10
	`
	err = testutil.GatherAndCompare(registry, strings.NewReader(expected), "mediacache_requests_total")
	assert.NoError(t, err)
}

func TestCacheCollectorRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewPedanticRegistry()
	stats := func() cache.Stats { return cache.Stats{} }

	assert.NoError(t, RegisterCacheCollector(registry, "metadata", stats))
	assert.Error(t, RegisterCacheCollector(registry, "metadata", stats))
}
