package cache

import "sync/atomic"

// Stats is a point-in-time snapshot of a facade's counters. Callers should treat
// it as an observation, not a transactional readout: updates are eventually
// consistent across the state and disk executors.
type Stats struct {
	TotalRequests   int64
	Hits            int64
	Evictions       int64
	MemoryEntries   int
	DiskEntries     int
	DiskBytes       int64
	DiskJobFailures int64
}

// HitRate returns Hits/TotalRequests, or 0 if no requests have been made.
func (s Stats) HitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.TotalRequests)
}

// counters holds the state executor's fast-path counters. All fields are
// accessed only via atomic operations so they may be read from any goroutine
// without acquiring the state lock. Eviction counts are not tracked here: they
// live on the memory and disk tiers themselves, which are the components that
// actually decide to evict, and are read live into Stats.
type counters struct {
	totalRequests int64
	hits          int64
}

func (c *counters) addRequest() { atomic.AddInt64(&c.totalRequests, 1) }
func (c *counters) addHit()     { atomic.AddInt64(&c.hits, 1) }

func (c *counters) snapshot() (total, hits int64) {
	return atomic.LoadInt64(&c.totalRequests), atomic.LoadInt64(&c.hits)
}

func (c *counters) reset() {
	atomic.StoreInt64(&c.totalRequests, 0)
	atomic.StoreInt64(&c.hits, 0)
}
