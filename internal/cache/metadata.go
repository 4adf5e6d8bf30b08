package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alecthomas/errors"

	"github.com/block/mediacache/internal/cachekey"
	"github.com/block/mediacache/internal/cachepolicy"
	"github.com/block/mediacache/internal/diskstore"
	"github.com/block/mediacache/internal/jobscheduler"
	"github.com/block/mediacache/internal/memtier"
)

// MetadataConfig configures a MetadataCache.
type MetadataConfig struct {
	RootDir            string        `hcl:"root-dir" help:"Filesystem root for the metadata disk store."`
	DefaultTTL         time.Duration `hcl:"default-ttl,optional" help:"Fixed freshness window for every metadata entry." default:"1h"`
	MaxDiskBytes       int64         `hcl:"max-disk-bytes,optional" help:"Hard upper bound on disk bytes before LRU eviction kicks in." default:"268435456"`
	MemoryItemsLimit   int           `hcl:"memory-items-limit,optional" help:"Upper bound on memory-tier entry count." default:"500"`
	IndexWriteDebounce time.Duration `hcl:"index-write-debounce,optional" help:"Idle window before the disk index is flushed." default:"1s"`
	EvictionInterval   time.Duration `hcl:"eviction-interval,optional" help:"Period of the maintenance timer that sweeps expired entries and enforces the disk byte budget." default:"5m"`
}

const metadataDiskQueue = "disk"

// MetadataCache is the JSON metadata cache facade: fixed-TTL freshness,
// strong-validator revalidation, keyed by (URL, sorted query items).
type MetadataCache struct {
	cfg      MetadataConfig
	disk     *diskstore.MetadataStore
	memory   *memtier.Tier
	diskExec jobscheduler.Scheduler
	logger   *slog.Logger

	counters counters

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMetadataCache builds a MetadataCache rooted at cfg.RootDir and starts its
// periodic maintenance timer. scheduler is used as the disk executor.
func NewMetadataCache(cfg MetadataConfig, scheduler jobscheduler.Scheduler, logger *slog.Logger) *MetadataCache {
	c := &MetadataCache{
		cfg: cfg,
		disk: diskstore.NewMetadataStore(diskstore.MetadataConfig{
			RootDir:            cfg.RootDir,
			MaxBytes:           cfg.MaxDiskBytes,
			DefaultTTL:         cfg.DefaultTTL,
			IndexWriteDebounce: cfg.IndexWriteDebounce,
		}, logger),
		memory:   memtier.New(cfg.MemoryItemsLimit),
		diskExec: scheduler,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if cfg.EvictionInterval > 0 {
		go c.runMaintenance(cfg.EvictionInterval)
	}

	return c
}

func (c *MetadataCache) runMaintenance(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.EvictToLimit()
		}
	}
}

// Close cancels the maintenance timer. Safe to call more than once.
func (c *MetadataCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// GetFresh returns the cached body for (url, items) if present and not expired
// under the fixed default TTL. A fresh hit counts in stats; an expired or
// missing entry counts as a miss.
func (c *MetadataCache) GetFresh(url string, items ...cachekey.Item) ([]byte, string, bool) {
	c.counters.addRequest()
	return c.get(url, items, false)
}

// GetStale returns the cached body for (url, items) regardless of TTL
// expiration, useful as a fallback when a live fetch fails. Per spec, every
// return from GetStale counts as a miss in statistics, whether or not the
// entry has expired: it represents degraded service, not a successful cache hit.
func (c *MetadataCache) GetStale(url string, items ...cachekey.Item) ([]byte, string, bool) {
	c.counters.addRequest()
	return c.get(url, items, true)
}

func (c *MetadataCache) get(url string, items []cachekey.Item, allowStale bool) ([]byte, string, bool) {
	key := cachekey.Canonical(url, items...)
	keyHash := cachekey.New(key).String()
	now := time.Now()

	if entry, ok := c.memory.Peek(key); ok {
		expired := cachepolicy.Expired(now, entry.CachedAt, entry.ExpiresAt, c.cfg.DefaultTTL)
		if !expired {
			if !allowStale {
				c.counters.addHit()
			}
			c.memory.Get(key)
			return entry.Body, entry.ETag, true
		}
		if !allowStale {
			c.memory.Delete(key)
			return nil, "", false
		}
		// Stale hit: returned below, but does not count toward hits.
		return entry.Body, entry.ETag, true
	}

	body, record, ok := c.disk.Load(keyHash)
	if !ok {
		return nil, "", false
	}

	expired := cachepolicy.Expired(now, record.CachedAt, time.Time{}, c.cfg.DefaultTTL)
	if expired && !allowStale {
		return nil, "", false
	}

	if !allowStale {
		c.counters.addHit()
	}
	// Carry the disk record's own expiry into memory so a promoted entry does
	// not restart its TTL from the promotion instant.
	c.memory.SetPolicy(key, body, record.ETag, "", record.CachedAt.Add(c.cfg.DefaultTTL), false)
	return body, record.ETag, true
}

// Store inserts (url, items, body, etag) into the memory tier and
// asynchronously persists it to disk.
func (c *MetadataCache) Store(url string, items []cachekey.Item, body []byte, etag string) {
	key := cachekey.Canonical(url, items...)
	keyHash := cachekey.New(key).String()

	c.memory.Set(key, body, etag, "")

	c.diskExec.Submit(metadataDiskQueue, keyHash, func(_ context.Context) error {
		if err := c.disk.Save(keyHash, body, etag); err != nil {
			return errors.Errorf("failed to persist metadata %s: %w", keyHash, err)
		}
		return nil
	})
}

// Clear empties the memory tier, zeroes counters, and clears the disk store. If
// wait is true, the disk clear runs synchronously before Clear returns;
// otherwise it is dispatched to the disk executor.
func (c *MetadataCache) Clear(wait bool) {
	c.memory.Clear()
	c.counters.reset()

	if wait {
		c.disk.Clear()
		return
	}
	c.diskExec.Submit(metadataDiskQueue, "clear", func(_ context.Context) error {
		c.disk.Clear()
		return nil
	})
}

// EvictToLimit forces an immediate disk TTL sweep and LRU enforcement.
func (c *MetadataCache) EvictToLimit() {
	c.disk.EvictExpiredAndEnforceLRU()
}

// Stats returns a point-in-time snapshot of the facade's counters. Evictions
// is read live from the memory tier and disk store, the components that
// actually decide to evict, rather than tracked separately. DiskJobFailures
// is read from the disk executor, so a persistently failing filesystem (full
// disk, permission loss after startup) shows up in statistics even though
// Save itself runs asynchronously and cannot report back to the caller.
func (c *MetadataCache) Stats() Stats {
	total, hits := c.counters.snapshot()
	diskEntries, diskBytes := c.disk.Stats()
	return Stats{
		TotalRequests:   total,
		Hits:            hits,
		Evictions:       c.memory.Evictions() + c.disk.Evictions(),
		MemoryEntries:   c.memory.Len(),
		DiskEntries:     diskEntries,
		DiskBytes:       diskBytes,
		DiskJobFailures: c.diskExec.Failed(metadataDiskQueue),
	}
}

// IsAvailable reports whether the backing disk store is usable.
func (c *MetadataCache) IsAvailable() bool { return c.disk.IsAvailable() }
