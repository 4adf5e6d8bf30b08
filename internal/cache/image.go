// Package cache implements the two public cache facades: ImageCache (thumbnail
// bodies, HTTP-policy-driven freshness) and MetadataCache (JSON bodies, fixed
// TTL and strong-validator revalidation). Each facade coordinates a memory tier,
// a disk store, an HTTP fetcher, and two logical serial executors: a state
// executor owning the fast-path counters and memory tier, and a disk executor
// owning the disk store's index and filesystem mutations.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/errors"

	"github.com/block/mediacache/internal/cachekey"
	"github.com/block/mediacache/internal/cachepolicy"
	"github.com/block/mediacache/internal/diskstore"
	"github.com/block/mediacache/internal/httpfetch"
	"github.com/block/mediacache/internal/jobscheduler"
	"github.com/block/mediacache/internal/memtier"
)

// ImageConfig configures an ImageCache.
type ImageConfig struct {
	RootDir            string        `hcl:"root-dir" help:"Filesystem root for the thumbnail disk store."`
	DefaultTTL         time.Duration `hcl:"default-ttl,optional" help:"Fallback freshness window when a response carries no max-age/Expires." default:"24h"`
	MaxDiskBytes       int64         `hcl:"max-disk-bytes,optional" help:"Hard upper bound on disk bytes before LRU eviction kicks in." default:"1073741824"`
	MemoryItemsLimit   int           `hcl:"memory-items-limit,optional" help:"Soft upper bound on memory-tier entry count." default:"200"`
	IndexWriteDebounce time.Duration `hcl:"index-write-debounce,optional" help:"Idle window before the disk index is flushed." default:"1s"`
}

const imageDiskQueue = "disk"

// ImageCache is the thumbnail cache facade: HTTP-policy-driven freshness,
// content-type gated, canonical-URL keyed.
type ImageCache struct {
	cfg      ImageConfig
	fetcher  httpfetch.Fetcher
	disk     *diskstore.ImageStore
	memory   *memtier.Tier
	diskExec jobscheduler.Scheduler
	logger   *slog.Logger

	stateMu  sync.Mutex
	counters counters
}

// NewImageCache builds an ImageCache rooted at cfg.RootDir. scheduler is used as
// the disk executor; callers typically pass a queue-prefixed scheduler (via
// Scheduler.WithQueuePrefix) so that multiple facade instances sharing one
// jobscheduler.RootScheduler don't collide on queue names.
func NewImageCache(cfg ImageConfig, scheduler jobscheduler.Scheduler, fetcher httpfetch.Fetcher, logger *slog.Logger) *ImageCache {
	return &ImageCache{
		cfg:     cfg,
		fetcher: fetcher,
		disk: diskstore.NewImageStore(diskstore.ImageConfig{
			RootDir:            cfg.RootDir,
			MaxBytes:           cfg.MaxDiskBytes,
			DefaultTTL:         cfg.DefaultTTL,
			IndexWriteDebounce: cfg.IndexWriteDebounce,
		}, logger),
		memory:   memtier.New(cfg.MemoryItemsLimit),
		diskExec: scheduler,
		logger:   logger,
	}
}

// Load returns the cached thumbnail body for url, fetching and revalidating as
// needed. Errors are one of *HttpStatusError, *InvalidContentTypeError,
// *InvalidResponseError, or *NetworkError.
func (c *ImageCache) Load(ctx context.Context, url string) ([]byte, error) {
	c.counters.addRequest()

	key := cachekey.Canonical(url)
	keyHash := cachekey.New(key).String()
	now := time.Now()

	if entry, ok := c.memory.Peek(key); ok {
		needsRevalidate := entry.MustRevalidate || cachepolicy.Expired(now, entry.CachedAt, entry.ExpiresAt, c.cfg.DefaultTTL)
		if !needsRevalidate {
			c.counters.addHit()
			c.memory.Get(key) // touch to refresh LRU position on a true hit
			return entry.Body, nil
		}
	}

	body, meta, diskHit := c.disk.Load(keyHash)
	if diskHit {
		needsRevalidate := meta.MustRevalidate || cachepolicy.Expired(now, meta.CachedAt, meta.ExpiresAt, c.cfg.DefaultTTL)
		if !needsRevalidate {
			c.counters.addHit()
			c.memory.SetPolicy(key, body, meta.ETag, meta.LastModified, meta.ExpiresAt, meta.MustRevalidate)
			return body, nil
		}
		return c.revalidate(ctx, url, key, keyHash, body, meta)
	}

	return c.coldFetch(ctx, url, key, keyHash)
}

func (c *ImageCache) revalidate(ctx context.Context, url, key, keyHash string, cachedBody []byte, meta diskstore.EntryMetadata) ([]byte, error) {
	resp, err := c.fetcher.Fetch(ctx, httpfetch.Request{
		URL:     url,
		Headers: cachepolicy.ConditionalHeaders(meta.ETag, meta.LastModified),
	})
	if err != nil {
		return nil, &NetworkError{Cause: err}
	}
	if resp.StatusCode == 0 {
		return nil, &InvalidResponseError{}
	}

	switch resp.StatusCode {
	case 304:
		c.counters.addHit()
		c.memory.SetPolicy(key, cachedBody, meta.ETag, meta.LastModified, meta.ExpiresAt, meta.MustRevalidate)
		c.disk.Touch(keyHash)
		return cachedBody, nil
	case 200:
		return c.processFreshResponse(key, keyHash, resp)
	default:
		return nil, &HttpStatusError{Code: resp.StatusCode}
	}
}

func (c *ImageCache) coldFetch(ctx context.Context, url, key, keyHash string) ([]byte, error) {
	resp, err := c.fetcher.Fetch(ctx, httpfetch.Request{URL: url})
	if err != nil {
		return nil, &NetworkError{Cause: err}
	}
	if resp.StatusCode == 0 {
		return nil, &InvalidResponseError{}
	}
	if resp.StatusCode != 200 {
		return nil, &HttpStatusError{Code: resp.StatusCode}
	}
	return c.processFreshResponse(key, keyHash, resp)
}

func (c *ImageCache) processFreshResponse(key, keyHash string, resp httpfetch.Response) ([]byte, error) {
	contentType := resp.Headers.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, &InvalidContentTypeError{Actual: contentType}
	}

	now := time.Now()
	policy := cachepolicy.Parse(resp.Headers, now)
	if policy.NoStore {
		return resp.Body, nil
	}

	meta := diskstore.EntryMetadata{
		ETag:           policy.ETag,
		LastModified:   policy.LastModified,
		ExpiresAt:      policy.ExpiresAtOrDefault(now, c.cfg.DefaultTTL),
		MustRevalidate: policy.NeedsRevalidate(),
		ContentType:    contentType,
		ContentLength:  int64(len(resp.Body)),
		CachedAt:       now,
		LastAccessedAt: now,
	}

	c.stateMu.Lock()
	c.memory.SetPolicy(key, resp.Body, meta.ETag, meta.LastModified, meta.ExpiresAt, meta.MustRevalidate)
	c.stateMu.Unlock()

	body := resp.Body
	c.diskExec.Submit(imageDiskQueue, keyHash, func(_ context.Context) error {
		if err := c.disk.Save(keyHash, body, meta); err != nil {
			return errors.Errorf("failed to persist image %s: %w", keyHash, err)
		}
		return nil
	})

	return body, nil
}

// Prefetch issues best-effort loads for urls, discarding all errors.
func (c *ImageCache) Prefetch(ctx context.Context, urls []string) {
	for _, url := range urls {
		go func(u string) {
			_, _ = c.Load(ctx, u)
		}(url)
	}
}

// Clear empties the memory tier, zeroes counters, and clears the disk store. If
// wait is true, the disk clear runs synchronously before Clear returns;
// otherwise it is dispatched to the disk executor.
func (c *ImageCache) Clear(wait bool) {
	c.memory.Clear()
	c.counters.reset()

	if wait {
		c.disk.Clear()
		return
	}
	c.diskExec.Submit(imageDiskQueue, "clear", func(_ context.Context) error {
		c.disk.Clear()
		return nil
	})
}

// EvictToLimit forces an immediate disk LRU sweep.
func (c *ImageCache) EvictToLimit() {
	c.disk.EvictExpiredAndEnforceLRU()
}

// Stats returns a point-in-time snapshot of the facade's counters. Evictions
// is read live from the memory tier and disk store, the components that
// actually decide to evict, rather than tracked separately. DiskJobFailures
// is read from the disk executor, so a persistently failing filesystem (full
// disk, permission loss after startup) shows up in statistics even though
// Save itself runs asynchronously and cannot report back to the caller.
func (c *ImageCache) Stats() Stats {
	total, hits := c.counters.snapshot()
	diskEntries, diskBytes := c.disk.Stats()
	return Stats{
		TotalRequests:   total,
		Hits:            hits,
		Evictions:       c.memory.Evictions() + c.disk.Evictions(),
		MemoryEntries:   c.memory.Len(),
		DiskEntries:     diskEntries,
		DiskBytes:       diskBytes,
		DiskJobFailures: c.diskExec.Failed(imageDiskQueue),
	}
}

// IsAvailable reports whether the backing disk store is usable.
func (c *ImageCache) IsAvailable() bool { return c.disk.IsAvailable() }
