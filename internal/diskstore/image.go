package diskstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/errors"
)

// ImageConfig configures an [ImageStore].
type ImageConfig struct {
	RootDir            string        `hcl:"root-dir" help:"Directory the image store writes bodies and its index into."`
	MaxBytes           int64         `hcl:"max-bytes" help:"Soft byte budget enforced by LRU eviction after every write."`
	DefaultTTL         time.Duration `hcl:"default-ttl" help:"Age ceiling used by the eviction sweep: entries whose CachedAt is older than this are removed, whatever their ExpiresAt."`
	IndexWriteDebounce time.Duration `hcl:"index-write-debounce,optional" help:"Delay before a dirty index is flushed to disk." default:"1s"`
}

const (
	imageBodyExt = ".img"
	imageIndex   = "index.json"
)

type imageIndexEntry struct {
	KeyHash  string        `json:"keyHash"`
	Metadata EntryMetadata `json:"metadata"`
}

// ImageStore is the disk tier of the image cache: one body file per entry, no
// sidecars, and a single consolidated index.json recording each entry's metadata.
//
// If the root directory cannot be created at construction time, the store enters
// unavailable mode: every operation becomes a no-op miss instead of failing calls,
// per the cache facade's graceful-degradation contract.
type ImageStore struct {
	cfg     ImageConfig
	logger  *slog.Logger
	root    *os.Root
	unavail bool

	mu      sync.RWMutex
	entries map[string]EntryMetadata
	size    int64

	indexDirty bool
	debounce   *debouncer

	evictions int64
}

// NewImageStore opens (or creates) the store rooted at cfg.RootDir and rebuilds its
// in-memory index from index.json, falling back to unavailable mode if the root
// directory itself cannot be created.
func NewImageStore(cfg ImageConfig, logger *slog.Logger) *ImageStore {
	s := &ImageStore{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]EntryMetadata),
	}

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		logOrDiscard(logger, "image store root unavailable, entering no-op mode", "root", cfg.RootDir, "error", err)
		s.unavail = true
		return s
	}

	root, err := os.OpenRoot(cfg.RootDir)
	if err != nil {
		logOrDiscard(logger, "image store root unavailable, entering no-op mode", "root", cfg.RootDir, "error", err)
		s.unavail = true
		return s
	}
	s.root = root

	debounceDelay := cfg.IndexWriteDebounce
	if debounceDelay <= 0 {
		debounceDelay = time.Second
	}
	s.debounce = newDebouncer(debounceDelay, s.flushIndex)

	s.rebuild()
	return s
}

// IsAvailable reports whether the store's root directory was successfully created.
func (s *ImageStore) IsAvailable() bool { return !s.unavail }

func (s *ImageStore) rebuild() {
	raw, err := readFile(s.root, imageIndex)
	if err == nil {
		var entries []imageIndexEntry
		if err := json.Unmarshal(raw, &entries); err == nil {
			s.mu.Lock()
			for _, e := range entries {
				s.entries[e.KeyHash] = e.Metadata
				s.size += e.Metadata.ContentLength
			}
			s.mu.Unlock()
			return
		}
		logOrDiscard(s.logger, "image store index corrupt, rebuilding empty and sweeping orphans", "error", err)
	}

	// No usable index: there is no sidecar data to reconstruct metadata from, so
	// the index starts empty and any orphaned body files are removed.
	fsEntries, err := os.ReadDir(s.cfg.RootDir)
	if err != nil {
		return
	}
	for _, fe := range fsEntries {
		if fe.IsDir() || filepath.Ext(fe.Name()) != imageBodyExt {
			continue
		}
		removeIfExists(s.root, fe.Name())
	}
}

func (s *ImageStore) bodyName(keyHash string) string { return keyHash + imageBodyExt }

// Load returns the cached body and metadata for keyHash. A missing entry, or one
// whose body file has gone missing from disk, is reported as (nil, EntryMetadata{}, false)
// with no error; in the latter case the stale index entry is dropped. Load does not
// interpret expiry: callers consult the policy engine to decide if the returned entry
// is still fresh.
func (s *ImageStore) Load(keyHash string) ([]byte, EntryMetadata, bool) {
	if s.unavail {
		return nil, EntryMetadata{}, false
	}

	s.mu.RLock()
	meta, ok := s.entries[keyHash]
	s.mu.RUnlock()
	if !ok {
		return nil, EntryMetadata{}, false
	}

	body, err := readFile(s.root, s.bodyName(keyHash))
	if err != nil {
		logOrDiscard(s.logger, "image body missing for indexed entry, dropping", "keyHash", keyHash, "error", err)
		s.mu.Lock()
		delete(s.entries, keyHash)
		s.size -= meta.ContentLength
		s.mu.Unlock()
		s.debounce.Trigger()
		return nil, EntryMetadata{}, false
	}

	meta.LastAccessedAt = time.Now()
	s.mu.Lock()
	s.entries[keyHash] = meta
	s.mu.Unlock()
	s.debounce.Trigger()

	return body, meta, true
}

// Save writes body and its metadata for keyHash, replacing any existing entry, then
// enforces the byte budget. A failure to write the body file leaves the index
// untouched and returns the error; the index write itself is always debounced and
// best-effort.
func (s *ImageStore) Save(keyHash string, body []byte, meta EntryMetadata) error {
	if s.unavail {
		return errors.New("image store is unavailable")
	}

	meta.ContentLength = int64(len(body))
	meta.CachedAt = time.Now()
	meta.LastAccessedAt = meta.CachedAt

	if err := atomicWriteFile(s.root, s.bodyName(keyHash), body); err != nil {
		return errors.Errorf("failed to write image body for %s: %w", keyHash, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[keyHash]; ok {
		s.size -= old.ContentLength
	}
	s.entries[keyHash] = meta
	s.size += meta.ContentLength
	s.mu.Unlock()

	s.debounce.Trigger()
	s.enforceLimits()
	return nil
}

// Touch refreshes LastAccessedAt for keyHash without reading its body, used when
// a revalidation response comes back 304 Not Modified.
func (s *ImageStore) Touch(keyHash string) {
	if s.unavail {
		return
	}
	s.mu.Lock()
	meta, ok := s.entries[keyHash]
	if ok {
		meta.LastAccessedAt = time.Now()
		s.entries[keyHash] = meta
	}
	s.mu.Unlock()
	if ok {
		s.debounce.Trigger()
	}
}

// Remove deletes keyHash's body file and index entry, if present.
func (s *ImageStore) Remove(keyHash string) {
	if s.unavail {
		return
	}
	s.mu.Lock()
	meta, ok := s.entries[keyHash]
	if ok {
		delete(s.entries, keyHash)
		s.size -= meta.ContentLength
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	removeIfExists(s.root, s.bodyName(keyHash))
	s.debounce.Trigger()
}

// EvictExpiredAndEnforceLRU removes entries whose CachedAt has exceeded the
// configured default TTL ceiling, then evicts oldest-last-accessed-first until
// total size is at or under MaxBytes.
func (s *ImageStore) EvictExpiredAndEnforceLRU() {
	if s.unavail {
		return
	}
	s.sweepExpired()
	s.enforceLimits()
}

func (s *ImageStore) sweepExpired() {
	now := time.Now()
	var stale []string

	s.mu.RLock()
	for keyHash, meta := range s.entries {
		if s.cfg.DefaultTTL > 0 && now.Sub(meta.CachedAt) > s.cfg.DefaultTTL {
			stale = append(stale, keyHash)
		}
	}
	s.mu.RUnlock()

	for _, keyHash := range stale {
		s.Remove(keyHash)
		atomic.AddInt64(&s.evictions, 1)
	}
}

func (s *ImageStore) enforceLimits() {
	if s.cfg.MaxBytes <= 0 {
		return
	}

	s.mu.RLock()
	over := s.size > s.cfg.MaxBytes
	var candidates []lruCandidate
	if over {
		for keyHash, meta := range s.entries {
			candidates = append(candidates, lruCandidate{keyHash, meta.LastAccessedAt, meta.ContentLength})
		}
	}
	currentSize := s.size
	s.mu.RUnlock()

	if !over {
		return
	}
	selectEvictionOrder(candidates)

	for _, c := range candidates {
		if currentSize <= s.cfg.MaxBytes {
			break
		}
		s.Remove(c.keyHash)
		atomic.AddInt64(&s.evictions, 1)
		currentSize -= c.contentLength
	}
}

// Clear removes every entry and its body file.
func (s *ImageStore) Clear() {
	if s.unavail {
		return
	}
	s.mu.Lock()
	keyHashes := make([]string, 0, len(s.entries))
	for keyHash := range s.entries {
		keyHashes = append(keyHashes, keyHash)
	}
	s.mu.Unlock()

	for _, keyHash := range keyHashes {
		s.Remove(keyHash)
	}
}

// Stats reports the entry count and total body bytes currently tracked.
func (s *ImageStore) Stats() (count int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), s.size
}

// Evictions returns the running count of entries removed by the TTL sweep or
// the LRU byte-budget enforcement. Explicit removes and Clear do not count.
func (s *ImageStore) Evictions() int64 {
	return atomic.LoadInt64(&s.evictions)
}

// Flush forces any pending debounced index write to disk immediately. Callers use
// this on shutdown as a best effort. The image store keeps no sidecars, so body
// files missing from the last written index.json are not reloaded on next
// startup, and if no usable index.json exists at all every body file is deleted.
func (s *ImageStore) Flush() {
	if s.unavail {
		return
	}
	s.debounce.FlushNow()
}

func (s *ImageStore) flushIndex() {
	s.mu.RLock()
	entries := make([]imageIndexEntry, 0, len(s.entries))
	for keyHash, meta := range s.entries {
		entries = append(entries, imageIndexEntry{KeyHash: keyHash, Metadata: meta})
	}
	s.mu.RUnlock()

	raw, err := json.Marshal(entries)
	if err != nil {
		logOrDiscard(s.logger, "failed to marshal image index", "error", err)
		return
	}
	if err := atomicWriteFile(s.root, imageIndex, raw); err != nil {
		logOrDiscard(s.logger, "failed to write image index", "error", err)
	}
}
