package diskstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/errors"
)

// MetadataConfig configures a [MetadataStore].
type MetadataConfig struct {
	RootDir            string        `hcl:"root-dir" help:"Directory the metadata store writes bodies, sidecars, and its index into."`
	MaxBytes           int64         `hcl:"max-bytes" help:"Soft byte budget enforced by LRU eviction after every write."`
	DefaultTTL         time.Duration `hcl:"default-ttl" help:"Fallback TTL used by the eviction sweep when an entry carries no ExpiresAt."`
	IndexWriteDebounce time.Duration `hcl:"index-write-debounce,optional" help:"Delay before a dirty index is flushed to disk." default:"1s"`
}

const (
	metaBodyExt    = ".body"
	metaSidecarExt = ".meta"
	metaIndex      = "index.json"
)

type metaIndexEntry struct {
	KeyHash string `json:"keyHash"`
	Record
}

// MetadataStore is the disk tier of the metadata cache. Each entry is a body file
// plus a JSON sidecar carrying the same [Record] that also lives in the
// consolidated index.json, so the index can always be reconstructed by scanning
// sidecars if index.json is lost or corrupted.
//
// If the root directory cannot be created at construction time, the store enters
// unavailable mode: every operation becomes a no-op miss instead of failing calls.
type MetadataStore struct {
	cfg     MetadataConfig
	logger  *slog.Logger
	root    *os.Root
	unavail bool

	mu      sync.RWMutex
	entries map[string]Record
	size    int64

	debounce *debouncer

	evictions int64
}

// NewMetadataStore opens (or creates) the store rooted at cfg.RootDir. It first
// tries to load index.json; if that is missing or corrupt it rebuilds the index by
// scanning ".meta" sidecars, discarding any sidecar whose matching ".body" file is
// missing. A root directory that cannot be created puts the store into unavailable
// mode rather than failing construction.
func NewMetadataStore(cfg MetadataConfig, logger *slog.Logger) *MetadataStore {
	s := &MetadataStore{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]Record),
	}

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		logOrDiscard(logger, "metadata store root unavailable, entering no-op mode", "root", cfg.RootDir, "error", err)
		s.unavail = true
		return s
	}

	root, err := os.OpenRoot(cfg.RootDir)
	if err != nil {
		logOrDiscard(logger, "metadata store root unavailable, entering no-op mode", "root", cfg.RootDir, "error", err)
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
func (s *MetadataStore) IsAvailable() bool { return !s.unavail }

func (s *MetadataStore) rebuild() {
	if raw, err := readFile(s.root, metaIndex); err == nil {
		var entries []metaIndexEntry
		if err := json.Unmarshal(raw, &entries); err == nil {
			s.mu.Lock()
			for _, e := range entries {
				s.entries[e.KeyHash] = e.Record
				s.size += e.Record.ContentLength
			}
			s.mu.Unlock()
			return
		}
		logOrDiscard(s.logger, "metadata store index corrupt, rebuilding from sidecars", "error", err)
	}

	s.rebuildFromSidecars()
}

func (s *MetadataStore) rebuildFromSidecars() {
	fsEntries, err := os.ReadDir(s.cfg.RootDir)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fe := range fsEntries {
		if fe.IsDir() || filepath.Ext(fe.Name()) != metaSidecarExt {
			continue
		}
		keyHash := strings.TrimSuffix(fe.Name(), metaSidecarExt)

		if _, err := os.Stat(filepath.Join(s.cfg.RootDir, keyHash+metaBodyExt)); err != nil {
			removeIfExists(s.root, fe.Name())
			continue
		}

		raw, err := readFile(s.root, fe.Name())
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			removeIfExists(s.root, fe.Name())
			removeIfExists(s.root, keyHash+metaBodyExt)
			continue
		}

		s.entries[keyHash] = record
		s.size += record.ContentLength
	}
}

func (s *MetadataStore) bodyName(keyHash string) string    { return keyHash + metaBodyExt }
func (s *MetadataStore) sidecarName(keyHash string) string { return keyHash + metaSidecarExt }

// Load returns the cached body and record for keyHash. A missing entry, or one
// whose body file has gone missing from disk, is reported as (nil, Record{}, false)
// with no error; in the latter case the stale index entry and any sidecar are dropped.
func (s *MetadataStore) Load(keyHash string) ([]byte, Record, bool) {
	if s.unavail {
		return nil, Record{}, false
	}

	s.mu.RLock()
	record, ok := s.entries[keyHash]
	s.mu.RUnlock()
	if !ok {
		return nil, Record{}, false
	}

	body, err := readFile(s.root, s.bodyName(keyHash))
	if err != nil {
		logOrDiscard(s.logger, "metadata body missing for indexed entry, dropping", "keyHash", keyHash, "error", err)
		s.mu.Lock()
		delete(s.entries, keyHash)
		s.size -= record.ContentLength
		s.mu.Unlock()
		removeIfExists(s.root, s.sidecarName(keyHash))
		s.debounce.Trigger()
		return nil, Record{}, false
	}

	record.LastAccessedAt = time.Now()
	s.mu.Lock()
	s.entries[keyHash] = record
	s.mu.Unlock()
	s.writeSidecar(keyHash, record)
	s.debounce.Trigger()

	return body, record, true
}

// Save writes body, its sidecar, and its index record for keyHash, replacing any
// existing entry, then enforces the byte budget. If the sidecar write fails the
// body file is removed so the entry never exists half-written.
func (s *MetadataStore) Save(keyHash string, body []byte, etag string) error {
	if s.unavail {
		return errors.New("metadata store is unavailable")
	}

	now := time.Now()
	record := Record{ETag: etag, CachedAt: now, LastAccessedAt: now, ContentLength: int64(len(body))}

	if err := atomicWriteFile(s.root, s.bodyName(keyHash), body); err != nil {
		return errors.Errorf("failed to write metadata body for %s: %w", keyHash, err)
	}

	if err := s.writeSidecar(keyHash, record); err != nil {
		removeIfExists(s.root, s.bodyName(keyHash))
		return errors.Errorf("failed to write metadata sidecar for %s: %w", keyHash, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[keyHash]; ok {
		s.size -= old.ContentLength
	}
	s.entries[keyHash] = record
	s.size += record.ContentLength
	s.mu.Unlock()

	s.debounce.Trigger()
	s.enforceLimits()
	return nil
}

func (s *MetadataStore) writeSidecar(keyHash string, record Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Errorf("failed to marshal sidecar for %s: %w", keyHash, err)
	}
	return errors.WithStack(atomicWriteFile(s.root, s.sidecarName(keyHash), raw))
}

// Touch refreshes LastAccessedAt for keyHash (and its sidecar) without reading
// its body.
func (s *MetadataStore) Touch(keyHash string) {
	if s.unavail {
		return
	}
	s.mu.Lock()
	record, ok := s.entries[keyHash]
	if ok {
		record.LastAccessedAt = time.Now()
		s.entries[keyHash] = record
	}
	s.mu.Unlock()
	if ok {
		if err := s.writeSidecar(keyHash, record); err != nil {
			logOrDiscard(s.logger, "failed to refresh sidecar on touch", "keyHash", keyHash, "error", err)
		}
		s.debounce.Trigger()
	}
}

// Remove deletes keyHash's body file, sidecar, and index entry, if present.
func (s *MetadataStore) Remove(keyHash string) {
	if s.unavail {
		return
	}
	s.mu.Lock()
	record, ok := s.entries[keyHash]
	if ok {
		delete(s.entries, keyHash)
		s.size -= record.ContentLength
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	removeIfExists(s.root, s.bodyName(keyHash))
	removeIfExists(s.root, s.sidecarName(keyHash))
	s.debounce.Trigger()
}

// EvictExpiredAndEnforceLRU removes entries whose CachedAt has exceeded the
// configured default TTL ceiling, then evicts oldest-last-accessed-first until
// total size is at or under MaxBytes.
func (s *MetadataStore) EvictExpiredAndEnforceLRU() {
	if s.unavail {
		return
	}
	s.sweepExpired()
	s.enforceLimits()
}

func (s *MetadataStore) sweepExpired() {
	now := time.Now()
	var stale []string

	s.mu.RLock()
	for keyHash, record := range s.entries {
		if s.cfg.DefaultTTL > 0 && now.Sub(record.CachedAt) > s.cfg.DefaultTTL {
			stale = append(stale, keyHash)
		}
	}
	s.mu.RUnlock()

	for _, keyHash := range stale {
		s.Remove(keyHash)
		atomic.AddInt64(&s.evictions, 1)
	}
}

func (s *MetadataStore) enforceLimits() {
	if s.cfg.MaxBytes <= 0 {
		return
	}

	s.mu.RLock()
	over := s.size > s.cfg.MaxBytes
	var candidates []lruCandidate
	if over {
		for keyHash, record := range s.entries {
			candidates = append(candidates, lruCandidate{keyHash, record.LastAccessedAt, record.ContentLength})
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

// Clear removes every entry, its body file, and its sidecar.
func (s *MetadataStore) Clear() {
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
func (s *MetadataStore) Stats() (count int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), s.size
}

// Evictions returns the running count of entries removed by the TTL sweep or
// the LRU byte-budget enforcement. Explicit removes and Clear do not count.
func (s *MetadataStore) Evictions() int64 {
	return atomic.LoadInt64(&s.evictions)
}

// Flush forces any pending debounced index write to disk immediately.
func (s *MetadataStore) Flush() {
	if s.unavail {
		return
	}
	s.debounce.FlushNow()
}

func (s *MetadataStore) flushIndex() {
	s.mu.RLock()
	entries := make([]metaIndexEntry, 0, len(s.entries))
	for keyHash, record := range s.entries {
		entries = append(entries, metaIndexEntry{KeyHash: keyHash, Record: record})
	}
	s.mu.RUnlock()

	raw, err := json.Marshal(entries)
	if err != nil {
		logOrDiscard(s.logger, "failed to marshal metadata index", "error", err)
		return
	}
	if err := atomicWriteFile(s.root, metaIndex, raw); err != nil {
		logOrDiscard(s.logger, "failed to write metadata index", "error", err)
	}
}
