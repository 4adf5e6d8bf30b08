// Package diskstore provides durable, key-hash addressable storage of cache bodies
// and their metadata, backed by a directory of body files plus a JSON index.
//
// Two variants are exported: [ImageStore], which keeps the full policy-driven
// [EntryMetadata] inlined in the index and no sidecars, and [MetadataStore], which
// keeps a reduced [Record] both in the index and in a per-entry ".meta" sidecar so
// the index can be rebuilt by scanning the directory if it is lost or corrupt.
package diskstore

import (
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/alecthomas/errors"
)

// EntryMetadata is the full, policy-driven record kept by [ImageStore].
type EntryMetadata struct {
	ETag           string    `json:"etag,omitempty"`
	LastModified   string    `json:"lastModified,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
	MustRevalidate bool      `json:"mustRevalidate"`
	ContentType    string    `json:"contentType"`
	ContentLength  int64     `json:"contentLength"`
	CachedAt       time.Time `json:"cachedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Record is the reduced record kept by [MetadataStore]: just enough to validate
// (ETag), age out (CachedAt), rank for LRU (LastAccessedAt), and account for size
// (ContentLength). The metadata cache never inspects Content-Type or policy bits.
type Record struct {
	ETag           string    `json:"etag,omitempty"`
	CachedAt       time.Time `json:"cachedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	ContentLength  int64     `json:"contentLength"`
}

// debouncer coalesces bursts of triggers into a single call to fn after delay of
// inactivity. Any Trigger cancels the pending call and schedules a fresh one,
// mirroring the teacher's DispatchWorkItem-style cancellable index writer.
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
	fn    func()
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

// FlushNow cancels any pending timer and runs fn synchronously.
func (d *debouncer) FlushNow() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.fn()
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// atomicWriteFile writes data to name by writing to a temp file and renaming it
// into place, so readers never observe a partially written file. The temp file is
// removed on every failure path.
func atomicWriteFile(root *os.Root, name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := root.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Errorf("failed to create temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = root.Remove(tmp)
		return errors.Errorf("failed to write temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = root.Remove(tmp)
		return errors.Errorf("failed to close temp file %s: %w", tmp, err)
	}
	if err := root.Rename(tmp, name); err != nil {
		_ = root.Remove(tmp)
		return errors.Errorf("failed to rename %s to %s: %w", tmp, name, err)
	}
	return nil
}

func readFile(root *os.Root, name string) ([]byte, error) {
	f, err := root.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return errors.WithStack2(io.ReadAll(f))
}

func removeIfExists(root *os.Root, name string) {
	if err := root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = err // best-effort cleanup, never fatal
	}
}

type lruCandidate struct {
	keyHash        string
	lastAccessedAt time.Time
	contentLength  int64
}

// selectEvictionOrder sorts candidates oldest-last-accessed-first, breaking ties by
// key-hash for a deterministic, repeatable order.
func selectEvictionOrder(candidates []lruCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastAccessedAt.Equal(candidates[j].lastAccessedAt) {
			return candidates[i].lastAccessedAt.Before(candidates[j].lastAccessedAt)
		}
		return candidates[i].keyHash < candidates[j].keyHash
	})
}

func logOrDiscard(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Error(msg, args...)
}
