package diskstore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/block/mediacache/internal/diskstore"
)

func newImageStore(t *testing.T) *diskstore.ImageStore {
	t.Helper()
	dir := t.TempDir()
	return diskstore.NewImageStore(diskstore.ImageConfig{
		RootDir:    dir,
		MaxBytes:   1 << 20,
		DefaultTTL: time.Hour,
	}, nil)
}

func TestImageStoreSaveThenLoadRoundTrip(t *testing.T) {
	s := newImageStore(t)
	assert.True(t, s.IsAvailable())

	body := []byte("thumbnail-bytes")
	meta := diskstore.EntryMetadata{ETag: `"v1"`, ContentType: "image/png"}
	assert.NoError(t, s.Save("abc123", body, meta))

	got, gotMeta, ok := s.Load("abc123")
	assert.True(t, ok)
	assert.Equal(t, body, got)
	assert.Equal(t, `"v1"`, gotMeta.ETag)
	assert.Equal(t, int64(len(body)), gotMeta.ContentLength)
}

func TestImageStoreLoadMiss(t *testing.T) {
	s := newImageStore(t)
	_, _, ok := s.Load("missing")
	assert.False(t, ok)
}

func TestImageStoreZeroByteBodyPermitted(t *testing.T) {
	s := newImageStore(t)
	assert.NoError(t, s.Save("empty", []byte{}, diskstore.EntryMetadata{}))

	got, _, ok := s.Load("empty")
	assert.True(t, ok)
	assert.Equal(t, 0, len(got))
}

func TestImageStoreRemove(t *testing.T) {
	s := newImageStore(t)
	assert.NoError(t, s.Save("k1", []byte("x"), diskstore.EntryMetadata{}))
	s.Remove("k1")

	_, _, ok := s.Load("k1")
	assert.False(t, ok)
}

func TestImageStoreEvictionRespectsByteBudget(t *testing.T) {
	dir := t.TempDir()
	s := diskstore.NewImageStore(diskstore.ImageConfig{
		RootDir:    dir,
		MaxBytes:   100,
		DefaultTTL: time.Hour,
	}, nil)

	for i := 0; i < 20; i++ {
		body := make([]byte, 30)
		assert.NoError(t, s.Save(string(rune('a'+i)), body, diskstore.EntryMetadata{}))
		time.Sleep(time.Millisecond)
	}

	count, bytes := s.Stats()
	assert.True(t, bytes <= 100+30, "at most one entry overshoot, got %d bytes across %d entries", bytes, count)
}

func TestImageStoreLRUEvictsOldestAccessedFirst(t *testing.T) {
	dir := t.TempDir()
	s := diskstore.NewImageStore(diskstore.ImageConfig{
		RootDir:    dir,
		MaxBytes:   50,
		DefaultTTL: time.Hour,
	}, nil)

	body := make([]byte, 25)
	assert.NoError(t, s.Save("old", body, diskstore.EntryMetadata{}))
	time.Sleep(2 * time.Millisecond)
	assert.NoError(t, s.Save("new", body, diskstore.EntryMetadata{}))

	// Touch "old" so it becomes the more recently accessed entry.
	time.Sleep(2 * time.Millisecond)
	_, _, ok := s.Load("old")
	assert.True(t, ok)

	time.Sleep(2 * time.Millisecond)
	assert.NoError(t, s.Save("newest", body, diskstore.EntryMetadata{}))

	_, _, newOK := s.Load("new")
	_, _, oldOK := s.Load("old")
	assert.False(t, newOK, "the less-recently-accessed entry should have been evicted")
	assert.True(t, oldOK)
}

func TestImageStoreUnavailableModeIsNoOp(t *testing.T) {
	// A file where the root directory should be makes MkdirAll fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	assert.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s := diskstore.NewImageStore(diskstore.ImageConfig{RootDir: filepath.Join(blocker, "child")}, nil)
	assert.False(t, s.IsAvailable())

	assert.Error(t, s.Save("k", []byte("x"), diskstore.EntryMetadata{}))
	_, _, ok := s.Load("k")
	assert.False(t, ok)
}

func TestImageStoreRebuildFromIndexAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := diskstore.ImageConfig{RootDir: dir, MaxBytes: 1 << 20, DefaultTTL: time.Hour}

	s1 := diskstore.NewImageStore(cfg, nil)
	assert.NoError(t, s1.Save("k1", []byte("hello"), diskstore.EntryMetadata{ETag: `"v1"`}))
	s1.Flush()

	s2 := diskstore.NewImageStore(cfg, nil)
	body, meta, ok := s2.Load("k1")
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), body)
	assert.Equal(t, `"v1"`, meta.ETag)
}

func TestImageStoreOrphanBodyCleanedUpWhenIndexMissing(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.img"), []byte("x"), 0o644))

	s := diskstore.NewImageStore(diskstore.ImageConfig{RootDir: dir, MaxBytes: 1 << 20, DefaultTTL: time.Hour}, nil)

	count, _ := s.Stats()
	assert.Equal(t, 0, count)
	_, err := os.Stat(filepath.Join(dir, "orphan.img"))
	assert.Error(t, err)
}

func TestImageStoreExpiredSweepRemovesStaleEntries(t *testing.T) {
	dir := t.TempDir()
	s := diskstore.NewImageStore(diskstore.ImageConfig{RootDir: dir, MaxBytes: 1 << 20, DefaultTTL: time.Millisecond}, nil)

	assert.NoError(t, s.Save("k1", []byte("x"), diskstore.EntryMetadata{}))
	time.Sleep(5 * time.Millisecond)
	s.EvictExpiredAndEnforceLRU()

	_, _, ok := s.Load("k1")
	assert.False(t, ok)
}

func TestImageStoreEvictionsCountsLRUAndExpirySweeps(t *testing.T) {
	dir := t.TempDir()
	s := diskstore.NewImageStore(diskstore.ImageConfig{
		RootDir:    dir,
		MaxBytes:   50,
		DefaultTTL: time.Hour,
	}, nil)

	body := make([]byte, 25)
	assert.NoError(t, s.Save("a", body, diskstore.EntryMetadata{}))
	time.Sleep(time.Millisecond)
	assert.NoError(t, s.Save("b", body, diskstore.EntryMetadata{}))
	time.Sleep(time.Millisecond)
	assert.NoError(t, s.Save("c", body, diskstore.EntryMetadata{}))

	assert.True(t, s.Evictions() >= 1, "saving past the byte budget should record an LRU eviction")

	evictedSoFar := s.Evictions()

	s2 := diskstore.NewImageStore(diskstore.ImageConfig{RootDir: t.TempDir(), MaxBytes: 1 << 20, DefaultTTL: time.Millisecond}, nil)
	assert.NoError(t, s2.Save("k1", []byte("x"), diskstore.EntryMetadata{}))
	time.Sleep(5 * time.Millisecond)
	s2.EvictExpiredAndEnforceLRU()
	assert.Equal(t, int64(1), s2.Evictions())

	// Explicit removes and Clear must never be counted as evictions.
	s.Remove("c")
	s.Clear()
	assert.Equal(t, evictedSoFar, s.Evictions())
}

func TestImageStoreClear(t *testing.T) {
	s := newImageStore(t)
	assert.NoError(t, s.Save("k1", []byte("x"), diskstore.EntryMetadata{}))
	assert.NoError(t, s.Save("k2", []byte("y"), diskstore.EntryMetadata{}))

	s.Clear()

	count, bytes := s.Stats()
	assert.Equal(t, 0, count)
	assert.Equal(t, int64(0), bytes)
}
