// Package cachekey builds canonical cache keys and their filesystem-safe hashes.
//
// A canonical key is stable under query-item reordering: two requests for the
// same URL that differ only in the order of their query parameters resolve to
// the same key, and therefore the same cache entry.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Item is a single query parameter to fold into a canonical key.
type Item struct {
	Name  string
	Value string
}

// Key is a SHA-256 digest, used as the filesystem-safe identifier for a cache entry.
type Key [sha256.Size]byte

// String returns the lowercase hex encoding of the key.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Canonical builds the canonical textual form of url plus an optional set of query items.
//
// Items are sorted ascending by name, then by value for equal names, and appended as
// "?name=value&name=value" to the url. An item with an empty Value still emits "name=".
//
// Two calls whose items are any permutation of one another produce identical output.
func Canonical(url string, items ...Item) string {
	if len(items) == 0 {
		return url
	}

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Value < sorted[j].Value
	})

	var b strings.Builder
	b.WriteString(url)
	b.WriteByte('?')
	for i, item := range sorted {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(item.Name)
		b.WriteByte('=')
		b.WriteString(item.Value)
	}
	return b.String()
}

// New computes the Key for an already-canonicalized key string.
func New(canonical string) Key { return Key(sha256.Sum256([]byte(canonical))) }

// Hash builds the canonical key for url and items, then returns its Key.
//
// This is the composition callers usually want: Hash(url, items...) == New(Canonical(url, items...)).
func Hash(url string, items ...Item) Key { return New(Canonical(url, items...)) }

// SHA256Hex returns the lowercase hex SHA-256 digest of the UTF-8 bytes of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
