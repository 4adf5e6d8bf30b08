// Package cachepolicy parses HTTP response headers into cache freshness policy,
// decides when an entry needs revalidation, and builds conditional request headers.
package cachepolicy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy is the immutable result of parsing a response's cache-related headers.
type Policy struct {
	NoStore        bool
	NoCache        bool
	MustRevalidate bool
	MaxAge         time.Duration
	HasMaxAge      bool
	ExpiresAt      time.Time
	HasExpiresAt   bool
	ETag           string
	LastModified   string
}

// Parse builds a Policy from headers, using now as the response-observation instant.
//
// Header lookups are case-insensitive (http.Header already normalizes this). Cache-Control
// is split on commas, each directive trimmed and lower-cased for matching. max-age takes
// precedence over Expires; if max-age is absent, Expires is parsed as an RFC 1123 HTTP-date
// and used instead. A parse failure on Expires leaves ExpiresAt unset, not an error: the
// caller falls back to its configured default TTL.
func Parse(headers http.Header, now time.Time) Policy {
	var p Policy

	for _, token := range strings.Split(headers.Get("Cache-Control"), ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		directive, arg, _ := strings.Cut(token, "=")
		switch strings.ToLower(strings.TrimSpace(directive)) {
		case "no-store":
			p.NoStore = true
		case "no-cache":
			p.NoCache = true
		case "must-revalidate":
			p.MustRevalidate = true
		case "max-age":
			seconds, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
			if err == nil && seconds >= 0 {
				p.MaxAge = time.Duration(seconds) * time.Second
				p.HasMaxAge = true
				p.ExpiresAt = now.Add(p.MaxAge)
				p.HasExpiresAt = true
			}
		}
	}

	if !p.HasMaxAge {
		if expires := headers.Get("Expires"); expires != "" {
			if t, err := http.ParseTime(expires); err == nil {
				p.ExpiresAt = t
				p.HasExpiresAt = true
			}
		}
	}

	p.ETag = normalizeValidator(headers.Get("ETag"))
	p.LastModified = normalizeValidator(headers.Get("Last-Modified"))

	return p
}

// normalizeValidator treats an empty validator string as absent, per spec.
func normalizeValidator(v string) string {
	if v == "" {
		return ""
	}
	return v
}

// ExpiresAtOrDefault resolves the entry's expiry instant: the policy's ExpiresAt if set,
// otherwise cachedAt plus the caller-supplied default TTL.
func (p Policy) ExpiresAtOrDefault(cachedAt time.Time, defaultTTL time.Duration) time.Time {
	if p.HasExpiresAt {
		return p.ExpiresAt
	}
	return cachedAt.Add(defaultTTL)
}

// NeedsRevalidate reports whether must-revalidate is true or the policy is no-cache,
// which the spec treats identically to must-revalidate for entry metadata purposes.
func (p Policy) NeedsRevalidate() bool {
	return p.MustRevalidate || p.NoCache
}

// Expired reports whether an entry with the given expiresAt and cachedAt is stale at now.
//
// If expiresAt is the zero value, freshness falls back to cachedAt + defaultTTL.
func Expired(now, cachedAt, expiresAt time.Time, defaultTTL time.Duration) bool {
	if !expiresAt.IsZero() {
		return now.After(expiresAt)
	}
	return now.Sub(cachedAt) > defaultTTL
}

// ConditionalHeaders builds the headers for a revalidation request from stored validators.
// Either or both of etag/lastModified may be empty, in which case the corresponding header
// is omitted.
func ConditionalHeaders(etag, lastModified string) http.Header {
	h := make(http.Header)
	if etag != "" {
		h.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		h.Set("If-Modified-Since", lastModified)
	}
	return h
}
