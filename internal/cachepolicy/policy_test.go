package cachepolicy_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/block/mediacache/internal/cachepolicy"
)

func TestParseCaseInsensitiveDirectives(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{"Cache-Control": []string{"MAX-AGE=60, MUST-REVALIDATE"}}

	p := cachepolicy.Parse(h, now)

	assert.True(t, p.MustRevalidate)
	assert.True(t, p.HasMaxAge)
	assert.Equal(t, 60*time.Second, p.MaxAge)
	assert.Equal(t, now.Add(60*time.Second), p.ExpiresAt)
}

func TestParseMaxAgeTakesPrecedenceOverExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{
		"Cache-Control": []string{"max-age=30"},
		"Expires":       []string{now.Add(time.Hour).Format(http.TimeFormat)},
	}

	p := cachepolicy.Parse(h, now)

	assert.Equal(t, now.Add(30*time.Second), p.ExpiresAt)
}

func TestParseExpiresFallback(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(2 * time.Hour)
	h := http.Header{"Expires": []string{expiry.Format(http.TimeFormat)}}

	p := cachepolicy.Parse(h, now)

	assert.False(t, p.HasMaxAge)
	assert.True(t, p.HasExpiresAt)
	assert.Equal(t, expiry.Unix(), p.ExpiresAt.Unix())
}

func TestParseInvalidExpiresLeavesUnset(t *testing.T) {
	now := time.Now()
	h := http.Header{"Expires": []string{"not-a-date"}}

	p := cachepolicy.Parse(h, now)

	assert.False(t, p.HasExpiresAt)
}

func TestParseNoStoreAndNoCache(t *testing.T) {
	h := http.Header{"Cache-Control": []string{"no-store, no-cache"}}
	p := cachepolicy.Parse(h, time.Now())
	assert.True(t, p.NoStore)
	assert.True(t, p.NoCache)
	assert.True(t, p.NeedsRevalidate())
}

func TestParseEmptyETagTreatedAsAbsent(t *testing.T) {
	h := http.Header{"ETag": []string{""}}
	p := cachepolicy.Parse(h, time.Now())
	assert.Equal(t, "", p.ETag)
}

func TestParseValidatorsVerbatim(t *testing.T) {
	h := http.Header{
		"ETag":          []string{`"v1"`},
		"Last-Modified": []string{"Wed, 21 Oct 2015 07:28:00 GMT"},
	}
	p := cachepolicy.Parse(h, time.Now())
	assert.Equal(t, `"v1"`, p.ETag)
	assert.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", p.LastModified)
}

func TestExpiredUsesExpiresAt(t *testing.T) {
	cachedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := cachedAt.Add(time.Minute)

	assert.False(t, cachepolicy.Expired(cachedAt.Add(30*time.Second), cachedAt, expiresAt, time.Hour))
	assert.True(t, cachepolicy.Expired(cachedAt.Add(2*time.Minute), cachedAt, expiresAt, time.Hour))
}

func TestExpiredFallsBackToDefaultTTL(t *testing.T) {
	cachedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, cachepolicy.Expired(cachedAt.Add(30*time.Second), cachedAt, time.Time{}, time.Minute))
	assert.True(t, cachepolicy.Expired(cachedAt.Add(2*time.Minute), cachedAt, time.Time{}, time.Minute))
}

func TestMaxAgeZeroBornExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{"Cache-Control": []string{"max-age=0"}}

	p := cachepolicy.Parse(h, now)
	assert.True(t, p.HasMaxAge)
	assert.Equal(t, time.Duration(0), p.MaxAge)
	// Expiry lands on the observation instant itself, so any later access sees the entry expired.
	assert.True(t, cachepolicy.Expired(now.Add(time.Nanosecond), now, p.ExpiresAt, time.Hour))
}

func TestConditionalHeaders(t *testing.T) {
	h := cachepolicy.ConditionalHeaders(`"v1"`, "Wed, 21 Oct 2015 07:28:00 GMT")
	assert.Equal(t, `"v1"`, h.Get("If-None-Match"))
	assert.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", h.Get("If-Modified-Since"))

	empty := cachepolicy.ConditionalHeaders("", "")
	assert.Equal(t, "", empty.Get("If-None-Match"))
	assert.Equal(t, "", empty.Get("If-Modified-Since"))
}
