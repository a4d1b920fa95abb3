// Package cache holds a bounded TTL cache of successful subtitle fetches.
// Every hit is a round trip not spent against the rate-sensitive upstream,
// so the cache sits in front of admission entirely.
package cache

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/subrelay/subrelay/internal/language"
	"github.com/subrelay/subrelay/internal/upstream"
)

// Entry is one cached successful fetch.
type Entry struct {
	Language  string
	Lines     []upstream.Line
	Available []language.Track
}

// TranscriptCache caches successful transcript payloads keyed by
// videoID + requested language. Otter handles bounded eviction and TTL.
type TranscriptCache struct {
	cache otter.Cache[string, Entry]
}

// New creates a cache bounded to capacity entries with the given TTL.
func New(capacity int, ttl time.Duration) (*TranscriptCache, error) {
	cache, err := otter.MustBuilder[string, Entry](capacity).
		Cost(func(_ string, _ Entry) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &TranscriptCache{cache: cache}, nil
}

func key(videoID, requestedLang string) string {
	return videoID + "|" + requestedLang
}

// Get returns the cached entry for (videoID, requestedLang), if present.
func (c *TranscriptCache) Get(videoID, requestedLang string) (Entry, bool) {
	return c.cache.Get(key(videoID, requestedLang))
}

// Put stores a successful fetch under the language the caller requested, so
// a fallback-substituted response is replayed with the same substitution.
func (c *TranscriptCache) Put(videoID, requestedLang string, e Entry) {
	c.cache.Set(key(videoID, requestedLang), e)
}

// Size returns the current number of cached entries.
func (c *TranscriptCache) Size() int {
	return c.cache.Size()
}

// Close releases the cache's background resources.
func (c *TranscriptCache) Close() {
	c.cache.Close()
}
