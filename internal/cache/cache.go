// Package cache memoizes analysis results so repeated payloads never reach
// the external analyzer twice while fresh, and so the last known good result
// survives as a degraded fallback during an outage.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/phrazzld/focusqueue/internal/analysis"
)

// entry pairs a cached result with its insertion time so freshness is
// decided at read time. Expired entries stay resident until evicted by
// capacity; the breaker serves them as stale fallbacks while open.
type entry struct {
	value      *analysis.Result
	insertedAt time.Time
}

// ResultCache is a size-bounded LRU of analysis results with a freshness
// TTL. The LRU serializes its own mutations, independent of breaker state,
// keeping the hot read path off the breaker mutex.
type ResultCache struct {
	entries *lru.Cache[string, entry]
	ttl     time.Duration

	// now is swapped in tests to control freshness.
	now func() time.Time
}

// New creates a ResultCache holding at most capacity entries, each fresh
// for ttl after insertion.
func New(capacity int, ttl time.Duration) (*ResultCache, error) {
	entries, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &ResultCache{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Fingerprint derives the deterministic cache key for a payload.
func Fingerprint(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Put stores a result under key, evicting the least-recently-used entry
// when at capacity.
func (c *ResultCache) Put(key string, value *analysis.Result) {
	c.entries.Add(key, entry{
		value:      value,
		insertedAt: c.now(),
	})
}

// GetFresh returns the entry for key if it exists and is within its TTL.
// A fresh read marks the entry most-recently-used; an expired entry is
// treated as absent and left untouched.
func (c *ResultCache) GetFresh(key string) (*analysis.Result, bool) {
	e, ok := c.entries.Peek(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		return nil, false
	}

	// Promote only on a fresh hit.
	c.entries.Get(key)
	return e.value, true
}

// GetStale returns the entry for key regardless of age. Used as the
// degraded fallback when the circuit is open and a live call is not
// permitted.
func (c *ResultCache) GetStale(key string) (*analysis.Result, bool) {
	e, ok := c.entries.Peek(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Clear removes every entry.
func (c *ResultCache) Clear() {
	c.entries.Purge()
}

// Len returns the number of resident entries, expired or not.
func (c *ResultCache) Len() int {
	return c.entries.Len()
}
