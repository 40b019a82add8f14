package registry

import (
	"sync"
	"time"

	"github.com/unity-bridge/relay/internal/config"
)

// IdempotencyCache is the global (not per-instance) TTL-bounded map from
// request id to successful response, plus the in-flight set that joins
// duplicate concurrent requests to the same waiter.
//
// Deliberately global rather than per-instance: the cache keys by
// request_id alone, so a client that reuses an id across two different
// instance targets observes the first instance's cached result for both.
// This type preserves that behavior rather than "fixing" it.
type IdempotencyCache struct {
	mu       sync.Mutex
	success  map[string]cacheEntry
	inflight map[string][]chan Result
	ttl      time.Duration
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// NewIdempotencyCache creates an empty cache with the given TTL.
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = config.RequestCacheTTL
	}
	return &IdempotencyCache{
		success:  make(map[string]cacheEntry),
		inflight: make(map[string][]chan Result),
		ttl:      ttl,
	}
}

// Lookup returns the cached successful response for requestID, if any and
// not yet expired.
func (c *IdempotencyCache) Lookup(requestID string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.success[requestID]
	if !ok {
		return Result{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.success, requestID)
		return Result{}, false
	}
	return entry.result, true
}

// Join registers interest in requestID's eventual result. If no request with
// this id is currently in flight, the caller becomes the leader (isLeader
// true) and is responsible for actually dispatching the command and calling
// Resolve when it completes. Followers receive a channel that Resolve will
// deliver to.
func (c *IdempotencyCache) Join(requestID string) (ch chan Result, isLeader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch = make(chan Result, 1)
	waiters, exists := c.inflight[requestID]
	c.inflight[requestID] = append(waiters, ch)
	return ch, !exists
}

// Resolve delivers result to every waiter joined on requestID, caches it if
// successful, and clears the in-flight entry. Safe to call exactly once per
// leader; a duplicate COMMAND_RESULT delivery for an id already resolved
// (e.g. a cache hit short-circuited the second caller) must not reach here;
// callers are expected to have already discarded it.
func (c *IdempotencyCache) Resolve(requestID string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result.Success {
		c.success[requestID] = cacheEntry{result: result, expiresAt: time.Now().Add(c.ttl)}
	}

	for _, ch := range c.inflight[requestID] {
		ch <- result
	}
	delete(c.inflight, requestID)
}

// EvictExpired removes success-cache entries past their TTL. Called
// periodically by the reaper; not required for correctness (Lookup already
// self-prunes) but keeps the map from growing unbounded between lookups.
func (c *IdempotencyCache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	evicted := 0
	for id, entry := range c.success {
		if now.After(entry.expiresAt) {
			delete(c.success, id)
			evicted++
		}
	}
	return evicted
}
