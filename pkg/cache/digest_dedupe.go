// Package cache implements the classify dedupe window: re-submitting the same
// batch inside the window returns the stored results and produces no duplicate
// learning writes. Redis-backed when configured, with an in-process fallback
// so a missing or failing redis degrades to per-process idempotence rather
// than an error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DedupeWindow is how long an identical batch is answered from cache.
const DedupeWindow = 10 * time.Minute

// BatchKey derives the dedupe key for one classify batch. Message order does
// not matter; the same set of ids yields the same key.
func BatchKey(userID string, messageIDs []string) string {
	ids := make([]string, len(messageIDs))
	copy(ids, messageIDs)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(userID + "\x1f" + strings.Join(ids, "\x1f")))
	return "classify:batch:" + hex.EncodeToString(sum[:])
}

// DedupeCache stores recent batch results.
type DedupeCache struct {
	redis *redis.Client // nil when not configured

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	payload   []byte
	expiresAt time.Time
}

// New creates a dedupe cache. redisClient may be nil.
func New(redisClient *redis.Client) *DedupeCache {
	return &DedupeCache{
		redis: redisClient,
		local: make(map[string]localEntry),
	}
}

// Get loads a cached batch result into dest. Returns false on miss. Redis
// errors are treated as misses.
func (c *DedupeCache) Get(ctx context.Context, key string, dest any) bool {
	if c.redis != nil {
		// Any redis failure degrades to the local map below.
		if data, err := c.redis.Get(ctx, key).Bytes(); err == nil {
			return json.Unmarshal(data, dest) == nil
		}
	}

	c.mu.RLock()
	entry, ok := c.local[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return false
	}
	return json.Unmarshal(entry.payload, dest) == nil
}

// Put stores a batch result under the dedupe window.
func (c *DedupeCache) Put(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}

	if c.redis != nil {
		// Best effort; local fallback below still records it.
		c.redis.Set(ctx, key, data, DedupeWindow)
	}

	c.mu.Lock()
	c.local[key] = localEntry{payload: data, expiresAt: time.Now().Add(DedupeWindow)}
	if len(c.local) > 4096 {
		c.sweepLocked()
	}
	c.mu.Unlock()
}

// sweepLocked drops expired local entries. Caller holds the write lock.
func (c *DedupeCache) sweepLocked() {
	now := time.Now()
	for k, v := range c.local {
		if now.After(v.expiresAt) {
			delete(c.local, k)
		}
	}
}
