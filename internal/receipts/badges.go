package receipts

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	badgeKeyPrefix  = "parley:badges:"
	badgeMarker     = "_cached"
	defaultBadgeTTL = 5 * time.Minute
)

// RedisBadgeCache stores each viewer's unread counts in a Redis hash.
type RedisBadgeCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisBadgeCache creates a cache whose entries expire after ttl.
func NewRedisBadgeCache(client redis.UniversalClient, ttl time.Duration) *RedisBadgeCache {
	if ttl <= 0 {
		ttl = defaultBadgeTTL
	}
	return &RedisBadgeCache{client: client, ttl: ttl}
}

func badgeKey(viewerID string) string { return badgeKeyPrefix + viewerID }

// Get returns the cached counts. ok is false on a miss.
func (c *RedisBadgeCache) Get(ctx context.Context, viewerID string) (map[string]int, bool, error) {
	fields, err := c.client.HGetAll(ctx, badgeKey(viewerID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if _, ok := fields[badgeMarker]; !ok {
		return nil, false, nil
	}

	counts := make(map[string]int, len(fields)-1)
	for threadID, raw := range fields {
		if threadID == badgeMarker {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, false, fmt.Errorf("bad badge count for %s: %w", threadID, err)
		}
		counts[threadID] = n
	}
	return counts, true, nil
}

// Set replaces the cached counts.
func (c *RedisBadgeCache) Set(ctx context.Context, viewerID string, counts map[string]int) error {
	key := badgeKey(viewerID)
	values := make([]any, 0, 2*len(counts)+2)
	values = append(values, badgeMarker, "1")
	for threadID, n := range counts {
		values = append(values, threadID, n)
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, values...)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis badge set: %w", err)
	}
	return nil
}

// Invalidate drops the cached counts.
func (c *RedisBadgeCache) Invalidate(ctx context.Context, viewerID string) error {
	return c.client.Del(ctx, badgeKey(viewerID)).Err()
}

// MemoryBadgeCache is a process-local BadgeCache for single-node setups.
type MemoryBadgeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]badgeEntry
}

type badgeEntry struct {
	counts  map[string]int
	expires time.Time
}

// NewMemoryBadgeCache creates an in-process cache.
func NewMemoryBadgeCache(ttl time.Duration) *MemoryBadgeCache {
	if ttl <= 0 {
		ttl = defaultBadgeTTL
	}
	return &MemoryBadgeCache{ttl: ttl, now: time.Now, entries: make(map[string]badgeEntry)}
}

func (c *MemoryBadgeCache) Get(_ context.Context, viewerID string) (map[string]int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[viewerID]
	if !ok || c.now().After(entry.expires) {
		delete(c.entries, viewerID)
		return nil, false, nil
	}
	return copyCounts(entry.counts), true, nil
}

func (c *MemoryBadgeCache) Set(_ context.Context, viewerID string, counts map[string]int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[viewerID] = badgeEntry{counts: copyCounts(counts), expires: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryBadgeCache) Invalidate(_ context.Context, viewerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, viewerID)
	return nil
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
