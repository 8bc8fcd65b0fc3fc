// Package cache provides time-limited deduplication of inbound events.
//
// Channel transports deliver at-least-once: reconnects replay frames that were
// already handled. The DedupeCache is the single gate that decides whether an
// inbound event id has been seen recently.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// DedupeCache records event ids with insertion-order eviction. Entries expire
// after the TTL; expired entries are swept lazily, at most once per cleanup
// interval rather than on every call. When the cache is full the
// oldest-inserted entry is evicted, independent of access pattern.
type DedupeCache struct {
	mu          sync.Mutex
	order       *list.List // of *dedupeEntry, oldest at front
	index       map[string]*list.Element
	ttl         time.Duration
	maxSize     int
	cleanupEach time.Duration
	lastCleanup time.Time
}

type dedupeEntry struct {
	id     string
	seenAt time.Time
}

// DedupeCacheOptions configures the cache.
type DedupeCacheOptions struct {
	// TTL is how long a recorded id suppresses duplicates. Zero or negative
	// disables expiry.
	TTL time.Duration

	// MaxSize bounds the number of recorded ids. Zero or negative disables
	// the capacity bound.
	MaxSize int

	// CleanupInterval throttles the expiry sweep. Defaults to one minute.
	CleanupInterval time.Duration
}

// NewDedupeCache creates a new deduplication cache.
func NewDedupeCache(opts DedupeCacheOptions) *DedupeCache {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	cleanup := opts.CleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}

	return &DedupeCache{
		order:       list.New(),
		index:       make(map[string]*list.Element),
		ttl:         ttl,
		maxSize:     maxSize,
		cleanupEach: cleanup,
	}
}

// TryRecordMessage records id and returns true if it should be processed.
// It returns false when id was already recorded and has not expired.
// Re-recording a duplicate does not refresh its position or timestamp.
func (c *DedupeCache) TryRecordMessage(id string) bool {
	return c.TryRecordMessageAt(id, time.Now())
}

// TryRecordMessageAt is TryRecordMessage with an explicit clock, for tests.
func (c *DedupeCache) TryRecordMessageAt(id string, now time.Time) bool {
	if id == "" {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastCleanup) > c.cleanupEach {
		c.sweepLocked(now)
		c.lastCleanup = now
	}

	if el, ok := c.index[id]; ok {
		entry := el.Value.(*dedupeEntry)
		if c.ttl <= 0 || now.Sub(entry.seenAt) < c.ttl {
			return false
		}
		// Expired: drop the stale record and fall through to a fresh insert.
		c.removeLocked(el)
	}

	if c.maxSize > 0 {
		for c.order.Len() >= c.maxSize {
			c.removeLocked(c.order.Front())
		}
	}

	el := c.order.PushBack(&dedupeEntry{id: id, seenAt: now})
	c.index[id] = el
	return true
}

// sweepLocked evicts every entry older than the TTL. Timestamps are monotone
// in insertion order because duplicates never refresh, so the scan stops at
// the first live entry.
func (c *DedupeCache) sweepLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for el := c.order.Front(); el != nil; {
		entry := el.Value.(*dedupeEntry)
		if now.Sub(entry.seenAt) < c.ttl {
			break
		}
		next := el.Next()
		c.removeLocked(el)
		el = next
	}
}

func (c *DedupeCache) removeLocked(el *list.Element) {
	entry := el.Value.(*dedupeEntry)
	c.order.Remove(el)
	delete(c.index, entry.id)
}

// Contains reports whether id is currently recorded and unexpired, without
// recording it.
func (c *DedupeCache) Contains(id string) bool {
	return c.ContainsAt(id, time.Now())
}

// ContainsAt is Contains with an explicit clock, for tests.
func (c *DedupeCache) ContainsAt(id string, now time.Time) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[id]
	if !ok {
		return false
	}
	if c.ttl <= 0 {
		return true
	}
	return now.Sub(el.Value.(*dedupeEntry).seenAt) < c.ttl
}

// Size returns the current number of recorded ids.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear removes all entries.
func (c *DedupeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[string]*list.Element)
	c.lastCleanup = time.Time{}
}

// MessageDedupeKey generates a deduplication key for an inbound message.
func MessageDedupeKey(channel, messageID string) string {
	if messageID == "" {
		return ""
	}
	if channel == "" {
		return messageID
	}
	return channel + ":" + messageID
}
