package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCache_TryRecordMessage(t *testing.T) {
	t.Run("accepts first occurrence", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		if !cache.TryRecordMessage("msg-1") {
			t.Fatal("expected first occurrence to be accepted")
		}
	})

	t.Run("rejects duplicate within TTL", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		now := time.Now()
		cache.TryRecordMessageAt("msg-1", now)
		if cache.TryRecordMessageAt("msg-1", now.Add(30*time.Second)) {
			t.Error("expected duplicate within TTL to be rejected")
		}
	})

	t.Run("accepts again after TTL elapses", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		now := time.Now()
		cache.TryRecordMessageAt("msg-1", now)
		if !cache.TryRecordMessageAt("msg-1", now.Add(time.Minute+time.Second)) {
			t.Error("expected id to be accepted after TTL")
		}
	})

	t.Run("accepts empty id", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		if !cache.TryRecordMessage("") {
			t.Error("expected empty id to pass through")
		}
		if cache.Size() != 0 {
			t.Error("expected empty id not to be recorded")
		}
	})

	t.Run("duplicate does not refresh TTL", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 100})
		now := time.Now()
		cache.TryRecordMessageAt("msg-1", now)
		cache.TryRecordMessageAt("msg-1", now.Add(50*time.Second))
		// 70s after first sight: the original timestamp governs expiry.
		if !cache.TryRecordMessageAt("msg-1", now.Add(70*time.Second)) {
			t.Error("expected expiry from original insertion time")
		}
	})
}

func TestDedupeCache_CapacityEviction(t *testing.T) {
	t.Run("evicts oldest inserted at capacity", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Hour, MaxSize: 3})
		now := time.Now()
		for i := 1; i <= 3; i++ {
			cache.TryRecordMessageAt(fmt.Sprintf("msg-%d", i), now)
		}

		// Touching msg-1 as a duplicate must not move it to the back.
		cache.TryRecordMessageAt("msg-1", now.Add(time.Second))

		cache.TryRecordMessageAt("msg-4", now.Add(2*time.Second))
		if cache.ContainsAt("msg-1", now.Add(2*time.Second)) {
			t.Error("expected oldest-inserted msg-1 to be evicted despite recent access")
		}
		for _, id := range []string{"msg-2", "msg-3", "msg-4"} {
			if !cache.ContainsAt(id, now.Add(2*time.Second)) {
				t.Errorf("expected %s to survive eviction", id)
			}
		}
	})

	t.Run("size never exceeds capacity", func(t *testing.T) {
		cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Hour, MaxSize: 5})
		now := time.Now()
		for i := 0; i < 50; i++ {
			cache.TryRecordMessageAt(fmt.Sprintf("msg-%d", i), now.Add(time.Duration(i)*time.Millisecond))
		}
		if cache.Size() != 5 {
			t.Errorf("expected size 5, got %d", cache.Size())
		}
	})
}

func TestDedupeCache_CleanupThrottle(t *testing.T) {
	cache := NewDedupeCache(DedupeCacheOptions{
		TTL:             time.Second,
		MaxSize:         100,
		CleanupInterval: time.Minute,
	})
	now := time.Now()
	cache.TryRecordMessageAt("msg-1", now)

	// Within the cleanup interval the expired entry is still resident even
	// though it no longer suppresses duplicates.
	cache.TryRecordMessageAt("msg-2", now.Add(2*time.Second))
	if cache.Size() != 2 {
		t.Fatalf("expected no sweep inside cleanup interval, size=%d", cache.Size())
	}

	// Past the interval the sweep runs once and evicts expired entries.
	cache.TryRecordMessageAt("msg-3", now.Add(2*time.Minute))
	if cache.ContainsAt("msg-1", now.Add(2*time.Minute)) {
		t.Error("expected msg-1 swept after cleanup interval")
	}
	if cache.ContainsAt("msg-2", now.Add(2*time.Minute)) {
		t.Error("expected msg-2 swept after cleanup interval")
	}
	if !cache.ContainsAt("msg-3", now.Add(2*time.Minute)) {
		t.Error("expected msg-3 to remain")
	}
}

func TestDedupeCache_Clear(t *testing.T) {
	cache := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 10})
	cache.TryRecordMessage("msg-1")
	cache.TryRecordMessage("msg-2")
	cache.Clear()
	if cache.Size() != 0 {
		t.Errorf("expected empty cache after clear, size=%d", cache.Size())
	}
	if !cache.TryRecordMessage("msg-1") {
		t.Error("expected msg-1 accepted after clear")
	}
}

func TestMessageDedupeKey(t *testing.T) {
	tests := []struct {
		channel   string
		messageID string
		want      string
	}{
		{"telegram", "123", "telegram:123"},
		{"", "123", "123"},
		{"telegram", "", ""},
	}
	for _, tt := range tests {
		if got := MessageDedupeKey(tt.channel, tt.messageID); got != tt.want {
			t.Errorf("MessageDedupeKey(%q, %q) = %q, want %q", tt.channel, tt.messageID, got, tt.want)
		}
	}
}
