package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is an in-process fixed-window counter. Windows are
// bucketed by their start time; stale buckets are dropped by a cleanup
// goroutine to bound memory.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*windowBucket
	maxKeys int
	now     func() time.Time
}

type windowBucket struct {
	windowStart int64
	count       int64
	lastSeen    time.Time
}

// NewMemoryCounter creates an in-memory counter tracking at most maxKeys
// distinct keys. At capacity, new keys count as over-limit rather than
// growing the map.
func NewMemoryCounter(maxKeys int) *MemoryCounter {
	return &MemoryCounter{
		buckets: make(map[string]*windowBucket),
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Incr counts one hit for key in the fixed window containing now.
func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := c.now()
	start := now.Truncate(window).Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok {
		if len(c.buckets) >= c.maxKeys {
			// At capacity: treat as an absurdly high count so the
			// limiter rejects instead of exhausting memory.
			return int64(c.maxKeys) + 1<<30, nil
		}
		b = &windowBucket{}
		c.buckets[key] = b
	}
	if b.windowStart != start {
		b.windowStart = start
		b.count = 0
	}
	b.count++
	b.lastSeen = now
	return b.count, nil
}

// StartCleanup spawns a goroutine that drops buckets idle longer than
// maxIdle. Returns a cancel function that stops it.
func (c *MemoryCounter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.cleanup(maxIdle)
			}
		}
	}()
	return cancel
}

func (c *MemoryCounter) cleanup(maxIdle time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-maxIdle)
	for key, b := range c.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(c.buckets, key)
		}
	}
}

// Len returns the number of tracked keys (for metrics and testing).
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
