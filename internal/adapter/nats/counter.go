package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Counter is a fixed-window rate-limit counter shared across processes
// via a JetStream KV bucket. Keys carry the window start; the bucket TTL
// garbage-collects closed windows.
type Counter struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewCounter ensures the KV bucket exists and returns a shared counter.
// ttl should be at least twice the largest limiter window.
func NewCounter(ctx context.Context, c *Conn, bucket string, ttl time.Duration) (*Counter, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("rate-limit kv bucket %s: %w", bucket, err)
	}
	return &Counter{kv: kv, now: time.Now}, nil
}

// Incr increments the count for key in the window containing now using
// optimistic revision-checked updates.
func (c *Counter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	start := c.now().Truncate(window).Unix()
	wkey := sanitizeKey(key) + "." + strconv.FormatInt(start, 10)

	for {
		entry, err := c.kv.Get(ctx, wkey)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyNotFound) {
				return 0, fmt.Errorf("rate-limit get %s: %w", wkey, err)
			}
			_, cerr := c.kv.Create(ctx, wkey, []byte("1"))
			if cerr == nil {
				return 1, nil
			}
			if errors.Is(cerr, jetstream.ErrKeyExists) {
				continue // lost the creation race, retry as update
			}
			return 0, fmt.Errorf("rate-limit create %s: %w", wkey, cerr)
		}

		n, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("rate-limit parse %s: %w", wkey, err)
		}
		n++
		_, err = c.kv.Update(ctx, wkey, []byte(strconv.FormatInt(n, 10)), entry.Revision())
		if err == nil {
			return n, nil
		}
		if errors.Is(err, jetstream.ErrKeyExists) {
			continue // revision conflict, retry
		}
		return 0, fmt.Errorf("rate-limit update %s: %w", wkey, err)
	}
}

// sanitizeKey maps limiter keys onto the KV key charset (no colons).
func sanitizeKey(key string) string {
	out := []byte(key)
	for i, b := range out {
		if b == ':' || b == ' ' || b == '/' {
			out[i] = '_'
		}
	}
	return string(out)
}
