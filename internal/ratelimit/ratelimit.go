// Package ratelimit bounds request rate per (scope, tenant, sub-scope)
// key. The counting backend is pluggable: in-memory counters for
// single-process deployments, a shared counter store (NATS KV) for
// multi-process ones. The contract is identical either way: a
// fixed-window count against a configured limit and window.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Config bounds a limiter: at most Limit requests per Window.
type Config struct {
	Limit  int64
	Window time.Duration
}

// Counter increments and returns the count for a key within the window
// that contains now. Implementations must be safe for concurrent use.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter enforces a fixed-window limit for one scope.
type Limiter struct {
	scope   string
	cfg     Config
	counter Counter
}

// New creates a limiter for the given scope.
func New(scope string, cfg Config, counter Counter) *Limiter {
	return &Limiter{scope: scope, cfg: cfg, counter: counter}
}

// Check counts one request against (scope, keyParts...) and reports
// whether it exceeds the configured limit. A counter error fails open:
// the limiter must not turn a counter outage into a denial of service.
func (l *Limiter) Check(ctx context.Context, keyParts ...string) (blocked bool, err error) {
	key := l.scope
	if len(keyParts) > 0 {
		key += ":" + strings.Join(keyParts, ":")
	}
	n, err := l.counter.Incr(ctx, key, l.cfg.Window)
	if err != nil {
		return false, err
	}
	return n > l.cfg.Limit, nil
}

// Window returns the configured window, for Retry-After headers.
func (l *Limiter) Window() time.Duration { return l.cfg.Window }
