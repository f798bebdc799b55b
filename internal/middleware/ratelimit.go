package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/jurisdesk/jurisdesk/internal/ratelimit"
)

// KeyFunc derives the limiter key parts from a request, typically the
// org plus a sub-scope like the worker type.
type KeyFunc func(r *http.Request) []string

// OrgKey keys a limiter by the caller's org.
func OrgKey(r *http.Request) []string {
	return []string{OrgIDFromContext(r.Context())}
}

// RateLimit returns middleware enforcing the given limiter per derived
// key. Exceeding the limit yields 429 with a Retry-After of one window;
// counter errors fail open and are logged.
func RateLimit(l *ratelimit.Limiter, keyFn KeyFunc, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			blocked, err := l.Check(r.Context(), keyFn(r)...)
			if err != nil {
				log.Warn("rate limit counter error", "error", err)
			}
			if blocked {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(l.Window().Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "rate_limit_exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
