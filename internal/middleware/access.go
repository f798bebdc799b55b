package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/jurisdesk/jurisdesk/internal/domain"
	"github.com/jurisdesk/jurisdesk/internal/domain/access"
	"github.com/jurisdesk/jurisdesk/internal/port/database"
)

// Compliance is middleware that enforces the org access compliance gate.
// The access context is loaded fresh from the store on every request;
// policy changes take effect immediately and are never cached.
func Compliance(store database.Store, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := OrgIDFromContext(r.Context())
			userID := UserIDFromContext(r.Context())

			ac, err := store.GetAccessContext(r.Context(), orgID, userID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					writeJSONError(w, http.StatusForbidden, "no access policy for org")
					return
				}
				log.Error("load access context", "org_id", orgID, "error", err)
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			meta := &access.RequestMeta{
				IP:      realIP(r),
				Headers: complianceHeaders(r),
			}
			if err := access.Ensure(ac, meta); err != nil {
				var ce *access.ComplianceError
				if errors.As(err, &ce) {
					log.Info("compliance check failed",
						"org_id", orgID, "user_id", userID, "code", ce.Code)
					writeComplianceError(w, ce)
					return
				}
				writeJSONError(w, http.StatusForbidden, err.Error())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// complianceHeaders collects the gate's input headers, lower-cased.
func complianceHeaders(r *http.Request) map[string]string {
	h := make(map[string]string, 3)
	for _, name := range []string{access.HeaderAuthStrength, access.HeaderConsentVersion, access.HeaderCoEVersion} {
		if v := r.Header.Get(name); v != "" {
			h[strings.ToLower(name)] = v
		}
	}
	return h
}

// writeComplianceError maps compliance failure codes to status codes:
// missing MFA is an authentication problem (401), everything else is a
// policy denial (403).
func writeComplianceError(w http.ResponseWriter, ce *access.ComplianceError) {
	status := http.StatusForbidden
	if ce.Code == access.CodeMFARequired {
		status = http.StatusUnauthorized
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  ce.Code,
		"detail": ce.Detail,
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// realIP extracts the client IP from RemoteAddr. Proxy headers are NOT
// trusted because they can be spoofed to bypass the IP allowlist.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
