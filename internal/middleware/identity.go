package middleware

import (
	"context"
	"net/http"
)

const (
	headerOrgID  = "X-Org-ID"
	headerUserID = "X-User-ID"
)

type orgCtxKey struct{}
type userCtxKey struct{}

// Identity is middleware that extracts the caller's org and user from the
// X-Org-ID and X-User-ID headers and stores them in the request context.
// Requests without an org are rejected; every orchestration operation is
// org-scoped.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(headerOrgID)
		if orgID == "" {
			writeJSONError(w, http.StatusBadRequest, "x-org-id header is required")
			return
		}
		ctx := context.WithValue(r.Context(), orgCtxKey{}, orgID)
		if uid := r.Header.Get(headerUserID); uid != "" {
			ctx = context.WithValue(ctx, userCtxKey{}, uid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OrgIDFromContext returns the org ID stored in ctx, or "" if absent.
func OrgIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(orgCtxKey{}).(string)
	return id
}

// UserIDFromContext returns the user ID stored in ctx, or "" if absent.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userCtxKey{}).(string)
	return id
}
