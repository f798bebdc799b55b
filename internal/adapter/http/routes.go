package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jurisdesk/jurisdesk/internal/middleware"
	"github.com/jurisdesk/jurisdesk/internal/ratelimit"
)

// Limiters holds the per-scope rate limiters applied by MountRoutes.
type Limiters struct {
	Command   *ratelimit.Limiter
	Claim     *ratelimit.Limiter
	Connector *ratelimit.Limiter
}

// MountRoutes registers all API routes on the given chi router. Every
// route below the version prefix is org-scoped and runs behind the
// compliance gate.
func MountRoutes(r chi.Router, h *Handlers, lim Limiters) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Commands
		r.With(middleware.RateLimit(lim.Command, middleware.OrgKey, h.Log)).
			Post("/commands", h.CreateCommand)
		r.Get("/commands/{id}", h.GetCommand)
		r.Get("/sessions/{id}/commands", h.ListSessionCommands)

		// Jobs
		r.With(middleware.RateLimit(lim.Claim, middleware.OrgKey, h.Log)).
			Post("/jobs/claim", h.ClaimJob)
		r.Post("/jobs/{id}/complete", h.CompleteJob)

		// Connectors & capabilities
		r.With(middleware.RateLimit(lim.Connector, middleware.OrgKey, h.Log)).
			Post("/connectors", h.RegisterConnector)
		r.Get("/capabilities", h.GetCapabilities)
	})
}
