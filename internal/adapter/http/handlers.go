package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jurisdesk/jurisdesk/internal/domain/command"
	"github.com/jurisdesk/jurisdesk/internal/domain/connector"
	"github.com/jurisdesk/jurisdesk/internal/domain/safety"
	"github.com/jurisdesk/jurisdesk/internal/middleware"
	"github.com/jurisdesk/jurisdesk/internal/service"
)

// Handlers holds the services the HTTP layer dispatches to.
type Handlers struct {
	Orchestrator *service.OrchestratorService
	Capabilities *service.CapabilityService
	Log          *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(orch *service.OrchestratorService, caps *service.CapabilityService, log *slog.Logger) *Handlers {
	return &Handlers{Orchestrator: orch, Capabilities: caps, Log: log}
}

// --- Commands ---

type acceptedResponse struct {
	*command.Response
	NeedsHITL bool `json:"needs_hitl,omitempty"`
}

type rejectedResponse struct {
	Error       string   `json:"error"`
	Reasons     []string `json:"reasons,omitempty"`
	Mitigations []string `json:"mitigations,omitempty"`
}

// CreateCommand handles POST /api/v1/commands
func (h *Handlers) CreateCommand(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[command.CreateRequest](w, r)
	if !ok {
		return
	}
	req.OrgID = middleware.OrgIDFromContext(r.Context())
	if req.IssuedBy == "" {
		req.IssuedBy = middleware.UserIDFromContext(r.Context())
	}

	out, err := h.Orchestrator.CreateCommand(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "command not found")
		return
	}
	if out.Kind == service.OutcomeRejected {
		writeJSON(w, http.StatusConflict, rejectedResponse{
			Error:       "command_rejected",
			Reasons:     out.Reasons,
			Mitigations: out.Mitigations,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Response: out.Response, NeedsHITL: out.NeedsHITL})
}

// GetCommand handles GET /api/v1/commands/{id}
func (h *Handlers) GetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmd, err := h.Orchestrator.GetCommand(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// ListSessionCommands handles GET /api/v1/sessions/{id}/commands
func (h *Handlers) ListSessionCommands(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	cmds, err := h.Orchestrator.ListSessionCommands(r.Context(), sessionID, limit)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if cmds == nil {
		cmds = []command.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

// --- Jobs ---

type claimRequest struct {
	Worker command.Worker `json:"worker"`
	Limit  int            `json:"limit,omitempty"`
}

// ClaimJob handles POST /api/v1/jobs/claim
func (h *Handlers) ClaimJob(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[claimRequest](w, r)
	if !ok {
		return
	}
	worker := req.Worker
	if worker == "" {
		worker = command.WorkerDirector
	}

	out, err := h.Orchestrator.ClaimJob(r.Context(), service.ClaimJobInput{
		OrgID:  middleware.OrgIDFromContext(r.Context()),
		Worker: worker,
		UserID: middleware.UserIDFromContext(r.Context()),
		Limit:  req.Limit,
	})
	if err != nil {
		writeDomainError(w, err, "job not found")
		return
	}
	if out.Kind == service.OutcomeNone {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, out.Envelope)
}

type completeRequest struct {
	Status     string             `json:"status"`
	Result     map[string]any     `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	Assessment *safety.Assessment `json:"assessment,omitempty"`
}

// CompleteJob handles POST /api/v1/jobs/{id}/complete
func (h *Handlers) CompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	req, ok := readJSON[completeRequest](w, r)
	if !ok {
		return
	}

	out, err := h.Orchestrator.CompleteJob(r.Context(), service.CompleteJobInput{
		JobID:      jobID,
		Status:     command.JobStatus(req.Status),
		Result:     req.Result,
		Error:      req.Error,
		UserID:     middleware.UserIDFromContext(r.Context()),
		Assessment: req.Assessment,
	})
	if err != nil {
		writeDomainError(w, err, "job not found")
		return
	}
	switch out.Kind {
	case service.OutcomeCommandNotFound:
		writeError(w, http.StatusNotFound, "command not found")
	case service.OutcomeInvalidResult:
		writeError(w, http.StatusBadRequest, out.Message)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(out.Status)})
	}
}

// --- Connectors & capabilities ---

// RegisterConnector handles POST /api/v1/connectors
func (h *Handlers) RegisterConnector(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[connector.RegisterRequest](w, r)
	if !ok {
		return
	}
	req.OrgID = middleware.OrgIDFromContext(r.Context())
	if req.CreatedBy == "" {
		req.CreatedBy = middleware.UserIDFromContext(r.Context())
	}

	conn, err := h.Capabilities.RegisterConnector(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "connector not found")
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

// GetCapabilities handles GET /api/v1/capabilities
func (h *Handlers) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := h.Capabilities.Capabilities(r.Context(), middleware.OrgIDFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err, "org not found")
		return
	}
	writeJSON(w, http.StatusOK, caps)
}
