package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	jdhttp "github.com/jurisdesk/jurisdesk/internal/adapter/http"
	"github.com/jurisdesk/jurisdesk/internal/config"
	"github.com/jurisdesk/jurisdesk/internal/domain"
	"github.com/jurisdesk/jurisdesk/internal/domain/access"
	"github.com/jurisdesk/jurisdesk/internal/domain/command"
	"github.com/jurisdesk/jurisdesk/internal/domain/connector"
	"github.com/jurisdesk/jurisdesk/internal/domain/safety"
	"github.com/jurisdesk/jurisdesk/internal/middleware"
	"github.com/jurisdesk/jurisdesk/internal/port/database"
	"github.com/jurisdesk/jurisdesk/internal/ratelimit"
	"github.com/jurisdesk/jurisdesk/internal/service"
)

// memStore implements database.Store in memory for handler tests.
type memStore struct {
	mu         sync.Mutex
	commands   map[string]*command.Command
	jobs       map[string]*command.Job
	connectors map[string][]connector.Connector
}

func newMemStore() *memStore {
	return &memStore{
		commands:   make(map[string]*command.Command),
		jobs:       make(map[string]*command.Job),
		connectors: make(map[string][]connector.Connector),
	}
}

func (m *memStore) EnqueueCommand(_ context.Context, cmd *command.Command, job *command.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, j := *cmd, *job
	m.commands[c.ID] = &c
	m.jobs[j.ID] = &j
	return nil
}

func (m *memStore) GetCommand(_ context.Context, id string) (*command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*command.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *j
	return &out, nil
}

func (m *memStore) GetCommandEnvelope(_ context.Context, commandID string) (*command.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[commandID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	env := &command.Envelope{Command: *c}
	for _, j := range m.jobs {
		if j.CommandID == commandID {
			env.Job = *j
			break
		}
	}
	return env, nil
}

func (m *memStore) ListPendingJobs(_ context.Context, orgID string, worker command.Worker, limit int) ([]command.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []command.Envelope
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.OrgID == orgID && j.Worker == worker && j.Status == command.JobPending {
			out = append(out, command.Envelope{Command: *m.commands[j.CommandID], Job: *j})
		}
	}
	return out, nil
}

func (m *memStore) ClaimJob(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != command.JobPending {
		return false, nil
	}
	j.Status = command.JobProcessing
	j.Attempts++
	return true, nil
}

func (m *memStore) UpdateJobStatus(_ context.Context, jobID string, status command.JobStatus, patch database.JobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	if patch.LastError != "" {
		j.LastError = patch.LastError
	}
	return nil
}

func (m *memStore) UpdateCommandStatus(_ context.Context, commandID string, status command.Status, patch database.CommandPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[commandID]
	if !ok {
		return domain.ErrNotFound
	}
	if !c.Status.CanTransitionTo(status) {
		return domain.ErrConflict
	}
	c.Status = status
	if patch.Result != nil {
		c.Result = patch.Result
	}
	if patch.LastError != "" {
		c.LastError = patch.LastError
	}
	return nil
}

func (m *memStore) ListCommandsForSession(_ context.Context, sessionID string, limit int) ([]command.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []command.Command
	for _, c := range m.commands {
		if len(out) >= limit {
			break
		}
		if c.SessionID == sessionID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) ListOrgConnectors(_ context.Context, orgID string) ([]connector.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]connector.Connector(nil), m.connectors[orgID]...), nil
}

func (m *memStore) GetConnectors(_ context.Context, orgID string, ids []string) ([]connector.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []connector.Connector
	for _, c := range m.connectors[orgID] {
		for _, id := range ids {
			if c.ID == id {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (m *memStore) RegisterConnector(_ context.Context, req connector.RegisterRequest) (*connector.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := connector.Connector{
		ID:            fmt.Sprintf("conn-%d", len(m.connectors[req.OrgID])+1),
		OrgID:         req.OrgID,
		ConnectorType: req.ConnectorType,
		Name:          req.Name,
		Status:        connector.StatusActive,
	}
	m.connectors[req.OrgID] = append(m.connectors[req.OrgID], c)
	return &c, nil
}

func (m *memStore) GetAccessContext(_ context.Context, orgID, userID string) (*access.Context, error) {
	return &access.Context{OrgID: orgID, UserID: userID}, nil
}

// memCache implements cache.Cache in memory.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.entries[key]
	return data, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func newTestRouter(store *memStore, chain *safety.Chain, commandLimit int64) chi.Router {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	orchCfg := config.Defaults().Orchestrator

	orch := service.NewOrchestratorService(store, chain, nil, &orchCfg, log)
	caps := service.NewCapabilityService(store, &memCache{entries: make(map[string][]byte)}, time.Minute, log)
	handlers := jdhttp.NewHandlers(orch, caps, log)

	counter := ratelimit.NewMemoryCounter(100)
	limiters := jdhttp.Limiters{
		Command:   ratelimit.New("command", ratelimit.Config{Limit: commandLimit, Window: time.Minute}, counter),
		Claim:     ratelimit.New("claim", ratelimit.Config{Limit: 1000, Window: time.Minute}, counter),
		Connector: ratelimit.New("connector", ratelimit.Config{Limit: 1000, Window: time.Minute}, counter),
	}

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity)
		r.Use(middleware.Compliance(store, log))
		jdhttp.MountRoutes(r, handlers, limiters)
	})
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:40000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Org-ID", "org-1")
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateCommandEndpoint(t *testing.T) {
	router := newTestRouter(newMemStore(), safety.NewChain(), 100)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/commands", map[string]any{
		"command_type": "domain_task",
		"session_id":   "sess-1",
		"payload":      map[string]any{"task": "summarize"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		CommandID string `json:"command_id"`
		JobID     string `json:"job_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.CommandID == "" || resp.JobID == "" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateCommandEndpointRejected(t *testing.T) {
	chain := safety.NewChain()
	chain.RegisterFilter("deny", func(safety.Phase, *command.Envelope, *safety.Assessment) (*safety.Decision, []string) {
		return &safety.Decision{Action: safety.ActionBlock, Reasons: []string{"org_suspended"}}, nil
	})
	router := newTestRouter(newMemStore(), chain, 100)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/commands", map[string]any{
		"command_type": "domain_task",
		"payload":      map[string]any{"task": "summarize"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	var resp struct {
		Error   string   `json:"error"`
		Reasons []string `json:"reasons"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error != "command_rejected" || len(resp.Reasons) != 1 {
		t.Fatalf("unexpected rejection body: %+v", resp)
	}
}

func TestCreateCommandEndpointValidation(t *testing.T) {
	router := newTestRouter(newMemStore(), safety.NewChain(), 100)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/commands", map[string]any{
		"command_type": "sync_connector",
		"payload":      map[string]any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateCommandEndpointRateLimited(t *testing.T) {
	router := newTestRouter(newMemStore(), safety.NewChain(), 1)

	body := map[string]any{
		"command_type": "domain_task",
		"payload":      map[string]any{"task": "summarize"},
	}
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/commands", body); rec.Code != http.StatusAccepted {
		t.Fatalf("first request: expected 202, got %d", rec.Code)
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/commands", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestClaimAndCompleteEndpoints(t *testing.T) {
	router := newTestRouter(newMemStore(), safety.NewChain(), 100)

	created := doJSON(t, router, http.MethodPost, "/api/v1/commands", map[string]any{
		"command_type": "domain_task",
		"payload":      map[string]any{"task": "summarize"},
	})
	if created.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d", created.Code)
	}

	claim := doJSON(t, router, http.MethodPost, "/api/v1/jobs/claim", map[string]any{
		"worker": "domain",
	})
	if claim.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", claim.Code, claim.Body.String())
	}

	var env command.Envelope
	if err := json.Unmarshal(claim.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if env.Job.ID == "" {
		t.Fatal("expected job in envelope")
	}

	// No more pending work.
	empty := doJSON(t, router, http.MethodPost, "/api/v1/jobs/claim", map[string]any{
		"worker": "domain",
	})
	if empty.Code != http.StatusNoContent {
		t.Fatalf("empty claim: expected 204, got %d", empty.Code)
	}

	done := doJSON(t, router, http.MethodPost, "/api/v1/jobs/"+env.Job.ID+"/complete", map[string]any{
		"status": "completed",
		"result": map[string]any{"notes": "done"},
	})
	if done.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", done.Code, done.Body.String())
	}

	var resp map[string]string
	_ = json.Unmarshal(done.Body.Bytes(), &resp)
	if resp["status"] != "completed" {
		t.Fatalf("expected completed status, got %v", resp)
	}
}

func TestCompleteUnknownJobEndpoint(t *testing.T) {
	router := newTestRouter(newMemStore(), safety.NewChain(), 100)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/jobs/no-such-job/complete", map[string]any{
		"status": "completed",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConnectorAndCapabilitiesEndpoints(t *testing.T) {
	router := newTestRouter(newMemStore(), safety.NewChain(), 100)

	reg := doJSON(t, router, http.MethodPost, "/api/v1/connectors", map[string]any{
		"connector_type": "erp",
		"name":           "erp-main",
	})
	if reg.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", reg.Code, reg.Body.String())
	}

	caps := doJSON(t, router, http.MethodGet, "/api/v1/capabilities", nil)
	if caps.Code != http.StatusOK {
		t.Fatalf("capabilities: expected 200, got %d", caps.Code)
	}

	var resp struct {
		CommandTypes []any `json:"command_types"`
		Connectors   []any `json:"connectors"`
	}
	if err := json.Unmarshal(caps.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid capabilities body: %v", err)
	}
	if len(resp.CommandTypes) != 5 || len(resp.Connectors) != 1 {
		t.Fatalf("expected 5 types and 1 connector, got %d/%d", len(resp.CommandTypes), len(resp.Connectors))
	}
}

func TestMissingOrgHeader(t *testing.T) {
	router := newTestRouter(newMemStore(), safety.NewChain(), 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/capabilities", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without org header, got %d", rec.Code)
	}
}
