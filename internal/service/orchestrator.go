// Package service composes the store, the safety chain, and validation
// into the orchestration operations: command admission, job claiming,
// and job completion.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jurisdesk/jurisdesk/internal/config"
	"github.com/jurisdesk/jurisdesk/internal/domain"
	"github.com/jurisdesk/jurisdesk/internal/domain/command"
	"github.com/jurisdesk/jurisdesk/internal/domain/safety"
	"github.com/jurisdesk/jurisdesk/internal/port/audit"
	"github.com/jurisdesk/jurisdesk/internal/port/database"
)

// Outcome kinds returned by the orchestrator operations. Controllers
// translate these to status codes verbatim.
const (
	OutcomeAccepted        = "accepted"
	OutcomeRejected        = "rejected"
	OutcomeClaimed         = "claimed"
	OutcomeNone            = "none"
	OutcomeCompleted       = "completed"
	OutcomeCommandNotFound = "command_not_found"
	OutcomeInvalidResult   = "invalid_result"
)

// CommandCreationOutcome is the typed result of CreateCommand.
type CommandCreationOutcome struct {
	Kind        string
	Response    *command.Response
	NeedsHITL   bool
	Reasons     []string
	Mitigations []string
}

// ClaimJobInput scopes a claim attempt.
type ClaimJobInput struct {
	OrgID  string
	Worker command.Worker
	UserID string
	Limit  int
}

// ClaimJobOutcome is the typed result of ClaimJob.
type ClaimJobOutcome struct {
	Kind     string
	Envelope *command.Envelope
}

// CompleteJobInput carries a worker's completion report.
type CompleteJobInput struct {
	JobID      string
	Status     command.JobStatus // completed or failed
	Result     map[string]any
	Error      string
	UserID     string
	Assessment *safety.Assessment
}

// CompleteJobOutcome is the typed result of CompleteJob.
type CompleteJobOutcome struct {
	Kind    string
	Status  command.Status
	Message string
}

// OrchestratorService is the only component allowed to call the store
// with side effects. It is safe for concurrent use; job-claim
// correctness comes from the store's atomic conditional update, not
// from service-level locking.
type OrchestratorService struct {
	store database.Store
	chain *safety.Chain
	sink  audit.Sink
	cfg   *config.Orchestrator
	log   *slog.Logger
}

// NewOrchestratorService creates an OrchestratorService with all
// dependencies injected; there is no hidden process-wide state.
func NewOrchestratorService(store database.Store, chain *safety.Chain, sink audit.Sink, cfg *config.Orchestrator, log *slog.Logger) *OrchestratorService {
	return &OrchestratorService{store: store, chain: chain, sink: sink, cfg: cfg, log: log}
}

// CreateCommand validates, gates, and enqueues a new command. A blocked
// command is never persisted; a needs_hitl decision persists it flagged
// for human review.
func (s *OrchestratorService) CreateCommand(ctx context.Context, req *command.CreateRequest) (*CommandCreationOutcome, error) {
	if err := command.ValidatePayload(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	scheduledFor := now
	if req.ScheduledFor != nil {
		scheduledFor = req.ScheduledFor.UTC()
	}
	worker := req.Worker
	if worker == "" {
		worker = command.Type(req.CommandType).DefaultWorker()
	}

	cmd := &command.Command{
		ID:           uuid.NewString(),
		OrgID:        req.OrgID,
		SessionID:    req.SessionID,
		CommandType:  req.CommandType,
		Payload:      req.Payload,
		Priority:     req.Priority,
		ScheduledFor: scheduledFor,
		Status:       command.StatusQueued,
		Worker:       worker,
		IssuedBy:     req.IssuedBy,
		ConnectorIDs: req.ConnectorIDs,
	}
	job := &command.Job{
		ID:          uuid.NewString(),
		OrgID:       req.OrgID,
		CommandID:   cmd.ID,
		Worker:      worker,
		Status:      command.JobPending,
		ScheduledAt: scheduledFor,
	}

	env := &command.Envelope{Command: *cmd, Job: *job}
	in := &safety.GateInput{
		OrgID:     req.OrgID,
		SessionID: req.SessionID,
		Command:   cmd,
		Job:       job,
	}
	if command.Type(cmd.CommandType) == command.TypeDirectorPlan {
		in.Plan = cmd.Payload
	}

	decision := s.chain.Evaluate(safety.PhasePre, env, in)
	if decision.Action == safety.ActionBlock {
		s.appendAudit(ctx, audit.Record{
			OrgID: req.OrgID, Actor: req.IssuedBy, Event: audit.EventCommandRejected,
			Detail: map[string]any{"command_type": req.CommandType, "reasons": decision.Reasons},
		})
		s.log.Info("command rejected",
			"org_id", req.OrgID, "command_type", req.CommandType, "reasons", decision.Reasons)
		return &CommandCreationOutcome{
			Kind:        OutcomeRejected,
			Reasons:     decision.Reasons,
			Mitigations: decision.Mitigations,
		}, nil
	}

	needsHITL := decision.Action == safety.ActionNeedsHITL
	if needsHITL {
		job.Metadata = map[string]any{"hitl": true}
		if len(decision.Reasons) > 0 {
			job.Metadata["hitl_reasons"] = decision.Reasons
		}
	}

	if err := s.store.EnqueueCommand(ctx, cmd, job); err != nil {
		return nil, fmt.Errorf("enqueue command: %w", err)
	}

	event := audit.EventCommandAccepted
	if needsHITL {
		event = audit.EventCommandHITL
	}
	s.appendAudit(ctx, audit.Record{
		OrgID: req.OrgID, Actor: req.IssuedBy, Event: event,
		CommandID: cmd.ID, JobID: job.ID,
		Detail: map[string]any{"command_type": req.CommandType, "worker": string(worker)},
	})

	s.log.Info("command accepted",
		"org_id", req.OrgID, "command_id", cmd.ID, "command_type", req.CommandType,
		"worker", worker, "hitl", needsHITL)

	return &CommandCreationOutcome{
		Kind: OutcomeAccepted,
		Response: &command.Response{
			CommandID:    cmd.ID,
			JobID:        job.ID,
			SessionID:    cmd.SessionID,
			Status:       cmd.Status,
			ScheduledFor: cmd.ScheduledFor,
		},
		NeedsHITL: needsHITL,
	}, nil
}

// ClaimJob fetches candidate pending jobs for (org, worker) and attempts
// the store's atomic claim on each in priority order. At most one job is
// claimed per call; losing every race returns OutcomeNone and the worker
// backs off. Claims cannot be cancelled; only CompleteJob moves a
// processing job out of that state.
func (s *OrchestratorService) ClaimJob(ctx context.Context, in ClaimJobInput) (*ClaimJobOutcome, error) {
	if !in.Worker.Valid() {
		return nil, fmt.Errorf("%w: unknown worker %q", domain.ErrValidation, in.Worker)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultClaimLimit
	}
	if limit > s.cfg.MaxClaimLimit {
		limit = s.cfg.MaxClaimLimit
	}

	candidates, err := s.store.ListPendingJobs(ctx, in.OrgID, in.Worker, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}

	for i := range candidates {
		cand := &candidates[i]
		claimed, err := s.store.ClaimJob(ctx, cand.Job.ID)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", cand.Job.ID, err)
		}
		if !claimed {
			continue // lost the race to a concurrent worker
		}

		// Dispatch is idempotent across multi-job commands; a conflict
		// means another claim already moved the command forward.
		if err := s.store.UpdateCommandStatus(ctx, cand.Command.ID, command.StatusDispatched, database.CommandPatch{}); err != nil && !domainConflict(err) {
			s.failJobBestEffort(ctx, cand.Job.ID, err)
			return nil, fmt.Errorf("dispatch command %s: %w", cand.Command.ID, err)
		}

		env, err := s.store.GetCommandEnvelope(ctx, cand.Command.ID)
		if err != nil {
			// Never leave a processing job with no recorded error.
			s.failJobBestEffort(ctx, cand.Job.ID, err)
			return nil, fmt.Errorf("load envelope %s: %w", cand.Command.ID, err)
		}

		s.appendAudit(ctx, audit.Record{
			OrgID: in.OrgID, Actor: in.UserID, Event: audit.EventJobClaimed,
			CommandID: cand.Command.ID, JobID: cand.Job.ID,
			Detail: map[string]any{"worker": string(in.Worker), "attempts": env.Job.Attempts},
		})
		return &ClaimJobOutcome{Kind: OutcomeClaimed, Envelope: env}, nil
	}

	return &ClaimJobOutcome{Kind: OutcomeNone}, nil
}

// CompleteJob records a worker's result, re-running the safety chain in
// the post phase when an assessment is attached, and propagates the
// terminal status to the command.
func (s *OrchestratorService) CompleteJob(ctx context.Context, in CompleteJobInput) (*CompleteJobOutcome, error) {
	if in.Status != command.JobCompleted && in.Status != command.JobFailed {
		return nil, fmt.Errorf("%w: status must be completed or failed", domain.ErrValidation)
	}

	job, err := s.store.GetJob(ctx, in.JobID)
	if err != nil {
		if domainNotFound(err) {
			return &CompleteJobOutcome{Kind: OutcomeCommandNotFound}, nil
		}
		return nil, err
	}
	cmd, err := s.store.GetCommand(ctx, job.CommandID)
	if err != nil {
		if domainNotFound(err) {
			return &CompleteJobOutcome{Kind: OutcomeCommandNotFound}, nil
		}
		return nil, err
	}

	// Result schema failures do not fail the job; the worker fixes the
	// payload and resubmits.
	if in.Status == command.JobCompleted {
		if err := command.ValidateResult(cmd.CommandType, in.Result); err != nil {
			return &CompleteJobOutcome{Kind: OutcomeInvalidResult, Message: err.Error()}, nil
		}
	}

	jobStatus := in.Status
	cmdStatus := command.StatusCompleted
	lastError := in.Error
	if jobStatus == command.JobFailed {
		cmdStatus = command.StatusFailed
	}

	if in.Assessment != nil {
		env := &command.Envelope{Command: *cmd, Job: *job}
		decision := s.chain.Evaluate(safety.PhasePost, env, &safety.GateInput{
			OrgID:      cmd.OrgID,
			SessionID:  cmd.SessionID,
			Command:    cmd,
			Job:        job,
			Assessment: in.Assessment,
		})
		if decision.Action == safety.ActionBlock {
			// The command already exists: a post-phase block fails it
			// with the recorded reasons instead of rejecting.
			jobStatus = command.JobFailed
			cmdStatus = command.StatusFailed
			lastError = strings.Join(decision.Reasons, "; ")
		}
	}

	patch := database.JobPatch{LastError: lastError}
	if err := s.store.UpdateJobStatus(ctx, in.JobID, jobStatus, patch); err != nil {
		return nil, fmt.Errorf("update job %s: %w", in.JobID, err)
	}

	cmdPatch := database.CommandPatch{LastError: lastError}
	if cmdStatus == command.StatusCompleted {
		cmdPatch.Result = in.Result
	}
	if err := s.store.UpdateCommandStatus(ctx, job.CommandID, cmdStatus, cmdPatch); err != nil {
		return nil, fmt.Errorf("update command %s: %w", job.CommandID, err)
	}

	event := audit.EventJobCompleted
	if jobStatus == command.JobFailed {
		event = audit.EventJobFailed
	}
	s.appendAudit(ctx, audit.Record{
		OrgID: cmd.OrgID, Actor: in.UserID, Event: event,
		CommandID: cmd.ID, JobID: in.JobID,
		Detail: map[string]any{"status": string(cmdStatus)},
	})

	return &CompleteJobOutcome{Kind: OutcomeCompleted, Status: cmdStatus}, nil
}

// GetCommand returns one command by ID.
func (s *OrchestratorService) GetCommand(ctx context.Context, id string) (*command.Command, error) {
	return s.store.GetCommand(ctx, id)
}

// ListSessionCommands returns the most recent commands for a session.
func (s *OrchestratorService) ListSessionCommands(ctx context.Context, sessionID string, limit int) ([]command.Command, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", domain.ErrValidation)
	}
	if limit <= 0 || limit > s.cfg.SessionListLimit {
		limit = s.cfg.SessionListLimit
	}
	return s.store.ListCommandsForSession(ctx, sessionID, limit)
}

// failJobBestEffort records an error on a just-claimed job so it never
// sits in processing with no recorded cause. Failures here are logged
// and swallowed; the original error is what the caller sees.
func (s *OrchestratorService) failJobBestEffort(ctx context.Context, jobID string, cause error) {
	patch := database.JobPatch{LastError: cause.Error()}
	if err := s.store.UpdateJobStatus(ctx, jobID, command.JobFailed, patch); err != nil {
		s.log.Error("record job failure", "job_id", jobID, "error", err)
	}
}

// appendAudit writes one audit record; sink failures are logged, never
// surfaced to the client.
func (s *OrchestratorService) appendAudit(ctx context.Context, rec audit.Record) {
	if s.sink == nil {
		return
	}
	rec.Timestamp = time.Now().UTC()
	if err := s.sink.Append(ctx, rec); err != nil {
		s.log.Error("audit append failed", "event", rec.Event, "error", err)
	}
}

func domainNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
func domainConflict(err error) bool { return errors.Is(err, domain.ErrConflict) }
