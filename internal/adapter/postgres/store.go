package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jurisdesk/jurisdesk/internal/domain"
	"github.com/jurisdesk/jurisdesk/internal/domain/access"
	"github.com/jurisdesk/jurisdesk/internal/domain/command"
	"github.com/jurisdesk/jurisdesk/internal/domain/connector"
	"github.com/jurisdesk/jurisdesk/internal/port/database"
)

const commandColumns = `id, org_id, session_id, command_type, payload, priority, scheduled_for,
	 status, worker, issued_by, connector_ids, result, last_error, created_at, updated_at`

const jobColumns = `id, org_id, command_id, worker, domain_agent, status, attempts,
	 scheduled_at, started_at, completed_at, failed_at, last_error, metadata`

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Commands & jobs ---

// EnqueueCommand inserts a command and its initial job in one transaction.
func (s *Store) EnqueueCommand(ctx context.Context, cmd *command.Command, job *command.Job) error {
	payloadJSON, err := json.Marshal(orEmpty(cmd.Payload))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadataJSON, err := json.Marshal(orEmpty(job.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO commands (id, org_id, session_id, command_type, payload, priority, scheduled_for, status, worker, issued_by, connector_ids)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		cmd.ID, cmd.OrgID, cmd.SessionID, cmd.CommandType, payloadJSON, cmd.Priority,
		cmd.ScheduledFor, string(cmd.Status), string(cmd.Worker), cmd.IssuedBy, connectorIDs(cmd)).
		Scan(&cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, org_id, command_id, worker, domain_agent, status, scheduled_at, metadata)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`,
		job.ID, job.OrgID, job.CommandID, string(job.Worker), job.DomainAgent,
		string(job.Status), job.ScheduledAt, metadataJSON)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (*command.Command, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = $1`, id)

	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get command %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get command %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*command.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get job %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

// GetCommandEnvelope joins the command, its job, and the connector
// context a worker needs to execute it.
func (s *Store) GetCommandEnvelope(ctx context.Context, commandID string) (*command.Envelope, error) {
	cmd, err := s.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE command_id = $1 ORDER BY scheduled_at ASC LIMIT 1`,
		commandID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("envelope for command %s: job: %w", commandID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("envelope for command %s: %w", commandID, err)
	}

	env := &command.Envelope{Command: *cmd, Job: job}

	deps := connectorIDs(cmd)
	if len(deps) > 0 {
		conns, err := s.GetConnectors(ctx, cmd.OrgID, deps)
		if err != nil {
			return nil, fmt.Errorf("envelope for command %s: connectors: %w", commandID, err)
		}
		for _, c := range conns {
			env.Connectors = append(env.Connectors, command.ConnectorRef{
				ID:            c.ID,
				ConnectorType: c.ConnectorType,
				Name:          c.Name,
				Status:        string(c.Status),
				Config:        c.Config,
			})
		}
	}
	return env, nil
}

// ListPendingJobs returns claimable (command, job) pairs for the org and
// worker, ordered by command priority desc then scheduled_at asc. Jobs
// scheduled in the future are excluded.
func (s *Store) ListPendingJobs(ctx context.Context, orgID string, worker command.Worker, limit int) ([]command.Envelope, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixColumns("c", commandColumns)+`, `+prefixColumns("j", jobColumns)+`
		 FROM jobs j
		 JOIN commands c ON c.id = j.command_id
		 WHERE j.org_id = $1 AND j.worker = $2 AND j.status = 'pending' AND j.scheduled_at <= now()
		 ORDER BY c.priority DESC, j.scheduled_at ASC
		 LIMIT $3`,
		orgID, string(worker), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var envs []command.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// ClaimJob performs the atomic conditional transition pending ->
// processing. Returns false when the job is not currently pending, which
// is how a concurrent claimer loses the race. This is the only code path
// that may move a job into processing.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'processing', attempts = attempts + 1, started_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		jobID)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateJobStatus writes a monotonic job status transition. Terminal
// states are only reachable from processing; attempting anything else
// returns ErrConflict.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status command.JobStatus, patch database.JobPatch) error {
	var allowedFrom []string
	switch status {
	case command.JobCompleted, command.JobFailed:
		allowedFrom = []string{string(command.JobProcessing)}
	default:
		return fmt.Errorf("update job %s: transition to %s not permitted: %w", jobID, status, domain.ErrConflict)
	}

	metadataJSON, err := marshalOrNil(patch.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = $2,
		     last_error = COALESCE(NULLIF($3, ''), last_error),
		     metadata = COALESCE($4, metadata),
		     completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END,
		     failed_at = CASE WHEN $2 = 'failed' THEN now() ELSE failed_at END
		 WHERE id = $1 AND status = ANY($5)`,
		jobID, string(status), patch.LastError, metadataJSON, allowedFrom)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s to %s: %w", jobID, status, domain.ErrConflict)
	}
	return nil
}

// UpdateCommandStatus writes a monotonic command status transition:
// queued -> dispatched -> {completed|failed}; failed is also reachable
// from queued (post-phase block before dispatch completes).
func (s *Store) UpdateCommandStatus(ctx context.Context, commandID string, status command.Status, patch database.CommandPatch) error {
	var allowedFrom []string
	switch status {
	case command.StatusDispatched:
		allowedFrom = []string{string(command.StatusQueued)}
	case command.StatusCompleted:
		allowedFrom = []string{string(command.StatusDispatched)}
	case command.StatusFailed:
		allowedFrom = []string{string(command.StatusQueued), string(command.StatusDispatched)}
	default:
		return fmt.Errorf("update command %s: transition to %s not permitted: %w", commandID, status, domain.ErrConflict)
	}

	resultJSON, err := marshalOrNil(patch.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE commands
		 SET status = $2,
		     result = COALESCE($3, result),
		     last_error = COALESCE(NULLIF($4, ''), last_error),
		     updated_at = now()
		 WHERE id = $1 AND status = ANY($5)`,
		commandID, string(status), resultJSON, patch.LastError, allowedFrom)
	if err != nil {
		return fmt.Errorf("update command %s: %w", commandID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update command %s to %s: %w", commandID, status, domain.ErrConflict)
	}
	return nil
}

func (s *Store) ListCommandsForSession(ctx context.Context, sessionID string, limit int) ([]command.Command, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session commands: %w", err)
	}
	defer rows.Close()

	var cmds []command.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// --- Connectors ---

func (s *Store) ListOrgConnectors(ctx context.Context, orgID string) ([]connector.Connector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, connector_type, name, status, config, metadata, created_by, created_at, updated_at
		 FROM org_connectors WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()
	return collectConnectors(rows)
}

func (s *Store) GetConnectors(ctx context.Context, orgID string, ids []string) ([]connector.Connector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, connector_type, name, status, config, metadata, created_by, created_at, updated_at
		 FROM org_connectors WHERE org_id = $1 AND id = ANY($2)`, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("get connectors: %w", err)
	}
	defer rows.Close()
	return collectConnectors(rows)
}

func (s *Store) RegisterConnector(ctx context.Context, req connector.RegisterRequest) (*connector.Connector, error) {
	configJSON, err := json.Marshal(orEmpty(req.Config))
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	metadataJSON, err := json.Marshal(orEmpty(req.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO org_connectors (id, org_id, connector_type, name, config, metadata, created_by)
		 VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		 RETURNING id, org_id, connector_type, name, status, config, metadata, created_by, created_at, updated_at`,
		req.OrgID, req.ConnectorType, req.Name, configJSON, metadataJSON, req.CreatedBy)

	c, err := scanConnector(row)
	if err != nil {
		return nil, fmt.Errorf("register connector: %w", err)
	}
	return &c, nil
}

// --- Access policy ---

// GetAccessContext builds the per-request access context from the org's
// stored policy and the caller's acknowledgement records. It is read
// fresh on every call; callers must not cache the result.
func (s *Store) GetAccessContext(ctx context.Context, orgID, userID string) (*access.Context, error) {
	ac := &access.Context{OrgID: orgID, UserID: userID}

	var consentType, consentVersion, consentURL, coeVersion, coeURL, residency *string
	err := s.pool.QueryRow(ctx,
		`SELECT confidential_mode, mfa_required, ip_allowlist_enforced, ip_allowlist_cidrs,
		        consent_type, consent_version, consent_document_url, coe_version, coe_document_url, residency_zone
		 FROM org_access_policies WHERE org_id = $1`, orgID).
		Scan(&ac.Policy.ConfidentialMode, &ac.Policy.MFARequired, &ac.Policy.IPAllowlistEnforced,
			&ac.IPAllowlistCIDRs, &consentType, &consentVersion, &consentURL, &coeVersion, &coeURL, &residency)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get access policy %s: %w", orgID, err)
	}
	if consentVersion != nil {
		ac.Policy.ConsentRequirement = &access.VersionRequirement{
			Type:        deref(consentType),
			Version:     *consentVersion,
			DocumentURL: deref(consentURL),
		}
	}
	if coeVersion != nil {
		ac.Policy.CoERequirement = &access.VersionRequirement{
			Version:     *coeVersion,
			DocumentURL: deref(coeURL),
		}
	}
	ac.Policy.ResidencyZone = deref(residency)

	err = s.pool.QueryRow(ctx,
		`SELECT role FROM org_members WHERE org_id = $1 AND user_id = $2`, orgID, userID).
		Scan(&ac.Role)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get org member %s/%s: %w", orgID, userID, err)
	}

	ac.ConsentAcceptedVer, err = s.latestAcknowledgement(ctx, orgID, userID, "consent")
	if err != nil {
		return nil, err
	}
	ac.CoEAcknowledgedVer, err = s.latestAcknowledgement(ctx, orgID, userID, "coe_disclosure")
	if err != nil {
		return nil, err
	}

	return ac, nil
}

func (s *Store) latestAcknowledgement(ctx context.Context, orgID, userID, kind string) (string, error) {
	var version string
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM org_acknowledgements
		 WHERE org_id = $1 AND user_id = $2 AND kind = $3
		 ORDER BY acknowledged_at DESC LIMIT 1`,
		orgID, userID, kind).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get %s acknowledgement %s/%s: %w", kind, orgID, userID, err)
	}
	return version, nil
}
