// Package command defines the domain model for JurisDesk's orchestration
// core: commands issued against an organization and the jobs derived from
// them for typed workers.
package command

import "time"

// Status is the lifecycle state of a Command.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	// StatusRejected is terminal and only reachable pre-persistence: a
	// command blocked by the pre-phase safety chain is never stored.
	StatusRejected Status = "rejected"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// CanTransitionTo enforces the monotonic status machine:
// queued -> dispatched -> {completed|failed}.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusDispatched || next == StatusFailed
	case StatusDispatched:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Worker is a claimant category for jobs.
type Worker string

const (
	WorkerDirector Worker = "director"
	WorkerSafety   Worker = "safety"
	WorkerDomain   Worker = "domain"
)

// Valid reports whether w is a known worker type.
func (w Worker) Valid() bool {
	switch w {
	case WorkerDirector, WorkerSafety, WorkerDomain:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Command is a unit of intent issued against an org. Commands are never
// deleted; terminal states close the audit trail.
type Command struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	SessionID    string         `json:"session_id,omitempty"`
	CommandType  string         `json:"command_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     int            `json:"priority"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	Status       Status         `json:"status"`
	Worker       Worker         `json:"worker"` // immutable after creation
	IssuedBy     string         `json:"issued_by"`
	ConnectorIDs []string       `json:"connector_dependencies,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Job is the dispatchable unit derived from a Command for a specific
// worker. At most one active claim exists per job at any instant; the
// store's atomic conditional update is the only path to processing.
type Job struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"org_id"`
	CommandID   string         `json:"command_id"`
	Worker      Worker         `json:"worker"`
	DomainAgent string         `json:"domain_agent,omitempty"`
	Status      JobStatus      `json:"status"`
	Attempts    int            `json:"attempts"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	FailedAt    *time.Time     `json:"failed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CreateRequest is the input to command admission.
type CreateRequest struct {
	OrgID        string         `json:"org_id"`
	SessionID    string         `json:"session_id,omitempty"`
	CommandType  string         `json:"command_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Worker       Worker         `json:"worker,omitempty"`
	IssuedBy     string         `json:"issued_by"`
	ConnectorIDs []string       `json:"connector_dependencies,omitempty"`
}

// Response is returned to the caller on successful admission.
type Response struct {
	CommandID    string    `json:"command_id"`
	JobID        string    `json:"job_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Status       Status    `json:"status"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// ConnectorRef is the connector context a worker needs to execute.
type ConnectorRef struct {
	ID            string         `json:"id"`
	ConnectorType string         `json:"connector_type"`
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	Config        map[string]any `json:"config,omitempty"`
}

// Envelope is the bundled view of a Command, its Job, and connector
// context, joined by the store for worker execution.
type Envelope struct {
	Command    Command        `json:"command"`
	Job        Job            `json:"job"`
	Connectors []ConnectorRef `json:"connectors,omitempty"`
}
