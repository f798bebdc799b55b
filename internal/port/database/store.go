// Package database defines the command/job store port (interface).
package database

import (
	"context"

	"github.com/jurisdesk/jurisdesk/internal/domain/access"
	"github.com/jurisdesk/jurisdesk/internal/domain/command"
	"github.com/jurisdesk/jurisdesk/internal/domain/connector"
)

// JobPatch carries optional fields written alongside a job status change.
type JobPatch struct {
	LastError string
	Metadata  map[string]any
}

// CommandPatch carries optional fields written alongside a command
// status change.
type CommandPatch struct {
	Result    map[string]any
	LastError string
}

// Store is the port interface for command/job/connector persistence.
// ClaimJob is the single correctness-critical primitive: it must be an
// atomic conditional transition pending -> processing, and no other
// code path may perform that transition.
type Store interface {
	// Commands & jobs
	EnqueueCommand(ctx context.Context, cmd *command.Command, job *command.Job) error
	GetCommand(ctx context.Context, id string) (*command.Command, error)
	GetJob(ctx context.Context, id string) (*command.Job, error)
	GetCommandEnvelope(ctx context.Context, commandID string) (*command.Envelope, error)
	ListPendingJobs(ctx context.Context, orgID string, worker command.Worker, limit int) ([]command.Envelope, error)
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	UpdateJobStatus(ctx context.Context, jobID string, status command.JobStatus, patch JobPatch) error
	UpdateCommandStatus(ctx context.Context, commandID string, status command.Status, patch CommandPatch) error
	ListCommandsForSession(ctx context.Context, sessionID string, limit int) ([]command.Command, error)

	// Connectors
	ListOrgConnectors(ctx context.Context, orgID string) ([]connector.Connector, error)
	GetConnectors(ctx context.Context, orgID string, ids []string) ([]connector.Connector, error)
	RegisterConnector(ctx context.Context, req connector.RegisterRequest) (*connector.Connector, error)

	// Access policy
	GetAccessContext(ctx context.Context, orgID, userID string) (*access.Context, error)
}
