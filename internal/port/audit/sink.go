// Package audit defines the append-only audit sink port.
package audit

import (
	"context"
	"time"
)

// Record is one append-only audit entry. Every admission, claim, and
// completion decision produces one.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	OrgID     string         `json:"org_id"`
	Actor     string         `json:"actor,omitempty"`
	Event     string         `json:"event"`
	CommandID string         `json:"command_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Audit event names.
const (
	EventCommandAccepted = "command.accepted"
	EventCommandRejected = "command.rejected"
	EventCommandHITL     = "command.needs_hitl"
	EventJobClaimed      = "job.claimed"
	EventJobCompleted    = "job.completed"
	EventJobFailed       = "job.failed"
)

// Sink appends records to an external audit log. Implementations must
// be safe for concurrent use; failures are the caller's to log, never
// to surface to the client.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}
