// Package safety implements the safety & policy pipeline: ordered chains
// of filters (pre/post) and stage-scoped gates that decide whether a
// command may be admitted or its result accepted. The pipeline is
// CPU-bound and performs no I/O.
package safety

import "github.com/jurisdesk/jurisdesk/internal/domain/command"

// Phase identifies when the chain runs relative to worker execution.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Stage scopes a gate to a point in the planning/review flow.
type Stage string

const (
	StageDirectorPlan Stage = "director_plan"
	StageSafety       Stage = "safety"
)

// Action is the verdict of a decision.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionBlock     Action = "block"
	ActionNeedsHITL Action = "needs_hitl"
)

// ReasonEvaluationError marks a filter or gate that panicked; the chain
// fails closed with this reason.
const ReasonEvaluationError = "policy_evaluation_error"

// Decision is the output of the pipeline.
type Decision struct {
	Action      Action         `json:"action"`
	Reasons     []string       `json:"reasons,omitempty"`
	Mitigations []string       `json:"mitigations,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Assessment is the safety worker's structured review of a command's
// result, attached to post-phase evaluations.
type Assessment struct {
	CommandID   string         `json:"command_id"`
	RiskScore   float64        `json:"risk_score"`
	Findings    []string       `json:"findings,omitempty"`
	Mitigations []string       `json:"mitigations,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Filter is an ordered, phase-scoped rule. Returning nil means "no
// opinion"; the chain stops at the first non-nil decision. Filters that
// want to suggest mitigations without deciding return a nil Decision and
// non-empty mitigations.
type Filter func(phase Phase, env *command.Envelope, a *Assessment) (*Decision, []string)

// GateInput is the context handed to stage gates.
type GateInput struct {
	OrgID      string
	SessionID  string
	Command    *command.Command
	Job        *command.Job
	Plan       map[string]any
	Assessment *Assessment
}

// GateResult is a gate's verdict: allow, or block with a reason.
type GateResult struct {
	Allow  bool
	Reason string
}

// Gate is a stage-scoped policy predicate evaluated after filters.
type Gate func(in *GateInput) GateResult

// Allow is the zero-friction gate result.
func Allow() GateResult { return GateResult{Allow: true} }

// Block returns a blocking gate result with the given reason.
func Block(reason string) GateResult { return GateResult{Allow: false, Reason: reason} }
