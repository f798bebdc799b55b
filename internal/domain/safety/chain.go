package safety

import (
	"fmt"

	"github.com/jurisdesk/jurisdesk/internal/domain/command"
)

// Chain holds filters in registration order plus stage-scoped gates.
// Evaluation order is the registration order and is deterministic; the
// chain is immutable after construction and safe for concurrent use.
type Chain struct {
	filters []namedFilter
	gates   map[Stage][]namedGate
}

type namedFilter struct {
	name string
	fn   Filter
}

type namedGate struct {
	name string
	fn   Gate
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{gates: make(map[Stage][]namedGate)}
}

// RegisterFilter appends a filter to the chain. Not safe to call once
// the chain is in use.
func (c *Chain) RegisterFilter(name string, f Filter) {
	c.filters = append(c.filters, namedFilter{name: name, fn: f})
}

// RegisterGate appends a gate for the given stage.
func (c *Chain) RegisterGate(stage Stage, name string, g Gate) {
	c.gates[stage] = append(c.gates[stage], namedGate{name: name, fn: g})
}

// Evaluate folds the filter list, stopping at the first non-nil
// decision, then runs the gates for the applicable stages. Any blocking
// gate aborts regardless of filter outcome. Mitigations accumulate from
// every filter consulted up to and including the decisive one. A filter
// or gate that panics yields a block with reason
// "policy_evaluation_error" (fail-closed).
func (c *Chain) Evaluate(phase Phase, env *command.Envelope, in *GateInput) Decision {
	var mitigations []string
	decision := Decision{Action: ActionAllow}

	for _, f := range c.filters {
		d, extra, err := runFilter(f, phase, env, in.Assessment)
		if err != nil {
			return Decision{
				Action:      ActionBlock,
				Reasons:     []string{ReasonEvaluationError, err.Error()},
				Mitigations: mitigations,
			}
		}
		mitigations = append(mitigations, extra...)
		if d != nil {
			decision = *d
			mitigations = append(mitigations, d.Mitigations...)
			break
		}
	}
	decision.Mitigations = mitigations

	if decision.Action == ActionBlock {
		return decision
	}

	for _, stage := range stagesFor(in) {
		for _, g := range c.gates[stage] {
			res, err := runGate(g, in)
			if err != nil {
				return Decision{
					Action:      ActionBlock,
					Reasons:     []string{ReasonEvaluationError, err.Error()},
					Mitigations: mitigations,
				}
			}
			if !res.Allow {
				return Decision{
					Action:      ActionBlock,
					Reasons:     []string{res.Reason},
					Mitigations: mitigations,
				}
			}
		}
	}

	return decision
}

// stagesFor selects which gate stages apply: director_plan gates run
// when a plan is attached, safety gates when an assessment is attached.
func stagesFor(in *GateInput) []Stage {
	var stages []Stage
	if in.Plan != nil {
		stages = append(stages, StageDirectorPlan)
	}
	if in.Assessment != nil {
		stages = append(stages, StageSafety)
	}
	return stages
}

// runFilter invokes a filter, converting a panic into an error.
func runFilter(f namedFilter, phase Phase, env *command.Envelope, a *Assessment) (d *Decision, mitigations []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, mitigations = nil, nil
			err = fmt.Errorf("filter %s: %v", f.name, r)
		}
	}()
	d, mitigations = f.fn(phase, env, a)
	return d, mitigations, nil
}

// runGate invokes a gate, converting a panic into an error.
func runGate(g namedGate, in *GateInput) (res GateResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = GateResult{}
			err = fmt.Errorf("gate %s: %v", g.name, r)
		}
	}()
	return g.fn(in), nil
}
