package safety

import (
	"testing"

	"github.com/jurisdesk/jurisdesk/internal/domain/command"
)

func testEnvelope() *command.Envelope {
	return &command.Envelope{
		Command: command.Command{ID: "cmd-1", OrgID: "org-1", CommandType: "domain_task"},
		Job:     command.Job{ID: "job-1", CommandID: "cmd-1"},
	}
}

func allowAll(Phase, *command.Envelope, *Assessment) (*Decision, []string) {
	return nil, nil
}

func blockWith(reason string) Filter {
	return func(Phase, *command.Envelope, *Assessment) (*Decision, []string) {
		return &Decision{Action: ActionBlock, Reasons: []string{reason}}, nil
	}
}

func TestEvaluateEmptyChainAllows(t *testing.T) {
	c := NewChain()
	d := c.Evaluate(PhasePre, testEnvelope(), &GateInput{OrgID: "org-1"})
	if d.Action != ActionAllow {
		t.Fatalf("expected allow, got %s", d.Action)
	}
}

func TestEvaluateFirstDecisiveFilterWins(t *testing.T) {
	c := NewChain()
	c.RegisterFilter("noop", allowAll)
	c.RegisterFilter("first", blockWith("first_reason"))
	c.RegisterFilter("second", blockWith("second_reason"))

	d := c.Evaluate(PhasePre, testEnvelope(), &GateInput{})
	if d.Action != ActionBlock {
		t.Fatalf("expected block, got %s", d.Action)
	}
	if len(d.Reasons) != 1 || d.Reasons[0] != "first_reason" {
		t.Fatalf("expected [first_reason], got %v", d.Reasons)
	}
}

func TestEvaluateMitigationsAccumulate(t *testing.T) {
	c := NewChain()
	c.RegisterFilter("advisory", func(Phase, *command.Envelope, *Assessment) (*Decision, []string) {
		return nil, []string{"redact_pii"}
	})
	c.RegisterFilter("decisive", func(Phase, *command.Envelope, *Assessment) (*Decision, []string) {
		return &Decision{Action: ActionNeedsHITL, Mitigations: []string{"require_review"}}, nil
	})
	c.RegisterFilter("never_reached", func(Phase, *command.Envelope, *Assessment) (*Decision, []string) {
		return nil, []string{"should_not_appear"}
	})

	d := c.Evaluate(PhasePre, testEnvelope(), &GateInput{})
	if d.Action != ActionNeedsHITL {
		t.Fatalf("expected needs_hitl, got %s", d.Action)
	}
	if len(d.Mitigations) != 2 || d.Mitigations[0] != "redact_pii" || d.Mitigations[1] != "require_review" {
		t.Fatalf("expected mitigations up to the decisive filter, got %v", d.Mitigations)
	}
}

func TestEvaluateFilterPanicFailsClosed(t *testing.T) {
	c := NewChain()
	c.RegisterFilter("explodes", func(Phase, *command.Envelope, *Assessment) (*Decision, []string) {
		panic("boom")
	})

	d := c.Evaluate(PhasePre, testEnvelope(), &GateInput{})
	if d.Action != ActionBlock {
		t.Fatalf("expected block, got %s", d.Action)
	}
	if len(d.Reasons) == 0 || d.Reasons[0] != ReasonEvaluationError {
		t.Fatalf("expected %s reason, got %v", ReasonEvaluationError, d.Reasons)
	}
}

func TestEvaluateGatePanicFailsClosed(t *testing.T) {
	c := NewChain()
	c.RegisterGate(StageSafety, "explodes", func(*GateInput) GateResult {
		panic("boom")
	})

	in := &GateInput{Assessment: &Assessment{CommandID: "cmd-1"}}
	d := c.Evaluate(PhasePost, testEnvelope(), in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block, got %s", d.Action)
	}
	if len(d.Reasons) == 0 || d.Reasons[0] != ReasonEvaluationError {
		t.Fatalf("expected %s reason, got %v", ReasonEvaluationError, d.Reasons)
	}
}

func TestEvaluateGateBlocksAfterFilterAllow(t *testing.T) {
	c := NewChain()
	c.RegisterFilter("permissive", func(Phase, *command.Envelope, *Assessment) (*Decision, []string) {
		return &Decision{Action: ActionAllow}, nil
	})
	c.RegisterGate(StageDirectorPlan, "deny", func(*GateInput) GateResult {
		return Block("plan_denied")
	})

	in := &GateInput{Plan: map[string]any{"objective": "x"}}
	d := c.Evaluate(PhasePre, testEnvelope(), in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block from gate, got %s", d.Action)
	}
	if d.Reasons[0] != "plan_denied" {
		t.Fatalf("expected plan_denied, got %v", d.Reasons)
	}
}

func TestEvaluateGatesScopedByStage(t *testing.T) {
	c := NewChain()
	c.RegisterGate(StageSafety, "safety_only", func(*GateInput) GateResult {
		return Block("should_not_fire")
	})

	// No assessment attached: the safety stage does not apply.
	d := c.Evaluate(PhasePre, testEnvelope(), &GateInput{})
	if d.Action != ActionAllow {
		t.Fatalf("expected allow, got %s with %v", d.Action, d.Reasons)
	}
}

// Repeated evaluation of a fixed chain over a fixed envelope must be
// deterministic.
func TestEvaluateDeterministic(t *testing.T) {
	c := NewChain()
	c.RegisterFilter("advisory", func(Phase, *command.Envelope, *Assessment) (*Decision, []string) {
		return nil, []string{"m1"}
	})
	c.RegisterFilter("decisive", blockWith("stop"))

	env := testEnvelope()
	first := c.Evaluate(PhasePre, env, &GateInput{})
	for n := 0; n < 10; n++ {
		d := c.Evaluate(PhasePre, env, &GateInput{})
		if d.Action != first.Action || len(d.Reasons) != len(first.Reasons) || len(d.Mitigations) != len(first.Mitigations) {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", d, first)
		}
	}
}

func TestRiskScoreGate(t *testing.T) {
	g := RiskScoreGate(0.8)

	if res := g(&GateInput{Assessment: &Assessment{RiskScore: 0.5}}); !res.Allow {
		t.Fatalf("expected allow at 0.5, got block: %s", res.Reason)
	}
	if res := g(&GateInput{Assessment: &Assessment{RiskScore: 0.9}}); res.Allow {
		t.Fatal("expected block at 0.9")
	}
	if res := g(&GateInput{}); !res.Allow {
		t.Fatal("expected allow with no assessment")
	}
}

func TestPlanStepLimitGate(t *testing.T) {
	g := PlanStepLimitGate(2)

	small := map[string]any{"steps": []any{"a", "b"}}
	if res := g(&GateInput{Plan: small}); !res.Allow {
		t.Fatalf("expected allow for 2 steps, got %s", res.Reason)
	}
	big := map[string]any{"steps": []any{"a", "b", "c"}}
	if res := g(&GateInput{Plan: big}); res.Allow {
		t.Fatal("expected block for 3 steps")
	}
}
