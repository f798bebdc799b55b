package safety

// RiskScoreGate blocks results whose assessment risk score meets or
// exceeds max. Registered for StageSafety.
func RiskScoreGate(max float64) Gate {
	return func(in *GateInput) GateResult {
		if in.Assessment != nil && in.Assessment.RiskScore >= max {
			return Block("risk_score_exceeded")
		}
		return Allow()
	}
}

// PlanStepLimitGate blocks director plans with more than max steps.
// Registered for StageDirectorPlan.
func PlanStepLimitGate(max int) Gate {
	return func(in *GateInput) GateResult {
		steps, _ := in.Plan["steps"].([]any)
		if len(steps) > max {
			return Block("plan_too_large")
		}
		return Allow()
	}
}
