package command

import (
	"fmt"
	"regexp"

	"github.com/jurisdesk/jurisdesk/internal/domain"
)

// Known command types. Each type owns its payload schema (and, for
// finance commands, a result schema); validation dispatches on the tag.
const (
	TypeSyncConnector Type = "sync_connector"
	TypeFinance       Type = "finance_command"
	TypeDirectorPlan  Type = "director_plan"
	TypeSafetyReview  Type = "safety_review"
	TypeDomainTask    Type = "domain_task"
)

// Type is a command type tag.
type Type string

// DefaultWorker returns the worker category that executes this type.
func (t Type) DefaultWorker() Worker {
	switch t {
	case TypeSafetyReview:
		return WorkerSafety
	case TypeSyncConnector, TypeDomainTask, TypeFinance:
		return WorkerDomain
	default:
		return WorkerDirector
	}
}

// Known reports whether t is a registered command type.
func (t Type) Known() bool {
	switch t {
	case TypeSyncConnector, TypeFinance, TypeDirectorPlan, TypeSafetyReview, TypeDomainTask:
		return true
	}
	return false
}

// KnownTypes returns all registered command types in a stable order.
func KnownTypes() []Type {
	return []Type{TypeSyncConnector, TypeFinance, TypeDirectorPlan, TypeSafetyReview, TypeDomainTask}
}

var financePeriodRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// financeOperations are the admitted finance payload operations.
var financeOperations = map[string]bool{
	"reconcile":       true,
	"classify":        true,
	"audit_trail":     true,
	"expense_report":  true,
	"billing_summary": true,
}

// payloadError builds the typed invalid_<type>_payload validation error.
func payloadError(t Type, detail string) error {
	return fmt.Errorf("%w: invalid_%s_payload: %s", domain.ErrValidation, t, detail)
}

// ValidatePayload checks req.Payload against the schema owned by the
// command type. This is local validation: it runs before the safety
// chain and its failures never reach the pipeline.
func ValidatePayload(req *CreateRequest) error {
	t := Type(req.CommandType)
	if !t.Known() {
		return fmt.Errorf("%w: unknown command type %q", domain.ErrValidation, req.CommandType)
	}

	switch t {
	case TypeSyncConnector:
		if s, _ := req.Payload["connector_id"].(string); s == "" {
			return payloadError(t, "connector_id is required")
		}
	case TypeFinance:
		op, _ := req.Payload["operation"].(string)
		if !financeOperations[op] {
			return payloadError(t, fmt.Sprintf("unknown operation %q", op))
		}
		if s, _ := req.Payload["ledger"].(string); s == "" {
			return payloadError(t, "ledger is required")
		}
		period, _ := req.Payload["period"].(string)
		if !financePeriodRe.MatchString(period) {
			return payloadError(t, "period must be YYYY-MM")
		}
	case TypeDirectorPlan:
		if s, _ := req.Payload["objective"].(string); s == "" {
			return payloadError(t, "objective is required")
		}
	case TypeSafetyReview:
		if s, _ := req.Payload["target_command_id"].(string); s == "" {
			return payloadError(t, "target_command_id is required")
		}
	case TypeDomainTask:
		if s, _ := req.Payload["task"].(string); s == "" {
			return payloadError(t, "task is required")
		}
	}

	if req.Worker != "" && !req.Worker.Valid() {
		return fmt.Errorf("%w: unknown worker %q", domain.ErrValidation, req.Worker)
	}
	return nil
}

// ValidateResult checks a completion result against the command type's
// result schema. Only finance commands carry a structured result
// contract today; other types accept any result map.
func ValidateResult(commandType string, result map[string]any) error {
	if Type(commandType) != TypeFinance {
		return nil
	}
	if result == nil {
		return fmt.Errorf("%w: invalid_finance_result: result is required", domain.ErrValidation)
	}
	if s, _ := result["summary"].(string); s == "" {
		return fmt.Errorf("%w: invalid_finance_result: summary is required", domain.ErrValidation)
	}
	entries, ok := result["entries"].([]any)
	if !ok {
		return fmt.Errorf("%w: invalid_finance_result: entries must be a list", domain.ErrValidation)
	}
	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: invalid_finance_result: entries[%d] must be an object", domain.ErrValidation, i)
		}
		if s, _ := m["account"].(string); s == "" {
			return fmt.Errorf("%w: invalid_finance_result: entries[%d].account is required", domain.ErrValidation, i)
		}
		if _, ok := m["amount"].(float64); !ok {
			return fmt.Errorf("%w: invalid_finance_result: entries[%d].amount must be a number", domain.ErrValidation, i)
		}
	}
	return nil
}
