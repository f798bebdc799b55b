// Package connector defines registered org integration endpoints
// (ERP links, document stores) that commands may depend on.
package connector

import (
	"fmt"
	"time"

	"github.com/jurisdesk/jurisdesk/internal/domain"
)

// Status of a registered connector.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// Connector is an org-owned integration endpoint. Connectors are
// referenced by commands via connector dependencies but never
// cascading-deleted by command lifecycle.
type Connector struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"org_id"`
	ConnectorType string         `json:"connector_type"`
	Name          string         `json:"name"`
	Status        Status         `json:"status"`
	Config        map[string]any `json:"config,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RegisterRequest is the input to connector registration.
type RegisterRequest struct {
	OrgID         string         `json:"org_id"`
	ConnectorType string         `json:"connector_type"`
	Name          string         `json:"name"`
	Config        map[string]any `json:"config,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedBy     string         `json:"created_by"`
}

// Validate checks required registration fields.
func (r *RegisterRequest) Validate() error {
	if r.OrgID == "" {
		return fmt.Errorf("%w: org_id is required", domain.ErrValidation)
	}
	if r.ConnectorType == "" {
		return fmt.Errorf("%w: connector_type is required", domain.ErrValidation)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if len(r.Name) > 128 {
		return fmt.Errorf("%w: name too long (max 128 chars)", domain.ErrValidation)
	}
	return nil
}
