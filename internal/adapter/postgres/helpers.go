package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jurisdesk/jurisdesk/internal/domain/command"
	"github.com/jurisdesk/jurisdesk/internal/domain/connector"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// connectorIDs returns the command's connector dependencies as a non-nil
// slice (text[] columns are NOT NULL).
func connectorIDs(cmd *command.Command) []string {
	if cmd.ConnectorIDs == nil {
		return []string{}
	}
	return cmd.ConnectorIDs
}

// orEmpty ensures a nil map serializes as {} instead of SQL NULL.
func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// marshalOrNil marshals m, or returns nil (SQL NULL) when m is nil so
// COALESCE keeps the existing column value.
func marshalOrNil(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// deref returns the pointed-to string or "".
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// prefixColumns rewrites a column list with a table alias prefix.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanCommand(row scannable) (command.Command, error) {
	var c command.Command
	var sessionID, lastError *string
	var payloadJSON, resultJSON []byte
	err := row.Scan(
		&c.ID, &c.OrgID, &sessionID, &c.CommandType, &payloadJSON, &c.Priority, &c.ScheduledFor,
		&c.Status, &c.Worker, &c.IssuedBy, &c.ConnectorIDs, &resultJSON, &lastError,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.SessionID = deref(sessionID)
	c.LastError = deref(lastError)
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &c.Payload); err != nil {
			return c, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &c.Result); err != nil {
			return c, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return c, nil
}

func scanJob(row scannable) (command.Job, error) {
	var j command.Job
	var domainAgent, lastError *string
	var metadataJSON []byte
	err := row.Scan(
		&j.ID, &j.OrgID, &j.CommandID, &j.Worker, &domainAgent, &j.Status, &j.Attempts,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.FailedAt, &lastError, &metadataJSON,
	)
	if err != nil {
		return j, err
	}
	j.DomainAgent = deref(domainAgent)
	j.LastError = deref(lastError)
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &j.Metadata); err != nil {
			return j, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return j, nil
}

func scanEnvelope(row scannable) (command.Envelope, error) {
	var env command.Envelope
	c := &env.Command
	j := &env.Job
	var sessionID, cmdLastError, domainAgent, jobLastError *string
	var payloadJSON, resultJSON, metadataJSON []byte
	err := row.Scan(
		&c.ID, &c.OrgID, &sessionID, &c.CommandType, &payloadJSON, &c.Priority, &c.ScheduledFor,
		&c.Status, &c.Worker, &c.IssuedBy, &c.ConnectorIDs, &resultJSON, &cmdLastError,
		&c.CreatedAt, &c.UpdatedAt,
		&j.ID, &j.OrgID, &j.CommandID, &j.Worker, &domainAgent, &j.Status, &j.Attempts,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.FailedAt, &jobLastError, &metadataJSON,
	)
	if err != nil {
		return env, fmt.Errorf("scan envelope: %w", err)
	}
	c.SessionID = deref(sessionID)
	c.LastError = deref(cmdLastError)
	j.DomainAgent = deref(domainAgent)
	j.LastError = deref(jobLastError)
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &c.Payload); err != nil {
			return env, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &c.Result); err != nil {
			return env, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &j.Metadata); err != nil {
			return env, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return env, nil
}

func scanConnector(row scannable) (connector.Connector, error) {
	var c connector.Connector
	var configJSON, metadataJSON []byte
	err := row.Scan(
		&c.ID, &c.OrgID, &c.ConnectorType, &c.Name, &c.Status, &configJSON, &metadataJSON,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &c.Config); err != nil {
			return c, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return c, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return c, nil
}

func collectConnectors(rows pgx.Rows) ([]connector.Connector, error) {
	var conns []connector.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}
