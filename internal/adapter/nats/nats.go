// Package nats implements the audit sink and the shared rate-limit
// counter on NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jurisdesk/jurisdesk/internal/port/audit"
)

const streamName = "JURISDESK_AUDIT"

// Conn bundles the NATS connection and JetStream context.
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the audit stream
// exists.
func Connect(ctx context.Context, url string) (*Conn, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"audit.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Conn{nc: nc, js: js}, nil
}

// Close shuts down the NATS connection.
func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}

// AuditSink appends audit records as JetStream messages on
// audit.<event> subjects.
type AuditSink struct {
	js jetstream.JetStream
}

// NewAuditSink creates an audit sink on the given connection.
func NewAuditSink(c *Conn) *AuditSink {
	return &AuditSink{js: c.js}
}

// Append publishes one audit record. The stream retains the append-only
// history; consumers (transparency reports, regulator digests) read it
// out of band.
func (s *AuditSink) Append(ctx context.Context, rec audit.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	subject := "audit." + rec.Event
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("audit publish %s: %w", subject, err)
	}
	return nil
}
