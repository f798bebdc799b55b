package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jurisdesk/jurisdesk/internal/domain/command"
	"github.com/jurisdesk/jurisdesk/internal/domain/connector"
	"github.com/jurisdesk/jurisdesk/internal/port/cache"
	"github.com/jurisdesk/jurisdesk/internal/port/database"
)

// Capabilities describes what an org can do right now: the command
// types the core accepts and the connectors registered for the org.
type Capabilities struct {
	OrgID        string                `json:"org_id"`
	CommandTypes []CommandTypeInfo     `json:"command_types"`
	Connectors   []connector.Connector `json:"connectors"`
	GeneratedAt  time.Time             `json:"generated_at"`
}

// CommandTypeInfo pairs a command type with its default worker.
type CommandTypeInfo struct {
	Type          string         `json:"type"`
	DefaultWorker command.Worker `json:"default_worker"`
}

// CapabilityService serves org capability snapshots through a short-TTL
// cache and handles connector registration, invalidating the cache on
// writes.
type CapabilityService struct {
	store database.Store
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewCapabilityService creates a CapabilityService.
func NewCapabilityService(store database.Store, c cache.Cache, ttl time.Duration, log *slog.Logger) *CapabilityService {
	return &CapabilityService{store: store, cache: c, ttl: ttl, log: log}
}

func capabilitiesKey(orgID string) string { return "capabilities:" + orgID }

// Capabilities returns the org's capability snapshot, served from cache
// when fresh. Cache errors degrade to a store read.
func (s *CapabilityService) Capabilities(ctx context.Context, orgID string) (*Capabilities, error) {
	key := capabilitiesKey(orgID)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var caps Capabilities
		if err := json.Unmarshal(data, &caps); err == nil {
			return &caps, nil
		}
		// Unreadable entry, drop it and rebuild.
		_ = s.cache.Delete(ctx, key)
	}

	connectors, err := s.store.ListOrgConnectors(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}

	caps := &Capabilities{
		OrgID:        orgID,
		CommandTypes: commandTypeInfos(),
		Connectors:   connectors,
		GeneratedAt:  time.Now().UTC(),
	}

	if data, err := json.Marshal(caps); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			s.log.Warn("capability cache set failed", "org_id", orgID, "error", err)
		}
	}
	return caps, nil
}

// RegisterConnector validates and stores a new connector, then drops the
// org's cached capability snapshot.
func (s *CapabilityService) RegisterConnector(ctx context.Context, req connector.RegisterRequest) (*connector.Connector, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	conn, err := s.store.RegisterConnector(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("register connector: %w", err)
	}
	if err := s.cache.Delete(ctx, capabilitiesKey(req.OrgID)); err != nil {
		s.log.Warn("capability cache invalidation failed", "org_id", req.OrgID, "error", err)
	}
	s.log.Info("connector registered",
		"org_id", req.OrgID, "connector_id", conn.ID, "connector_type", conn.ConnectorType)
	return conn, nil
}

func commandTypeInfos() []CommandTypeInfo {
	types := command.KnownTypes()
	infos := make([]CommandTypeInfo, 0, len(types))
	for _, t := range types {
		infos = append(infos, CommandTypeInfo{Type: string(t), DefaultWorker: t.DefaultWorker()})
	}
	return infos
}
