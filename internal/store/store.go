package store

import (
	"context"
	"fmt"
	"strings"
)

// Store is the Suspension Store: durable instance snapshots, their event
// logs and the agent registry. Implementations must be safe for concurrent use.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// UpdateInstance saves inst only if the stored version equals expectedVersion.
	// A stale version yields a CONFLICT error; on success inst.Version is bumped.
	UpdateInstance(ctx context.Context, inst *Instance, expectedVersion int64) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	DeleteInstance(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)

	// Agents
	RegisterAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgentSeen(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}

// Open picks a backend from the DSN scheme: postgres:// or postgresql:// use
// PostgreSQL, anything else (file:, libsql:, http:) goes to libSQL.
// The returned store is migrated.
func Open(ctx context.Context, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err = NewPostgresStore(ctx, PGConfig{URL: dsn})
	default:
		s, err = NewLibSQLStore(dsn)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}
