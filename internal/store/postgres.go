package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/finflow/pkg/schema"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL      string `json:"url"`
	MaxConns int32  `json:"max_conns"`
	MinConns int32  `json:"min_conns"`
}

// PostgresStore implements Store on a pgx connection pool. Use it when
// several finflow processes share one Suspension Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, cfg PGConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool returns the underlying pgxpool.Pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return runPGMigrations(ctx, s.pool)
}

// --- Instances ---

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *Instance) error {
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = time.Now().UTC()
	if inst.Version == 0 {
		inst.Version = 1
	}
	stage, reason, payload := pgSuspension(inst.Suspension)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		inst.ID, inst.Pipeline, inst.StateVersion, inst.StageIndex, []byte(stateOrEmpty(inst.State)), string(inst.Status),
		stage, reason, payload, pgJSON(inst.Error), inst.Version,
		inst.CreatedAt, inst.UpdatedAt, inst.SuspendedAt, inst.CompletedAt)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create instance %s", inst.ID).WithCause(err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	inst, err := scanPGInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *Instance, expectedVersion int64) error {
	now := time.Now().UTC()
	stage, reason, payload := pgSuspension(inst.Suspension)

	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET stage_index=$1, state=$2, status=$3,
			suspension_stage=$4, suspension_reason=$5, suspension_payload=$6, error=$7,
			version=$8, updated_at=$9, suspended_at=$10, completed_at=$11
		WHERE id=$12 AND version=$13`,
		inst.StageIndex, []byte(stateOrEmpty(inst.State)), string(inst.Status),
		stage, reason, payload, pgJSON(inst.Error),
		expectedVersion+1, now, inst.SuspendedAt, inst.CompletedAt,
		inst.ID, expectedVersion)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update instance %s", inst.ID).WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM instances WHERE id = $1`, inst.ID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return storeNotFound("instance", inst.ID)
		}
		return versionConflict(inst.ID, expectedVersion)
	}
	inst.Version = expectedVersion + 1
	inst.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var conds []string
	args := []any{}
	idx := 1

	if f.Status != "" {
		conds = append(conds, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	if f.Pipeline != "" {
		conds = append(conds, fmt.Sprintf("pipeline = $%d", idx))
		args = append(args, f.Pipeline)
		idx++
	}
	if f.SuspendedBefore != nil {
		conds = append(conds, fmt.Sprintf("suspended_at < $%d", idx))
		args = append(args, *f.SuspendedBefore)
		idx++
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, f.limit(), f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanPGInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("instance", id)
	}
	return nil
}

func scanPGInstance(row pgx.Row) (*Instance, error) {
	inst := &Instance{}
	var (
		state, susPayload, errJSON []byte
		status                     string
		susStage, susReason        *string
	)
	if err := row.Scan(&inst.ID, &inst.Pipeline, &inst.StateVersion, &inst.StageIndex, &state, &status,
		&susStage, &susReason, &susPayload, &errJSON, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.SuspendedAt, &inst.CompletedAt); err != nil {
		return nil, err
	}
	inst.State = json.RawMessage(state)
	inst.Status = schema.InstanceStatus(status)
	if susStage != nil {
		sus := &Suspension{Stage: *susStage, Payload: rawBytes(susPayload)}
		if susReason != nil {
			sus.Reason = *susReason
		}
		inst.Suspension = sus
	}
	inst.Error = rawBytes(errJSON)
	return inst, nil
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock on the instance serializes sequence allocation across processes.
	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM instances WHERE id = $1 FOR UPDATE`, event.InstanceID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return storeNotFound("instance", event.InstanceID)
	}
	if err != nil {
		return fmt.Errorf("lock instance: %w", err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = $1`, event.InstanceID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	if err := tx.QueryRow(ctx, `
		INSERT INTO events (instance_id, stage, event_type, payload, agent_id, timestamp, sequence)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		event.InstanceID, nullStr(event.Stage), event.Type, pgJSON(event.Payload), nullStr(event.AgentID), event.Timestamp, seq,
	).Scan(&event.ID); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, stage, event_type, payload, agent_id, timestamp, sequence
		FROM events WHERE instance_id = $1 AND sequence > $2 ORDER BY sequence ASC`, instanceID, since)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stage, agentID *string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.InstanceID, &stage, &e.Type, &payload, &agentID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if stage != nil {
			e.Stage = *stage
		}
		if agentID != nil {
			e.AgentID = *agentID
		}
		e.Payload = rawBytes(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Agents ---

func (s *PostgresStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	agent.CreatedAt = timeOrNow(agent.CreatedAt)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, type, metadata, created_at) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, type=EXCLUDED.type, metadata=EXCLUDED.metadata`,
		agent.ID, agent.Name, agent.Type, pgJSON(agent.Metadata), agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	var metadata []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &a.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Metadata = rawBytes(metadata)
	return a, nil
}

func (s *PostgresStore) UpdateAgentSeen(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET last_seen_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update agent seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("agent", id)
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &a.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Metadata = rawBytes(metadata)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func pgJSON(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return []byte(r)
}

func pgSuspension(s *Suspension) (stage, reason, payload any) {
	if s == nil {
		return nil, nil, nil
	}
	return s.Stage, s.Reason, pgJSON(s.Payload)
}

func rawBytes(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

var _ Store = (*PostgresStore)(nil)
