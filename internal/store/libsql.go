package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/finflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database, e.g. "file:/var/lib/finflow/finflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// Single writer: serializes event sequence allocation and version checks.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Instances ---

const instanceColumns = `id, pipeline, state_version, stage_index, state, status,
	suspension_stage, suspension_reason, suspension_payload, error, version,
	created_at, updated_at, suspended_at, completed_at`

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	now := time.Now().UTC()
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = now
	if inst.Version == 0 {
		inst.Version = 1
	}
	stage, reason, payload := suspensionColumns(inst.Suspension)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Pipeline, inst.StateVersion, inst.StageIndex, stateOrEmpty(inst.State), string(inst.Status),
		stage, reason, payload, nullRaw(inst.Error), inst.Version,
		inst.CreatedAt, inst.UpdatedAt, nullTime(inst.SuspendedAt), nullTime(inst.CompletedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create instance %s", inst.ID).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, inst *Instance, expectedVersion int64) error {
	now := time.Now().UTC()
	stage, reason, payload := suspensionColumns(inst.Suspension)

	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET stage_index = ?, state = ?, status = ?,
		   suspension_stage = ?, suspension_reason = ?, suspension_payload = ?, error = ?,
		   version = ?, updated_at = ?, suspended_at = ?, completed_at = ?
		 WHERE id = ? AND version = ?`,
		inst.StageIndex, stateOrEmpty(inst.State), string(inst.Status),
		stage, reason, payload, nullRaw(inst.Error),
		expectedVersion+1, now, nullTime(inst.SuspendedAt), nullTime(inst.CompletedAt),
		inst.ID, expectedVersion,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update instance %s", inst.ID).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = ?`, inst.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("instance", inst.ID)
		}
		return versionConflict(inst.ID, expectedVersion)
	}
	inst.Version = expectedVersion + 1
	inst.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Pipeline != "" {
		conds = append(conds, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.SuspendedBefore != nil {
		conds = append(conds, "suspended_at IS NOT NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	// suspended_before is applied after scanning, so paging happens here too.
	sqlPaging := filter.SuspendedBefore == nil
	if sqlPaging {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.limit(), filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	skipped := 0
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		if !sqlPaging {
			if inst.SuspendedAt == nil || !inst.SuspendedAt.Before(*filter.SuspendedBefore) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			if len(out) >= filter.limit() {
				break
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteInstance(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		state, status            string
		susStage, susReason      sql.NullString
		susPayload, errJSON      sql.NullString
		suspendedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.Pipeline, &inst.StateVersion, &inst.StageIndex, &state, &status,
		&susStage, &susReason, &susPayload, &errJSON, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &suspendedAt, &completedAt); err != nil {
		return nil, err
	}
	inst.State = json.RawMessage(state)
	inst.Status = schema.InstanceStatus(status)
	if susStage.Valid {
		inst.Suspension = &Suspension{
			Stage:   susStage.String,
			Reason:  susReason.String,
			Payload: rawOrNil(susPayload),
		}
	}
	inst.Error = rawOrNil(errJSON)
	if suspendedAt.Valid {
		t := suspendedAt.Time
		inst.SuspendedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	return inst, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, stage, event_type, payload, agent_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.InstanceID, nullStr(event.Stage), event.Type, nullRaw(event.Payload), nullStr(event.AgentID), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, stage, event_type, payload, agent_id, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`, instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stage, payload, agentID sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &stage, &e.Type, &payload, &agentID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Stage = stage.String
		e.Payload = rawOrNil(payload)
		e.AgentID = agentID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Agents ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	agent.CreatedAt = timeOrNow(agent.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, metadata=excluded.metadata`,
		agent.ID, agent.Name, agent.Type, nullRaw(agent.Metadata), agent.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	var metadata sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	a.Metadata = rawOrNil(metadata)
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return a, nil
}

func (s *LibSQLStore) UpdateAgentSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", id)
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		var metadata sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		a.Metadata = rawOrNil(metadata)
		if lastSeen.Valid {
			t := lastSeen.Time
			a.LastSeenAt = &t
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func versionConflict(id string, expected int64) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "instance %q was modified concurrently (expected version %d)", id, expected).
		WithDetails(map[string]any{"instance_id": id, "expected_version": expected})
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func suspensionColumns(s *Suspension) (stage, reason, payload any) {
	if s == nil {
		return nil, nil, nil
	}
	return s.Stage, s.Reason, nullRaw(s.Payload)
}

func stateOrEmpty(r json.RawMessage) string {
	if len(r) == 0 {
		return "{}"
	}
	return string(r)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
