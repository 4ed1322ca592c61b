package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/finflow/pkg/schema"
)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetInstance", func(t *testing.T) { testCreateAndGetInstance(t, newStore(t)) })
	t.Run("GetInstanceNotFound", func(t *testing.T) { testGetInstanceNotFound(t, newStore(t)) })
	t.Run("UpdateInstanceVersioning", func(t *testing.T) { testUpdateInstanceVersioning(t, newStore(t)) })
	t.Run("UpdateInstanceNotFound", func(t *testing.T) { testUpdateInstanceNotFound(t, newStore(t)) })
	t.Run("SuspensionRoundTrip", func(t *testing.T) { testSuspensionRoundTrip(t, newStore(t)) })
	t.Run("ListInstances", func(t *testing.T) { testListInstances(t, newStore(t)) })
	t.Run("ListSuspendedBefore", func(t *testing.T) { testListSuspendedBefore(t, newStore(t)) })
	t.Run("DeleteInstance", func(t *testing.T) { testDeleteInstance(t, newStore(t)) })
	t.Run("AppendAndGetEvents", func(t *testing.T) { testAppendAndGetEvents(t, newStore(t)) })
	t.Run("Agents", func(t *testing.T) { testAgents(t, newStore(t)) })
	t.Run("MigrateIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Migrate(context.Background()))
	})
}

func seedInstance(t *testing.T, s Store, mutate ...func(*Instance)) *Instance {
	t.Helper()
	inst := &Instance{
		ID:           uuid.New().String(),
		Pipeline:     "investment-approval",
		StateVersion: 1,
		State:        json.RawMessage(`{"symbol":"AAPL","amount":5000}`),
		Status:       schema.InstanceStatusRunning,
	}
	for _, m := range mutate {
		m(inst)
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

func testCreateAndGetInstance(t *testing.T, s Store) {
	ctx := context.Background()
	inst := seedInstance(t, s)
	assert.Equal(t, int64(1), inst.Version)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, "investment-approval", got.Pipeline)
	assert.Equal(t, 1, got.StateVersion)
	assert.Equal(t, 0, got.StageIndex)
	assert.Equal(t, schema.InstanceStatusRunning, got.Status)
	assert.JSONEq(t, `{"symbol":"AAPL","amount":5000}`, string(got.State))
	assert.Nil(t, got.Suspension)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.SuspendedAt)
	assert.False(t, got.CreatedAt.IsZero())
}

func testGetInstanceNotFound(t *testing.T, s Store) {
	_, err := s.GetInstance(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func testUpdateInstanceVersioning(t *testing.T, s Store) {
	ctx := context.Background()
	inst := seedInstance(t, s)

	inst.StageIndex = 2
	inst.State = json.RawMessage(`{"symbol":"AAPL","amount":5000,"riskLevel":"low"}`)
	require.NoError(t, s.UpdateInstance(ctx, inst, 1))
	assert.Equal(t, int64(2), inst.Version)

	// A writer holding the old version loses.
	stale := inst.Clone()
	stale.StageIndex = 3
	err := s.UpdateInstance(ctx, stale, 1)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.StageIndex)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"symbol":"AAPL","amount":5000,"riskLevel":"low"}`, string(got.State))
}

func testUpdateInstanceNotFound(t *testing.T, s Store) {
	inst := &Instance{ID: "ghost", State: json.RawMessage(`{}`), Status: schema.InstanceStatusFailed}
	err := s.UpdateInstance(context.Background(), inst, 1)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func testSuspensionRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	inst := seedInstance(t, s)

	now := time.Now().UTC().Truncate(time.Millisecond)
	inst.Status = schema.InstanceStatusSuspended
	inst.StageIndex = 2
	inst.SuspendedAt = &now
	inst.Suspension = &Suspension{
		Stage:   "request-approval",
		Reason:  "awaiting director approval",
		Payload: json.RawMessage(`{"symbol":"NVDA","amount":500000,"riskLevel":"high"}`),
	}
	require.NoError(t, s.UpdateInstance(ctx, inst, inst.Version))

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusSuspended, got.Status)
	require.NotNil(t, got.Suspension)
	assert.Equal(t, "request-approval", got.Suspension.Stage)
	assert.Equal(t, "awaiting director approval", got.Suspension.Reason)
	assert.JSONEq(t, `{"symbol":"NVDA","amount":500000,"riskLevel":"high"}`, string(got.Suspension.Payload))
	require.NotNil(t, got.SuspendedAt)
	assert.WithinDuration(t, now, *got.SuspendedAt, time.Second)

	// Clearing the suspension clears every column.
	got.Status = schema.InstanceStatusFailed
	got.Suspension = nil
	got.Error = json.RawMessage(`{"code":"TIMEOUT_ERROR","message":"approval timeout"}`)
	require.NoError(t, s.UpdateInstance(ctx, got, got.Version))

	again, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, again.Suspension)
	assert.JSONEq(t, `{"code":"TIMEOUT_ERROR","message":"approval timeout"}`, string(again.Error))
}

func testListInstances(t *testing.T, s Store) {
	ctx := context.Background()
	seedInstance(t, s)
	seedInstance(t, s, func(i *Instance) { i.Status = schema.InstanceStatusCompleted })
	seedInstance(t, s, func(i *Instance) { i.Pipeline = "other" })

	all, err := s.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed, err := s.ListInstances(ctx, InstanceFilter{Status: schema.InstanceStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 1)

	other, err := s.ListInstances(ctx, InstanceFilter{Pipeline: "other"})
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "other", other[0].Pipeline)

	limited, err := s.ListInstances(ctx, InstanceFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testListSuspendedBefore(t *testing.T, s Store) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)
	recent := time.Now().UTC().Add(-time.Minute)

	suspend := func(at time.Time) func(*Instance) {
		return func(i *Instance) {
			i.Status = schema.InstanceStatusSuspended
			i.SuspendedAt = &at
			i.Suspension = &Suspension{Stage: "request-approval", Reason: "x"}
		}
	}
	stale := seedInstance(t, s, suspend(old))
	seedInstance(t, s, suspend(recent))
	seedInstance(t, s)

	cutoff := time.Now().UTC().Add(-time.Hour)
	got, err := s.ListInstances(ctx, InstanceFilter{
		Status:          schema.InstanceStatusSuspended,
		SuspendedBefore: &cutoff,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func testDeleteInstance(t *testing.T, s Store) {
	ctx := context.Background()
	inst := seedInstance(t, s)
	require.NoError(t, s.AppendEvent(ctx, &Event{InstanceID: inst.ID, Type: schema.EventInstanceStarted}))

	require.NoError(t, s.DeleteInstance(ctx, inst.ID))

	_, err := s.GetInstance(ctx, inst.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	err = s.DeleteInstance(ctx, inst.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func testAppendAndGetEvents(t *testing.T, s Store) {
	ctx := context.Background()
	inst := seedInstance(t, s)
	other := seedInstance(t, s)

	types := []string{schema.EventInstanceStarted, schema.EventStageStarted, schema.EventStageCompleted}
	for i, typ := range types {
		e := &Event{
			InstanceID: inst.ID,
			Stage:      "gather-signals",
			Type:       typ,
			Payload:    json.RawMessage(`{"n":1}`),
			AgentID:    "system",
		}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	// Sequences are per instance.
	e := &Event{InstanceID: other.ID, Type: schema.EventInstanceStarted}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)

	events, err := s.GetEvents(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventInstanceStarted, events[0].Type)
	assert.Equal(t, "gather-signals", events[1].Stage)
	assert.Equal(t, "system", events[2].AgentID)
	assert.JSONEq(t, `{"n":1}`, string(events[2].Payload))

	since, err := s.GetEvents(ctx, inst.ID, 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, int64(3), since[0].Sequence)
}

func testAgents(t *testing.T, s Store) {
	ctx := context.Background()

	a := &Agent{
		ID:       "D1",
		Name:     "D1",
		Type:     AgentTypeHuman,
		Metadata: json.RawMessage(`{"tier":"director"}`),
	}
	require.NoError(t, s.RegisterAgent(ctx, a))

	got, err := s.GetAgent(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, AgentTypeHuman, got.Type)
	assert.JSONEq(t, `{"tier":"director"}`, string(got.Metadata))
	assert.Nil(t, got.LastSeenAt)

	require.NoError(t, s.UpdateAgentSeen(ctx, "D1"))
	got, err = s.GetAgent(ctx, "D1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastSeenAt)

	// Re-registering updates in place.
	a.Name = "Director One"
	require.NoError(t, s.RegisterAgent(ctx, a))
	require.NoError(t, s.RegisterAgent(ctx, &Agent{ID: "system", Name: "system", Type: AgentTypeSystem}))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	_, err = s.GetAgent(ctx, "nobody")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(s.UpdateAgentSeen(ctx, "nobody")))
}
