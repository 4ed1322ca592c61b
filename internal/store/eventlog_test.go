package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/finflow/pkg/schema"
)

func TestReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	base := time.Now().UTC()
	appendAt := func(typ, stage string, offset time.Duration) {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			InstanceID: inst.ID, Type: typ, Stage: stage, Timestamp: base.Add(offset),
		}))
	}
	appendAt(schema.EventInstanceStarted, "", 0)
	appendAt(schema.EventStageStarted, "gather-signals", 0)
	appendAt(schema.EventStageCompleted, "gather-signals", 40*time.Millisecond)
	appendAt(schema.EventStageStarted, "request-approval", 50*time.Millisecond)
	appendAt(schema.EventInstanceSuspended, "request-approval", 60*time.Millisecond)
	appendAt(schema.EventInstanceResumed, "request-approval", time.Second)
	appendAt(schema.EventStageStarted, "request-approval", time.Second)
	appendAt(schema.EventStageCompleted, "request-approval", time.Second+10*time.Millisecond)
	appendAt(schema.EventInstanceCompleted, "", 2*time.Second)

	tl, err := Replay(ctx, s, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, tl.Status)
	assert.Equal(t, 1, tl.Suspensions)
	assert.Equal(t, 1, tl.Resumes)
	require.Len(t, tl.Stages, 2)
	assert.Equal(t, "gather-signals", tl.Stages[0].Stage)
	assert.Equal(t, 1, tl.Stages[0].Runs)
	assert.NotNil(t, tl.Stages[0].CompletedAt)
	assert.Equal(t, "request-approval", tl.Stages[1].Stage)
	assert.Equal(t, 2, tl.Stages[1].Runs)
}

func TestReplay_Empty(t *testing.T) {
	s := newTestStore(t)
	inst := seedInstance(t, s)

	tl, err := Replay(context.Background(), s, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, tl.Stages)
	assert.Equal(t, schema.InstanceStatus(""), tl.Status)
}

func TestBuildTimeline_SequenceGap(t *testing.T) {
	events := []*Event{
		{Sequence: 1, Type: schema.EventInstanceStarted},
		{Sequence: 3, Type: schema.EventStageStarted, Stage: "x"},
	}
	_, err := BuildTimeline("inst", events)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestBuildTimeline_Durations(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []*Event{
		{Sequence: 1, Type: schema.EventInstanceStarted, Timestamp: base},
		{Sequence: 2, Type: schema.EventStageStarted, Stage: "assess-risk", Timestamp: base},
		{Sequence: 3, Type: schema.EventStageCompleted, Stage: "assess-risk", Timestamp: base.Add(40 * time.Millisecond)},
		{Sequence: 4, Type: schema.EventInstanceFailed, Timestamp: base.Add(time.Second)},
	}
	tl, err := BuildTimeline("inst", events)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusFailed, tl.Status)
	require.Len(t, tl.Stages, 1)
	assert.Equal(t, int64(40), tl.Stages[0].DurationMs)
}
