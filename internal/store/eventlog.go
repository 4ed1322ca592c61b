package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/finflow/pkg/schema"
)

// StageRecord summarizes one stage's activity reconstructed from the event log.
type StageRecord struct {
	Stage       string     `json:"stage"`
	Runs        int        `json:"runs"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// Timeline is the replayed history of one instance.
type Timeline struct {
	InstanceID  string                `json:"instance_id"`
	Status      schema.InstanceStatus `json:"status"`
	Stages      []*StageRecord        `json:"stages"`
	Suspensions int                   `json:"suspensions"`
	Resumes     int                   `json:"resumes"`
}

// Replay loads every event of an instance and folds it into a Timeline.
// A gap in the sequence numbers is reported as a STORE_ERROR.
func Replay(ctx context.Context, s Store, instanceID string) (*Timeline, error) {
	events, err := s.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return BuildTimeline(instanceID, events)
}

// BuildTimeline folds an ordered event slice into a Timeline.
func BuildTimeline(instanceID string, events []*Event) (*Timeline, error) {
	tl := &Timeline{InstanceID: instanceID, Stages: []*StageRecord{}}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in instance %s: expected %d, got %d", instanceID, expected, e.Sequence)
		}
	}

	byStage := make(map[string]*StageRecord)
	record := func(name string) *StageRecord {
		rec, ok := byStage[name]
		if !ok {
			rec = &StageRecord{Stage: name}
			byStage[name] = rec
			tl.Stages = append(tl.Stages, rec)
		}
		return rec
	}

	for _, e := range events {
		ts := e.Timestamp
		switch e.Type {
		case schema.EventInstanceStarted:
			tl.Status = schema.InstanceStatusRunning
		case schema.EventStageStarted:
			rec := record(e.Stage)
			rec.Runs++
			if rec.StartedAt == nil {
				rec.StartedAt = &ts
			}
		case schema.EventStageCompleted:
			rec := record(e.Stage)
			rec.CompletedAt = &ts
			if rec.StartedAt != nil {
				rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
			}
		case schema.EventInstanceSuspended:
			tl.Status = schema.InstanceStatusSuspended
			tl.Suspensions++
		case schema.EventInstanceResumed:
			tl.Status = schema.InstanceStatusRunning
			tl.Resumes++
		case schema.EventInstanceCompleted:
			tl.Status = schema.InstanceStatusCompleted
		case schema.EventInstanceFailed:
			tl.Status = schema.InstanceStatusFailed
		}
	}
	return tl, nil
}
