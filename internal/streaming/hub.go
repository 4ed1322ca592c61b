package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time notification about a pipeline instance.
// It mirrors a persisted store event; Status carries the instance status
// right after the event.
type StreamEvent struct {
	InstanceID string    `json:"instance_id"`
	Pipeline   string    `json:"pipeline,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	EventType  string    `json:"event_type"`
	Status     string    `json:"status,omitempty"`
	Sequence   int64     `json:"sequence,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	Pipeline   string   `json:"pipeline,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for instance events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
