package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/finflow/pkg/schema"
)

// Instance is the durable snapshot of one pipeline run.
type Instance struct {
	ID           string                `json:"id"`
	Pipeline     string                `json:"pipeline"`
	StateVersion int                   `json:"state_version"`
	StageIndex   int                   `json:"stage_index"`
	State        json.RawMessage       `json:"state"`
	Status       schema.InstanceStatus `json:"status"`
	Suspension   *Suspension           `json:"suspension,omitempty"`
	Error        json.RawMessage       `json:"error,omitempty"`
	Version      int64                 `json:"version"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	SuspendedAt  *time.Time            `json:"suspended_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without touching shared snapshots.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.State = cloneRaw(i.State)
	c.Error = cloneRaw(i.Error)
	if i.Suspension != nil {
		s := *i.Suspension
		s.Payload = cloneRaw(i.Suspension.Payload)
		c.Suspension = &s
	}
	if i.SuspendedAt != nil {
		t := *i.SuspendedAt
		c.SuspendedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Suspension records why and where an instance paused.
type Suspension struct {
	Stage   string          `json:"stage"`
	Reason  string          `json:"reason"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is an immutable entry in an instance's event log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	Stage      string          `json:"stage,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	AgentID    string          `json:"agent_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Agent types.
const (
	AgentTypeLLM     = "llm"
	AgentTypeSystem  = "system"
	AgentTypeHuman   = "human"
	AgentTypeService = "service"
)

// Agent represents a registered actor: an approver, the system, or an LLM runtime.
type Agent struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status          schema.InstanceStatus `json:"status,omitempty"`
	Pipeline        string                `json:"pipeline,omitempty"`
	SuspendedBefore *time.Time            `json:"suspended_before,omitempty"`
	Limit           int                   `json:"limit,omitempty"`
	Offset          int                   `json:"offset,omitempty"`
}

const defaultListLimit = 100

func (f InstanceFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
