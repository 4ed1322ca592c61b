package identity

import (
	"context"
	"encoding/json"

	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

// SystemAgentID identifies finflow itself, e.g. when a pipeline auto-approves.
const SystemAgentID = "system"

var validAgentTypes = map[string]bool{
	store.AgentTypeLLM:     true,
	store.AgentTypeSystem:  true,
	store.AgentTypeHuman:   true,
	store.AgentTypeService: true,
}

// AgentStore is the subset of store.Store the registry needs.
type AgentStore interface {
	RegisterAgent(ctx context.Context, agent *store.Agent) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	UpdateAgentSeen(ctx context.Context, id string) error
}

// ValidateAgentType checks that typ is one of the valid agent types.
func ValidateAgentType(typ string) error {
	if !validAgentTypes[typ] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid agent type %q: must be one of llm, system, human, service", typ)
	}
	return nil
}

// ValidateAgent checks required fields on an Agent.
func ValidateAgent(agent *store.Agent) error {
	if agent.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if agent.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is required")
	}
	return ValidateAgentType(agent.Type)
}

// Registry records who acts on pipeline instances.
type Registry struct {
	store AgentStore
}

// NewRegistry creates a Registry backed by s.
func NewRegistry(s AgentStore) *Registry {
	return &Registry{store: s}
}

// EnsureRegistered returns the stored agent, touching last_seen_at, or
// registers it when unknown. An existing agent keeps its name and type.
func (r *Registry) EnsureRegistered(ctx context.Context, id, name, typ string, metadata json.RawMessage) (*store.Agent, error) {
	existing, err := r.store.GetAgent(ctx, id)
	if err == nil {
		_ = r.store.UpdateAgentSeen(ctx, id)
		return existing, nil
	}
	if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	agent := &store.Agent{
		ID:       id,
		Name:     name,
		Type:     typ,
		Metadata: metadata,
	}
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	if err := r.store.RegisterAgent(ctx, agent); err != nil {
		return nil, err
	}
	return r.store.GetAgent(ctx, id)
}

// EnsureHuman registers a human approver whose display name defaults to its id.
func (r *Registry) EnsureHuman(ctx context.Context, id string) (*store.Agent, error) {
	return r.EnsureRegistered(ctx, id, id, store.AgentTypeHuman, nil)
}

// EnsureSystem registers the built-in system agent.
func (r *Registry) EnsureSystem(ctx context.Context) (*store.Agent, error) {
	return r.EnsureRegistered(ctx, SystemAgentID, "finflow", store.AgentTypeSystem, nil)
}
