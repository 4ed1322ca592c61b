package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/finflow/internal/validation"
	"github.com/rendis/finflow/pkg/schema"
)

// Registry is the thread-safe set of tools exposed to agents. It is built
// in main and handed to the HTTP and MCP servers.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator validation.Validator
}

// NewRegistry creates an empty Registry. Params are validated against each
// tool's input schema when v is non-nil.
func NewRegistry(v validation.Validator) *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		validator: v,
	}
}

// Register adds a tool. Duplicate names are a CONFLICT.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if r.validator != nil {
		if err := r.validator.CheckSchema(tool.Schema().InputSchema); err != nil {
			return schema.AsFlowError(err, schema.ErrCodeValidation).
				WithDetails(map[string]any{"tool": name})
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// List returns every tool, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		s := t.Schema()
		infos = append(infos, ToolInfo{Name: t.Name(), Description: s.Description, InputSchema: s.InputSchema})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke validates raw params against the tool's schema and runs it.
// Empty params are treated as an empty object.
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if r.validator != nil {
		if err := r.validator.ValidateJSON(params, tool.Schema().InputSchema); err != nil {
			return nil, err
		}
	}
	var m map[string]any
	if err := json.Unmarshal(params, &m); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool params must be a JSON object").WithCause(err)
	}
	return tool.Execute(ctx, m)
}

// Builtin registers crypto.price, news.search and crypto.analysis.
func Builtin(r *Registry, market PriceSource, news NewsSource) error {
	for _, t := range []Tool{
		NewPriceTool(market),
		NewNewsTool(news),
		NewAnalysisTool(market, news),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
