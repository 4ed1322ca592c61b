package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/finflow/internal/engine"
	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

// handleStart runs a new pipeline instance.
func (s *FinflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipeline, err := req.RequireString("pipeline")
	if err != nil {
		return mcp.NewToolResultError("pipeline is required"), nil
	}
	input, err := objectArg(req, "input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		if err := s.ensureAgent(ctx, agentID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to register agent: %v", err)), nil
		}
	}

	inst, err := s.executor.Start(ctx, pipeline, input)
	if inst != nil {
		s.watch(ctx, inst)
	}
	if err != nil {
		return runError("start failed", inst, err)
	}
	return marshalResult(instanceView(inst))
}

// handleResume supplies resume data to a suspended instance.
func (s *FinflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	data, err := objectArg(req, "data")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		if err := s.ensureAgent(ctx, agentID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to register agent: %v", err)), nil
		}
	}

	inst, err := s.executor.Resume(ctx, id, data)
	if err != nil {
		return runError("resume failed", inst, err)
	}
	s.watch(ctx, inst)
	return marshalResult(instanceView(inst))
}

// handleStatus returns the current snapshot of an instance.
func (s *FinflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, err := s.executor.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	view := instanceView(inst)
	if req.GetBool("include_events", false) {
		events, err := s.executor.Events(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
		}
		view["events"] = events
	}
	if req.GetBool("include_timeline", false) {
		tl, err := s.executor.Timeline(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("timeline query failed: %v", err)), nil
		}
		view["timeline"] = tl
	}
	return marshalResult(view)
}

// handleList returns the registered pipelines and matching instances.
func (s *FinflowServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.InstanceFilter{
		Pipeline: req.GetString("pipeline", ""),
		Limit:    req.GetInt("limit", 50),
	}
	if v := req.GetString("status", ""); v != "" {
		status := schema.InstanceStatus(v)
		if !status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", v)), nil
		}
		filter.Status = status
	}

	instances, err := s.executor.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	views := make([]map[string]any, 0, len(instances))
	for _, inst := range instances {
		views = append(views, instanceView(inst))
	}
	return marshalResult(map[string]any{
		"pipelines": pipelineNames(s.executor.Pipelines()),
		"instances": views,
	})
}

// invokeTool bridges one agent tool. Arguments were already checked against
// the tool's schema by the registry.
func (s *FinflowServer) invokeTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		res, err := s.tools.Invoke(ctx, name, params)
		if err != nil {
			s.logger.Warn("tool invocation failed", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(res.Data)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(res.Report),
				mcp.NewTextContent(string(data)),
			},
		}, nil
	}
}

// --- Internal helpers ---

// instanceView is the agent-facing shape of an instance: the snapshot plus
// what to do next.
func instanceView(inst *store.Instance) map[string]any {
	view := map[string]any{
		"instance_id": inst.ID,
		"pipeline":    inst.Pipeline,
		"status":      inst.Status,
		"stage_index": inst.StageIndex,
		"state":       inst.State,
		"updated_at":  inst.UpdatedAt,
	}
	if inst.Suspension != nil {
		view["suspension"] = inst.Suspension
		view["next"] = "call pipeline.resume with data matching the stage's resume schema"
	}
	if len(inst.Error) > 0 {
		view["error"] = inst.Error
	}
	return view
}

func pipelineNames(infos []engine.PipelineInfo) []map[string]any {
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		stages := make([]string, 0, len(info.Stages))
		for _, st := range info.Stages {
			stages = append(stages, st.Name)
		}
		out = append(out, map[string]any{
			"name":         info.Name,
			"description":  info.Description,
			"input_schema": info.InputSchema,
			"stages":       stages,
		})
	}
	return out
}

// objectArg re-encodes an object argument as JSON.
func objectArg(req mcp.CallToolRequest, key string) (json.RawMessage, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%s is required", key)
	}
	if _, isObj := v.(map[string]any); !isObj {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return json.Marshal(v)
}

// runError reports a failed start or resume. If the instance was persisted
// before failing, its id and status are included.
func runError(prefix string, inst *store.Instance, err error) (*mcp.CallToolResult, error) {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	if inst != nil {
		msg = fmt.Sprintf("%s (instance %s is %s)", msg, inst.ID, inst.Status)
	}
	return mcp.NewToolResultError(msg), nil
}

// ensureAgent registers the calling LLM agent or refreshes its last-seen time.
func (s *FinflowServer) ensureAgent(ctx context.Context, agentID string) error {
	if s.agents == nil {
		return nil
	}
	_, err := s.agents.EnsureRegistered(ctx, agentID, agentID, store.AgentTypeLLM, nil)
	return err
}

// watch maps an unfinished instance to the calling session for notifications.
func (s *FinflowServer) watch(ctx context.Context, inst *store.Instance) {
	if inst.Status.Terminal() {
		s.watchers.Done(inst.ID)
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.watchers.Watch(inst.ID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
