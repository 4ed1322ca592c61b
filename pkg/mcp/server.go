// Package mcp exposes finflow to agent runtimes over the Model Context
// Protocol: every registered agent tool plus the pipeline operations.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/finflow/internal/engine"
	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/internal/streaming"
	"github.com/rendis/finflow/internal/tools"
)

// ToolRunner lists and invokes agent tools. Satisfied by *tools.Registry.
type ToolRunner interface {
	List() []tools.ToolInfo
	Invoke(ctx context.Context, name string, params json.RawMessage) (*tools.Result, error)
}

// AgentRegistrar records the agents that drive pipelines.
// Satisfied by *identity.Registry.
type AgentRegistrar interface {
	EnsureRegistered(ctx context.Context, id, name, typ string, metadata json.RawMessage) (*store.Agent, error)
}

// ServerDeps holds the dependencies for creating a FinflowServer.
// Executor is required.
type ServerDeps struct {
	Executor engine.Executor
	Tools    ToolRunner
	Agents   AgentRegistrar
	Hub      streaming.EventHub
	Version  string
	Logger   *slog.Logger
}

// FinflowServer wraps an MCP server with the finflow tool handlers.
type FinflowServer struct {
	executor  engine.Executor
	tools     ToolRunner
	agents    AgentRegistrar
	hub       streaming.EventHub
	logger    *slog.Logger
	watchers  *WatchRegistry
	notifier  InstanceNotifier
	mcpServer *server.MCPServer
}

// NewFinflowServer creates a FinflowServer with the pipeline tools and one
// MCP tool per registered agent tool.
func NewFinflowServer(deps ServerDeps) *FinflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &FinflowServer{
		executor: deps.Executor,
		tools:    deps.Tools,
		agents:   deps.Agents,
		hub:      deps.Hub,
		logger:   logger,
		watchers: NewWatchRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.watchers.RemoveSession(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"finflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("finflow runs investment approval pipelines. Use pipeline.start to open an instance, "+
			"pipeline.status to inspect it, pipeline.resume to supply approval data to a suspended instance and "+
			"pipeline.list to browse pipelines and instances. crypto.price, news.search and crypto.analysis fetch market context."),
	)
	mcpSrv.AddTools(s.serverTools()...)

	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.watchers)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
// When a hub is configured, sessions are notified as their instances suspend or finish.
func (s *FinflowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		go func() {
			if err := s.Watch(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("instance watch stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FinflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// serverTools returns the pipeline tools followed by the agent tools.
func (s *FinflowServer) serverTools() []server.ServerTool {
	out := []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
	if s.tools == nil {
		return out
	}
	for _, info := range s.tools.List() {
		out = append(out, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(info.Name, info.Description, info.InputSchema),
			Handler: s.invokeTool(info.Name),
		})
	}
	return out
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("pipeline.start",
		mcp.WithDescription("Start a pipeline instance and run it until it completes, suspends for approval or fails"),
		mcp.WithString("pipeline", mcp.Required(), mcp.Description("Name of the registered pipeline")),
		mcp.WithObject("input", mcp.Required(), mcp.Description("Pipeline input, validated against its input schema")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent starting the instance")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("pipeline.resume",
		mcp.WithDescription("Supply resume data to a suspended instance and continue it"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the suspended instance")),
		mcp.WithObject("data", mcp.Required(), mcp.Description("Resume data, validated against the suspended stage's schema")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent relaying the data")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("pipeline.status",
		mcp.WithDescription("Get an instance's status, state and suspension"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithBoolean("include_events", mcp.Description("Include the instance event log")),
		mcp.WithBoolean("include_timeline", mcp.Description("Include per-stage runs and durations")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("pipeline.list",
		mcp.WithDescription("List registered pipelines and their instances"),
		mcp.WithString("status",
			mcp.Enum("running", "suspended", "completed", "failed"),
			mcp.Description("Only instances with this status"),
		),
		mcp.WithString("pipeline", mcp.Description("Only instances of this pipeline")),
		mcp.WithNumber("limit", mcp.Description("Maximum instances to return (default 50)")),
	)
}
