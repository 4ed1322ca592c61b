package mcp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/finflow/internal/diagram"
	"github.com/rendis/finflow/internal/engine"
	"github.com/rendis/finflow/internal/store"
)

// handleDiagram draws a pipeline, or an instance's progress through its pipeline.
func (s *FinflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	name := req.GetString("pipeline", "")
	instanceID := req.GetString("instance_id", "")
	if name == "" && instanceID == "" {
		return mcp.NewToolResultError("at least one of pipeline or instance_id is required"), nil
	}

	var inst *store.Instance
	if instanceID != "" {
		inst, err = s.executor.Get(ctx, instanceID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance not found: %v", err)), nil
		}
		name = inst.Pipeline
	}

	info, ok := findPipeline(s.executor.Pipelines(), name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline %q not registered", name)), nil
	}
	model, err := diagram.Build(info, inst)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

func findPipeline(infos []engine.PipelineInfo, name string) (engine.PipelineInfo, bool) {
	for _, p := range infos {
		if p.Name == name {
			return p, true
		}
	}
	return engine.PipelineInfo{}, false
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("pipeline.diagram",
		mcp.WithDescription("Draw a pipeline as ASCII art, a Mermaid flowchart or a PNG image"),
		mcp.WithString("pipeline", mcp.Description("Pipeline to draw")),
		mcp.WithString("instance_id", mcp.Description("Instance whose progress is overlaid on its pipeline")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (PNG)"),
		),
	)
}
