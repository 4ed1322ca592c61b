package api

import (
	"net/http"

	"github.com/rendis/finflow/internal/diagram"
	"github.com/rendis/finflow/internal/engine"
	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

func (s *Server) handlePipelineDiagram(w http.ResponseWriter, r *http.Request) {
	info, ok := s.pipelineInfo(r.PathValue("name"))
	if !ok {
		writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not registered", r.PathValue("name")))
		return
	}
	s.writeDiagram(w, r, info, nil)
}

// handleInstanceDiagram draws the instance's pipeline with its progress overlaid.
func (s *Server) handleInstanceDiagram(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Executor.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	info, ok := s.pipelineInfo(inst.Pipeline)
	if !ok {
		writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not registered", inst.Pipeline))
		return
	}
	s.writeDiagram(w, r, info, inst)
}

func (s *Server) pipelineInfo(name string) (engine.PipelineInfo, bool) {
	for _, p := range s.deps.Executor.Pipelines() {
		if p.Name == name {
			return p, true
		}
	}
	return engine.PipelineInfo{}, false
}

// writeDiagram renders in the format named by ?format=, mermaid by default.
func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, info engine.PipelineInfo, inst *store.Instance) {
	model, err := diagram.Build(info, inst)
	if err != nil {
		writeError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "mermaid":
		writeText(w, "text/plain; charset=utf-8", []byte(diagram.RenderMermaid(model)))
	case "ascii":
		writeText(w, "text/plain; charset=utf-8", []byte(diagram.RenderASCII(model)))
	case diagram.FormatPNG, diagram.FormatSVG:
		img, err := diagram.RenderImage(r.Context(), model, format)
		if err != nil {
			s.logger.Error("diagram render failed", "pipeline", info.Name, "error", err)
			writeError(w, schema.AsFlowError(err, schema.ErrCodeExecution))
			return
		}
		contentType := "image/png"
		if format == diagram.FormatSVG {
			contentType = "image/svg+xml"
		}
		writeText(w, contentType, img)
	default:
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown diagram format %q (want mermaid, ascii, png or svg)", format))
	}
}

func writeText(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
