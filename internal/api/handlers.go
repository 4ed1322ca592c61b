package api

import (
	"net/http"

	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": s.deps.Executor.Pipelines()})
}

// handleStartInstance runs a new instance until it completes, suspends or fails.
func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	input, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	inst, err := s.deps.Executor.Start(r.Context(), r.PathValue("name"), input)
	if err != nil {
		s.writeRunError(w, inst, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleResumeInstance(w http.ResponseWriter, r *http.Request) {
	input, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	inst, err := s.deps.Executor.Resume(r.Context(), r.PathValue("id"), input)
	if err != nil {
		s.writeRunError(w, inst, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// writeRunError reports a start or resume error. When the run got far
// enough to persist an instance, the instance is returned alongside.
func (s *Server) writeRunError(w http.ResponseWriter, inst *store.Instance, err error) {
	fe := schema.AsFlowError(err, schema.ErrCodeUnknown)
	body := errorBody{Error: fe}
	if inst != nil {
		body.Instance = inst
	}
	s.logger.Warn("run request failed", "code", fe.Code, "error", fe.Message)
	writeJSON(w, statusFor(fe.Code), body)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InstanceFilter{Pipeline: q.Get("pipeline")}

	if v := q.Get("status"); v != "" {
		status := schema.InstanceStatus(v)
		if !status.Valid() {
			writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", v))
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 50); err != nil {
		writeError(w, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, err)
		return
	}

	instances, err := s.deps.Executor.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if instances == nil {
		instances = []*store.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Executor.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Executor.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleInstanceTimeline returns per-stage runs and durations replayed from the event log.
func (s *Server) handleInstanceTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.deps.Executor.Timeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Tools == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tools": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.deps.Tools.List()})
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.deps.Tools == nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not found", name))
		return
	}
	params, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.deps.Tools.Invoke(r.Context(), name, params)
	if err != nil {
		s.logger.Warn("tool invocation failed", "tool", name, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
