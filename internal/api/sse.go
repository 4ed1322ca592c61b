package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/finflow/internal/streaming"
	"github.com/rendis/finflow/pkg/schema"
)

// handleSSEInstance streams one instance's events as Server-Sent Events.
// The stream ends when the instance reaches a terminal status.
func (s *Server) handleSSEInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.Hub == nil {
		writeError(w, schema.NewError(schema.ErrCodeUnknown, "event streaming is not configured"))
		return
	}
	inst, err := s.deps.Executor.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveSSE(w, r, streaming.EventFilter{InstanceID: id}, inst.Status.Terminal())
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter, finished bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.logger.Error("SSE subscribe failed", "error", err)
		writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if finished {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.EventType, data)
			flusher.Flush()
			if schema.InstanceStatus(event.Status).Terminal() {
				return
			}
		}
	}
}
