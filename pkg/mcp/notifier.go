package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/finflow/internal/streaming"
	"github.com/rendis/finflow/pkg/schema"
)

// InstanceNotifier pushes instance updates to the session watching them.
type InstanceNotifier interface {
	Notify(ctx context.Context, instanceID string, payload map[string]any) error
}

// MCPNotifier implements InstanceNotifier with MCP log-message notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	watchers  *WatchRegistry
}

// NewMCPNotifier creates a notifier that pushes over the session's transport.
func NewMCPNotifier(mcpServer *server.MCPServer, watchers *WatchRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, watchers: watchers}
}

// Notify sends payload to the watching session.
// Best-effort: returns nil if no session is watching.
func (n *MCPNotifier) Notify(_ context.Context, instanceID string, payload map[string]any) error {
	sessionID, ok := n.watchers.SessionFor(instanceID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.watchers.RemoveSession(sessionID)
		return nil
	}
	return err
}

// watchedEvents are the updates an agent needs to act on.
var watchedEvents = []string{
	schema.EventInstanceSuspended,
	schema.EventInstanceCompleted,
	schema.EventInstanceFailed,
}

// Watch forwards suspension and completion events to watching sessions
// until ctx is done.
func (s *FinflowServer) Watch(ctx context.Context) error {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: watchedEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.forward(ctx, ev)
		}
	}
}

func (s *FinflowServer) forward(ctx context.Context, ev streaming.StreamEvent) {
	payload := map[string]any{
		"level":  "info",
		"logger": "finflow",
		"data": map[string]any{
			"instance_id": ev.InstanceID,
			"pipeline":    ev.Pipeline,
			"event_type":  ev.EventType,
			"status":      ev.Status,
			"stage":       ev.Stage,
			"payload":     ev.Payload,
		},
	}
	if err := s.notifier.Notify(ctx, ev.InstanceID, payload); err != nil {
		s.logger.Warn("instance notification failed", "instance_id", ev.InstanceID, "error", err)
	}
	if schema.InstanceStatus(ev.Status).Terminal() {
		s.watchers.Done(ev.InstanceID)
	}
}
