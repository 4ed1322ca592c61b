package mcp

import "sync"

// WatchRegistry maps unfinished instances to the MCP session that started
// or last resumed them.
type WatchRegistry struct {
	mu        sync.RWMutex
	instances map[string]string // instanceID → sessionID
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{instances: make(map[string]string)}
}

// Watch associates an instance with a session, replacing any earlier one.
func (r *WatchRegistry) Watch(instanceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[instanceID] = sessionID
}

// SessionFor returns the session watching the instance, if any.
func (r *WatchRegistry) SessionFor(instanceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.instances[instanceID]
	return sid, ok
}

// Done forgets a finished instance.
func (r *WatchRegistry) Done(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, instanceID)
}

// RemoveSession forgets every instance watched by a disconnected session.
func (r *WatchRegistry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.instances {
		if sid == sessionID {
			delete(r.instances, id)
		}
	}
}

// Len returns the number of watched instances.
func (r *WatchRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
