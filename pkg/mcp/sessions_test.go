package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatchRegistry_WatchAndLookup(t *testing.T) {
	r := NewWatchRegistry()

	r.Watch("inst-1", "session-abc")
	sid, ok := r.SessionFor("inst-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestWatchRegistry_ResumeMovesWatch(t *testing.T) {
	r := NewWatchRegistry()

	r.Watch("inst-1", "session-starter")
	r.Watch("inst-1", "session-approver")

	sid, ok := r.SessionFor("inst-1")
	assert.True(t, ok)
	assert.Equal(t, "session-approver", sid)
	assert.Equal(t, 1, r.Len())
}

func TestWatchRegistry_Done(t *testing.T) {
	r := NewWatchRegistry()
	r.Watch("inst-1", "session-abc")
	r.Done("inst-1")
	r.Done("inst-1")

	_, ok := r.SessionFor("inst-1")
	assert.False(t, ok)
}

func TestWatchRegistry_RemoveSession(t *testing.T) {
	r := NewWatchRegistry()

	r.Watch("inst-1", "session-abc")
	r.Watch("inst-2", "session-abc")
	r.Watch("inst-3", "session-xyz")

	r.RemoveSession("session-abc")

	_, ok := r.SessionFor("inst-1")
	assert.False(t, ok, "inst-1 should be removed")
	_, ok = r.SessionFor("inst-2")
	assert.False(t, ok, "inst-2 should be removed")

	sid, ok := r.SessionFor("inst-3")
	assert.True(t, ok, "inst-3 should still be watched")
	assert.Equal(t, "session-xyz", sid)
}
