package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

// TransitionHook observes an instance status change.
type TransitionHook func(ctx context.Context, inst *store.Instance, from, to schema.InstanceStatus) error

// ValidInstanceTransitions is the instance lifecycle. The empty status is
// the not-yet-created instance.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	"":                             {schema.InstanceStatusRunning},
	schema.InstanceStatusRunning:   {schema.InstanceStatusSuspended, schema.InstanceStatusCompleted, schema.InstanceStatusFailed},
	schema.InstanceStatusSuspended: {schema.InstanceStatusRunning, schema.InstanceStatusFailed},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusFailed:    {},
}

type hookKey struct {
	from, to schema.InstanceStatus
}

// InstanceFSM validates instance status transitions and runs hooks around them.
type InstanceFSM struct {
	mu     sync.RWMutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
	now    func() time.Time
}

// NewInstanceFSM creates an InstanceFSM. now defaults to time.Now.
func NewInstanceFSM(now func() time.Time) *InstanceFSM {
	if now == nil {
		now = time.Now
	}
	return &InstanceFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
		now:    now,
	}
}

// OnBefore registers a hook run before a transition is applied; an error aborts it.
func (f *InstanceFSM) OnBefore(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.before[k] = append(f.before[k], hook)
}

// OnAfter registers a hook run once the transition has been persisted.
func (f *InstanceFSM) OnAfter(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.after[k] = append(f.after[k], hook)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.InstanceStatus) bool {
	return slices.Contains(ValidInstanceTransitions[from], to)
}

// Apply validates from -> to, runs before hooks and updates the instance's
// status and lifecycle timestamps in memory. The caller persists.
func (f *InstanceFSM) Apply(ctx context.Context, inst *store.Instance, to schema.InstanceStatus) error {
	from := inst.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", displayStatus(from), to).
			WithDetails(map[string]any{"instance_id": inst.ID, "from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	hooks := f.before[hookKey{from, to}]
	f.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, inst, from, to); err != nil {
			return err
		}
	}

	now := f.now().UTC()
	inst.Status = to
	switch to {
	case schema.InstanceStatusSuspended:
		inst.SuspendedAt = &now
	case schema.InstanceStatusRunning:
		inst.SuspendedAt = nil
		inst.Suspension = nil
	case schema.InstanceStatusCompleted, schema.InstanceStatusFailed:
		inst.CompletedAt = &now
		inst.Suspension = nil
	}
	return nil
}

// Notify runs the after hooks for a persisted transition. Hook errors are
// returned joined but never undo the transition.
func (f *InstanceFSM) Notify(ctx context.Context, inst *store.Instance, from, to schema.InstanceStatus) []error {
	f.mu.RLock()
	hooks := f.after[hookKey{from, to}]
	f.mu.RUnlock()

	var errs []error
	for _, h := range hooks {
		if err := h(ctx, inst, from, to); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// transitionEvent maps a transition to the event recorded for it.
func transitionEvent(from, to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusRunning:
		if from == schema.InstanceStatusSuspended {
			return schema.EventInstanceResumed
		}
		return schema.EventInstanceStarted
	case schema.InstanceStatusSuspended:
		return schema.EventInstanceSuspended
	case schema.InstanceStatusCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceStatusFailed:
		return schema.EventInstanceFailed
	}
	return ""
}

func displayStatus(s schema.InstanceStatus) string {
	if s == "" {
		return "new"
	}
	return string(s)
}
