package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeExecutor keeps instances in memory and records expirations.
type fakeExecutor struct {
	mu        sync.Mutex
	instances map[string]*store.Instance
	expired   []string
	reasons   []string
	failOn    map[string]error
	lastLimit int
}

func newFakeExecutor(insts ...*store.Instance) *fakeExecutor {
	f := &fakeExecutor{instances: make(map[string]*store.Instance), failOn: make(map[string]error)}
	for _, i := range insts {
		f.instances[i.ID] = i
	}
	return f
}

func suspendedFor(id string, d time.Duration) *store.Instance {
	at := now.Add(-d)
	return &store.Instance{ID: id, Status: schema.InstanceStatusSuspended, SuspendedAt: &at}
}

func (f *fakeExecutor) List(_ context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = filter.Limit
	var out []*store.Instance
	for _, i := range f.instances {
		if i.Status != filter.Status {
			continue
		}
		if filter.SuspendedBefore != nil && !i.SuspendedAt.Before(*filter.SuspendedBefore) {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}

func (f *fakeExecutor) Expire(_ context.Context, id, reason string) (*store.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[id]; err != nil {
		return nil, err
	}
	inst := f.instances[id]
	inst.Status = schema.InstanceStatusFailed
	f.expired = append(f.expired, id)
	f.reasons = append(f.reasons, reason)
	return inst, nil
}

func (f *fakeExecutor) expiredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...)
}

func newSweeper(t *testing.T, exec Expirer, cfg Config) *Sweeper {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return now }
	}
	s, err := NewSweeper(exec, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestSweep_ExpiresOnlyOverdue(t *testing.T) {
	exec := newFakeExecutor(
		suspendedFor("old-1", 3*time.Hour),
		suspendedFor("old-2", 25*time.Hour),
		suspendedFor("fresh", 10*time.Minute),
		&store.Instance{ID: "done", Status: schema.InstanceStatusCompleted},
	)
	s := newSweeper(t, exec, Config{MaxSuspension: time.Hour})

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 2, Expired: 2}, res)
	assert.ElementsMatch(t, []string{"old-1", "old-2"}, exec.expiredIDs())
	assert.Equal(t, []string{defaultReason, defaultReason}, exec.reasons)
	assert.Equal(t, defaultBatchSize, exec.lastLimit)

	res, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Candidates, "expired instances are no longer suspended")
}

func TestSweep_SkipsLostRacesAndCountsFailures(t *testing.T) {
	exec := newFakeExecutor(
		suspendedFor("resumed", 2*time.Hour),
		suspendedFor("busy", 2*time.Hour),
		suspendedFor("broken", 2*time.Hour),
		suspendedFor("ok", 2*time.Hour),
	)
	exec.failOn["resumed"] = schema.NewError(schema.ErrCodeInvalidState, "instance is running")
	exec.failOn["busy"] = schema.NewError(schema.ErrCodeConcurrentResume, "being resumed")
	exec.failOn["broken"] = errors.New("disk full")

	s := newSweeper(t, exec, Config{MaxSuspension: time.Hour, Reason: "approver did not respond", PoolSize: 2})
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Candidates: 4, Expired: 1, Skipped: 2, Failed: 1}, res)
	assert.Equal(t, []string{"ok"}, exec.expiredIDs())
	assert.Equal(t, []string{"approver did not respond"}, exec.reasons)
	assert.Equal(t, int64(1), s.Pool().Metrics().Failed)
}

func TestSweep_Disabled(t *testing.T) {
	exec := newFakeExecutor(suspendedFor("old", 48*time.Hour))
	s := newSweeper(t, exec, Config{})
	assert.False(t, s.Enabled())

	require.NoError(t, s.Start(context.Background()))
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Empty(t, exec.expiredIDs())
}

func TestNewSweeper_Validation(t *testing.T) {
	_, err := NewSweeper(newFakeExecutor(), Config{Schedule: "every tuesday"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewSweeper(newFakeExecutor(), Config{MaxSuspension: -time.Second})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSweeper_NextRun(t *testing.T) {
	s := newSweeper(t, newFakeExecutor(), Config{Schedule: "*/15 * * * *"})
	from := time.Date(2026, 3, 1, 12, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), s.NextRun(from))

	s = newSweeper(t, newFakeExecutor(), Config{})
	assert.Equal(t, from.Add(time.Minute), s.NextRun(from))
}

func TestSweeper_StartStop(t *testing.T) {
	exec := newFakeExecutor(suspendedFor("old", 2*time.Hour))
	exec.instances["old"].SuspendedAt = ptr(time.Now().Add(-2 * time.Hour))
	s := newSweeper(t, exec, Config{
		MaxSuspension: time.Hour,
		Schedule:      "@every 1s",
		Clock:         time.Now,
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start is rejected")

	assert.Eventually(t, func() bool { return len(exec.expiredIDs()) == 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func ptr[T any](v T) *T { return &v }
