package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-process EventHub. Slow subscribers lose events rather
// than blocking the executor.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish sends an event to all matching subscribers without blocking.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel function
// unregisters it and closes the channel; calling it twice is safe.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return false
	}
	if f.Pipeline != "" && f.Pipeline != e.Pipeline {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}

var _ EventHub = (*MemoryHub)(nil)
