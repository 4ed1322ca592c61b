// Package scheduler runs the suspension-timeout sweeper: on a cron schedule
// it expires instances that have waited for approval longer than allowed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/finflow/internal/engine"
	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

// DefaultSchedule runs a sweep every minute.
const DefaultSchedule = "@every 1m"

const (
	defaultBatchSize = 100
	defaultReason    = "approval timeout"
)

// Expirer is the part of the executor the sweeper drives.
// Satisfied by engine.Executor.
type Expirer interface {
	List(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error)
	Expire(ctx context.Context, instanceID, reason string) (*store.Instance, error)
}

// Config configures a Sweeper.
type Config struct {
	// MaxSuspension is how long an instance may stay suspended. Zero disables the sweeper.
	MaxSuspension time.Duration
	// Schedule is a five-field cron expression or a descriptor such as "@every 30s".
	Schedule  string
	PoolSize  int
	BatchSize int
	Reason    string
	Clock     func() time.Time
	Logger    *slog.Logger
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Candidates int `json:"candidates"`
	Expired    int `json:"expired"`
	// Skipped instances were resumed or expired by someone else mid-pass.
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Sweeper expires overdue suspended instances.
type Sweeper struct {
	exec     Expirer
	cfg      Config
	schedule cron.Schedule
	pool     *engine.WorkerPool
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSweeper validates cfg and creates a Sweeper with its own worker pool.
func NewSweeper(exec Expirer, cfg Config) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse sweep schedule %q", cfg.Schedule).WithCause(err)
	}
	if cfg.MaxSuspension < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "max suspension must not be negative")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Reason == "" {
		cfg.Reason = defaultReason
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Sweeper{
		exec:     exec,
		cfg:      cfg,
		schedule: schedule,
		pool:     engine.NewWorkerPool(cfg.PoolSize),
		logger:   cfg.Logger,
		inflight: make(map[string]struct{}),
	}
	s.pool.OnError = func(err error) {
		s.logger.Error("expire task failed", slog.String("error", err.Error()))
	}
	return s, nil
}

// Pool exposes the worker pool for metrics.
func (s *Sweeper) Pool() *engine.WorkerPool { return s.pool }

// Enabled reports whether a maximum suspension is configured.
func (s *Sweeper) Enabled() bool { return s.cfg.MaxSuspension > 0 }

// Start launches the background loop. It is a no-op when disabled.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.Enabled() {
		s.logger.Info("suspension sweeper disabled")
		return nil
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("suspension sweeper started",
		slog.String("schedule", s.cfg.Schedule),
		slog.Duration("max_suspension", s.cfg.MaxSuspension),
	)
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	for {
		now := s.cfg.Clock()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
				continue
			}
			if res.Candidates > 0 {
				s.logger.Info("sweep finished",
					slog.Int("expired", res.Expired),
					slog.Int("skipped", res.Skipped),
					slog.Int("failed", res.Failed),
				)
			}
		}
	}
}

// Sweep runs one pass: it lists instances suspended for longer than
// MaxSuspension and expires them concurrently on the pool.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if !s.Enabled() {
		return res, nil
	}

	cutoff := s.cfg.Clock().UTC().Add(-s.cfg.MaxSuspension)
	overdue, err := s.exec.List(ctx, store.InstanceFilter{
		Status:          schema.InstanceStatusSuspended,
		SuspendedBefore: &cutoff,
		Limit:           s.cfg.BatchSize,
	})
	if err != nil {
		return res, fmt.Errorf("list overdue instances: %w", err)
	}
	res.Candidates = len(overdue)

	var expired, skipped, failed atomic.Int64
	var wg sync.WaitGroup
	for _, inst := range overdue {
		id := inst.ID
		if !s.tryAcquire(id) {
			skipped.Add(1)
			continue
		}
		wg.Add(1)
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			defer s.release(id)

			_, err := s.exec.Expire(ctx, id, s.cfg.Reason)
			switch {
			case err == nil:
				expired.Add(1)
				s.logger.Info("instance expired", slog.String("instance_id", id))
				return nil
			case schema.IsCode(err, schema.ErrCodeInvalidState), schema.IsCode(err, schema.ErrCodeConcurrentResume):
				skipped.Add(1)
				return nil
			default:
				failed.Add(1)
				return fmt.Errorf("expire %s: %w", id, err)
			}
		})
		if err != nil {
			wg.Done()
			s.release(id)
			wg.Wait()
			return s.collect(res, &expired, &skipped, &failed), fmt.Errorf("submit expire task: %w", err)
		}
	}
	wg.Wait()

	if res.Candidates == s.cfg.BatchSize {
		s.logger.Warn("sweep batch full, remaining instances wait for the next pass",
			slog.Int("batch_size", s.cfg.BatchSize))
	}
	return s.collect(res, &expired, &skipped, &failed), nil
}

func (s *Sweeper) collect(res SweepResult, expired, skipped, failed *atomic.Int64) SweepResult {
	res.Expired = int(expired.Load())
	res.Skipped = int(skipped.Load())
	res.Failed = int(failed.Load())
	return res
}

// Stop halts the loop and waits for in-flight expirations.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
		s.logger.Info("suspension sweeper stopped")
	}
	s.mu.Unlock()

	s.pool.Shutdown()
	return nil
}

// NextRun returns when the schedule fires next after from.
func (s *Sweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *Sweeper) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
