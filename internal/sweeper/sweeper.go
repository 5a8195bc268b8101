// Package sweeper refunds abandoned tasks on a schedule. It is the liveness
// backstop for escrows whose client never selects a winner: once the grace
// period after a deadline has passed, the sweeper calls the permissionless
// auto-refund for every such task.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
)

// Actor is the identity recorded on refunds the sweeper performs.
const Actor = auth.SystemPrefix + "sweeper"

const DefaultSchedule = "@every 1m"

// Refunder is the part of the engine the sweeper drives.
type Refunder interface {
	RefundableTasks(ctx context.Context, limit int) ([]domain.Task, error)
	AutoRefundExpired(ctx context.Context, taskID uint64, caller string) (domain.Task, error)
}

type Config struct {
	Engine   Refunder
	Logger   *slog.Logger
	Schedule string // robfig cron spec; defaults to every minute
	Batch    int    // tasks per run; defaults to 100
}

type Sweeper struct {
	engine   Refunder
	logger   *slog.Logger
	schedule string
	batch    int

	mu   sync.Mutex
	cron *cronlib.Cron
}

// Result summarizes one sweep.
type Result struct {
	Refunded []uint64
	Failed   map[uint64]error
}

func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		engine:   cfg.Engine,
		logger:   logger.With("component", "sweeper"),
		schedule: schedule,
		batch:    batch,
	}
}

// Start schedules RunOnce. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	c := cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("sweeper schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", "schedule", s.schedule, "batch", s.batch)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// RunOnce refunds every task currently past its grace period, up to the
// batch size. A failure on one task does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	res := Result{Failed: map[uint64]error{}}
	due, err := s.engine.RefundableTasks(ctx, s.batch)
	if err != nil {
		return res, fmt.Errorf("list refundable tasks: %w", err)
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, err := s.engine.AutoRefundExpired(ctx, t.ID, Actor); err != nil {
			res.Failed[t.ID] = err
			s.logger.Warn("auto refund failed", "task_id", t.ID, "code", domain.CodeOf(err), "error", err)
			continue
		}
		res.Refunded = append(res.Refunded, t.ID)
		s.logger.Info("task auto refunded", "task_id", t.ID, "client", t.Client, "amount", t.BountyAmount)
	}
	return res, nil
}

// NextRun returns when schedule next fires after the given time.
func NextRun(schedule string, after time.Time) (time.Time, error) {
	sched, err := cronlib.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
