package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/taskrelay/backend/internal/models"
)

// ActiveTaskLister returns the tasks a sweep looks at.
type ActiveTaskLister interface {
	ListActive(ctx context.Context) ([]*models.Task, error)
}

// SweepTriggers are the lifecycle triggers a sweep may fire. Each one
// re-checks its rule under the task lock and reports whether it acted.
type SweepTriggers interface {
	RemindHalfway(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	RemindFinal(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	Archive(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned       int
	Reminded      int
	FinalReminded int
	Archived      int
	Failed        int
}

// Sweeper runs the periodic reminder and archival pass. Every rule is
// idempotent, so an interrupted sweep is safe to repeat.
type Sweeper struct {
	Tasks       ActiveTaskLister
	Triggers    SweepTriggers
	Concurrency int
	Logger      *slog.Logger
}

func NewSweeper(tasks ActiveTaskLister, triggers SweepTriggers, concurrency int, logger *slog.Logger) *Sweeper {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{Tasks: tasks, Triggers: triggers, Concurrency: concurrency, Logger: logger}
}

// Sweep evaluates every active task once against now. Per-task failures are
// logged and returned joined; they do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	tasks, err := s.Tasks.ListActive(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list active tasks: %w", err)
	}

	var reminded, finalReminded, archived, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(s.Concurrency).WithContext(ctx)
	for _, t := range tasks {
		switch {
		case remindable(t.Status):
			p.Go(func(ctx context.Context) error {
				if err := s.fire(ctx, t, now, s.Triggers.RemindHalfway, &reminded, &failed); err != nil {
					return err
				}
				return s.fire(ctx, t, now, s.Triggers.RemindFinal, &finalReminded, &failed)
			})
		case t.Status == models.TaskStatusDone:
			p.Go(func(ctx context.Context) error {
				return s.fire(ctx, t, now, s.Triggers.Archive, &archived, &failed)
			})
		}
	}
	err = p.Wait()

	res := SweepResult{
		Scanned:       len(tasks),
		Reminded:      int(reminded.Load()),
		FinalReminded: int(finalReminded.Load()),
		Archived:      int(archived.Load()),
		Failed:        int(failed.Load()),
	}
	s.Logger.InfoContext(ctx, "sweep finished",
		"scanned", res.Scanned, "reminded", res.Reminded, "final_reminded", res.FinalReminded,
		"archived", res.Archived, "failed", res.Failed)
	return res, err
}

type sweepTrigger func(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

func (s *Sweeper) fire(ctx context.Context, t *models.Task, now time.Time, trigger sweepTrigger, done, failed *atomic.Int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acted, err := trigger(ctx, t.ID, now)
	if err != nil {
		failed.Add(1)
		s.Logger.WarnContext(ctx, "sweep trigger failed", "task_id", t.ID, "error", err)
		return err
	}
	if acted {
		done.Add(1)
	}
	return nil
}

// Run sweeps every interval until ctx is done. Used when no job queue is configured.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx, time.Now()); err != nil && ctx.Err() == nil {
			s.Logger.ErrorContext(ctx, "sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
