package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/taskrelay/backend/internal/services"
)

// SweepJobArgs is the periodic reminder and archival sweep.
type SweepJobArgs struct{}

func (SweepJobArgs) Kind() string { return "lifecycle_sweep" }

// InsertOpts disables river's retries: the next period is the retry.
func (SweepJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// TaskSweeper defines the contract the worker needs to run a sweep.
type TaskSweeper interface {
	Sweep(ctx context.Context, now time.Time) (services.SweepResult, error)
}

type SweepWorker struct {
	river.WorkerDefaults[SweepJobArgs]
	sweeper TaskSweeper
	now     func() time.Time
}

func NewSweepWorker(s TaskSweeper) *SweepWorker {
	return &SweepWorker{sweeper: s, now: time.Now}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepJobArgs]) error {
	res, err := w.sweeper.Sweep(ctx, w.now())
	if err != nil {
		return fmt.Errorf("sweep job %d: %d of %d tasks failed: %w", job.ID, res.Failed, res.Scanned, err)
	}
	return nil
}

// PeriodicSweep returns the periodic job that enqueues a sweep every interval.
func PeriodicSweep(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepJobArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
