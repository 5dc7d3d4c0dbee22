package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/taskrelay/backend/internal/models"
	"github.com/taskrelay/backend/internal/repository"
)

// passScoreWithoutReview is credited for a pass that carries no score, i.e. a
// green CI run.
const passScoreWithoutReview = 100.0

// CompletionObserver is told about every task that reached done.
type CompletionObserver interface {
	TaskCompleted(ctx context.Context, t *models.Task) error
}

// CandidateLedger is the candidate store used to record completions.
type CandidateLedger interface {
	GetCandidate(ctx context.Context, userID string) (*models.Candidate, error)
	Upsert(ctx context.Context, c *models.Candidate) error
}

// PerformanceTracker folds the score of every completed task into the
// assignee's running performance and marks the assignee active.
type PerformanceTracker struct {
	Store CandidateLedger
	Pool  *CandidatePool

	mu sync.Mutex
}

func NewPerformanceTracker(store CandidateLedger, pool *CandidatePool) *PerformanceTracker {
	return &PerformanceTracker{Store: store, Pool: pool}
}

// TaskCompleted updates the assignee of t. Unregistered assignees are skipped.
func (p *PerformanceTracker) TaskCompleted(ctx context.Context, t *models.Task) error {
	if t.AssigneeID == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.Store.GetCandidate(ctx, *t.AssigneeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load candidate %s: %w", *t.AssigneeID, err)
	}

	score := passScoreWithoutReview
	if t.LastScore != nil {
		score = *t.LastScore
	}
	n := float64(c.CompletedTasks)
	c.Performance = math.Round((c.Performance*n+score)/(n+1)*100) / 100
	c.CompletedTasks++
	c.LastActiveAt = completedAt(t)

	if err := p.Store.Upsert(ctx, c); err != nil {
		return fmt.Errorf("save candidate %s: %w", c.UserID, err)
	}
	if p.Pool != nil {
		p.Pool.Invalidate()
	}
	return nil
}

func completedAt(t *models.Task) time.Time {
	if t.DoneAt != nil {
		return *t.DoneAt
	}
	return time.Now().UTC()
}

func (l *Lifecycle) observeCompletion(ctx context.Context, t *models.Task) {
	if l.Completions == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, l.Config.ExternalTimeout)
	defer cancel()
	if err := l.Completions.TaskCompleted(cctx, t); err != nil {
		l.Logger.WarnContext(ctx, "recording completion failed", "task_id", t.ID, "error", err)
	}
}
