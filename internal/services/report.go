package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/taskrelay/backend/internal/models"
)

// Report summarizes all tasks known to the store.
type Report struct {
	GeneratedAt      time.Time                 `json:"generated_at"`
	Total            int                       `json:"total"`
	ByStatus         map[models.TaskStatus]int `json:"by_status"`
	Active           int                       `json:"active"`
	Completed        int                       `json:"completed"`
	Cancelled        int                       `json:"cancelled"`
	RetriesExhausted int                       `json:"retries_exhausted"`
	Overdue          int                       `json:"overdue"`
	// CompletionRate is completed / (completed + cancelled), in percent.
	CompletionRate float64  `json:"completion_rate"`
	AverageRetries float64  `json:"average_retries"`
	AverageScore   *float64 `json:"average_score,omitempty"`
}

// Report builds the summary over every stored task.
func (l *Lifecycle) Report(ctx context.Context) (*Report, error) {
	tasks, err := l.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return BuildReport(tasks, l.now()), nil
}

func BuildReport(tasks []*models.Task, now time.Time) *Report {
	r := &Report{GeneratedAt: now, ByStatus: make(map[models.TaskStatus]int, len(models.AllTaskStatuses))}
	for _, s := range models.AllTaskStatuses {
		r.ByStatus[s] = 0
	}

	var retries, scored int
	var scoreSum float64
	for _, t := range tasks {
		r.Total++
		r.ByStatus[t.Status]++
		switch t.Status {
		case models.TaskStatusDone, models.TaskStatusArchived:
			r.Completed++
			retries += t.RetryCount
			if t.LastScore != nil {
				scored++
				scoreSum += *t.LastScore
			}
		case models.TaskStatusCancelled:
			r.Cancelled++
			if t.CancelReason == CancelReasonRetriesExhausted {
				r.RetriesExhausted++
			}
		default:
			r.Active++
			if t.Deadline != nil && now.After(*t.Deadline) {
				r.Overdue++
			}
		}
	}

	if closed := r.Completed + r.Cancelled; closed > 0 {
		r.CompletionRate = round2(float64(r.Completed) * 100 / float64(closed))
	}
	if r.Completed > 0 {
		r.AverageRetries = round2(float64(retries) / float64(r.Completed))
	}
	if scored > 0 {
		avg := round2(scoreSum / float64(scored))
		r.AverageScore = &avg
	}
	return r
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
