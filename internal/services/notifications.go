package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskrelay/backend/internal/models"
)

// Notifier is the chat platform collaborator.
type Notifier interface {
	Notify(ctx context.Context, recipient, message string) error
	CreateWorkspace(ctx context.Context, name string, members []string) (string, error)
	AddMembers(ctx context.Context, workspaceRef string, members []string) error
}

// notify delivers msg to each recipient. Delivery failures are logged and
// never change task state.
func (l *Lifecycle) notify(ctx context.Context, t *models.Task, recipients []string, msg string) {
	if l.Notifier == nil {
		return
	}
	for _, r := range recipients {
		if r == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, l.Config.ExternalTimeout)
		err := l.Notifier.Notify(cctx, r, msg)
		cancel()
		if err != nil {
			l.Logger.WarnContext(ctx, "notification failed", "task_id", t.ID, "recipient", r, "error", err)
		}
	}
}

func assignee(t *models.Task) []string {
	if t.AssigneeID == nil {
		return nil
	}
	return []string{*t.AssigneeID}
}

func assigneeAndRequester(t *models.Task) []string {
	return append(assignee(t), t.RequesterID)
}

func msgMissingFields(t *models.Task, missing []string) string {
	return fmt.Sprintf("Task %q needs more detail before candidates can be proposed: %s.", t.Title, strings.Join(missing, ", "))
}

func msgNoCandidate(t *models.Task) string {
	return fmt.Sprintf("No suitable candidate was found for task %q. Adjust the task or try matching again later.", t.Title)
}

func msgProposals(t *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Candidates for task %q:", t.Title)
	for i, p := range t.Proposals {
		fmt.Fprintf(&b, "\n%d. %s (%s)", i+1, p.CandidateID, p.Rationale)
	}
	return b.String()
}

func msgAssigned(t *models.Task) string {
	deadline := "no deadline"
	if t.Deadline != nil {
		deadline = "due " + t.Deadline.Format(time.RFC3339)
	}
	return fmt.Sprintf("You have been assigned task %q (%s).", t.Title, deadline)
}

func msgPassed(t *models.Task) string {
	return fmt.Sprintf("Task %q passed verification and is done.", t.Title)
}

func msgReturned(t *models.Task) string {
	return fmt.Sprintf("Task %q did not pass verification (attempt %d of %d): %s",
		t.Title, t.RetryCount, t.MaxRetries+1, strings.Join(t.LastReasons, "; "))
}

func msgPending(t *models.Task) string {
	return fmt.Sprintf("Verification of task %q is still pending.", t.Title)
}

func msgRetriesExhausted(t *models.Task) string {
	return fmt.Sprintf("Task %q was cancelled after %d failed verification attempts: %s",
		t.Title, t.MaxRetries+1, strings.Join(t.LastReasons, "; "))
}

func msgCancelled(t *models.Task) string {
	if t.CancelReason == "" {
		return fmt.Sprintf("Task %q was cancelled.", t.Title)
	}
	return fmt.Sprintf("Task %q was cancelled: %s", t.Title, t.CancelReason)
}

func msgHalfway(t *models.Task) string {
	return fmt.Sprintf("Reminder: half of the time for task %q has passed (due %s).", t.Title, t.Deadline.Format(time.RFC3339))
}

func msgFinal(t *models.Task, now time.Time) string {
	left := t.Deadline.Sub(now).Round(time.Hour)
	return fmt.Sprintf("Task %q is due in about %s.", t.Title, left)
}

func msgArchived(t *models.Task) string {
	return fmt.Sprintf("Task %q has been archived.", t.Title)
}
