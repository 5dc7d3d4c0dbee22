package services

import (
	"fmt"

	"github.com/taskrelay/backend/internal/models"
)

// Authorize reports whether actorID may fire trigger on t. Requester-only
// triggers are field supply, matching, selection and cancellation; only the
// assignee may submit. Other triggers are open to any authenticated actor.
func Authorize(t *models.Task, actorID string, trigger Trigger) error {
	switch trigger {
	case TriggerSupplyFields, TriggerMatch, TriggerSelect, TriggerCancel:
		if actorID != t.RequesterID {
			return fmt.Errorf("%w: only the requester may %s", ErrNotAuthorized, trigger)
		}
	case TriggerSubmit:
		if t.AssigneeID == nil || actorID != *t.AssigneeID {
			return fmt.Errorf("%w: only the assignee may submit", ErrNotAuthorized)
		}
	}
	return nil
}
