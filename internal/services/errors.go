package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrValidation can be used with errors.Is to detect rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition is returned when a trigger is not allowed from the task's current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadyVerifying is returned when a submission arrives while another is being verified.
	ErrAlreadyVerifying = errors.New("verification already in progress")
	// ErrRetriesExhausted accompanies the Cancelled snapshot after the final failed verification.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrExternalService marks a transient collaborator failure or timeout. The trigger can be retried.
	ErrExternalService = errors.New("external service unavailable")
	// ErrMalformedOracleResponse marks oracle output that failed shape validation.
	ErrMalformedOracleResponse = errors.New("malformed oracle response")
	// ErrNoMatch is returned by rankers when no candidate qualifies.
	ErrNoMatch = errors.New("no match")
	// ErrNoSuitableCandidate is the lifecycle signal for ErrNoMatch; the task stays in awaiting_fields.
	ErrNoSuitableCandidate = errors.New("no suitable candidate")
	// ErrTaskNotFound is returned when the task id is unknown.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTransitionInFlight is returned when another trigger for the same task is mid-flight.
	// Callers may retry.
	ErrTransitionInFlight = errors.New("transition in flight")
	// ErrNotAuthorized is returned when the acting user may not fire the trigger.
	ErrNotAuthorized = errors.New("not authorized")
)

// Trigger names an external event fed into the lifecycle.
type Trigger string

const (
	TriggerCreate        Trigger = "create"
	TriggerSupplyFields  Trigger = "supply_fields"
	TriggerMatch         Trigger = "match"
	TriggerSelect        Trigger = "select_candidate"
	TriggerSubmit        Trigger = "submit"
	TriggerCIResult      Trigger = "ci_result"
	TriggerCancel        Trigger = "cancel"
	TriggerRemind        Trigger = "remind"
	TriggerFinalReminder Trigger = "final_reminder"
	TriggerArchive       Trigger = "archive"
	TriggerGet           Trigger = "get"
)

// TriggerError wraps every error returned by a lifecycle trigger.
type TriggerError struct {
	TaskID  uuid.UUID
	Trigger Trigger
	Err     error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("%s task %s: %v", e.Trigger, e.TaskID, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }
