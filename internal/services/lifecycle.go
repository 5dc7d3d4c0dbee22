package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskrelay/backend/internal/models"
	"github.com/taskrelay/backend/internal/repository"
)

const (
	defaultExternalTimeout = 10 * time.Second
	defaultMaxRetries      = 2
	maxRetriesCap          = 10
)

// CancelReasonRetriesExhausted is recorded when the last allowed verification failed.
const CancelReasonRetriesExhausted = "retries exhausted"

// TaskStore is the task repository interface used by the lifecycle.
type TaskStore interface {
	Create(ctx context.Context, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Update(ctx context.Context, t *models.Task) error
	List(ctx context.Context) ([]*models.Task, error)
	ListActive(ctx context.Context) ([]*models.Task, error)
}

// Shortlister produces ranked candidates for a task.
type Shortlister interface {
	Shortlist(ctx context.Context, task *models.Task) ([]Match, error)
}

// SubmissionVerifier decides pass, fail or pending for a submission.
type SubmissionVerifier interface {
	Verify(ctx context.Context, task *models.Task, sub Submission) (Verdict, error)
}

// LifecycleConfig holds the tunables of the lifecycle.
type LifecycleConfig struct {
	DefaultMaxRetries int
	// ExternalTimeout bounds every call to a collaborator.
	ExternalTimeout time.Duration
	// VerifyStaleAfter is the age after which a verification latch is treated as abandoned.
	VerifyStaleAfter    time.Duration
	ArchiveAfter        time.Duration
	FinalReminderWindow time.Duration
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		DefaultMaxRetries:   defaultMaxRetries,
		ExternalTimeout:     defaultExternalTimeout,
		VerifyStaleAfter:    5 * defaultExternalTimeout,
		ArchiveAfter:        7 * 24 * time.Hour,
		FinalReminderWindow: 24 * time.Hour,
	}
}

// Lifecycle is the task state machine. It is the only component that changes
// a task's status. Each trigger runs its read-modify-write under a per-task
// lock and the store's version check; no lock is held across a call to an
// external collaborator.
type Lifecycle struct {
	Store    TaskStore
	Matcher  Shortlister
	Verifier SubmissionVerifier
	Notifier Notifier
	Config   LifecycleConfig
	Logger   *slog.Logger

	// Completions, when set, is told about every task that reached done.
	Completions CompletionObserver

	now      func() time.Time
	locks    *keyedMutex
	inflight *inflightSet
}

// NewLifecycle returns a Lifecycle; zero config fields take their defaults.
func NewLifecycle(
	store TaskStore,
	matcher Shortlister,
	verifier SubmissionVerifier,
	notifier Notifier,
	cfg LifecycleConfig,
	logger *slog.Logger,
) *Lifecycle {
	def := DefaultLifecycleConfig()
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = def.ExternalTimeout
	}
	if cfg.VerifyStaleAfter <= 0 {
		cfg.VerifyStaleAfter = 5 * cfg.ExternalTimeout
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = def.ArchiveAfter
	}
	if cfg.FinalReminderWindow <= 0 {
		cfg.FinalReminderWindow = def.FinalReminderWindow
	}
	if cfg.DefaultMaxRetries < 0 || cfg.DefaultMaxRetries > maxRetriesCap {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		Store:    store,
		Matcher:  matcher,
		Verifier: verifier,
		Notifier: notifier,
		Config:   cfg,
		Logger:   logger,
		now:      time.Now,
		locks:    newKeyedMutex(),
		inflight: newInflightSet(),
	}
}

// errNoChange tells update to skip the save without reporting a failure.
var errNoChange = errors.New("no change")

// --- create ---

// CreateTaskInput carries the creation command.
type CreateTaskInput struct {
	Title              string
	Description        string
	SkillTags          []string
	Deadline           *time.Time
	AcceptanceCriteria string
	Kind               models.TaskKind
	RequesterID        string
	Watchers           []string
	MaxRetries         *int
}

// CreateTask validates the creation fields and stores the task in
// awaiting_fields. When every required field is already present it goes on
// to propose candidates.
func (l *Lifecycle) CreateTask(ctx context.Context, in CreateTaskInput) (*models.Task, error) {
	id := uuid.New()
	now := l.now()

	if err := l.validateCreate(in, now); err != nil {
		return nil, l.fail(ctx, id, TriggerCreate, err)
	}
	maxRetries := l.Config.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}

	t := &models.Task{
		ID:                 id,
		Title:              strings.TrimSpace(in.Title),
		Description:        strings.TrimSpace(in.Description),
		SkillTags:          models.NormalizeTags(in.SkillTags),
		Deadline:           in.Deadline,
		AcceptanceCriteria: strings.TrimSpace(in.AcceptanceCriteria),
		Kind:               in.Kind,
		RequesterID:        in.RequesterID,
		Watchers:           models.UniqueIDs(in.Watchers),
		Status:             models.TaskStatusDraft,
		MaxRetries:         maxRetries,
		CreatedAt:          now,
	}
	if err := transition(t, models.TaskStatusAwaitingFields); err != nil {
		return nil, l.fail(ctx, id, TriggerCreate, err)
	}
	if err := l.Store.Create(ctx, t); err != nil {
		return nil, l.fail(ctx, id, TriggerCreate, fmt.Errorf("create task: %w", err))
	}
	l.Logger.InfoContext(ctx, "task created", "task_id", t.ID, "kind", t.Kind, "requester_id", t.RequesterID)

	if missing := t.MissingFields(); len(missing) > 0 {
		l.notify(ctx, t, []string{t.RequesterID}, msgMissingFields(t, missing))
		return t, nil
	}
	return l.propose(ctx, t.ID)
}

func (l *Lifecycle) validateCreate(in CreateTaskInput, now time.Time) error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if strings.TrimSpace(in.RequesterID) == "" {
		return fmt.Errorf("%w: requester is required", ErrValidation)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: kind must be %q or %q", ErrValidation, models.TaskKindCode, models.TaskKindDocument)
	}
	if in.Deadline != nil && !in.Deadline.After(now) {
		return fmt.Errorf("%w: deadline must be in the future", ErrValidation)
	}
	if in.MaxRetries != nil && (*in.MaxRetries < 0 || *in.MaxRetries > maxRetriesCap) {
		return fmt.Errorf("%w: max_retries must be between 0 and %d", ErrValidation, maxRetriesCap)
	}
	return nil
}

// --- supply fields ---

// FieldsInput carries values for fields still missing on an awaiting_fields task.
type FieldsInput struct {
	Description        *string
	SkillTags          []string
	Deadline           *time.Time
	AcceptanceCriteria *string
}

// SupplyFields fills missing creation fields. Fields that already hold a
// value are immutable. Once nothing is missing, candidates are proposed.
func (l *Lifecycle) SupplyFields(ctx context.Context, id uuid.UUID, in FieldsInput) (*models.Task, error) {
	now := l.now()
	t, err := l.update(ctx, id, TriggerSupplyFields, func(t *models.Task) error {
		if t.Status != models.TaskStatusAwaitingFields {
			return fmt.Errorf("%w: fields can only be supplied while awaiting fields, task is %s", ErrInvalidTransition, t.Status)
		}
		if in.Description != nil {
			if t.Description != "" {
				return fmt.Errorf("%w: description is already set", ErrValidation)
			}
			t.Description = strings.TrimSpace(*in.Description)
		}
		if in.SkillTags != nil {
			if len(t.SkillTags) > 0 {
				return fmt.Errorf("%w: skill_tags are already set", ErrValidation)
			}
			t.SkillTags = models.NormalizeTags(in.SkillTags)
		}
		if in.Deadline != nil {
			if t.Deadline != nil {
				return fmt.Errorf("%w: deadline is already set", ErrValidation)
			}
			if !in.Deadline.After(now) {
				return fmt.Errorf("%w: deadline must be in the future", ErrValidation)
			}
			d := *in.Deadline
			t.Deadline = &d
		}
		if in.AcceptanceCriteria != nil {
			if t.AcceptanceCriteria != "" {
				return fmt.Errorf("%w: acceptance_criteria is already set", ErrValidation)
			}
			t.AcceptanceCriteria = strings.TrimSpace(*in.AcceptanceCriteria)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if missing := t.MissingFields(); len(missing) > 0 {
		l.notify(ctx, t, []string{t.RequesterID}, msgMissingFields(t, missing))
		return t, nil
	}
	return l.propose(ctx, t.ID)
}

// RequestMatch re-fires the field-completion trigger, e.g. after a no-match
// result or a transient matching failure.
func (l *Lifecycle) RequestMatch(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return l.propose(ctx, id)
}

// propose runs the matcher once and moves the task to candidates_proposed.
func (l *Lifecycle) propose(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	release, ok := l.inflight.acquire(id)
	if !ok {
		return nil, l.fail(ctx, id, TriggerMatch, ErrTransitionInFlight)
	}
	defer release()

	snap, err := l.get(ctx, id)
	if err != nil {
		return nil, l.fail(ctx, id, TriggerMatch, err)
	}
	if snap.Status != models.TaskStatusAwaitingFields {
		return nil, l.fail(ctx, id, TriggerMatch, fmt.Errorf("%w: matching requires awaiting_fields, task is %s", ErrInvalidTransition, snap.Status))
	}
	if missing := snap.MissingFields(); len(missing) > 0 {
		return nil, l.fail(ctx, id, TriggerMatch, fmt.Errorf("%w: missing fields: %s", ErrValidation, strings.Join(missing, ", ")))
	}

	cctx, cancel := context.WithTimeout(ctx, l.Config.ExternalTimeout)
	matches, err := l.Matcher.Shortlist(cctx, snap)
	cancel()
	switch {
	case errors.Is(err, ErrNoMatch):
		if errors.Is(err, ErrMalformedOracleResponse) {
			l.Logger.ErrorContext(ctx, "ranking oracle returned malformed output", "task_id", id, "error", err)
		}
		l.notify(ctx, snap, []string{snap.RequesterID}, msgNoCandidate(snap))
		return snap, l.fail(ctx, id, TriggerMatch, ErrNoSuitableCandidate)
	case err != nil && isTransient(err):
		return snap, l.fail(ctx, id, TriggerMatch, fmt.Errorf("%w: %v", ErrExternalService, err))
	case err != nil:
		return snap, l.fail(ctx, id, TriggerMatch, err)
	}

	t, err := l.update(ctx, id, TriggerMatch, func(t *models.Task) error {
		t.Proposals = t.Proposals[:0]
		for _, m := range matches {
			t.Proposals = append(t.Proposals, models.Proposal{CandidateID: m.CandidateID, Rationale: m.Rationale, Score: m.Score})
		}
		return transition(t, models.TaskStatusCandidatesProposed)
	})
	if err != nil {
		return nil, err
	}
	l.Logger.InfoContext(ctx, "candidates proposed", "task_id", id, "count", len(t.Proposals))
	l.notify(ctx, t, []string{t.RequesterID}, msgProposals(t))
	return t, nil
}

// --- select candidate ---

// SelectCandidate assigns one of the proposed candidates and opens the task
// workspace. A workspace failure leaves the task in candidates_proposed.
func (l *Lifecycle) SelectCandidate(ctx context.Context, id uuid.UUID, candidateID string) (*models.Task, error) {
	release, ok := l.inflight.acquire(id)
	if !ok {
		return nil, l.fail(ctx, id, TriggerSelect, ErrTransitionInFlight)
	}
	defer release()

	snap, err := l.get(ctx, id)
	if err != nil {
		return nil, l.fail(ctx, id, TriggerSelect, err)
	}
	if snap.Status != models.TaskStatusCandidatesProposed {
		return nil, l.fail(ctx, id, TriggerSelect, fmt.Errorf("%w: selection requires candidates_proposed, task is %s", ErrInvalidTransition, snap.Status))
	}
	if !snap.IsProposed(candidateID) {
		return nil, l.fail(ctx, id, TriggerSelect, fmt.Errorf("%w: candidate %q was not proposed", ErrValidation, candidateID))
	}

	var ref string
	if l.Notifier != nil {
		cctx, cancel := context.WithTimeout(ctx, l.Config.ExternalTimeout)
		ref, err = l.Notifier.CreateWorkspace(cctx, workspaceName(snap), uniqueMembers(candidateID, snap.RequesterID))
		if err == nil && len(snap.Watchers) > 0 {
			if werr := l.Notifier.AddMembers(cctx, ref, snap.Watchers); werr != nil {
				l.Logger.WarnContext(ctx, "adding watchers to workspace failed", "task_id", id, "workspace_ref", ref, "error", werr)
			}
		}
		cancel()
		if err != nil {
			return nil, l.fail(ctx, id, TriggerSelect, fmt.Errorf("%w: create workspace: %v", ErrExternalService, err))
		}
	}

	now := l.now()
	t, err := l.update(ctx, id, TriggerSelect, func(t *models.Task) error {
		if err := transition(t, models.TaskStatusAssigned); err != nil {
			return err
		}
		if t.AssigneeID != nil {
			return fmt.Errorf("%w: task already has an assignee", ErrInvalidTransition)
		}
		a := candidateID
		t.AssigneeID = &a
		t.AssignedAt = &now
		t.WorkspaceRef = ref
		return nil
	})
	if err != nil {
		if ref != "" {
			l.Logger.WarnContext(ctx, "workspace created for unassigned task", "task_id", id, "workspace_ref", ref)
		}
		return nil, err
	}
	l.Logger.InfoContext(ctx, "task assigned", "task_id", id, "assignee_id", candidateID)
	l.notify(ctx, t, assignee(t), msgAssigned(t))
	return t, nil
}

func workspaceName(t *models.Task) string {
	name := t.Title
	if r := []rune(name); len(r) > 60 {
		name = string(r[:60])
	}
	return fmt.Sprintf("[task] %s", name)
}

func uniqueMembers(ids ...string) []string {
	return models.UniqueIDs(ids)
}

// --- submit & verify ---

// Submit latches a submission and verifies it. Only one verification per task
// may be outstanding; a concurrent submission gets ErrAlreadyVerifying. Status
// and submission_ref change only once a verdict arrives, so a verifier error
// leaves the task as it was. A pending verdict keeps the task in progress
// without consuming a retry. The final failed attempt returns the cancelled
// task together with ErrRetriesExhausted.
func (l *Lifecycle) Submit(ctx context.Context, id uuid.UUID, ref string) (*models.Task, error) {
	now := l.now()
	var sub Submission
	t, err := l.update(ctx, id, TriggerSubmit, func(t *models.Task) error {
		switch t.Status {
		case models.TaskStatusAssigned, models.TaskStatusInProgress, models.TaskStatusReturned:
		default:
			return fmt.Errorf("%w: cannot submit while %s", ErrInvalidTransition, t.Status)
		}
		if l.verificationOutstanding(t, now) {
			return ErrAlreadyVerifying
		}
		var err error
		if sub, err = SubmissionFor(t, ref); err != nil {
			return err
		}
		t.Verifying = true
		t.VerifyingSince = &now
		t.VerifyingRef = sub.Ref()
		return nil
	})
	if err != nil {
		return t, err
	}

	cctx, cancel := context.WithTimeout(ctx, l.Config.ExternalTimeout)
	verdict, verr := l.Verifier.Verify(cctx, t, sub)
	cancel()

	return l.applyVerdict(ctx, id, TriggerSubmit, sub.Ref(), verdict, verr)
}

func (l *Lifecycle) verificationOutstanding(t *models.Task, now time.Time) bool {
	if !t.Verifying {
		return false
	}
	if t.VerifyingSince == nil {
		return true
	}
	return now.Sub(*t.VerifyingSince) < l.Config.VerifyStaleAfter
}

// applyVerdict releases the verification latch. On a verifier error nothing
// else changes; a verdict commits the in-progress edge and the submission
// reference before the outcome is applied.
func (l *Lifecycle) applyVerdict(ctx context.Context, id uuid.UUID, trigger Trigger, ref string, verdict Verdict, verr error) (*models.Task, error) {
	var exhausted bool
	t, err := l.update(ctx, id, trigger, func(t *models.Task) error {
		if !t.Verifying || t.VerifyingRef != ref {
			return fmt.Errorf("%w: verification result for %q was superseded", ErrTransitionInFlight, ref)
		}
		releaseLatch(t)
		if verr != nil {
			return nil
		}
		if t.Status != models.TaskStatusInProgress {
			if err := transition(t, models.TaskStatusInProgress); err != nil {
				return err
			}
		}
		t.SubmissionRef = ref
		var err error
		exhausted, err = l.applyOutcome(t, verdict)
		return err
	})
	if err != nil {
		return t, err
	}

	if verr != nil {
		if !isTransient(verr) {
			return t, l.fail(ctx, id, trigger, verr)
		}
		return t, l.fail(ctx, id, trigger, fmt.Errorf("%w: %v", ErrExternalService, verr))
	}
	if verdict.InternalErr != nil {
		l.Logger.ErrorContext(ctx, "verification output flagged", "task_id", id, "trigger", trigger, "error", verdict.InternalErr)
	}
	return t, l.afterOutcome(ctx, t, trigger, exhausted)
}

// applyOutcome mutates t according to the verdict. It reports whether the
// failure exhausted the retry budget.
func (l *Lifecycle) applyOutcome(t *models.Task, v Verdict) (bool, error) {
	t.LastVerdict = v.Outcome.String()
	t.LastScore = v.Score
	t.LastReasons = v.Reasons

	switch v.Outcome {
	case OutcomePass:
		if err := transition(t, models.TaskStatusDone); err != nil {
			return false, err
		}
		now := l.now()
		t.DoneAt = &now
		return false, nil
	case OutcomeFail:
		if t.RetryCount < t.MaxRetries {
			if err := transition(t, models.TaskStatusReturned); err != nil {
				return false, err
			}
			t.RetryCount++
			return false, nil
		}
		if err := cancelTask(t, CancelReasonRetriesExhausted); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

func (l *Lifecycle) afterOutcome(ctx context.Context, t *models.Task, trigger Trigger, exhausted bool) error {
	l.Logger.InfoContext(ctx, "verification applied", "task_id", t.ID, "trigger", trigger, "verdict", t.LastVerdict, "status", t.Status, "retry_count", t.RetryCount)
	switch {
	case exhausted:
		l.notify(ctx, t, t.Stakeholders(), msgRetriesExhausted(t))
		return l.fail(ctx, t.ID, trigger, ErrRetriesExhausted)
	case t.Status == models.TaskStatusDone:
		l.observeCompletion(ctx, t)
		l.notify(ctx, t, assigneeAndRequester(t), msgPassed(t))
	case t.Status == models.TaskStatusReturned:
		l.notify(ctx, t, assignee(t), msgReturned(t))
	default:
		l.notify(ctx, t, assignee(t), msgPending(t))
	}
	return nil
}

// ApplyCIResult resolves a pending verdict from a CI callback. ref, when not
// empty, must equal the pending submission reference.
func (l *Lifecycle) ApplyCIResult(ctx context.Context, id uuid.UUID, ref string, state models.CIState) (*models.Task, error) {
	verdict := VerdictForCIState(state)
	var exhausted bool
	t, err := l.update(ctx, id, TriggerCIResult, func(t *models.Task) error {
		if t.Status != models.TaskStatusInProgress {
			return fmt.Errorf("%w: no verification pending while %s", ErrInvalidTransition, t.Status)
		}
		if t.Verifying {
			return ErrAlreadyVerifying
		}
		if t.LastVerdict != models.VerdictPending || t.Kind != models.TaskKindCode {
			return fmt.Errorf("%w: task has no pending code verification", ErrInvalidTransition)
		}
		if ref != "" && ref != t.SubmissionRef {
			return fmt.Errorf("%w: CI result is for %q, pending submission is %q", ErrValidation, ref, t.SubmissionRef)
		}
		if verdict.Outcome == OutcomePending {
			return errNoChange
		}
		var err error
		exhausted, err = l.applyOutcome(t, verdict)
		return err
	})
	if errors.Is(err, errNoChange) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	return t, l.afterOutcome(ctx, t, TriggerCIResult, exhausted)
}

// --- cancel ---

// Cancel stops a task that is not yet done.
func (l *Lifecycle) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Task, error) {
	t, err := l.update(ctx, id, TriggerCancel, func(t *models.Task) error {
		return cancelTask(t, strings.TrimSpace(reason))
	})
	if err != nil {
		return t, err
	}
	l.Logger.InfoContext(ctx, "task cancelled", "task_id", id, "reason", t.CancelReason)
	l.notify(ctx, t, t.Stakeholders(), msgCancelled(t))
	return t, nil
}

// cancelTask moves t to cancelled, releasing the assignee and any latch.
func cancelTask(t *models.Task, reason string) error {
	if err := transition(t, models.TaskStatusCancelled); err != nil {
		return err
	}
	if t.AssigneeID != nil {
		t.PreviousAssigneeID = t.AssigneeID
		t.AssigneeID = nil
	}
	releaseLatch(t)
	t.CancelReason = reason
	return nil
}

func releaseLatch(t *models.Task) {
	t.Verifying = false
	t.VerifyingSince = nil
	t.VerifyingRef = ""
}

// --- scheduler triggers ---

// RemindHalfway sends the half-life reminder once per task. The latch is
// stored before the notification goes out.
func (l *Lifecycle) RemindHalfway(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	t, err := l.update(ctx, id, TriggerRemind, func(t *models.Task) error {
		if !halfwayReminderDue(t, now) {
			return errNoChange
		}
		t.Reminded = true
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.notify(ctx, t, assigneeAndRequester(t), msgHalfway(t))
	return true, nil
}

// RemindFinal sends the last-window deadline reminder once per task.
func (l *Lifecycle) RemindFinal(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	t, err := l.update(ctx, id, TriggerFinalReminder, func(t *models.Task) error {
		if !finalReminderDue(t, now, l.Config.FinalReminderWindow) {
			return errNoChange
		}
		t.FinalReminded = true
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.notify(ctx, t, assigneeAndRequester(t), msgFinal(t, now))
	return true, nil
}

// Archive moves a done task to archived once the retention period passed.
func (l *Lifecycle) Archive(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	t, err := l.update(ctx, id, TriggerArchive, func(t *models.Task) error {
		if !archivalDue(t, now, l.Config.ArchiveAfter) {
			return errNoChange
		}
		return transition(t, models.TaskStatusArchived)
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.Logger.InfoContext(ctx, "task archived", "task_id", id)
	l.notify(ctx, t, []string{t.RequesterID}, msgArchived(t))
	return true, nil
}

// remindable reports whether deadline reminders apply: the task is assigned,
// started or not.
func remindable(s models.TaskStatus) bool {
	return s == models.TaskStatusAssigned || s == models.TaskStatusInProgress
}

func halfwayReminderDue(t *models.Task, now time.Time) bool {
	if !remindable(t.Status) || t.Reminded {
		return false
	}
	half, ok := t.HalfwayPoint()
	return ok && !now.Before(half)
}

func finalReminderDue(t *models.Task, now time.Time, window time.Duration) bool {
	if !remindable(t.Status) || t.FinalReminded || t.Deadline == nil {
		return false
	}
	left := t.Deadline.Sub(now)
	return left > 0 && left <= window
}

func archivalDue(t *models.Task, now time.Time, after time.Duration) bool {
	return t.Status == models.TaskStatusDone && t.DoneAt != nil && now.Sub(*t.DoneAt) >= after
}

// --- queries ---

func (l *Lifecycle) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	t, err := l.get(ctx, id)
	if err != nil {
		return nil, &TriggerError{TaskID: id, Trigger: TriggerGet, Err: err}
	}
	return t, nil
}

// ListActive returns every task that is neither archived nor cancelled.
func (l *Lifecycle) ListActive(ctx context.Context) ([]*models.Task, error) {
	return l.Store.ListActive(ctx)
}

// --- helpers ---

func (l *Lifecycle) get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	t, err := l.Store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// update loads the task under its lock, applies fn to a copy and saves the
// copy. When fn fails the stored task is returned unchanged with the error.
func (l *Lifecycle) update(ctx context.Context, id uuid.UUID, trigger Trigger, fn func(t *models.Task) error) (*models.Task, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	cur, err := l.get(ctx, id)
	if err != nil {
		return nil, l.fail(ctx, id, trigger, err)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errNoChange) {
			return cur, err
		}
		return cur, l.fail(ctx, id, trigger, err)
	}
	if err := l.Store.Update(ctx, next); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			err = fmt.Errorf("%w: %v", ErrTransitionInFlight, err)
		} else if errors.Is(err, repository.ErrNotFound) {
			err = ErrTaskNotFound
		} else {
			err = fmt.Errorf("save task: %w", err)
		}
		return cur, l.fail(ctx, id, trigger, err)
	}
	return next, nil
}

// fail wraps err in a TriggerError and logs it once.
func (l *Lifecycle) fail(ctx context.Context, id uuid.UUID, trigger Trigger, err error) error {
	var te *TriggerError
	if errors.As(err, &te) {
		return err
	}
	te = &TriggerError{TaskID: id, Trigger: trigger, Err: err}
	attrs := []any{"task_id", id, "trigger", trigger, "error", err}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyVerifying),
		errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrNoSuitableCandidate),
		errors.Is(err, ErrTransitionInFlight),
		errors.Is(err, ErrRetriesExhausted):
		l.Logger.InfoContext(ctx, "trigger rejected", attrs...)
	case errors.Is(err, ErrExternalService):
		l.Logger.WarnContext(ctx, "trigger failed on external service", attrs...)
	default:
		l.Logger.ErrorContext(ctx, "trigger failed", attrs...)
	}
	return te
}
