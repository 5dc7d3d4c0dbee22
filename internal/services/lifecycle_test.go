package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskrelay/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Create & supply fields
// ---------------------------------------------------------------------------

func TestCreateTask_MissingFieldsAwaitsRequester(t *testing.T) {
	h := newHarness(t)
	in := completeInput(models.TaskKindCode)
	in.Description = ""
	in.Deadline = nil

	task, err := h.l.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != models.TaskStatusAwaitingFields {
		t.Fatalf("expected awaiting_fields, got %s", task.Status)
	}
	if h.matcher.calls != 0 {
		t.Errorf("matcher must not run with missing fields, ran %d times", h.matcher.calls)
	}
	if got := h.notifier.recipients(); !slices.Equal(got, []string{"u-req"}) {
		t.Errorf("expected requester notified, got %v", got)
	}
	if !slices.Equal(task.SkillTags, []string{"go", "sql"}) {
		t.Errorf("expected normalized tags, got %v", task.SkillTags)
	}
	if task.MaxRetries != defaultMaxRetries {
		t.Errorf("expected default max_retries %d, got %d", defaultMaxRetries, task.MaxRetries)
	}
}

func TestCreateTask_CompleteProposesCandidates(t *testing.T) {
	h := newHarness(t)

	task, err := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != models.TaskStatusCandidatesProposed {
		t.Fatalf("expected candidates_proposed, got %s", task.Status)
	}
	if len(task.Proposals) != 2 || task.Proposals[0].CandidateID != "u-alice" {
		t.Errorf("unexpected proposals: %+v", task.Proposals)
	}
	if got := h.stored(t, task.ID); got.Status != models.TaskStatusCandidatesProposed {
		t.Errorf("stored status = %s", got.Status)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	tooMany := maxRetriesCap + 1
	cases := map[string]func(in *CreateTaskInput){
		"empty title":      func(in *CreateTaskInput) { in.Title = "  " },
		"no requester":     func(in *CreateTaskInput) { in.RequesterID = "" },
		"unknown kind":     func(in *CreateTaskInput) { in.Kind = "video" },
		"past deadline":    func(in *CreateTaskInput) { in.Deadline = deadlineIn(-time.Hour) },
		"too many retries": func(in *CreateTaskInput) { in.MaxRetries = &tooMany },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			in := completeInput(models.TaskKindCode)
			mutate(&in)

			_, err := h.l.CreateTask(context.Background(), in)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var te *TriggerError
			if !errors.As(err, &te) || te.Trigger != TriggerCreate {
				t.Errorf("expected create TriggerError, got %#v", err)
			}
			if all, _ := h.store.List(context.Background()); len(all) != 0 {
				t.Errorf("nothing should be stored, got %d tasks", len(all))
			}
		})
	}
}

func TestSupplyFields_CompletesAndProposes(t *testing.T) {
	h := newHarness(t)
	in := completeInput(models.TaskKindDocument)
	in.AcceptanceCriteria = ""
	task, _ := h.l.CreateTask(context.Background(), in)

	criteria := "Covers all regions"
	task, err := h.l.SupplyFields(context.Background(), task.ID, FieldsInput{AcceptanceCriteria: &criteria})
	if err != nil {
		t.Fatalf("SupplyFields: %v", err)
	}
	if task.Status != models.TaskStatusCandidatesProposed {
		t.Fatalf("expected candidates_proposed, got %s", task.Status)
	}
	if task.AcceptanceCriteria != criteria {
		t.Errorf("criteria not stored: %q", task.AcceptanceCriteria)
	}
}

func TestSupplyFields_StillMissingStaysAwaiting(t *testing.T) {
	h := newHarness(t)
	in := completeInput(models.TaskKindCode)
	in.Description = ""
	in.Deadline = nil
	task, _ := h.l.CreateTask(context.Background(), in)

	desc := "Now described"
	task, err := h.l.SupplyFields(context.Background(), task.ID, FieldsInput{Description: &desc})
	if err != nil {
		t.Fatalf("SupplyFields: %v", err)
	}
	if task.Status != models.TaskStatusAwaitingFields {
		t.Fatalf("expected awaiting_fields, got %s", task.Status)
	}
	if h.matcher.calls != 0 {
		t.Errorf("matcher ran before all fields were present")
	}
}

func TestSupplyFields_AlreadySetIsRejected(t *testing.T) {
	h := newHarness(t)
	in := completeInput(models.TaskKindCode)
	in.Deadline = nil
	task, _ := h.l.CreateTask(context.Background(), in)

	desc := "Overwrite attempt"
	_, err := h.l.SupplyFields(context.Background(), task.ID, FieldsInput{Description: &desc})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if got := h.stored(t, task.ID); got.Description != in.Description {
		t.Errorf("description changed to %q", got.Description)
	}
}

func TestSupplyFields_WrongStatus(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)

	desc := "late"
	_, err := h.l.SupplyFields(context.Background(), task.ID, FieldsInput{Description: &desc})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

func TestMatch_NoSuitableCandidate(t *testing.T) {
	h := newHarness(t)
	h.matcher.matches = nil
	h.matcher.err = ErrNoMatch

	task, err := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))
	if !errors.Is(err, ErrNoSuitableCandidate) {
		t.Fatalf("expected ErrNoSuitableCandidate, got %v", err)
	}
	if task == nil || task.Status != models.TaskStatusAwaitingFields {
		t.Fatalf("expected snapshot in awaiting_fields, got %+v", task)
	}
	if got := h.notifier.recipients(); !slices.Contains(got, "u-req") {
		t.Errorf("requester should be told no candidate was found, got %v", got)
	}

	// A later match request succeeds once candidates exist.
	h.matcher.err = nil
	h.matcher.matches = []Match{{CandidateID: "u-carol", Rationale: "available"}}
	task, err = h.l.RequestMatch(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("RequestMatch: %v", err)
	}
	if task.Status != models.TaskStatusCandidatesProposed || !task.IsProposed("u-carol") {
		t.Errorf("unexpected task after rematch: %s %+v", task.Status, task.Proposals)
	}
}

func TestMatch_ExternalFailureKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.matcher.err = fmt.Errorf("%w: oracle timeout", ErrExternalService)

	task, err := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	if got := h.stored(t, task.ID); got.Status != models.TaskStatusAwaitingFields {
		t.Errorf("expected awaiting_fields, got %s", got.Status)
	}
}

func TestRequestMatch_WrongStatus(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)

	if _, err := h.l.RequestMatch(context.Background(), task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

func TestSelectCandidate_AssignsAndOpensWorkspace(t *testing.T) {
	h := newHarness(t)
	task, _ := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))
	h.notifier.reset()

	task, err := h.l.SelectCandidate(context.Background(), task.ID, "u-alice")
	if err != nil {
		t.Fatalf("SelectCandidate: %v", err)
	}
	if task.Status != models.TaskStatusAssigned {
		t.Fatalf("expected assigned, got %s", task.Status)
	}
	if task.AssigneeID == nil || *task.AssigneeID != "u-alice" {
		t.Fatalf("expected assignee u-alice, got %v", task.AssigneeID)
	}
	if task.WorkspaceRef != "ws-1" || task.AssignedAt == nil {
		t.Errorf("workspace or assigned_at missing: %q %v", task.WorkspaceRef, task.AssignedAt)
	}
	if len(h.notifier.workspaces) != 1 || !slices.Equal(h.notifier.workspaces[0], []string{"u-alice", "u-req"}) {
		t.Errorf("unexpected workspace members: %v", h.notifier.workspaces)
	}
	if len(h.notifier.added) != 1 || !slices.Equal(h.notifier.added[0], []string{"u-watch"}) {
		t.Errorf("watchers not added: %v", h.notifier.added)
	}
	if got := h.notifier.recipients(); !slices.Equal(got, []string{"u-alice"}) {
		t.Errorf("expected assignee notified, got %v", got)
	}
}

func TestSelectCandidate_NotProposed(t *testing.T) {
	h := newHarness(t)
	task, _ := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))

	_, err := h.l.SelectCandidate(context.Background(), task.ID, "u-mallory")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if got := h.stored(t, task.ID); got.AssigneeID != nil {
		t.Errorf("assignee set for rejected selection")
	}
}

func TestSelectCandidate_WorkspaceFailureKeepsProposal(t *testing.T) {
	h := newHarness(t)
	task, _ := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))
	h.notifier.workspaceErr = errors.New("chat down")

	_, err := h.l.SelectCandidate(context.Background(), task.ID, "u-alice")
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	got := h.stored(t, task.ID)
	if got.Status != models.TaskStatusCandidatesProposed || got.AssigneeID != nil {
		t.Errorf("task changed after workspace failure: %s %v", got.Status, got.AssigneeID)
	}
}

func TestSelectCandidate_WatcherFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	task, _ := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))
	h.notifier.addErr = errors.New("rate limited")

	task, err := h.l.SelectCandidate(context.Background(), task.ID, "u-alice")
	if err != nil {
		t.Fatalf("SelectCandidate: %v", err)
	}
	if task.Status != models.TaskStatusAssigned {
		t.Errorf("expected assigned, got %s", task.Status)
	}
}

// ---------------------------------------------------------------------------
// Submission & verification
// ---------------------------------------------------------------------------

func TestSubmit_PassCompletesTask(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(pass())

	task, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/7")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != models.TaskStatusDone {
		t.Fatalf("expected done, got %s", task.Status)
	}
	if task.DoneAt == nil || !task.DoneAt.Equal(t0) {
		t.Errorf("done_at = %v", task.DoneAt)
	}
	if task.Verifying || task.RetryCount != 0 || task.LastVerdict != models.VerdictPass {
		t.Errorf("unexpected verification state: verifying=%v retries=%d verdict=%q", task.Verifying, task.RetryCount, task.LastVerdict)
	}
	if got := h.notifier.recipients(); !slices.Equal(got, []string{"u-alice", "u-req"}) {
		t.Errorf("expected assignee and requester notified, got %v", got)
	}
}

func TestSubmit_FailReturnsAndConsumesRetry(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(failWith("CI reported failure"))

	task, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/7")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != models.TaskStatusReturned || task.RetryCount != 1 {
		t.Fatalf("expected returned with 1 retry, got %s/%d", task.Status, task.RetryCount)
	}
	if !slices.Equal(task.LastReasons, []string{"CI reported failure"}) {
		t.Errorf("reasons = %v", task.LastReasons)
	}
	if got := h.notifier.recipients(); !slices.Equal(got, []string{"u-alice"}) {
		t.Errorf("expected assignee notified, got %v", got)
	}
}

func TestSubmit_RetryBoundCancels(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 1)
	h.verifier.queue(failWith("first"), failWith("second"))

	if _, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/commit/abc1234"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	task, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/commit/def5678")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if task == nil || task.Status != models.TaskStatusCancelled {
		t.Fatalf("expected cancelled snapshot, got %+v", task)
	}
	if task.CancelReason != CancelReasonRetriesExhausted {
		t.Errorf("cancel reason = %q", task.CancelReason)
	}
	if task.AssigneeID != nil || task.PreviousAssigneeID == nil || *task.PreviousAssigneeID != "u-alice" {
		t.Errorf("assignee not released: %v / %v", task.AssigneeID, task.PreviousAssigneeID)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", task.RetryCount)
	}
	got := h.notifier.recipients()
	for _, want := range []string{"u-req", "u-alice", "u-watch"} {
		if !slices.Contains(got, want) {
			t.Errorf("%s not notified, got %v", want, got)
		}
	}
}

func TestSubmit_DocumentScoresEndToEnd(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindDocument, 2)
	h.verifier.queue(
		scored(60, "missing totals"),
		scored(60, "totals still missing"),
		scored(90),
	)

	ctx := context.Background()
	for i, ref := range []string{"doc-v1", "doc-v2"} {
		var err error
		task, err = h.l.Submit(ctx, task.ID, ref)
		if err != nil {
			t.Fatalf("submit %d: %v", i+1, err)
		}
		if task.Status != models.TaskStatusReturned {
			t.Fatalf("submit %d: expected returned, got %s", i+1, task.Status)
		}
	}
	task, err := h.l.Submit(ctx, task.ID, "doc-v3")
	if err != nil {
		t.Fatalf("final submit: %v", err)
	}
	if task.Status != models.TaskStatusDone {
		t.Fatalf("expected done, got %s", task.Status)
	}
	if task.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", task.RetryCount)
	}
	if task.LastScore == nil || *task.LastScore != 90 {
		t.Errorf("last_score = %v", task.LastScore)
	}
}

func TestSubmit_PendingKeepsInProgressWithoutRetry(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(pendingResult())
	ref := "https://github.com/acme/app/pull/7"

	task, err := h.l.Submit(context.Background(), task.ID, ref)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != models.TaskStatusInProgress || task.RetryCount != 0 || task.Verifying {
		t.Fatalf("unexpected pending state: %s retries=%d verifying=%v", task.Status, task.RetryCount, task.Verifying)
	}
	if task.LastVerdict != models.VerdictPending {
		t.Errorf("last_verdict = %q", task.LastVerdict)
	}

	task, err = h.l.ApplyCIResult(context.Background(), task.ID, ref, models.CIStateSuccess)
	if err != nil {
		t.Fatalf("ApplyCIResult: %v", err)
	}
	if task.Status != models.TaskStatusDone {
		t.Errorf("expected done after CI success, got %s", task.Status)
	}
}

func TestSubmit_ConcurrentSubmissionsVerifyOnce(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.entered = make(chan struct{}, 1)
	h.verifier.gate = make(chan struct{})
	h.verifier.queue(pass())

	type result struct {
		task *models.Task
		err  error
	}
	first := make(chan result, 1)
	go func() {
		tk, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/1")
		first <- result{tk, err}
	}()
	<-h.verifier.entered

	_, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/2")
	if !errors.Is(err, ErrAlreadyVerifying) {
		t.Fatalf("second submission: expected ErrAlreadyVerifying, got %v", err)
	}

	close(h.verifier.gate)
	res := <-first
	if res.err != nil {
		t.Fatalf("first submission: %v", res.err)
	}
	if res.task.Status != models.TaskStatusDone {
		t.Errorf("expected done, got %s", res.task.Status)
	}
	if h.verifier.calls != 1 {
		t.Errorf("expected exactly one verification, got %d", h.verifier.calls)
	}
	if res.task.SubmissionRef != "https://github.com/acme/app/pull/1" {
		t.Errorf("submission_ref = %q", res.task.SubmissionRef)
	}
}

func TestSubmit_TransientFailureReleasesLatch(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(
		verifyResult{err: fmt.Errorf("%w: ci status: timeout", ErrExternalService)},
		pass(),
	)

	_, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/7")
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	got := h.stored(t, task.ID)
	if got.Verifying || got.Status != models.TaskStatusAssigned || got.RetryCount != 0 {
		t.Fatalf("unexpected state after transient failure: verifying=%v %s retries=%d", got.Verifying, got.Status, got.RetryCount)
	}
	if got.SubmissionRef != "" || got.VerifyingRef != "" || got.LastVerdict != "" {
		t.Fatalf("submission recorded after transient failure: ref=%q verifying_ref=%q verdict=%q", got.SubmissionRef, got.VerifyingRef, got.LastVerdict)
	}

	task, err = h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/7")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if task.Status != models.TaskStatusDone {
		t.Errorf("expected done, got %s", task.Status)
	}
}

func TestSubmit_TransientFailureKeepsReturnedTask(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(failWith("tests red"))
	if _, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	before := h.stored(t, task.ID)
	if before.Status != models.TaskStatusReturned {
		t.Fatalf("expected returned, got %s", before.Status)
	}

	h.verifier.queue(verifyResult{err: fmt.Errorf("%w: ci status: timeout", ErrExternalService)})
	_, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/2")
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	got := h.stored(t, task.ID)
	if got.Status != models.TaskStatusReturned || got.RetryCount != 1 || got.Verifying {
		t.Fatalf("returned task changed: %s retries=%d verifying=%v", got.Status, got.RetryCount, got.Verifying)
	}
	if got.SubmissionRef != before.SubmissionRef || got.LastVerdict != models.VerdictFail {
		t.Fatalf("submission changed: ref=%q verdict=%q", got.SubmissionRef, got.LastVerdict)
	}

	_, err = h.l.ApplyCIResult(context.Background(), task.ID, "https://github.com/acme/app/pull/2", models.CIStateSuccess)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CI result for unverified ref: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSubmit_UnresolvableRefLeavesTaskUnchanged(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(verifyResult{err: fmt.Errorf("%w: %v", ErrValidation, models.ErrUnsupportedRef)})

	_, err := h.l.Submit(context.Background(), task.ID, "not-a-github-url")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	got := h.stored(t, task.ID)
	if got.Status != models.TaskStatusAssigned || got.Verifying || got.SubmissionRef != "" {
		t.Fatalf("task changed: %s verifying=%v ref=%q", got.Status, got.Verifying, got.SubmissionRef)
	}
}

func TestSubmit_StaleLatchIsIgnored(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)

	stale := h.stored(t, task.ID)
	stale.Status = models.TaskStatusInProgress
	stale.Verifying = true
	since := t0.Add(-time.Hour)
	stale.VerifyingSince = &since
	stale.VerifyingRef = "https://github.com/acme/app/pull/1"
	if err := h.store.Update(context.Background(), stale); err != nil {
		t.Fatalf("seed stale latch: %v", err)
	}

	h.verifier.queue(pass())
	task, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/2")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != models.TaskStatusDone {
		t.Errorf("expected done, got %s", task.Status)
	}
}

func TestSubmit_RejectedOutsideWorkStates(t *testing.T) {
	h := newHarness(t)
	task, _ := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))

	_, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/7")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if h.verifier.calls != 0 {
		t.Errorf("verifier called for rejected submission")
	}
}

func TestSubmit_EmptyRef(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)

	_, err := h.l.Submit(context.Background(), task.ID, "   ")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if got := h.stored(t, task.ID); got.Status != models.TaskStatusAssigned || got.Verifying {
		t.Errorf("task changed by rejected submission: %s verifying=%v", got.Status, got.Verifying)
	}
}

func TestSubmit_NotificationFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.notifier.failNotify = true
	h.verifier.queue(pass())

	task, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/7")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != models.TaskStatusDone {
		t.Errorf("expected done, got %s", task.Status)
	}
}

// ---------------------------------------------------------------------------
// CI callbacks
// ---------------------------------------------------------------------------

func pendingCodeTask(t *testing.T, h *harness, ref string) *models.Task {
	t.Helper()
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(pendingResult())
	task, err := h.l.Submit(context.Background(), task.ID, ref)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return task
}

func TestApplyCIResult(t *testing.T) {
	const ref = "https://github.com/acme/app/pull/7"

	t.Run("in progress state changes nothing", func(t *testing.T) {
		h := newHarness(t)
		task := pendingCodeTask(t, h, ref)
		got, err := h.l.ApplyCIResult(context.Background(), task.ID, ref, models.CIStateInProgress)
		if err != nil {
			t.Fatalf("ApplyCIResult: %v", err)
		}
		if got.Status != models.TaskStatusInProgress || got.Version != task.Version {
			t.Errorf("task changed: %s v%d -> v%d", got.Status, task.Version, got.Version)
		}
	})

	t.Run("failure returns the task", func(t *testing.T) {
		h := newHarness(t)
		task := pendingCodeTask(t, h, ref)
		got, err := h.l.ApplyCIResult(context.Background(), task.ID, "", models.CIStateFailure)
		if err != nil {
			t.Fatalf("ApplyCIResult: %v", err)
		}
		if got.Status != models.TaskStatusReturned || got.RetryCount != 1 {
			t.Errorf("expected returned/1, got %s/%d", got.Status, got.RetryCount)
		}
	})

	t.Run("other ref is rejected", func(t *testing.T) {
		h := newHarness(t)
		task := pendingCodeTask(t, h, ref)
		_, err := h.l.ApplyCIResult(context.Background(), task.ID, "https://github.com/acme/app/pull/8", models.CIStateSuccess)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		if got := h.stored(t, task.ID); got.Status != models.TaskStatusInProgress {
			t.Errorf("status = %s", got.Status)
		}
	})

	t.Run("nothing pending", func(t *testing.T) {
		h := newHarness(t)
		task := h.assignedTask(t, models.TaskKindCode, 2)
		_, err := h.l.ApplyCIResult(context.Background(), task.ID, "", models.CIStateSuccess)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancel_ReleasesAssignee(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)

	task, err := h.l.Cancel(context.Background(), task.ID, " requirements changed ")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if task.Status != models.TaskStatusCancelled || task.CancelReason != "requirements changed" {
		t.Fatalf("unexpected task: %s %q", task.Status, task.CancelReason)
	}
	if task.AssigneeID != nil || task.PreviousAssigneeID == nil {
		t.Errorf("assignee not moved to previous_assignee_id")
	}
	if got := h.notifier.recipients(); !slices.Equal(got, []string{"u-req", "u-alice", "u-watch"}) {
		t.Errorf("unexpected recipients %v", got)
	}
}

func TestCancel_TerminalAndDoneRejected(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(pass())
	if _, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/7"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.l.Cancel(context.Background(), task.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel done: expected ErrInvalidTransition, got %v", err)
	}

	other, _ := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))
	if _, err := h.l.Cancel(context.Background(), other.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := h.l.Cancel(context.Background(), other.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel twice: expected ErrInvalidTransition, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Scheduler triggers
// ---------------------------------------------------------------------------

func TestRemindHalfway_FiresOnce(t *testing.T) {
	h := newHarness(t)
	task := pendingCodeTask(t, h, "https://github.com/acme/app/pull/7")
	h.notifier.reset()
	ctx := context.Background()

	if acted, err := h.l.RemindHalfway(ctx, task.ID, t0.Add(4*24*time.Hour)); err != nil || acted {
		t.Fatalf("before half-life: acted=%v err=%v", acted, err)
	}
	if acted, err := h.l.RemindHalfway(ctx, task.ID, t0.Add(5*24*time.Hour)); err != nil || !acted {
		t.Fatalf("at half-life: acted=%v err=%v", acted, err)
	}
	if acted, err := h.l.RemindHalfway(ctx, task.ID, t0.Add(6*24*time.Hour)); err != nil || acted {
		t.Fatalf("second reminder: acted=%v err=%v", acted, err)
	}
	if !h.stored(t, task.ID).Reminded {
		t.Errorf("reminded latch not stored")
	}
	if got := h.notifier.recipients(); !slices.Equal(got, []string{"u-alice", "u-req"}) {
		t.Errorf("unexpected recipients %v", got)
	}
}

func TestRemindHalfway_AssignedOrInProgressOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	idle := h.assignedTask(t, models.TaskKindCode, 2)

	acted, err := h.l.RemindHalfway(ctx, idle.ID, t0.Add(6*24*time.Hour))
	if err != nil || !acted {
		t.Fatalf("idle assigned task not reminded: acted=%v err=%v", acted, err)
	}
	if got := h.notifier.recipients(); !slices.Equal(got, []string{"u-alice", "u-req"}) {
		t.Errorf("unexpected recipients %v", got)
	}

	returned := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(failWith("tests red"))
	if _, err := h.l.Submit(ctx, returned.ID, "https://github.com/acme/app/pull/1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if acted, err := h.l.RemindHalfway(ctx, returned.ID, t0.Add(6*24*time.Hour)); err != nil || acted {
		t.Fatalf("returned task reminded: acted=%v err=%v", acted, err)
	}
}

func TestRemindFinal_WindowAndOnce(t *testing.T) {
	h := newHarness(t)
	task := pendingCodeTask(t, h, "https://github.com/acme/app/pull/7")
	ctx := context.Background()

	if acted, _ := h.l.RemindFinal(ctx, task.ID, t0.Add(8*24*time.Hour)); acted {
		t.Fatalf("final reminder outside window")
	}
	if acted, err := h.l.RemindFinal(ctx, task.ID, t0.Add(9*24*time.Hour+time.Hour)); err != nil || !acted {
		t.Fatalf("final reminder inside window: acted=%v err=%v", acted, err)
	}
	if acted, _ := h.l.RemindFinal(ctx, task.ID, t0.Add(9*24*time.Hour+2*time.Hour)); acted {
		t.Fatalf("final reminder sent twice")
	}
}

func TestRemindFinal_PastDeadlineSkipped(t *testing.T) {
	h := newHarness(t)
	task := pendingCodeTask(t, h, "https://github.com/acme/app/pull/7")

	if acted, _ := h.l.RemindFinal(context.Background(), task.ID, t0.Add(11*24*time.Hour)); acted {
		t.Fatalf("final reminder after the deadline")
	}
}

func TestArchive_AfterThresholdIdempotent(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)
	h.verifier.queue(pass())
	if _, err := h.l.Submit(context.Background(), task.ID, "https://github.com/acme/app/pull/7"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx := context.Background()

	if acted, err := h.l.Archive(ctx, task.ID, t0.Add(6*24*time.Hour)); err != nil || acted {
		t.Fatalf("archived too early: acted=%v err=%v", acted, err)
	}
	if acted, err := h.l.Archive(ctx, task.ID, t0.Add(7*24*time.Hour)); err != nil || !acted {
		t.Fatalf("archive at threshold: acted=%v err=%v", acted, err)
	}
	if got := h.stored(t, task.ID); got.Status != models.TaskStatusArchived {
		t.Fatalf("expected archived, got %s", got.Status)
	}
	if acted, err := h.l.Archive(ctx, task.ID, t0.Add(30*24*time.Hour)); err != nil || acted {
		t.Fatalf("second archive: acted=%v err=%v", acted, err)
	}
}

func TestArchive_OnlyFromDone(t *testing.T) {
	h := newHarness(t)
	task := h.assignedTask(t, models.TaskKindCode, 2)

	if acted, _ := h.l.Archive(context.Background(), task.ID, t0.Add(365*24*time.Hour)); acted {
		t.Fatalf("assigned task archived")
	}
}

// ---------------------------------------------------------------------------
// Transition table & queries
// ---------------------------------------------------------------------------

func TestTransitions_EdgeOnly(t *testing.T) {
	allowed := map[[2]models.TaskStatus]bool{
		{models.TaskStatusDraft, models.TaskStatusAwaitingFields}:              true,
		{models.TaskStatusAwaitingFields, models.TaskStatusCandidatesProposed}: true,
		{models.TaskStatusCandidatesProposed, models.TaskStatusAssigned}:       true,
		{models.TaskStatusAssigned, models.TaskStatusInProgress}:               true,
		{models.TaskStatusInProgress, models.TaskStatusReturned}:               true,
		{models.TaskStatusInProgress, models.TaskStatusDone}:                   true,
		{models.TaskStatusReturned, models.TaskStatusInProgress}:               true,
		{models.TaskStatusDone, models.TaskStatusArchived}:                     true,
	}
	for _, s := range models.AllTaskStatuses {
		if !s.Terminal() && s != models.TaskStatusDone {
			allowed[[2]models.TaskStatus{s, models.TaskStatusCancelled}] = true
		}
	}

	for _, from := range models.AllTaskStatuses {
		for _, to := range models.AllTaskStatuses {
			want := allowed[[2]models.TaskStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			task := &models.Task{Status: from}
			err := transition(task, to)
			if want && (err != nil || task.Status != to) {
				t.Errorf("transition %s -> %s failed: %v", from, to, err)
			}
			if !want && (!errors.Is(err, ErrInvalidTransition) || task.Status != from) {
				t.Errorf("transition %s -> %s should be rejected, got err=%v status=%s", from, to, err, task.Status)
			}
		}
	}
}

func TestGetTask_NotFound(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()

	_, err := h.l.GetTask(context.Background(), id)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	var te *TriggerError
	if !errors.As(err, &te) || te.TaskID != id {
		t.Errorf("expected TriggerError for %s, got %#v", id, err)
	}
}

func TestListActive_ExcludesTerminal(t *testing.T) {
	h := newHarness(t)
	keep, _ := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))
	drop, _ := h.l.CreateTask(context.Background(), completeInput(models.TaskKindCode))
	if _, err := h.l.Cancel(context.Background(), drop.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	active, err := h.l.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != keep.ID {
		t.Errorf("unexpected active set: %v", active)
	}
}
