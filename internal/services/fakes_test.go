package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskrelay/backend/internal/models"
	"github.com/taskrelay/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sentMessage struct {
	Recipient string
	Message   string
}

// fakeNotifier records every call. Set failNotify to make Notify fail.
type fakeNotifier struct {
	mu           sync.Mutex
	sent         []sentMessage
	workspaces   [][]string
	added        [][]string
	failNotify   bool
	workspaceErr error
	addErr       error
}

func (n *fakeNotifier) Notify(_ context.Context, recipient, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{recipient, message})
	if n.failNotify {
		return errors.New("chat down")
	}
	return nil
}

func (n *fakeNotifier) CreateWorkspace(_ context.Context, _ string, members []string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.workspaceErr != nil {
		return "", n.workspaceErr
	}
	n.workspaces = append(n.workspaces, slices.Clone(members))
	return "ws-1", nil
}

func (n *fakeNotifier) AddMembers(_ context.Context, _ string, members []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, slices.Clone(members))
	return n.addErr
}

func (n *fakeNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.Recipient)
	}
	return out
}

func (n *fakeNotifier) reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}

// fakeShortlister returns a fixed shortlist or error.
type fakeShortlister struct {
	matches []Match
	err     error
	calls   int
}

func (f *fakeShortlister) Shortlist(context.Context, *models.Task) ([]Match, error) {
	f.calls++
	return f.matches, f.err
}

type verifyResult struct {
	verdict Verdict
	err     error
}

// fakeVerifier hands out queued results in order. When gate is set, Verify
// signals entered and waits on gate before answering.
type fakeVerifier struct {
	mu      sync.Mutex
	results []verifyResult
	calls   int
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeVerifier) queue(results ...verifyResult) {
	f.mu.Lock()
	f.results = append(f.results, results...)
	f.mu.Unlock()
}

func (f *fakeVerifier) Verify(ctx context.Context, _ *models.Task, _ Submission) (Verdict, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return Verdict{Outcome: OutcomePending}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.verdict, r.err
}

func pass() verifyResult { return verifyResult{verdict: Verdict{Outcome: OutcomePass}} }

func failWith(reason string) verifyResult {
	return verifyResult{verdict: Verdict{Outcome: OutcomeFail, Reasons: []string{reason}}}
}

func scored(score float64, reasons ...string) verifyResult {
	outcome := OutcomePass
	if score < DefaultPassThreshold {
		outcome = OutcomeFail
	}
	return verifyResult{verdict: Verdict{Outcome: outcome, Score: &score, Reasons: reasons}}
}

func pendingResult() verifyResult { return verifyResult{verdict: Verdict{Outcome: OutcomePending}} }

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	l        *Lifecycle
	store    *repository.MemoryStore
	notifier *fakeNotifier
	matcher  *fakeShortlister
	verifier *fakeVerifier
	clock    *clock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    repository.NewMemoryStore(),
		notifier: &fakeNotifier{},
		matcher: &fakeShortlister{matches: []Match{
			{CandidateID: "u-alice", Rationale: "skills 2/2 (go, sql)"},
			{CandidateID: "u-bob", Rationale: "skills 1/2 (go)"},
		}},
		verifier: &fakeVerifier{},
		clock:    &clock{now: t0},
	}
	h.l = NewLifecycle(h.store, h.matcher, h.verifier, h.notifier, LifecycleConfig{}, discardLogger())
	h.l.now = h.clock.Now
	return h
}

func deadlineIn(d time.Duration) *time.Time {
	dl := t0.Add(d)
	return &dl
}

func completeInput(kind models.TaskKind) CreateTaskInput {
	return CreateTaskInput{
		Title:              "Build report export",
		Description:        "Export the weekly report as CSV",
		SkillTags:          []string{"Go", "SQL"},
		Deadline:           deadlineIn(10 * 24 * time.Hour),
		AcceptanceCriteria: "CSV has one row per task",
		Kind:               kind,
		RequesterID:        "u-req",
		Watchers:           []string{"u-watch"},
	}
}

// assignedTask creates a complete task and assigns u-alice.
func (h *harness) assignedTask(t *testing.T, kind models.TaskKind, maxRetries int) *models.Task {
	t.Helper()
	in := completeInput(kind)
	in.MaxRetries = &maxRetries
	task, err := h.l.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != models.TaskStatusCandidatesProposed {
		t.Fatalf("expected candidates_proposed, got %s", task.Status)
	}
	task, err = h.l.SelectCandidate(context.Background(), task.ID, "u-alice")
	if err != nil {
		t.Fatalf("SelectCandidate: %v", err)
	}
	h.notifier.reset()
	return task
}

func (h *harness) stored(t *testing.T, id uuid.UUID) *models.Task {
	t.Helper()
	task, err := h.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return task
}
