package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/taskrelay/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubCI struct {
	state models.CIState
	err   error
	ref   string
}

func (s *stubCI) Status(_ context.Context, ref string) (models.CIState, error) {
	s.ref = ref
	return s.state, s.err
}

type stubScorer struct {
	raw      string
	err      error
	criteria string
}

func (s *stubScorer) ScoreSubmission(_ context.Context, criteria, _ string) ([]byte, error) {
	s.criteria = criteria
	return []byte(s.raw), s.err
}

func docTask() *models.Task {
	return &models.Task{Kind: models.TaskKindDocument, AcceptanceCriteria: "covers rollout and rollback"}
}

func codeTask() *models.Task {
	return &models.Task{Kind: models.TaskKindCode}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestVerdictForCIState(t *testing.T) {
	cases := map[models.CIState]Outcome{
		models.CIStateSuccess:    OutcomePass,
		models.CIStateFailure:    OutcomeFail,
		models.CIStateError:      OutcomeFail,
		models.CIStatePending:    OutcomePending,
		models.CIStateInProgress: OutcomePending,
		"queued":                 OutcomePending,
	}
	for state, want := range cases {
		got := VerdictForCIState(state)
		if got.Outcome != want {
			t.Errorf("%s: outcome = %s, want %s", state, got.Outcome, want)
		}
		if want == OutcomeFail && len(got.Reasons) == 0 {
			t.Errorf("%s: failing verdict without reasons", state)
		}
	}
}

func TestVerify_Code(t *testing.T) {
	ci := &stubCI{state: models.CIStateSuccess}
	v := NewVerifier(ci, nil, MustNewValidator(), 0)

	got, err := v.Verify(context.Background(), codeTask(), CodeSubmission("acme/api#42"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Outcome != OutcomePass || ci.ref != "acme/api#42" {
		t.Fatalf("outcome=%s ref=%q", got.Outcome, ci.ref)
	}
}

func TestVerify_CodeErrors(t *testing.T) {
	v := NewVerifier(&stubCI{err: errors.New("502 bad gateway")}, nil, MustNewValidator(), 0)
	if _, err := v.Verify(context.Background(), codeTask(), CodeSubmission("acme/api#42")); !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}

	v = NewVerifier(&stubCI{err: fmt.Errorf("%w: %q", models.ErrUnsupportedRef, "???")}, nil, MustNewValidator(), 0)
	_, err := v.Verify(context.Background(), codeTask(), CodeSubmission("???"))
	if !errors.Is(err, ErrValidation) || errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrValidation only, got %v", err)
	}

	v = NewVerifier(nil, nil, MustNewValidator(), 0)
	if _, err := v.Verify(context.Background(), codeTask(), CodeSubmission("acme/api#42")); !errors.Is(err, ErrExternalService) {
		t.Fatalf("missing provider: expected ErrExternalService, got %v", err)
	}
}

func TestVerify_Document(t *testing.T) {
	cases := []struct {
		name        string
		raw         string
		want        Outcome
		internalErr bool
		reasons     int
	}{
		{name: "at threshold passes", raw: `{"score":80}`, want: OutcomePass},
		{name: "below threshold with reasons fails", raw: `{"score":79,"reasons":["no rollback plan"," "]}`, want: OutcomeFail, reasons: 1},
		{name: "below threshold without reasons is pending", raw: `{"score":79,"reasons":[""]}`, want: OutcomePending, internalErr: true},
		{name: "malformed answer is pending", raw: `{"grade":"A"}`, want: OutcomePending, internalErr: true},
		{name: "out of range is pending", raw: `{"score":250}`, want: OutcomePending, internalErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scorer := &stubScorer{raw: tc.raw}
			v := NewVerifier(nil, scorer, MustNewValidator(), 80)

			got, err := v.Verify(context.Background(), docTask(), DocumentSubmission("https://docs.example/rollout"))
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got.Outcome != tc.want {
				t.Fatalf("outcome = %s, want %s", got.Outcome, tc.want)
			}
			if (got.InternalErr != nil) != tc.internalErr {
				t.Errorf("internal error = %v", got.InternalErr)
			}
			if len(got.Reasons) != tc.reasons {
				t.Errorf("reasons = %v", got.Reasons)
			}
			if scorer.criteria != "covers rollout and rollback" {
				t.Errorf("criteria = %q", scorer.criteria)
			}
		})
	}
}

func TestVerify_DocumentTransport(t *testing.T) {
	v := NewVerifier(nil, &stubScorer{err: context.DeadlineExceeded}, MustNewValidator(), 80)
	_, err := v.Verify(context.Background(), docTask(), DocumentSubmission("doc"))
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}

func TestSubmissionFor(t *testing.T) {
	sub, err := SubmissionFor(docTask(), "  https://docs.example/a  ")
	if err != nil {
		t.Fatalf("SubmissionFor: %v", err)
	}
	if sub.Kind() != models.TaskKindDocument || sub.Ref() != "https://docs.example/a" {
		t.Fatalf("got %s %q", sub.Kind(), sub.Ref())
	}

	if _, err := SubmissionFor(codeTask(), "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty ref: expected ErrValidation, got %v", err)
	}
	if _, err := SubmissionFor(&models.Task{Kind: "video"}, "x"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown kind: expected ErrValidation, got %v", err)
	}
}
