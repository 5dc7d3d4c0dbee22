package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taskrelay/backend/internal/models"
)

// CIStatusProvider reports the CI state of a code submission reference.
type CIStatusProvider interface {
	Status(ctx context.Context, ref string) (models.CIState, error)
}

// ScoringOracle scores a document submission against acceptance criteria and
// returns its raw JSON answer.
type ScoringOracle interface {
	ScoreSubmission(ctx context.Context, criteria, ref string) ([]byte, error)
}

// Submission is a tagged variant: exactly one verification path applies,
// selected by kind. Build it with CodeSubmission or DocumentSubmission.
type Submission struct {
	kind models.TaskKind
	ref  string
}

func CodeSubmission(ref string) Submission {
	return Submission{kind: models.TaskKindCode, ref: ref}
}

func DocumentSubmission(ref string) Submission {
	return Submission{kind: models.TaskKindDocument, ref: ref}
}

// SubmissionFor builds the variant matching the task's kind.
func SubmissionFor(task *models.Task, ref string) (Submission, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Submission{}, fmt.Errorf("%w: submission reference is required", ErrValidation)
	}
	switch task.Kind {
	case models.TaskKindCode:
		return CodeSubmission(ref), nil
	case models.TaskKindDocument:
		return DocumentSubmission(ref), nil
	default:
		return Submission{}, fmt.Errorf("%w: unknown task kind %q", ErrValidation, task.Kind)
	}
}

func (s Submission) Kind() models.TaskKind { return s.kind }
func (s Submission) Ref() string           { return s.ref }

// Outcome of a verification attempt.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomePass
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return models.VerdictPass
	case OutcomeFail:
		return models.VerdictFail
	default:
		return models.VerdictPending
	}
}

// Verdict is the result of one verification attempt. InternalErr is set when
// the collaborator answered but the answer could not be trusted; the outcome
// is then Pending, never Pass.
type Verdict struct {
	Outcome     Outcome
	Reasons     []string
	Score       *float64
	InternalErr error
}

// DefaultPassThreshold is the minimum document score that passes.
const DefaultPassThreshold = 80

// Verifier is stateless; it maps a submission to a verdict.
type Verifier struct {
	CI            CIStatusProvider
	Scorer        ScoringOracle
	Validator     *Validator
	PassThreshold float64
}

func NewVerifier(ci CIStatusProvider, scorer ScoringOracle, validator *Validator, passThreshold float64) *Verifier {
	if passThreshold <= 0 {
		passThreshold = DefaultPassThreshold
	}
	return &Verifier{CI: ci, Scorer: scorer, Validator: validator, PassThreshold: passThreshold}
}

// Verify returns a verdict, or an error wrapping ErrExternalService when the
// collaborator could not be reached in time. A code reference the CI provider
// cannot resolve is an ErrValidation.
func (v *Verifier) Verify(ctx context.Context, task *models.Task, sub Submission) (Verdict, error) {
	switch sub.kind {
	case models.TaskKindCode:
		if v.CI == nil {
			return Verdict{}, fmt.Errorf("%w: no CI status provider configured", ErrExternalService)
		}
		state, err := v.CI.Status(ctx, sub.ref)
		if errors.Is(err, models.ErrUnsupportedRef) {
			return Verdict{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err != nil {
			return Verdict{}, fmt.Errorf("%w: ci status: %v", ErrExternalService, err)
		}
		return VerdictForCIState(state), nil
	case models.TaskKindDocument:
		if v.Scorer == nil {
			return Verdict{}, fmt.Errorf("%w: no scoring oracle configured", ErrExternalService)
		}
		raw, err := v.Scorer.ScoreSubmission(ctx, task.AcceptanceCriteria, sub.ref)
		if err != nil {
			return Verdict{}, fmt.Errorf("%w: score submission: %v", ErrExternalService, err)
		}
		return v.documentVerdict(raw), nil
	default:
		return Verdict{}, fmt.Errorf("%w: unknown submission kind %q", ErrValidation, sub.kind)
	}
}

// VerdictForCIState maps a CI state onto a verdict. Unknown states are Pending.
func VerdictForCIState(state models.CIState) Verdict {
	switch state {
	case models.CIStateSuccess:
		return Verdict{Outcome: OutcomePass}
	case models.CIStateFailure, models.CIStateError:
		return Verdict{Outcome: OutcomeFail, Reasons: []string{fmt.Sprintf("CI reported %s", state)}}
	default:
		return Verdict{Outcome: OutcomePending}
	}
}

func (v *Verifier) documentVerdict(raw []byte) Verdict {
	resp, err := v.Validator.ValidateScoreResponse(raw)
	if err != nil {
		return Verdict{Outcome: OutcomePending, InternalErr: err}
	}
	score := resp.Score
	if score >= v.PassThreshold {
		return Verdict{Outcome: OutcomePass, Score: &score, Reasons: nonEmpty(resp.Reasons)}
	}
	reasons := nonEmpty(resp.Reasons)
	if len(reasons) == 0 {
		return Verdict{
			Outcome:     OutcomePending,
			Score:       &score,
			InternalErr: fmt.Errorf("%w: failing score without reasons", ErrMalformedOracleResponse),
		}
	}
	return Verdict{Outcome: OutcomeFail, Score: &score, Reasons: reasons}
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// isTransient reports whether err should leave the task untouched for a retry.
func isTransient(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
