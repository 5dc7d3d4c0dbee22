package models

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is a lifecycle state. Only the lifecycle service mutates it.
type TaskStatus string

const (
	TaskStatusDraft              TaskStatus = "draft"
	TaskStatusAwaitingFields     TaskStatus = "awaiting_fields"
	TaskStatusCandidatesProposed TaskStatus = "candidates_proposed"
	TaskStatusAssigned           TaskStatus = "assigned"
	TaskStatusInProgress         TaskStatus = "in_progress"
	TaskStatusReturned           TaskStatus = "returned"
	TaskStatusDone               TaskStatus = "done"
	TaskStatusArchived           TaskStatus = "archived"
	TaskStatusCancelled          TaskStatus = "cancelled"
)

// AllTaskStatuses lists every status in lifecycle order (used by reports).
var AllTaskStatuses = []TaskStatus{
	TaskStatusDraft,
	TaskStatusAwaitingFields,
	TaskStatusCandidatesProposed,
	TaskStatusAssigned,
	TaskStatusInProgress,
	TaskStatusReturned,
	TaskStatusDone,
	TaskStatusArchived,
	TaskStatusCancelled,
}

// Terminal reports whether no further transition can leave s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusArchived || s == TaskStatusCancelled
}

// TaskKind decides how a submission is verified.
type TaskKind string

const (
	TaskKindCode     TaskKind = "code"
	TaskKindDocument TaskKind = "document"
)

func (k TaskKind) Valid() bool {
	return k == TaskKindCode || k == TaskKindDocument
}

// Verdict outcomes recorded on the task after a verification attempt.
const (
	VerdictPass    = "pass"
	VerdictFail    = "fail"
	VerdictPending = "pending"
)

// Proposal is one shortlisted candidate persisted with the task.
type Proposal struct {
	CandidateID string  `json:"candidate_id" yaml:"candidate_id"`
	Rationale   string  `json:"rationale" yaml:"rationale"`
	Score       float64 `json:"score,omitempty" yaml:"score,omitempty"`
}

type Task struct {
	ID                 uuid.UUID  `json:"id" yaml:"id"`
	Title              string     `json:"title" yaml:"title"`
	Description        string     `json:"description,omitempty" yaml:"description,omitempty"`
	SkillTags          []string   `json:"skill_tags" yaml:"skill_tags"`
	Deadline           *time.Time `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	Kind               TaskKind   `json:"kind" yaml:"kind"`
	RequesterID        string     `json:"requester_id" yaml:"requester_id"`
	Watchers           []string   `json:"watchers,omitempty" yaml:"watchers,omitempty"`

	Status             TaskStatus `json:"status" yaml:"status"`
	AssigneeID         *string    `json:"assignee_id,omitempty" yaml:"assignee_id,omitempty"`
	PreviousAssigneeID *string    `json:"previous_assignee_id,omitempty" yaml:"previous_assignee_id,omitempty"`
	Proposals          []Proposal `json:"proposals,omitempty" yaml:"proposals,omitempty"`
	WorkspaceRef       string     `json:"workspace_ref,omitempty" yaml:"workspace_ref,omitempty"`

	SubmissionRef  string     `json:"submission_ref,omitempty" yaml:"submission_ref,omitempty"`
	Verifying      bool       `json:"verifying" yaml:"verifying"`
	VerifyingSince *time.Time `json:"verifying_since,omitempty" yaml:"verifying_since,omitempty"`
	VerifyingRef   string     `json:"verifying_ref,omitempty" yaml:"verifying_ref,omitempty"`
	LastVerdict    string     `json:"last_verdict,omitempty" yaml:"last_verdict,omitempty"`
	LastScore      *float64   `json:"last_score,omitempty" yaml:"last_score,omitempty"`
	LastReasons    []string   `json:"last_reasons,omitempty" yaml:"last_reasons,omitempty"`
	RetryCount     int        `json:"retry_count" yaml:"retry_count"`
	MaxRetries     int        `json:"max_retries" yaml:"max_retries"`
	CancelReason   string     `json:"cancel_reason,omitempty" yaml:"cancel_reason,omitempty"`

	Reminded      bool `json:"reminded" yaml:"reminded"`
	FinalReminded bool `json:"final_reminded" yaml:"final_reminded"`

	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`
	AssignedAt *time.Time `json:"assigned_at,omitempty" yaml:"assigned_at,omitempty"`
	DoneAt     *time.Time `json:"done_at,omitempty" yaml:"done_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at" yaml:"updated_at"`
	Version    int64      `json:"version" yaml:"version"`
}

// MissingFields returns the names of the fields that must be supplied before
// candidates can be proposed.
func (t *Task) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(t.Description) == "" {
		missing = append(missing, "description")
	}
	if len(t.SkillTags) == 0 {
		missing = append(missing, "skill_tags")
	}
	if t.Deadline == nil {
		missing = append(missing, "deadline")
	}
	if strings.TrimSpace(t.AcceptanceCriteria) == "" {
		missing = append(missing, "acceptance_criteria")
	}
	return missing
}

// HalfwayPoint is created_at + (deadline - created_at)/2. ok is false without a deadline.
func (t *Task) HalfwayPoint() (time.Time, bool) {
	if t.Deadline == nil {
		return time.Time{}, false
	}
	return t.CreatedAt.Add(t.Deadline.Sub(t.CreatedAt) / 2), true
}

// IsProposed reports whether candidateID is in the persisted shortlist.
func (t *Task) IsProposed(candidateID string) bool {
	return slices.ContainsFunc(t.Proposals, func(p Proposal) bool {
		return p.CandidateID == candidateID
	})
}

// Stakeholders returns requester, assignee and watchers without duplicates.
func (t *Task) Stakeholders() []string {
	var out []string
	add := func(id string) {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	add(t.RequesterID)
	if t.AssigneeID != nil {
		add(*t.AssigneeID)
	} else if t.PreviousAssigneeID != nil {
		add(*t.PreviousAssigneeID)
	}
	for _, w := range t.Watchers {
		add(w)
	}
	return out
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (t *Task) Clone() *Task {
	c := *t
	c.SkillTags = slices.Clone(t.SkillTags)
	c.Watchers = slices.Clone(t.Watchers)
	c.Proposals = slices.Clone(t.Proposals)
	c.LastReasons = slices.Clone(t.LastReasons)
	c.Deadline = cloneTime(t.Deadline)
	c.VerifyingSince = cloneTime(t.VerifyingSince)
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.DoneAt = cloneTime(t.DoneAt)
	c.AssigneeID = cloneString(t.AssigneeID)
	c.PreviousAssigneeID = cloneString(t.PreviousAssigneeID)
	if t.LastScore != nil {
		s := *t.LastScore
		c.LastScore = &s
	}
	return &c
}

// NormalizeTags lowercases, trims and dedupes skill tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

// UniqueIDs trims ids and drops empty and repeated entries, keeping order.
func UniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
