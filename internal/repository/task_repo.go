package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskrelay/backend/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned by Update when the stored version moved on.
	ErrVersionConflict = errors.New("version conflict")
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, title, description, skill_tags, deadline, acceptance_criteria, kind, requester_id, watchers,
	status, assignee_id, previous_assignee_id, proposals, workspace_ref,
	submission_ref, verifying, verifying_since, verifying_ref, last_verdict, last_score, last_reasons, retry_count, max_retries, cancel_reason,
	reminded, final_reminded, created_at, assigned_at, done_at, updated_at, version`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.SkillTags, &t.Deadline, &t.AcceptanceCriteria, &t.Kind, &t.RequesterID, &t.Watchers,
		&t.Status, &t.AssigneeID, &t.PreviousAssigneeID, &t.Proposals, &t.WorkspaceRef,
		&t.SubmissionRef, &t.Verifying, &t.VerifyingSince, &t.VerifyingRef, &t.LastVerdict, &t.LastScore, &t.LastReasons, &t.RetryCount, &t.MaxRetries, &t.CancelReason,
		&t.Reminded, &t.FinalReminded, &t.CreatedAt, &t.AssignedAt, &t.DoneAt, &t.UpdatedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, now(), 1)
		RETURNING updated_at, version
	`, t.ID, t.Title, t.Description, t.SkillTags, t.Deadline, t.AcceptanceCriteria, t.Kind, t.RequesterID, t.Watchers,
		t.Status, t.AssigneeID, t.PreviousAssigneeID, t.Proposals, t.WorkspaceRef,
		t.SubmissionRef, t.Verifying, t.VerifyingSince, t.VerifyingRef, t.LastVerdict, t.LastScore, t.LastReasons, t.RetryCount, t.MaxRetries, t.CancelReason,
		t.Reminded, t.FinalReminded, t.CreatedAt, t.AssignedAt, t.DoneAt).Scan(&t.UpdatedAt, &t.Version)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Update writes t only if the stored version still equals t.Version, then
// bumps t.Version. Creation fields are never rewritten.
func (r *TaskRepo) Update(ctx context.Context, t *models.Task) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE tasks SET description = $3, skill_tags = $4, deadline = $5, acceptance_criteria = $6, watchers = $7,
			status = $8, assignee_id = $9, previous_assignee_id = $10, proposals = $11, workspace_ref = $12,
			submission_ref = $13, verifying = $14, verifying_since = $15, last_verdict = $16, last_score = $17, last_reasons = $18,
			retry_count = $19, max_retries = $20, cancel_reason = $21, reminded = $22, final_reminded = $23,
			assigned_at = $24, done_at = $25, verifying_ref = $26, updated_at = now(), version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING updated_at, version
	`, t.ID, t.Version, t.Description, t.SkillTags, t.Deadline, t.AcceptanceCriteria, t.Watchers,
		t.Status, t.AssigneeID, t.PreviousAssigneeID, t.Proposals, t.WorkspaceRef,
		t.SubmissionRef, t.Verifying, t.VerifyingSince, t.LastVerdict, t.LastScore, t.LastReasons,
		t.RetryCount, t.MaxRetries, t.CancelReason, t.Reminded, t.FinalReminded,
		t.AssignedAt, t.DoneAt, t.VerifyingRef).Scan(&t.UpdatedAt, &t.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check task exists: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return err
}

func (r *TaskRepo) List(ctx context.Context) ([]*models.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
}

// ListActive returns every task that is not archived or cancelled.
func (r *TaskRepo) ListActive(ctx context.Context) ([]*models.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status NOT IN ('archived', 'cancelled') ORDER BY created_at`)
}

func (r *TaskRepo) list(ctx context.Context, query string) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
