package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskrelay/backend/internal/models"
)

type CandidateRepo struct {
	pool *pgxpool.Pool
}

func NewCandidateRepo(pool *pgxpool.Pool) *CandidateRepo {
	return &CandidateRepo{pool: pool}
}

const candidateColumns = `user_id, name, skill_tags, hours_available, performance, completed_tasks, last_active_at, updated_at`

func scanCandidate(row pgx.Row) (*models.Candidate, error) {
	var c models.Candidate
	if err := row.Scan(&c.UserID, &c.Name, &c.SkillTags, &c.HoursAvailable, &c.Performance, &c.CompletedTasks, &c.LastActiveAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert inserts the candidate or replaces the existing row with the same
// user_id. completed_tasks never decreases.
func (r *CandidateRepo) Upsert(ctx context.Context, c *models.Candidate) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO candidates (user_id, name, skill_tags, hours_available, performance, completed_tasks, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET name = EXCLUDED.name, skill_tags = EXCLUDED.skill_tags,
			hours_available = EXCLUDED.hours_available, performance = EXCLUDED.performance,
			completed_tasks = GREATEST(candidates.completed_tasks, EXCLUDED.completed_tasks),
			last_active_at = EXCLUDED.last_active_at, updated_at = now()
		RETURNING completed_tasks, updated_at
	`, c.UserID, c.Name, c.SkillTags, c.HoursAvailable, c.Performance, c.CompletedTasks, c.LastActiveAt).Scan(&c.CompletedTasks, &c.UpdatedAt)
}

func (r *CandidateRepo) GetCandidate(ctx context.Context, userID string) (*models.Candidate, error) {
	c, err := scanCandidate(r.pool.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListRecent returns at most limit candidates, most recently active first.
func (r *CandidateRepo) ListRecent(ctx context.Context, limit int) ([]*models.Candidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+candidateColumns+`
		FROM candidates ORDER BY last_active_at DESC, user_id LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
