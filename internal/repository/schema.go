package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
	id                   UUID PRIMARY KEY,
	title                TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	skill_tags           TEXT[],
	deadline             TIMESTAMPTZ,
	acceptance_criteria  TEXT NOT NULL DEFAULT '',
	kind                 TEXT NOT NULL,
	requester_id         TEXT NOT NULL,
	watchers             TEXT[],
	status               TEXT NOT NULL,
	assignee_id          TEXT,
	previous_assignee_id TEXT,
	proposals            JSONB,
	workspace_ref        TEXT NOT NULL DEFAULT '',
	submission_ref       TEXT NOT NULL DEFAULT '',
	verifying            BOOLEAN NOT NULL DEFAULT FALSE,
	verifying_since      TIMESTAMPTZ,
	verifying_ref        TEXT NOT NULL DEFAULT '',
	last_verdict         TEXT NOT NULL DEFAULT '',
	last_score           DOUBLE PRECISION,
	last_reasons         TEXT[],
	retry_count          INT NOT NULL DEFAULT 0,
	max_retries          INT NOT NULL DEFAULT 2,
	cancel_reason        TEXT NOT NULL DEFAULT '',
	reminded             BOOLEAN NOT NULL DEFAULT FALSE,
	final_reminded       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	assigned_at          TIMESTAMPTZ,
	done_at              TIMESTAMPTZ,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	version              BIGINT NOT NULL DEFAULT 1,
	CHECK (retry_count <= max_retries)
);
ALTER TABLE tasks ADD COLUMN IF NOT EXISTS verifying_ref TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);

CREATE TABLE IF NOT EXISTS candidates (
	user_id         TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	skill_tags      TEXT[],
	hours_available DOUBLE PRECISION NOT NULL DEFAULT 0,
	performance     DOUBLE PRECISION NOT NULL DEFAULT 0,
	completed_tasks INT NOT NULL DEFAULT 0,
	last_active_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE candidates ADD COLUMN IF NOT EXISTS completed_tasks INT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS candidates_last_active_idx ON candidates (last_active_at DESC);
`

// EnsureSchema creates the task and candidate tables when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
