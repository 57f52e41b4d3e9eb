package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations holds the schema statements in apply order. Statements are
// idempotent so `taskweaved migrate` can run on every deploy.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL,
		role TEXT NOT NULL,
		parts_meta JSONB NOT NULL DEFAULT '{}'::jsonb,
		parent_id UUID,
		task_id UUID,
		session_task_process_status TEXT NOT NULL DEFAULT 'pending'
			CHECK (session_task_process_status IN ('pending', 'running', 'success', 'failed')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_session_status_created
		ON messages (session_id, session_task_process_status, created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_task
		ON messages (task_id) WHERE task_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL,
		"order" INTEGER NOT NULL,
		data JSONB NOT NULL DEFAULT '{}'::jsonb,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'running', 'success', 'failed')),
		is_planning BOOLEAN NOT NULL DEFAULT FALSE,
		space_digested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (NOT is_planning OR "order" = 0),
		CHECK (is_planning OR "order" <> 0)
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_session_order
		ON tasks (session_id, "order")`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_session_planning
		ON tasks (session_id) WHERE is_planning`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_session_status
		ON tasks (session_id, status)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_session_digested
		ON tasks (session_id) WHERE NOT space_digested`,
}

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}
