package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/taskweave/taskweave/pkg/models"
)

const taskColumns = `id, session_id, "order", data, status, is_planning,
	space_digested, created_at, updated_at`

// TaskStore reads and mutates the per-session ordered task list.
//
// Non-planning tasks hold the dense orders 1..N; the optional planning task
// holds order 0. Every renumbering write locks the session's rows first, so
// the dense invariant survives concurrent inserts.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task store over the given database handle.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

func scanTask(row rowScanner) (models.Task, error) {
	var (
		t    models.Task
		data []byte
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.Order, &data, &t.Status,
		&t.IsPlanning, &t.SpaceDigested, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return models.Task{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &t.Data); err != nil {
			return models.Task{}, fmt.Errorf("decode data for task %s: %w", t.ID, err)
		}
	}
	if t.Data == nil {
		t.Data = map[string]any{}
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get loads a single task by id.
func (s *TaskStore) Get(ctx context.Context, taskID uuid.UUID) (models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// FetchOrdered returns the session's non-planning tasks ascending by order,
// each with its attached message ids sorted by message creation time.
func (s *TaskStore) FetchOrdered(ctx context.Context, sessionID uuid.UUID) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE session_id = $1 AND is_planning = FALSE
		ORDER BY "order" ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select ordered tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("scan ordered tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	attach, err := s.db.QueryContext(ctx, `
		SELECT id, task_id FROM messages
		WHERE session_id = $1 AND task_id IS NOT NULL
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select task attachments: %w", err)
	}
	defer attach.Close()

	byTask := make(map[uuid.UUID][]uuid.UUID)
	for attach.Next() {
		var msgID, taskID uuid.UUID
		if err := attach.Scan(&msgID, &taskID); err != nil {
			return nil, fmt.Errorf("scan task attachment: %w", err)
		}
		byTask[taskID] = append(byTask[taskID], msgID)
	}
	if err := attach.Err(); err != nil {
		return nil, fmt.Errorf("scan task attachments: %w", err)
	}
	for i := range tasks {
		tasks[i].MessageIDs = byTask[tasks[i].ID]
	}
	return tasks, nil
}

// FetchPlanning returns the session's planning task, or ErrNotFound when the
// session has none.
func (s *TaskStore) FetchPlanning(ctx context.Context, sessionID uuid.UUID) (models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE session_id = $1 AND is_planning = TRUE`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("fetch planning task: %w", err)
	}
	return t, nil
}

// Insert creates a non-planning task right after the slot afterOrder and
// renumbers the tail to keep orders dense. afterOrder 0 prepends; afterOrder N
// appends. Anything outside [0, N] yields ErrOrderOutOfRange.
//
// The renumbering is the two-phase sign flip: the tail first moves to the
// negative mirror of its orders, then back to positive shifted by one. No
// intermediate state collides with a live order, so the unique
// (session_id, "order") index holds throughout.
func (s *TaskStore) Insert(ctx context.Context, sessionID uuid.UUID, afterOrder int, data map[string]any, status models.ProcessStatus) (models.Task, error) {
	if !status.Valid() {
		return models.Task{}, fmt.Errorf("invalid process status %q", status)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return models.Task{}, fmt.Errorf("encode task data: %w", err)
	}

	task := models.Task{
		ID:        uuid.New(),
		SessionID: sessionID,
		Order:     afterOrder + 1,
		Data:      data,
		Status:    status,
	}
	err = WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE session_id = $1 AND is_planning = FALSE
			ORDER BY "order" ASC
			FOR UPDATE`, sessionID)
		if err != nil {
			return fmt.Errorf("lock session tasks: %w", err)
		}
		count := 0
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan locked task: %w", err)
			}
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("lock session tasks: %w", err)
		}
		rows.Close()

		if afterOrder < 0 || afterOrder > count {
			return fmt.Errorf("after order %d with %d tasks: %w", afterOrder, count, ErrOrderOutOfRange)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET "order" = -"order"
			WHERE session_id = $1 AND is_planning = FALSE AND "order" > $2`,
			sessionID, afterOrder); err != nil {
			return fmt.Errorf("shift tail negative: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET "order" = -"order" + 1, updated_at = NOW()
			WHERE session_id = $1 AND is_planning = FALSE AND "order" < 0`,
			sessionID); err != nil {
			return fmt.Errorf("shift tail positive: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO tasks (id, session_id, "order", data, status, is_planning)
			VALUES ($1, $2, $3, $4, $5, FALSE)
			RETURNING created_at, updated_at`,
			task.ID, sessionID, task.Order, encoded, string(status)).
			Scan(&task.CreatedAt, &task.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// Update applies an optional status transition and an optional shallow data
// merge to a task, atomically. Keys present in patch overwrite the stored
// data; absent keys are untouched.
func (s *TaskStore) Update(ctx context.Context, taskID uuid.UUID, status *models.ProcessStatus, patch map[string]any) (models.Task, error) {
	if status != nil && !status.Valid() {
		return models.Task{}, fmt.Errorf("invalid process status %q", *status)
	}

	var task models.Task
	err := WithTx(ctx, s.db, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}

		if status != nil {
			t.Status = *status
		}
		for k, v := range patch {
			t.Data[k] = v
		}
		encoded, err := json.Marshal(t.Data)
		if err != nil {
			return fmt.Errorf("encode task data: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			UPDATE tasks SET data = $1, status = $2, updated_at = NOW()
			WHERE id = $3
			RETURNING updated_at`,
			encoded, string(t.Status), taskID).Scan(&t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// AppendMessages attaches the listed messages to the task. Ids that do not
// resolve to stored messages are skipped silently.
func (s *TaskStore) AppendMessages(ctx context.Context, taskID uuid.UUID, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET task_id = $1, updated_at = NOW()
		WHERE id = ANY($2::uuid[])`,
		taskID, pq.Array(uuidStrings(messageIDs)))
	if err != nil {
		return fmt.Errorf("append messages to task: %w", err)
	}
	return nil
}

// AppendToPlanning attaches the listed messages to the session's planning
// task, creating the planning task at order 0 if the session has none yet.
func (s *TaskStore) AppendToPlanning(ctx context.Context, sessionID uuid.UUID, messageIDs []uuid.UUID) (models.Task, error) {
	var task models.Task
	err := WithTx(ctx, s.db, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE session_id = $1 AND is_planning = TRUE
			FOR UPDATE`, sessionID))
		if errors.Is(err, sql.ErrNoRows) {
			t = models.Task{
				ID:         uuid.New(),
				SessionID:  sessionID,
				Order:      0,
				Data:       map[string]any{},
				Status:     models.StatusPending,
				IsPlanning: true,
			}
			err = tx.QueryRowContext(ctx, `
				INSERT INTO tasks (id, session_id, "order", data, status, is_planning)
				VALUES ($1, $2, 0, '{}', $3, TRUE)
				RETURNING created_at, updated_at`,
				t.ID, sessionID, string(t.Status)).
				Scan(&t.CreatedAt, &t.UpdatedAt)
			if err != nil {
				return fmt.Errorf("create planning task: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("lock planning task: %w", err)
		}

		if len(messageIDs) > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET task_id = $1, updated_at = NOW()
				WHERE id = ANY($2::uuid[])`,
				t.ID, pq.Array(uuidStrings(messageIDs))); err != nil {
				return fmt.Errorf("append messages to planning task: %w", err)
			}
		}
		task = t
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// SetSpaceDigested flips the task's space_digested flag to true and reports
// whether it was already set. The flag never goes back to false, so the
// conditional update makes digestion exactly-once per task.
func (s *TaskStore) SetSpaceDigested(ctx context.Context, taskID uuid.UUID) (already bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET space_digested = TRUE, updated_at = NOW()
		WHERE id = $1 AND space_digested = FALSE`, taskID)
	if err != nil {
		return false, fmt.Errorf("set space digested: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set space digested: %w", err)
	}
	if n == 1 {
		return false, nil
	}

	var digested bool
	err = s.db.QueryRowContext(ctx, `
		SELECT space_digested FROM tasks WHERE id = $1`, taskID).Scan(&digested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("set space digested: %w", err)
	}
	return digested, nil
}
