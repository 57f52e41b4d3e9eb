package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/taskweave/taskweave/pkg/models"
)

const messageColumns = `id, session_id, role, parts_meta, parent_id, task_id,
	session_task_process_status, created_at, updated_at`

// MessageStore reads and transitions session messages.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a message store over the given database handle.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		m         models.Message
		partsMeta []byte
		parentID  sql.NullString
		taskID    sql.NullString
	)
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &partsMeta, &parentID,
		&taskID, &m.ProcessStatus, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Message{}, err
	}
	if len(partsMeta) > 0 {
		if err := json.Unmarshal(partsMeta, &m.PartsMeta); err != nil {
			return models.Message{}, fmt.Errorf("decode parts_meta for message %s: %w", m.ID, err)
		}
	}
	if parentID.Valid {
		id, err := uuid.Parse(parentID.String)
		if err != nil {
			return models.Message{}, fmt.Errorf("parse parent_id for message %s: %w", m.ID, err)
		}
		m.ParentID = &id
	}
	if taskID.Valid {
		id, err := uuid.Parse(taskID.String)
		if err != nil {
			return models.Message{}, fmt.Errorf("parse task_id for message %s: %w", m.ID, err)
		}
		m.TaskID = &id
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// LatestPendingID returns the id of the newest pending message in the
// session, or ErrNotFound when the session has no pending messages.
func (s *MessageStore) LatestPendingID(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE session_id = $1 AND session_task_process_status = 'pending'
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("latest pending message: %w", err)
	}
	return id, nil
}

// CountPending counts the session's pending messages.
func (s *MessageStore) CountPending(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE session_id = $1 AND session_task_process_status = 'pending'`,
		sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return n, nil
}

// ClaimPendingBatch transitions up to limit of the session's oldest pending
// messages to running and returns them in arrival order. The select and the
// transition run in one transaction so concurrent claimers cannot double-take
// a message.
func (s *MessageStore) ClaimPendingBatch(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.Message, error) {
	var claimed []models.Message
	err := WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE session_id = $1 AND session_task_process_status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE`, sessionID, limit)
		if err != nil {
			return fmt.Errorf("select pending batch: %w", err)
		}
		claimed, err = collectMessages(rows)
		if err != nil {
			return fmt.Errorf("scan pending batch: %w", err)
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET session_task_process_status = 'running', updated_at = NOW()
			WHERE id = ANY($1::uuid[])`, pq.Array(uuidStrings(ids)))
		if err != nil {
			return fmt.Errorf("mark batch running: %w", err)
		}
		for i := range claimed {
			claimed[i].ProcessStatus = models.StatusRunning
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// PreviousBefore returns up to limit messages of the session created before
// the given instant, oldest first. This is the prior-context window shown to
// the agent ahead of the claimed batch.
func (s *MessageStore) PreviousBefore(ctx context.Context, sessionID uuid.UUID, before time.Time, limit int) ([]models.Message, error) {
	if before.IsZero() || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, sessionID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("select previous messages: %w", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("scan previous messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SetStatus moves every listed message to the given status. Used to finalize
// a claimed batch as success or failed.
func (s *MessageStore) SetStatus(ctx context.Context, ids []uuid.UUID, status models.ProcessStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid process status %q", status)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET session_task_process_status = $1, updated_at = NOW()
		WHERE id = ANY($2::uuid[])`, string(status), pq.Array(uuidStrings(ids)))
	if err != nil {
		return fmt.Errorf("set message status %s: %w", status, err)
	}
	return nil
}
