package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DescriptionKey is the conventional key inside Task.Data that holds the
// human-readable task description written by the agent.
const DescriptionKey = "task_description"

// Task is an ordered, mutable record summarizing an objective within a
// session.
//
// Invariants: (session_id, order) is unique; at most one task per session
// has IsPlanning set, and that task holds order 0; non-planning tasks form
// a dense prefix 1..N. SpaceDigested only ever flips false to true.
type Task struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`

	Order         int            `json:"order"`
	Data          map[string]any `json:"data"`
	Status        ProcessStatus  `json:"status"`
	IsPlanning    bool           `json:"is_planning"`
	SpaceDigested bool           `json:"space_digested"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MessageIDs holds the attached messages sorted by their created_at.
	// Populated by TaskStore.FetchOrdered; not a persisted column.
	MessageIDs []uuid.UUID `json:"message_ids,omitempty"`
}

// Description returns the task description from Data, or "" when unset.
func (t *Task) Description() string {
	if t.Data == nil {
		return ""
	}
	if d, ok := t.Data[DescriptionKey].(string); ok {
		return d
	}
	return ""
}

// String renders the one-line form shown to the agent in the task index.
func (t *Task) String() string {
	return fmt.Sprintf("Task %d: %s (Status: %s)", t.Order, t.Description(), t.Status)
}
