package agent

import (
	"github.com/google/uuid"

	"github.com/taskweave/taskweave/pkg/models"
)

// TaskContext is the immutable snapshot tools resolve their arguments
// against. The model addresses tasks by 1-based order and batch messages by
// 0-based index; the snapshot maps both to real ids.
//
// The loop rebuilds the snapshot after any tool that changed the task
// numbering, so stale orders never leak into a later call.
type TaskContext struct {
	ProjectID  uuid.UUID
	SessionID  uuid.UUID
	Tasks      []models.Task
	MessageIDs []uuid.UUID
}

// NewTaskContext snapshots the ordered task list and the claimed batch.
func NewTaskContext(projectID, sessionID uuid.UUID, tasks []models.Task, batch []models.Message) *TaskContext {
	ids := make([]uuid.UUID, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	return &TaskContext{
		ProjectID:  projectID,
		SessionID:  sessionID,
		Tasks:      tasks,
		MessageIDs: ids,
	}
}

// TaskByOrder resolves a 1-based task order.
func (c *TaskContext) TaskByOrder(order int) (models.Task, bool) {
	if order < 1 || order > len(c.Tasks) {
		return models.Task{}, false
	}
	return c.Tasks[order-1], true
}

// ResolveMessages maps 0-based batch indexes to message ids, skipping any
// index outside the batch.
func (c *TaskContext) ResolveMessages(indexes []int) []uuid.UUID {
	var out []uuid.UUID
	for _, i := range indexes {
		if i >= 0 && i < len(c.MessageIDs) {
			out = append(out, c.MessageIDs[i])
		}
	}
	return out
}
