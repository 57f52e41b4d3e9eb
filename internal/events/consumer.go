package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/broker"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/internal/storage"
	"github.com/taskweave/taskweave/pkg/models"
)

// Digester receives each successfully completed task exactly once.
type Digester interface {
	Digest(ctx context.Context, task models.Task) error
}

// LogDigester acknowledges completions in the log. It stands in until a real
// downstream digestion pipeline is attached.
type LogDigester struct {
	logger *observability.Logger
}

// NewLogDigester wires the logging digester.
func NewLogDigester(logger *observability.Logger) *LogDigester {
	return &LogDigester{logger: logger}
}

// Digest logs the completed task.
func (d *LogDigester) Digest(ctx context.Context, task models.Task) error {
	d.logger.Info(ctx, "task completed",
		"task_id", task.ID.String(), "description", task.Description())
	return nil
}

// TaskDigestStore is the task-store surface the consumer needs.
type TaskDigestStore interface {
	Get(ctx context.Context, taskID uuid.UUID) (models.Task, error)
	SetSpaceDigested(ctx context.Context, taskID uuid.UUID) (already bool, err error)
}

// DigestConsumer handles NewTaskComplete deliveries. The space_digested flag
// makes it idempotent under redelivery: only the first delivery for a task
// reaches the digester.
type DigestConsumer struct {
	tasks    TaskDigestStore
	digester Digester
	logger   *observability.Logger
}

// NewDigestConsumer wires the consumer.
func NewDigestConsumer(tasks TaskDigestStore, digester Digester, logger *observability.Logger) *DigestConsumer {
	return &DigestConsumer{tasks: tasks, digester: digester, logger: logger}
}

// Handle is the broker handler for the space.task.new.complete queue.
func (c *DigestConsumer) Handle(ctx context.Context, d broker.Delivery) (broker.Disposition, error) {
	var event models.NewTaskComplete
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.logger.Error(ctx, "undecodable completion event", "error", err)
		return broker.Reject, nil
	}
	ctx = observability.WithProject(ctx, event.ProjectID.String())
	ctx = observability.WithSession(ctx, event.SessionID.String())

	task, err := c.tasks.Get(ctx, event.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn(ctx, "completion event for unknown task", "task_id", event.TaskID.String())
		return broker.Ack, nil
	}
	if err != nil {
		return broker.Reject, fmt.Errorf("load completed task: %w", err)
	}
	if task.Status != models.StatusSuccess {
		c.logger.Debug(ctx, "task no longer success, skipping digest",
			"task_id", task.ID.String(), "status", string(task.Status))
		return broker.Ack, nil
	}

	already, err := c.tasks.SetSpaceDigested(ctx, event.TaskID)
	if err != nil {
		return broker.Reject, fmt.Errorf("mark task digested: %w", err)
	}
	if already {
		c.logger.Debug(ctx, "task already digested", "task_id", task.ID.String())
		return broker.Ack, nil
	}

	if err := c.digester.Digest(ctx, task); err != nil {
		return broker.Reject, fmt.Errorf("digest task: %w", err)
	}
	return broker.Ack, nil
}
