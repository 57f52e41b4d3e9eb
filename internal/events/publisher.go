// Package events carries task lifecycle notifications between the agent and
// the downstream space digester.
package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/broker"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/pkg/models"
)

// Publisher is the broker surface used for fire-and-forget publishes.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey string, v any) error
}

// CompletePublisher announces task completions on the space.task exchange.
// Publishing never fails the caller: a task transition must not be rolled
// back because the notification could not be sent.
type CompletePublisher struct {
	broker Publisher
	logger *observability.Logger
}

// NewCompletePublisher wires the publisher.
func NewCompletePublisher(b Publisher, logger *observability.Logger) *CompletePublisher {
	return &CompletePublisher{broker: b, logger: logger}
}

// TaskCompleted publishes a NewTaskComplete event. Failures are logged only.
func (p *CompletePublisher) TaskCompleted(ctx context.Context, projectID, sessionID, taskID uuid.UUID) {
	event := models.NewTaskComplete{
		ProjectID: projectID,
		SessionID: sessionID,
		TaskID:    taskID,
	}
	err := p.broker.PublishJSON(ctx, broker.ExchangeSpaceTask, broker.RouteTaskComplete, event)
	if err != nil {
		p.logger.Error(ctx, "task completion publish failed",
			"task_id", taskID.String(), "error", err)
	}
}
