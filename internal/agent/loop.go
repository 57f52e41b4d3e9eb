package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/pkg/models"
)

// TaskReader loads the ordered task list for snapshotting.
type TaskReader interface {
	FetchOrdered(ctx context.Context, sessionID uuid.UUID) ([]models.Task, error)
}

// Loop drives the bounded tool-calling exchange over one claimed batch.
type Loop struct {
	provider      Provider
	library       *Library
	tasks         TaskReader
	logger        *observability.Logger
	maxIterations int
}

// NewLoop wires the loop.
func NewLoop(provider Provider, library *Library, tasks TaskReader, logger *observability.Logger, cfg config.AgentConfig) *Loop {
	return &Loop{
		provider:      provider,
		library:       library,
		tasks:         tasks,
		logger:        logger,
		maxIterations: cfg.MaxIterations,
	}
}

// Run distills the batch into task changes. It returns nil when the model
// stops calling tools, calls finish, or the iteration budget runs out; it
// returns an error only on provider failures, unknown tools, or store
// failures, in which case the caller marks the whole batch failed.
func (l *Loop) Run(ctx context.Context, projectID, sessionID uuid.UUID, previous, batch []models.Message) error {
	tasks, err := l.tasks.FetchOrdered(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load task snapshot: %w", err)
	}
	tctx := NewTaskContext(projectID, sessionID, tasks, batch)

	dialogue := []Turn{{
		Role:    models.RoleUser,
		Content: packInput(tasks, previous, batch),
	}}

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		resp, err := l.provider.Complete(ctx, &Request{
			System:   systemPrompt,
			Dialogue: dialogue,
			Tools:    l.library.Schemas(),
		})
		if err != nil {
			return fmt.Errorf("agent completion: %w", err)
		}
		dialogue = append(dialogue, Turn{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			l.logger.Debug(ctx, "no tool calls, stopping", "iteration", iteration)
			return nil
		}

		finished := false
		rebuild := false
		for _, call := range resp.ToolCalls {
			if call.Name == ToolFinish {
				finished = true
				continue
			}
			// A preceding call in this same response may have shifted task
			// orders; later calls must resolve against the current list.
			if rebuild {
				tasks, err = l.tasks.FetchOrdered(ctx, sessionID)
				if err != nil {
					return fmt.Errorf("reload task snapshot: %w", err)
				}
				tctx = NewTaskContext(projectID, sessionID, tasks, batch)
				rebuild = false
			}
			result, err := l.library.Dispatch(ctx, tctx, call)
			if err != nil {
				return fmt.Errorf("tool %s: %w", call.Name, err)
			}
			dialogue = append(dialogue, Turn{
				Role:       models.RoleTool,
				ToolCallID: call.ID,
				Content:    result.Text,
			})
			rebuild = rebuild || result.Invalidate
		}

		if rebuild {
			tasks, err = l.tasks.FetchOrdered(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("reload task snapshot: %w", err)
			}
			tctx = NewTaskContext(projectID, sessionID, tasks, batch)
		}
		if finished {
			l.logger.Debug(ctx, "finish called", "iteration", iteration)
			return nil
		}
	}
	l.logger.Debug(ctx, "iteration budget exhausted")
	return nil
}
