package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/internal/storage"
	"github.com/taskweave/taskweave/pkg/models"
)

// Tool names exposed to the model.
const (
	ToolInsertTask     = "insert_task"
	ToolUpdateTask     = "update_task"
	ToolAppendMessages = "append_messages_to_task"
	ToolAppendPlanning = "append_messages_to_planning_section"
	ToolFinish         = "finish"
)

// ErrUnknownTool is returned when the model calls a tool that is not in the
// library. This is fatal for the run: the batch cannot be trusted to have
// been applied coherently.
var ErrUnknownTool = errors.New("agent: unknown tool")

// TaskWriter is the task-store surface the tools write through.
type TaskWriter interface {
	Insert(ctx context.Context, sessionID uuid.UUID, afterOrder int, data map[string]any, status models.ProcessStatus) (models.Task, error)
	Update(ctx context.Context, taskID uuid.UUID, status *models.ProcessStatus, patch map[string]any) (models.Task, error)
	AppendMessages(ctx context.Context, taskID uuid.UUID, messageIDs []uuid.UUID) error
	AppendToPlanning(ctx context.Context, sessionID uuid.UUID, messageIDs []uuid.UUID) (models.Task, error)
}

// CompleteNotifier announces a task's transition to success downstream.
type CompleteNotifier interface {
	TaskCompleted(ctx context.Context, projectID, sessionID, taskID uuid.UUID)
}

// ToolResult is the text fed back to the model after a dispatch. Refusals
// (out-of-range orders, appends to finished tasks, bad arguments) are plain
// results too: the model reads them and corrects itself on the next turn.
type ToolResult struct {
	Text string

	// Invalidate marks the task numbering as changed; the loop must rebuild
	// its TaskContext before the next dispatch round.
	Invalidate bool
}

const insertTaskSchema = `{
	"type": "object",
	"properties": {
		"after_task_order": {
			"type": "integer",
			"description": "The task order after which to insert the new task. Use 0 to insert at the beginning."
		},
		"task_description": {
			"type": "string",
			"description": "A clear, concise description of the task: what should be done and the expected result, if any."
		}
	},
	"required": ["after_task_order", "task_description"]
}`

const updateTaskSchema = `{
	"type": "object",
	"properties": {
		"task_order": {
			"type": "integer",
			"description": "The order number of the task to update."
		},
		"task_status": {
			"type": "string",
			"enum": ["pending", "running", "success", "failed"],
			"description": "New status for the task. Use 'pending' for not started, 'running' for in progress, 'success' for completed, 'failed' for encountered errors."
		},
		"task_description": {
			"type": "string",
			"description": "Updated description for the task (optional)."
		}
	},
	"required": ["task_order"]
}`

const appendMessagesSchema = `{
	"type": "object",
	"properties": {
		"task_order": {
			"type": "integer",
			"description": "The order number of the task to link messages to."
		},
		"message_ids": {
			"type": "array",
			"items": {"type": "integer"},
			"description": "Message ids from the new-messages section to append to the task."
		}
	},
	"required": ["task_order", "message_ids"]
}`

const appendPlanningSchema = `{
	"type": "object",
	"properties": {
		"message_ids": {
			"type": "array",
			"items": {"type": "integer"},
			"description": "Message ids from the new-messages section to append to the planning section."
		}
	},
	"required": ["message_ids"]
}`

const finishSchema = `{
	"type": "object",
	"properties": {}
}`

var toolDescriptions = map[string]string{
	ToolInsertTask: "Create a new task by inserting it after the specified task order. " +
		"Use this when identifying new tasks from conversation messages.",
	ToolUpdateTask: "Update an existing task's description and/or status. " +
		"Mostly use it to update the task status when you are confident a task is running, completed or failed. " +
		"Only update the description when the conversation explicitly changes the task's purpose.",
	ToolAppendMessages: "Link message ids from the new batch to a task for tracking progress and context. " +
		"If the task is marked as 'success' or 'failed', don't append messages to it.",
	ToolAppendPlanning: "Save message ids to the planning section. " +
		"Use this when messages discuss the overall plan rather than one specific task.",
	ToolFinish: "Call this when the batch is fully handled and no more task changes are needed.",
}

var toolParameterSchemas = map[string]string{
	ToolInsertTask:     insertTaskSchema,
	ToolUpdateTask:     updateTaskSchema,
	ToolAppendMessages: appendMessagesSchema,
	ToolAppendPlanning: appendPlanningSchema,
	ToolFinish:         finishSchema,
}

// Library holds the task tools: their schemas for the model and their
// handlers over a TaskContext.
type Library struct {
	store    TaskWriter
	notifier CompleteNotifier
	logger   *observability.Logger
	metrics  *observability.Metrics

	schemas  []ToolSchema
	compiled map[string]*jsonschema.Schema
}

// NewLibrary builds the library, compiling every parameter schema.
func NewLibrary(store TaskWriter, notifier CompleteNotifier, logger *observability.Logger, metrics *observability.Metrics) (*Library, error) {
	l := &Library{
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		compiled: make(map[string]*jsonschema.Schema, len(toolParameterSchemas)),
	}
	for _, name := range []string{ToolInsertTask, ToolUpdateTask, ToolAppendMessages, ToolAppendPlanning, ToolFinish} {
		raw := toolParameterSchemas[name]
		compiled, err := jsonschema.CompileString(name+".json", raw)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		l.compiled[name] = compiled
		l.schemas = append(l.schemas, ToolSchema{
			Name:        name,
			Description: toolDescriptions[name],
			Parameters:  json.RawMessage(raw),
		})
	}
	return l, nil
}

// Schemas returns the tool schemas in declaration order.
func (l *Library) Schemas() []ToolSchema {
	return l.schemas
}

// Dispatch validates and runs one tool call against the snapshot. A non-nil
// error is fatal for the whole agent run; refusals come back as ToolResult
// text instead.
func (l *Library) Dispatch(ctx context.Context, tctx *TaskContext, call ToolCall) (ToolResult, error) {
	ctx = observability.WithTool(ctx, call.Name)

	compiled, ok := l.compiled[call.Name]
	if !ok || call.Name == ToolFinish {
		l.metrics.ToolCounter.WithLabelValues(call.Name, "error").Inc()
		return ToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	var decoded any
	if err := json.Unmarshal(call.Arguments, &decoded); err != nil {
		return l.reject(ctx, call.Name,
			fmt.Sprintf("Arguments for %s are not valid JSON: %v. Nothing was changed.", call.Name, err))
	}
	if err := compiled.Validate(decoded); err != nil {
		return l.reject(ctx, call.Name,
			fmt.Sprintf("Invalid arguments for %s: %v. Nothing was changed.", call.Name, err))
	}

	var (
		result ToolResult
		err    error
	)
	switch call.Name {
	case ToolInsertTask:
		result, err = l.insertTask(ctx, tctx, call.Arguments)
	case ToolUpdateTask:
		result, err = l.updateTask(ctx, tctx, call.Arguments)
	case ToolAppendMessages:
		result, err = l.appendMessages(ctx, tctx, call.Arguments)
	case ToolAppendPlanning:
		result, err = l.appendPlanning(ctx, tctx, call.Arguments)
	}
	if err != nil {
		l.metrics.ToolCounter.WithLabelValues(call.Name, "error").Inc()
		return ToolResult{}, err
	}
	l.metrics.ToolCounter.WithLabelValues(call.Name, "success").Inc()
	l.logger.Debug(ctx, "tool dispatched", "result", result.Text)
	return result, nil
}

func (l *Library) reject(ctx context.Context, tool, text string) (ToolResult, error) {
	l.metrics.ToolCounter.WithLabelValues(tool, "rejected").Inc()
	l.logger.Info(ctx, "tool call rejected", "reason", text)
	return ToolResult{Text: text}, nil
}

func (l *Library) insertTask(ctx context.Context, tctx *TaskContext, raw json.RawMessage) (ToolResult, error) {
	var args struct {
		AfterTaskOrder  int    `json:"after_task_order"`
		TaskDescription string `json:"task_description"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolResult{}, fmt.Errorf("decode insert_task arguments: %w", err)
	}

	task, err := l.store.Insert(ctx, tctx.SessionID, args.AfterTaskOrder,
		map[string]any{models.DescriptionKey: args.TaskDescription}, models.StatusPending)
	if errors.Is(err, storage.ErrOrderOutOfRange) {
		return l.reject(ctx, ToolInsertTask,
			fmt.Sprintf("After task order %d is out of range, insert failed.", args.AfterTaskOrder))
	}
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{
		Text:       fmt.Sprintf("Task %d created", task.Order),
		Invalidate: true,
	}, nil
}

func (l *Library) updateTask(ctx context.Context, tctx *TaskContext, raw json.RawMessage) (ToolResult, error) {
	var args struct {
		TaskOrder       int    `json:"task_order"`
		TaskStatus      string `json:"task_status"`
		TaskDescription string `json:"task_description"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolResult{}, fmt.Errorf("decode update_task arguments: %w", err)
	}

	task, ok := tctx.TaskByOrder(args.TaskOrder)
	if !ok {
		return l.reject(ctx, ToolUpdateTask,
			fmt.Sprintf("Task order %d is out of range, updating failed.", args.TaskOrder))
	}

	var status *models.ProcessStatus
	if args.TaskStatus != "" {
		s := models.ProcessStatus(args.TaskStatus)
		status = &s
	}
	var patch map[string]any
	if args.TaskDescription != "" {
		patch = map[string]any{models.DescriptionKey: args.TaskDescription}
	}

	updated, err := l.store.Update(ctx, task.ID, status, patch)
	if err != nil {
		return ToolResult{}, err
	}
	if status != nil && *status == models.StatusSuccess && l.notifier != nil {
		l.notifier.TaskCompleted(ctx, tctx.ProjectID, tctx.SessionID, updated.ID)
	}
	return ToolResult{Text: fmt.Sprintf("Task %d updated", args.TaskOrder)}, nil
}

func (l *Library) appendMessages(ctx context.Context, tctx *TaskContext, raw json.RawMessage) (ToolResult, error) {
	var args struct {
		TaskOrder  int   `json:"task_order"`
		MessageIDs []int `json:"message_ids"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolResult{}, fmt.Errorf("decode append_messages_to_task arguments: %w", err)
	}

	task, ok := tctx.TaskByOrder(args.TaskOrder)
	if !ok {
		return l.reject(ctx, ToolAppendMessages,
			fmt.Sprintf("Task order %d is out of range, appending failed.", args.TaskOrder))
	}
	if task.Status == models.StatusSuccess || task.Status == models.StatusFailed {
		return l.reject(ctx, ToolAppendMessages,
			fmt.Sprintf("Task %d is already %s, appending failed.", args.TaskOrder, task.Status))
	}

	ids := tctx.ResolveMessages(args.MessageIDs)
	if len(ids) == 0 {
		return l.reject(ctx, ToolAppendMessages,
			fmt.Sprintf("No message ids to append, skip: %v", args.MessageIDs))
	}
	if err := l.store.AppendMessages(ctx, task.ID, ids); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{
		Text: fmt.Sprintf("Messages %v appended to task %d", args.MessageIDs, args.TaskOrder),
	}, nil
}

func (l *Library) appendPlanning(ctx context.Context, tctx *TaskContext, raw json.RawMessage) (ToolResult, error) {
	var args struct {
		MessageIDs []int `json:"message_ids"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolResult{}, fmt.Errorf("decode append_messages_to_planning_section arguments: %w", err)
	}

	ids := tctx.ResolveMessages(args.MessageIDs)
	if len(ids) == 0 {
		return l.reject(ctx, ToolAppendPlanning,
			fmt.Sprintf("No message ids to append, skip: %v", args.MessageIDs))
	}
	if _, err := l.store.AppendToPlanning(ctx, tctx.SessionID, ids); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{
		Text: fmt.Sprintf("Messages %v appended to planning section", args.MessageIDs),
	}, nil
}
