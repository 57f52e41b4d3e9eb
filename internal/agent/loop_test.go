package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/pkg/models"
)

// scriptedProvider replays canned responses and records every request.
type scriptedProvider struct {
	responses []*Response
	err       error
	requests  []*Request
}

func (p *scriptedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.requests) > len(p.responses) {
		return &Response{}, nil
	}
	return p.responses[len(p.requests)-1], nil
}

func newTestLoop(t *testing.T, provider Provider, store *fakeStore, notifier CompleteNotifier, maxIterations int) *Loop {
	t.Helper()
	library := newTestLibrary(t, store, notifier)
	return NewLoop(provider, library, store, observability.NewTestLogger(),
		config.AgentConfig{MaxIterations: maxIterations})
}

func TestLoop_NoToolCallsStops(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{{Content: "nothing to do"}}}
	store := newFakeStore("existing")
	loop := newTestLoop(t, provider, store, nil, 4)

	err := loop.Run(context.Background(), uuid.New(), uuid.New(), nil, makeBatch(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(provider.requests) != 1 {
		t.Errorf("got %d requests, want 1", len(provider.requests))
	}
	if len(provider.requests[0].Tools) != 5 {
		t.Errorf("got %d tool schemas, want 5", len(provider.requests[0].Tools))
	}
}

func TestLoop_FinishShortCircuits(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{
			call(ToolInsertTask, `{"after_task_order":0,"task_description":"new work"}`),
			call(ToolFinish, `{}`),
		}},
		{ToolCalls: []ToolCall{call(ToolFinish, `{}`)}},
	}}
	store := newFakeStore()
	loop := newTestLoop(t, provider, store, nil, 4)

	err := loop.Run(context.Background(), uuid.New(), uuid.New(), nil, makeBatch(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(provider.requests) != 1 {
		t.Errorf("finish must stop the loop: got %d requests", len(provider.requests))
	}
	if len(store.tasks) != 1 {
		t.Errorf("insert before finish must still apply: %v", store.tasks)
	}
}

func TestLoop_UnknownToolIsFatal(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{call("launch_missiles", `{}`)}},
	}}
	store := newFakeStore()
	loop := newTestLoop(t, provider, store, nil, 4)

	err := loop.Run(context.Background(), uuid.New(), uuid.New(), nil, makeBatch(1))
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestLoop_ProviderFailureIsFatal(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("rate limited")}
	loop := newTestLoop(t, provider, newFakeStore(), nil, 4)

	err := loop.Run(context.Background(), uuid.New(), uuid.New(), nil, makeBatch(1))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestLoop_MaxIterationsBound(t *testing.T) {
	// Always answers with a tool call and never finishes.
	endless := []*Response{}
	for i := 0; i < 10; i++ {
		endless = append(endless, &Response{ToolCalls: []ToolCall{
			call(ToolUpdateTask, `{"task_order":1,"task_status":"running"}`),
		}})
	}
	provider := &scriptedProvider{responses: endless}
	store := newFakeStore("spin")
	loop := newTestLoop(t, provider, store, nil, 3)

	err := loop.Run(context.Background(), uuid.New(), uuid.New(), nil, makeBatch(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(provider.requests) != 3 {
		t.Errorf("got %d requests, want 3", len(provider.requests))
	}
}

func TestLoop_ContextRebuiltWithinResponse(t *testing.T) {
	// One response both inserts a task and updates task 1. The update must
	// see the inserted task even though both calls arrived together.
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{
			call(ToolInsertTask, `{"after_task_order":0,"task_description":"triage bug"}`),
			call(ToolUpdateTask, `{"task_order":1,"task_status":"success"}`),
			call(ToolFinish, `{}`),
		}},
	}}
	store := newFakeStore()
	notifier := &fakeNotifier{}
	loop := newTestLoop(t, provider, store, notifier, 4)

	err := loop.Run(context.Background(), uuid.New(), uuid.New(), nil, makeBatch(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(store.tasks))
	}
	if store.tasks[0].Status != models.StatusSuccess {
		t.Errorf("update resolved against a stale snapshot: %+v", store.tasks[0])
	}
	if len(notifier.completed) != 1 || notifier.completed[0] != store.tasks[0].ID {
		t.Errorf("completion notice wrong: %v", notifier.completed)
	}
}

func TestLoop_InsertThenUpdateExistingInOneResponse(t *testing.T) {
	// With an existing task, inserting at the front shifts it to order 2;
	// an update of order 1 in the same response targets the new task, and
	// the shifted task is untouched.
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{
			call(ToolInsertTask, `{"after_task_order":0,"task_description":"urgent fix"}`),
			call(ToolUpdateTask, `{"task_order":1,"task_status":"success"}`),
			call(ToolFinish, `{}`),
		}},
	}}
	store := newFakeStore("older work")
	notifier := &fakeNotifier{}
	loop := newTestLoop(t, provider, store, notifier, 4)

	err := loop.Run(context.Background(), uuid.New(), uuid.New(), nil, makeBatch(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(store.tasks))
	}
	inserted := store.tasks[0]
	if inserted.Description() != "urgent fix" || inserted.Status != models.StatusSuccess {
		t.Errorf("update hit the wrong task: %+v", store.tasks)
	}
	if store.tasks[1].Status != models.StatusPending {
		t.Errorf("shifted task must stay pending: %+v", store.tasks[1])
	}
	if len(notifier.completed) != 1 || notifier.completed[0] != inserted.ID {
		t.Errorf("completion notice wrong: %v", notifier.completed)
	}
}

func TestLoop_ContextRebuiltAfterInsert(t *testing.T) {
	// First round inserts a task at the front; second round updates task 1,
	// which must resolve to the freshly inserted task, not a stale snapshot.
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{
			call(ToolInsertTask, `{"after_task_order":0,"task_description":"urgent fix"}`),
		}},
		{ToolCalls: []ToolCall{
			call(ToolUpdateTask, `{"task_order":1,"task_status":"success"}`),
			call(ToolFinish, `{}`),
		}},
	}}
	store := newFakeStore("older work")
	notifier := &fakeNotifier{}
	loop := newTestLoop(t, provider, store, notifier, 4)

	err := loop.Run(context.Background(), uuid.New(), uuid.New(), nil, makeBatch(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(store.tasks))
	}
	inserted := store.tasks[0]
	if inserted.Description() != "urgent fix" {
		t.Fatalf("insert not at front: %+v", store.tasks)
	}
	if inserted.Status != models.StatusSuccess {
		t.Errorf("update hit the wrong task: %+v", store.tasks)
	}
	if store.tasks[1].Status != models.StatusPending {
		t.Errorf("stale snapshot used: %+v", store.tasks[1])
	}
	if len(notifier.completed) != 1 || notifier.completed[0] != inserted.ID {
		t.Errorf("completion notice wrong: %v", notifier.completed)
	}
}
