// Package agent runs the task-distillation loop: it packs claimed messages
// into a prompt, lets the model drive the task tools, and bounds the whole
// exchange by a fixed iteration budget.
package agent

import (
	"context"
	"encoding/json"

	"github.com/taskweave/taskweave/pkg/models"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSchema describes one callable tool to the model. Parameters is a JSON
// Schema object.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Turn is one dialogue entry sent to or received from the model.
type Turn struct {
	Role    models.Role
	Content string

	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall

	// ToolCallID is set on tool turns and names the call being answered.
	ToolCallID string
}

// Request is a single completion exchange.
type Request struct {
	System   string
	Dialogue []Turn
	Tools    []ToolSchema
}

// Response is the model's reply.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider produces completions. Implementations apply their own per-call
// timeout.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
