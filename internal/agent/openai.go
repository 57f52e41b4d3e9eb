package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/observability"
)

// OpenAIProvider is the Provider over the OpenAI chat completions API.
// A custom base URL covers OpenAI-compatible gateways.
type OpenAIProvider struct {
	client  *openai.Client
	cfg     config.LLMConfig
	metrics *observability.Metrics
}

// NewOpenAIProvider builds the provider from config.
func NewOpenAIProvider(cfg config.LLMConfig, metrics *observability.Metrics) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientConfig),
		cfg:     cfg,
		metrics: metrics,
	}
}

// Complete runs one non-streaming completion under the configured timeout.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Dialogue)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, turn := range req.Dialogue {
		msg := openai.ChatCompletionMessage{
			Role:       string(turn.Role),
			Content:    turn.Content,
			ToolCallID: turn.ToolCallID,
		}
		for _, call := range turn.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}

	tools := make([]openai.Tool, 0, len(req.Tools))
	for _, schema := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  schema.Parameters,
			},
		})
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model:     p.cfg.Model,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: p.cfg.MaxTokens,
	})
	p.metrics.LLMRequestDuration.WithLabelValues(p.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.LLMRequestCounter.WithLabelValues(p.cfg.Model, "error").Inc()
		return nil, fmt.Errorf("llm completion: %w", err)
	}
	p.metrics.LLMRequestCounter.WithLabelValues(p.cfg.Model, "success").Inc()

	if len(resp.Choices) == 0 {
		return nil, errors.New("llm completion: empty choice list")
	}
	choice := resp.Choices[0].Message

	out := &Response{Content: choice.Content}
	for _, call := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return out, nil
}
