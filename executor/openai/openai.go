// Package openai implements core.AgentRunner on the OpenAI Chat Completions
// API. A delegated execution context is rendered as a single non-streaming
// completion: system note and agent prompt first, then the trimmed
// conversation, the task text arriving as the final user turn.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/hupe1980/handoff/core"
)

// Options configure the OpenAI runner. Per-agent model parameters from
// AgentConfig override these defaults at call time.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Runner wraps the OpenAI client behind core.AgentRunner.
type Runner struct {
	client *openai.Client
	opts   Options
}

// NewRunner creates a runner using the default client (API key from the
// environment).
func NewRunner(optFns ...func(o *Options)) *Runner {
	client := openai.NewClient()
	return NewRunnerFromClient(&client, optFns...)
}

// NewRunnerFromClient creates a runner from an existing client.
func NewRunnerFromClient(client *openai.Client, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{client: client, opts: opts}
}

// ExecuteAgent runs one delegated turn to completion.
func (r *Runner) ExecuteAgent(ctx context.Context, cfg core.AgentConfig, input core.RunInput) (core.RunResult, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            r.buildMessages(cfg, input),
		Model:               r.model(cfg),
		Temperature:         openai.Float(r.temperature(cfg)),
		MaxCompletionTokens: openai.Int(r.maxTokens(cfg)),
	}

	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return core.RunResult{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return core.RunResult{}, fmt.Errorf("no choices returned")
	}

	return core.RunResult{
		Content: resp.Choices[0].Message.Content,
		Tokens:  int(resp.Usage.TotalTokens),
	}, nil
}

// InitializeAgent is a no-op: chat completions need no per-agent setup.
func (r *Runner) InitializeAgent(context.Context, core.AgentConfig) error { return nil }

func (r *Runner) buildMessages(cfg core.AgentConfig, input core.RunInput) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(input.Messages)+1)
	if cfg.Prompt != "" {
		messages = append(messages, openai.SystemMessage(cfg.Prompt))
	}
	for _, m := range input.Messages {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			if m.Content != "" {
				messages = append(messages, openai.UserMessage(m.Content))
			}
		}
	}
	return messages
}

func (r *Runner) model(cfg core.AgentConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return r.opts.Model
}

func (r *Runner) temperature(cfg core.AgentConfig) float64 {
	if cfg.Temperature > 0 {
		return cfg.Temperature
	}
	return r.opts.Temperature
}

func (r *Runner) maxTokens(cfg core.AgentConfig) int64 {
	if cfg.MaxTokens > 0 {
		return int64(cfg.MaxTokens)
	}
	return r.opts.MaxCompletionTokens
}
