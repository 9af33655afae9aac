// Package anthropic implements core.AgentRunner on the Anthropic Messages
// API. A delegated execution context becomes one non-streaming message
// exchange; system turns and the agent prompt are carried as system blocks.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/handoff/core"
)

// Options configure the Anthropic runner. Per-agent model parameters from
// AgentConfig override these defaults at call time.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Runner wraps the Anthropic client behind core.AgentRunner.
type Runner struct {
	client *anthropic.Client
	opts   Options
}

// NewRunner creates a runner using the official client.
func NewRunner(optFns ...func(o *Options)) *Runner {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Runner{client: &client, opts: opts}
}

// NewRunnerFromClient creates a runner from an existing client.
func NewRunnerFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Runner {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// ExecuteAgent runs one delegated turn to completion.
func (r *Runner) ExecuteAgent(ctx context.Context, cfg core.AgentConfig, input core.RunInput) (core.RunResult, error) {
	params := anthropic.MessageNewParams{
		Model:       r.model(cfg),
		Messages:    buildMessages(input.Messages),
		MaxTokens:   r.maxTokens(cfg),
		Temperature: anthropic.Float(r.temperature(cfg)),
	}
	if system := systemBlocks(cfg, input.Messages); len(system) > 0 {
		params.System = system
	}

	resp, err := r.client.Messages.New(ctx, params)
	if err != nil {
		return core.RunResult{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.AsText().Text
		}
	}

	return core.RunResult{
		Content: content,
		Tokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}

// InitializeAgent is a no-op: the Messages API needs no per-agent setup.
func (r *Runner) InitializeAgent(context.Context, core.AgentConfig) error { return nil }

// buildMessages converts the conversation into Anthropic message params.
// System turns are handled separately; tool turns become user turns since the
// delegated context carries tool output as plain text.
func buildMessages(msgs []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		if m.Role == core.RoleSystem || m.Content == "" {
			continue
		}
		switch m.Role {
		case core.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func systemBlocks(cfg core.AgentConfig, msgs []core.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if cfg.Prompt != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: cfg.Prompt})
	}
	for _, m := range msgs {
		if m.Role == core.RoleSystem && m.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
}

func (r *Runner) model(cfg core.AgentConfig) anthropic.Model {
	if cfg.Model != "" {
		return anthropic.Model(cfg.Model)
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
	return r.opts.MaxTokens
}
