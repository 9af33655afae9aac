package core

import "context"

// AgentConfig describes a runnable agent: identity, model parameters, tools
// and routing hints. Configurations are owned by the catalog collaborator;
// the engine treats them as immutable values.
type AgentConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Prompt      string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Tools       []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Tags and Keywords feed the routing scorer.
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// SubAgentSpec defines a lightweight worker agent scoped to a parent agent,
// as opposed to a top-level catalog agent. The coordinator synthesizes a
// worker AgentConfig from it before execution.
type SubAgentSpec struct {
	Name        string   `json:"name" yaml:"name"`
	ParentAgent string   `json:"parent_agent" yaml:"parent_agent"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Prompt      string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Tools       []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// WorkerConfig synthesizes a runnable AgentConfig from the spec.
func (s SubAgentSpec) WorkerConfig() AgentConfig {
	return AgentConfig{
		ID:          s.ParentAgent + "/" + s.Name,
		Name:        s.Name,
		Model:       s.Model,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		Prompt:      s.Prompt,
		Tools:       s.Tools,
	}
}

// RunInput is the delegated execution context handed to an AgentRunner: a
// fresh thread, the trimmed conversation, a system note naming the
// delegating agent, and the task text as the final human turn.
type RunInput struct {
	ThreadID    string
	UserID      string
	ExecutionID string
	// Messages is the full prepared conversation, system note first and the
	// task as the trailing human turn. Attachments ride on that final turn.
	Messages []Message
	Priority Priority
}

// RunResult is what an AgentRunner returns for one completed agent turn.
type RunResult struct {
	Content string
	Tokens  int
	CostUSD float64
}

// AgentRunner executes one agent turn to completion or failure. It is the
// narrow interface behind which the whole model-invocation layer lives;
// implementations must honor ctx cancellation (the coordinator races runs
// against per-class timeouts).
type AgentRunner interface {
	ExecuteAgent(ctx context.Context, cfg AgentConfig, input RunInput) (RunResult, error)
	// InitializeAgent prepares an agent (e.g. a synthesized sub-agent
	// worker) before its first run. Idempotent.
	InitializeAgent(ctx context.Context, cfg AgentConfig) error
}

// Catalog looks up agent configuration and resolves name aliases. Lookups
// may hit a backing store; the delegation package fronts ResolveCanonical
// with a short-TTL cache plus a static fallback table.
type Catalog interface {
	// ResolveCanonical de-aliases an agent name to its stable identifier.
	ResolveCanonical(ctx context.Context, name string) (string, error)
	// GetAllAgents returns the full agent catalog visible to a user.
	GetAllAgents(ctx context.Context, userID string) ([]AgentConfig, error)
}

// SubAgentRegistry resolves sub-agent specs by canonical name. Checked
// before the full catalog when resolving a delegation target.
type SubAgentRegistry interface {
	GetSubAgent(name string) (SubAgentSpec, bool)
}

// Checkpointer persists approval-gate snapshots so a suspended pipeline can
// be resumed after a process restart. The snapshot format is owned by the
// implementation, not by this engine.
type Checkpointer interface {
	SaveSnapshot(ctx context.Context, snap ApprovalSnapshot) error
	LoadSnapshot(ctx context.Context, executionID string) (ApprovalSnapshot, bool, error)
	DeleteSnapshot(ctx context.Context, executionID string) error
}
