package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status describes the lifecycle state of an Execution.
type Status string

const (
	// StatusPending is assigned at creation, before the agent starts.
	StatusPending Status = "pending"
	// StatusRunning marks an execution actively producing output.
	StatusRunning Status = "running"
	// StatusSuspended marks an execution paused at an approval checkpoint.
	StatusSuspended Status = "suspended"
	// StatusCompleted is the successful terminal state.
	StatusCompleted Status = "completed"
	// StatusFailed is the unsuccessful terminal state.
	StatusFailed Status = "failed"
)

// Role tags a conversation turn.
type Role string

const (
	// RoleHuman marks end-user turns.
	RoleHuman Role = "human"
	// RoleAssistant marks agent-authored turns.
	RoleAssistant Role = "assistant"
	// RoleSystem marks synthetic orchestration notes.
	RoleSystem Role = "system"
	// RoleTool marks tool output turns.
	RoleTool Role = "tool"
)

// StepType labels entries on an execution's orchestration audit trail.
type StepType string

const (
	// StepDelegating records that the execution handed a task to another agent.
	StepDelegating StepType = "delegating"
	// StepExecuting records the start of agent work.
	StepExecuting StepType = "executing"
	// StepFinalizing records that a delegated result is being spliced back.
	StepFinalizing StepType = "finalizing"
	// StepInterrupt records a pending human-approval checkpoint.
	StepInterrupt StepType = "interrupt"
	// StepCompleted records terminal completion together with the result.
	StepCompleted StepType = "completed"
)

// Attachment is a non-text payload carried alongside a message (e.g. a file
// forwarded from the triggering user turn). It must survive delegation intact.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URI      string `json:"uri,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
}

// Message is one ordered conversation turn on an execution's timeline.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Step is one ordered entry on an execution's orchestration-visible audit
// trail. Detail carries free-form context (result snippet, target agent,
// approval action) keyed by short names.
type Step struct {
	Type      StepType          `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Metrics aggregates per-execution resource accounting. All additions are
// idempotent accumulations: merging child metrics adds, never replaces.
type Metrics struct {
	Tokens          int     `json:"tokens"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	ToolCalls       int     `json:"tool_calls"`
	Handoffs        int     `json:"handoffs"`
	Errors          int     `json:"errors"`
	CostUSD         float64 `json:"cost_usd"`
}

// Add merges another metrics snapshot into the receiver by addition.
func (m *Metrics) Add(other Metrics) {
	m.Tokens += other.Tokens
	m.ExecutionTimeMs += other.ExecutionTimeMs
	m.ToolCalls += other.ToolCalls
	m.Handoffs += other.Handoffs
	m.Errors += other.Errors
	m.CostUSD += other.CostUSD
}

// Execution is one tracked unit of agent work with its own message/step
// timeline and metrics. It is safe for concurrent access.
//
// Contract:
//   - Messages and Steps are strictly append-ordered; there is no removal API
//   - Mutations refresh the Updated timestamp
//   - Snapshot accessors return defensive copies so observers can render
//     timelines without racing the coordinator
type Execution struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`

	Status   Status    `json:"status"`
	Messages []Message `json:"messages"`
	Steps    []Step    `json:"steps"`
	Metrics  Metrics   `json:"metrics"`

	// Delegation metadata.
	IsDelegation      bool   `json:"is_delegation,omitempty"`
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	SourceAgent       string `json:"source_agent,omitempty"`
	// IsScheduledTask propagates to children and lets pre-authorized
	// automated runs bypass the approval gate.
	IsScheduledTask bool `json:"is_scheduled_task,omitempty"`

	// Meta carries execution-scoped orchestration markers (e.g. the approval
	// replay guard, the has-delegated trail flag).
	Meta map[string]string `json:"meta,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	mu sync.RWMutex
}

// NewExecution constructs a pending execution for the given agent and user.
func NewExecution(agentID, userID, threadID string) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:       NewID(),
		AgentID:  agentID,
		UserID:   userID,
		ThreadID: threadID,
		Status:   StatusPending,
		Meta:     map[string]string{},
		Created:  now,
		Updated:  now,
	}
}

// SetStatus transitions the execution to the given status.
func (e *Execution) SetStatus(s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Status = s
	e.Updated = time.Now().UTC()
}

// GetStatus returns the current status.
func (e *Execution) GetStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Status
}

// AddMessage appends a conversation turn.
func (e *Execution) AddMessage(msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	e.Messages = append(e.Messages, msg)
	e.Updated = time.Now().UTC()
}

// AddStep appends an audit-trail entry.
func (e *Execution) AddStep(step Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	e.Steps = append(e.Steps, step)
	e.Updated = time.Now().UTC()
}

// AddMetrics merges child or turn metrics into the execution by addition.
func (e *Execution) AddMetrics(m Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Metrics.Add(m)
	e.Updated = time.Now().UTC()
}

// GetMetrics returns a copy of the current metrics.
func (e *Execution) GetMetrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Metrics
}

// GetMessages returns a defensive copy of the message timeline.
func (e *Execution) GetMessages() []Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	msgs := make([]Message, len(e.Messages))
	copy(msgs, e.Messages)
	return msgs
}

// GetSteps returns a defensive copy of the step trail.
func (e *Execution) GetSteps() []Step {
	e.mu.RLock()
	defer e.mu.RUnlock()
	steps := make([]Step, len(e.Steps))
	copy(steps, e.Steps)
	return steps
}

// StepsOfType returns the steps matching t in append order.
func (e *Execution) StepsOfType(t StepType) []Step {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Step
	for _, s := range e.Steps {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// SetMeta stores an execution-scoped orchestration marker.
func (e *Execution) SetMeta(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Meta == nil {
		e.Meta = map[string]string{}
	}
	e.Meta[key] = value
	e.Updated = time.Now().UTC()
}

// GetMeta returns a marker value and whether it was present.
func (e *Execution) GetMeta(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.Meta[key]
	return v, ok
}

// NewID generates a collision-resistant identifier for executions, messages
// and delegation correlation. No correctness depends on monotonicity.
func NewID() string { return uuid.NewString() }
