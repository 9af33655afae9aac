package core

import (
	"fmt"
	"strings"
)

// Priority orders delegation requests. It only influences executor queueing
// hints; the coordinator itself processes every request it is handed.
type Priority string

const (
	// PriorityLow marks background work.
	PriorityLow Priority = "low"
	// PriorityNormal is the default.
	PriorityNormal Priority = "normal"
	// PriorityHigh marks latency-sensitive work.
	PriorityHigh Priority = "high"
)

// NormalizePriority maps free-form priority labels onto the known set.
// "medium" is accepted as an alias of normal; anything unrecognized falls
// back to normal rather than failing the delegation.
func NormalizePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "normal", "medium", "":
		return PriorityNormal
	default:
		return PriorityNormal
	}
}

// DelegationRequest is the ephemeral input to one coordinator invocation.
// It is never persisted.
type DelegationRequest struct {
	SourceAgent       string
	TargetAgent       string // pre-canonicalization; aliases allowed
	Task              string
	Context           string
	Priority          Priority
	SourceExecutionID string
	UserID            string
	// ConversationHistory is the source conversation, most recent last. The
	// coordinator trims it before handing it to the child.
	ConversationHistory []Message
	// Attachments from the triggering message; preserved on the delegated
	// task rather than dropped.
	Attachments []Attachment
}

// DelegationKey correlates a suspended "waiting for child" resolver with the
// completion event that eventually resolves it. Both sides must derive it
// from the canonical target name or the correlation silently fails.
func DelegationKey(sourceExecutionID, sourceAgent, canonicalTarget string) string {
	return fmt.Sprintf("%s:%s:%s", sourceExecutionID, sourceAgent, canonicalTarget)
}

// Outcome tags the variant of a DelegationResult.
type Outcome string

const (
	// OutcomeSuccess means the child completed and produced a result.
	OutcomeSuccess Outcome = "success"
	// OutcomeTimedOut means the child exceeded its execution budget.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeTargetNotFound means no agent answers to the requested target.
	OutcomeTargetNotFound Outcome = "target_not_found"
	// OutcomeExecutionError means the child raised during its own logic.
	OutcomeExecutionError Outcome = "execution_error"
)

// DelegationResult is the uniform tagged result returned from both the
// event-driven completion path and the direct-await path. Failures carry a
// human-readable Result so the parent conversation always receives something
// coherent; raw errors never propagate to the parent's control flow.
type DelegationResult struct {
	Outcome          Outcome `json:"outcome"`
	TargetAgent      string  `json:"target_agent"`
	ChildExecutionID string  `json:"child_execution_id,omitempty"`
	Result           string  `json:"result"`
	Error            string  `json:"error,omitempty"`
	TimedOut         bool    `json:"timed_out,omitempty"`
	ExecutionTimeMs  int64   `json:"execution_time_ms"`
	Tokens           int     `json:"tokens,omitempty"`
	// InterruptSteps are approval checkpoints raised inside the child; the
	// coordinator copies them onto the parent's trail.
	InterruptSteps []Step `json:"interrupt_steps,omitempty"`
}

// Success reports whether the delegation completed normally.
func (r DelegationResult) Success() bool { return r.Outcome == OutcomeSuccess }

// Resolver is the continuation pair registered under a DelegationKey while a
// caller awaits a child's completion. Exactly one of Resolve/Reject fires;
// the delegation.completed event handler is the single resolution site.
type Resolver struct {
	Resolve func(DelegationResult)
	Reject  func(error)
}
