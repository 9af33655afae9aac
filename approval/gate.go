// Package approval implements the suspend/resume checkpoint inserted before
// sensitive tool invocations. The gate pauses an execution, exposes a
// structured approval request, and on resume applies the human decision —
// accept, edit, reject or respond — while normalizing user-edited arguments
// into the tool's expected shape.
//
// The gate itself is stateless; the suspend snapshot (including the
// already-approved replay guard) lives in the injected checkpoint backend so
// a paused pipeline survives process restarts, and re-entry after resume
// short-circuits instead of asking the human twice or firing the tool twice.
package approval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/handoff/core"
	"github.com/hupe1980/handoff/logging"
)

// Rule marks one tool as requiring human approval before invocation.
type Rule struct {
	Tool        string              `json:"tool" yaml:"tool"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Config      core.ApprovalConfig `json:"config" yaml:"config"`
}

// Evaluation is the outcome of inspecting pending tool calls before
// execution.
type Evaluation struct {
	// Suspended is true when a human decision is required; Request carries
	// the question and the execution has been checkpointed.
	Suspended bool
	Request   *core.ApprovalRequest
	// Calls are the tool calls cleared to proceed (pass-through and
	// already-approved paths).
	Calls []core.PendingToolCall
	// AlreadyApproved marks a replayed entry that short-circuited on the
	// persisted guard.
	AlreadyApproved bool
	// Message replaces the pending assistant turn when a replayed entry was
	// resolved without execution (reject, respond); Calls is empty then.
	Message string
}

// Resumption is the outcome of applying a human response.
type Resumption struct {
	Decision core.Decision
	// Calls are the tool calls to execute. Empty after a rejection or a
	// free-text response: the downstream tool-execution step must see no
	// calls and therefore invoke nothing.
	Calls []core.PendingToolCall
	// Message replaces the pending assistant turn when Calls is empty.
	Message string
}

// Options holds dependency overrides for the Gate.
type Options struct {
	Checkpointer core.Checkpointer
	Logger       logging.Logger
}

// Gate filters pending tool calls against its rule set and drives the
// suspend/resume state machine: proposed → suspended awaiting human →
// approved | approved-with-edits | rejected.
type Gate struct {
	rules        map[string]Rule
	checkpointer core.Checkpointer
	logger       logging.Logger
}

// New constructs a Gate over the given rules.
func New(rules []Rule, optFns ...func(o *Options)) *Gate {
	opts := Options{
		Checkpointer: NewInMemoryCheckpointer(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	index := make(map[string]Rule, len(rules))
	for _, r := range rules {
		index[r.Tool] = r
	}
	return &Gate{rules: index, checkpointer: opts.Checkpointer, logger: opts.Logger}
}

// WithCheckpointer overrides the snapshot backend.
func WithCheckpointer(cp core.Checkpointer) func(o *Options) {
	return func(o *Options) { o.Checkpointer = cp }
}

// WithLogger overrides the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Evaluate inspects pending tool calls on entry to a node. Calls whose tool
// is not configured for approval pass through unchanged. Pre-authorized
// scheduled-task executions bypass the gate entirely. When at least one
// call requires approval, a single ApprovalRequest is built for the first
// such call (batching simultaneous approvals is out of scope) and the
// execution suspends behind a durable snapshot.
func (g *Gate) Evaluate(ctx context.Context, exec *core.Execution, nodeID string, calls []core.PendingToolCall) (Evaluation, error) {
	if len(calls) == 0 {
		return Evaluation{Calls: calls}, nil
	}
	if exec.IsScheduledTask {
		return Evaluation{Calls: calls}, nil
	}

	var gated *core.PendingToolCall
	for i := range calls {
		if _, ok := g.rules[calls[i].Name]; ok {
			gated = &calls[i]
			break
		}
	}
	if gated == nil {
		return Evaluation{Calls: calls}, nil
	}

	setID := callSetID(calls)

	// Replay guard: suspension mechanisms re-execute preceding steps on
	// resume, so an identical (execution, call-set) pair that was already
	// resolved passes through instead of re-suspending. The replayed
	// outcome mirrors the original decision: approved sets proceed,
	// dismissed sets come back with no calls at all.
	snap, found, err := g.checkpointer.LoadSnapshot(ctx, exec.ID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("load approval snapshot: %w", err)
	}
	if found {
		if containsString(snap.ApprovedCallSets, setID) {
			g.logger.Debug("approval replay short-circuit execution_id=%s call_set=%s", exec.ID, setID)
			return Evaluation{Calls: calls, AlreadyApproved: true}, nil
		}
		if msg, ok := snap.DismissedCallSets[setID]; ok {
			g.logger.Debug("dismissed replay short-circuit execution_id=%s call_set=%s", exec.ID, setID)
			return Evaluation{AlreadyApproved: true, Message: msg}, nil
		}
	}

	rule := g.rules[gated.Name]
	request := core.ApprovalRequest{
		ExecutionID: exec.ID,
		Action:      gated.Name,
		Args:        gated.Args,
		Config:      rule.Config,
		Description: rule.Description,
		Call:        *gated,
	}

	snap.ExecutionID = exec.ID
	snap.NodeID = nodeID
	snap.PendingCalls = calls
	snap.Request = request
	if err := g.checkpointer.SaveSnapshot(ctx, snap); err != nil {
		return Evaluation{}, fmt.Errorf("save approval snapshot: %w", err)
	}

	exec.SetStatus(core.StatusSuspended)
	exec.AddStep(core.Step{
		Type:   core.StepInterrupt,
		Detail: map[string]string{"action": gated.Name, "node": nodeID},
	})
	g.logger.Info("execution suspended for approval execution_id=%s action=%s", exec.ID, gated.Name)

	return Evaluation{Suspended: true, Request: &request}, nil
}

// Resume applies a human response to a suspended execution. The resolved
// call set is recorded in the persisted snapshot before anything executes,
// so a crash between resume and tool execution can never re-ask the human.
func (g *Gate) Resume(ctx context.Context, exec *core.Execution, response core.ApprovalResponse) (Resumption, error) {
	snap, found, err := g.checkpointer.LoadSnapshot(ctx, exec.ID)
	if err != nil {
		return Resumption{}, fmt.Errorf("load approval snapshot: %w", err)
	}
	if !found || len(snap.PendingCalls) == 0 {
		return Resumption{}, fmt.Errorf("no pending approval for execution %s", exec.ID)
	}

	setID := callSetID(snap.PendingCalls)
	pending := snap.PendingCalls

	var res Resumption
	switch response.Decision {
	case core.DecisionAccept:
		res = Resumption{Decision: response.Decision, Calls: pending}

	case core.DecisionEdit:
		edited := make([]core.PendingToolCall, len(pending))
		copy(edited, pending)
		for i := range edited {
			if edited[i].ID != snap.Request.Call.ID {
				continue
			}
			args, err := RemapArgs(edited[i].Name, edited[i].Args, response.EditedArgs)
			if err != nil {
				return Resumption{}, fmt.Errorf("remap edited args: %w", err)
			}
			edited[i].Args = args
		}
		res = Resumption{Decision: response.Decision, Calls: edited}

	case core.DecisionReject:
		// Not an error: a valid terminal outcome. The assistant turn's tool
		// calls are replaced by plain text, so nothing executes.
		msg := fmt.Sprintf("The %s action was canceled at your request.", snap.Request.Action)
		if response.Reason != "" {
			msg += " Reason: " + response.Reason
		}
		res = Resumption{Decision: response.Decision, Message: msg}

	case core.DecisionRespond:
		res = Resumption{Decision: response.Decision, Message: response.Text}

	default:
		return Resumption{}, fmt.Errorf("unknown approval decision %q", response.Decision)
	}

	// The guard records the decision itself, persisted before anything
	// executes: accepted/edited sets replay as cleared, rejected/responded
	// sets replay with no calls.
	snap.PendingCalls = nil
	switch response.Decision {
	case core.DecisionAccept, core.DecisionEdit:
		if !containsString(snap.ApprovedCallSets, setID) {
			snap.ApprovedCallSets = append(snap.ApprovedCallSets, setID)
		}
	default:
		if snap.DismissedCallSets == nil {
			snap.DismissedCallSets = map[string]string{}
		}
		snap.DismissedCallSets[setID] = res.Message
	}
	if err := g.checkpointer.SaveSnapshot(ctx, snap); err != nil {
		return Resumption{}, fmt.Errorf("persist approval guard: %w", err)
	}

	exec.SetStatus(core.StatusRunning)
	g.logger.Info("execution resumed execution_id=%s decision=%s", exec.ID, response.Decision)

	return res, nil
}

// Finish discards the suspend snapshot (and its replay guards) for an
// execution that has reached a terminal state. The guard is only needed
// while the pipeline can still re-enter; snapshots kept past completion
// accumulate for the life of the store.
func (g *Gate) Finish(ctx context.Context, executionID string) error {
	return g.checkpointer.DeleteSnapshot(ctx, executionID)
}

// callSetID derives the replay-guard identity of a pending call batch:
// sorted tool-call ids, order independent.
func callSetID(calls []core.PendingToolCall) string {
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return strings.Join(ids, "+")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
