package delegation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/handoff/core"
)

type mockRunner struct {
	mu          sync.Mutex
	execute     func(ctx context.Context, cfg core.AgentConfig, input core.RunInput) (core.RunResult, error)
	initialized []string
}

func (m *mockRunner) ExecuteAgent(ctx context.Context, cfg core.AgentConfig, input core.RunInput) (core.RunResult, error) {
	if m.execute != nil {
		return m.execute(ctx, cfg, input)
	}
	return core.RunResult{Content: "done"}, nil
}

func (m *mockRunner) InitializeAgent(_ context.Context, cfg core.AgentConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = append(m.initialized, cfg.ID)
	return nil
}

type mapSubAgents map[string]core.SubAgentSpec

func (m mapSubAgents) GetSubAgent(name string) (core.SubAgentSpec, bool) {
	spec, ok := m[name]
	return spec, ok
}

func newTestCoordinator(t *testing.T, runner *mockRunner, extra ...func(o *Options)) *Coordinator {
	t.Helper()
	catalog := &stubCatalog{agents: []core.AgentConfig{
		{ID: "research-agent", Name: "Researcher"},
		{ID: "mail-agent", Name: "Mail"},
	}}
	opts := []func(o *Options){
		WithCatalog(catalog),
		WithRegisterer(prometheus.NewRegistry()),
	}
	return New(runner, append(opts, extra...)...)
}

func delegate(t *testing.T, c *Coordinator, req core.DelegationRequest) core.DelegationResult {
	t.Helper()
	var result core.DelegationResult
	err := RunInScope(context.Background(), "user-1", "req-1", func(ctx context.Context) error {
		var err error
		result, err = c.Delegate(ctx, req)
		return err
	})
	require.NoError(t, err)
	return result
}

func TestCoordinator_DelegateEndToEnd(t *testing.T) {
	runner := &mockRunner{
		execute: func(ctx context.Context, _ core.AgentConfig, _ core.RunInput) (core.RunResult, error) {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return core.RunResult{}, ctx.Err()
			}
			return core.RunResult{Content: "Findings: three relevant papers located.", Tokens: 42}, nil
		},
	}
	c := newTestCoordinator(t, runner)

	parent := core.NewExecution("assistant", "user-1", "t-1")
	c.Registry().Put(parent.ID, parent)

	result := delegate(t, c, core.DelegationRequest{
		SourceAgent:       "assistant",
		SourceExecutionID: parent.ID,
		TargetAgent:       "researcher", // alias of research-agent
		Task:              "research X",
	})

	assert.Equal(t, core.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "research-agent", result.TargetAgent)
	assert.Contains(t, result.Result, "Findings:")
	assert.Equal(t, 42, result.Tokens)
	assert.GreaterOrEqual(t, result.ExecutionTimeMs, int64(50))

	// Exactly one delegating step, then the terminal finalize/complete pair.
	assert.Len(t, parent.StepsOfType(core.StepDelegating), 1)
	assert.Len(t, parent.StepsOfType(core.StepFinalizing), 1)
	completed := parent.StepsOfType(core.StepCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "research-agent", completed[0].Detail["target"])
	assert.Contains(t, completed[0].Detail["result"], "Findings:")

	msgs := parent.GetMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, core.RoleAssistant, msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].Content, completionMarker))
	assert.Contains(t, msgs[0].Content, "research-agent")

	metrics := parent.GetMetrics()
	assert.Equal(t, 1, metrics.Handoffs)
	assert.Equal(t, 42, metrics.Tokens)
	assert.Greater(t, metrics.ExecutionTimeMs, int64(0))

	assert.True(t, c.Registry().RecentlyDelegated(parent.ID))

	// The child is registered with its own timeline.
	child, ok := c.Registry().Get(result.ChildExecutionID)
	require.True(t, ok)
	assert.True(t, child.IsDelegation)
	assert.Equal(t, parent.ID, child.ParentExecutionID)
	assert.Equal(t, "assistant", child.SourceAgent)
	assert.Equal(t, core.StatusCompleted, child.GetStatus())
}

func TestCoordinator_TargetNotFoundFailsFast(t *testing.T) {
	c := newTestCoordinator(t, &mockRunner{}, WithTimeouts(Timeouts{
		SubAgent: 10 * time.Second, MainAgent: 10 * time.Second, Delegation: 10 * time.Second,
	}))

	parent := core.NewExecution("assistant", "user-1", "t-1")
	c.Registry().Put(parent.ID, parent)

	start := time.Now()
	result := delegate(t, c, core.DelegationRequest{
		SourceAgent:       "assistant",
		SourceExecutionID: parent.ID,
		TargetAgent:       "nonexistent-agent",
		Task:              "anything",
	})

	assert.Equal(t, core.OutcomeTargetNotFound, result.Outcome)
	assert.False(t, result.Success())
	assert.Contains(t, result.Result, "no such agent")
	assert.Less(t, time.Since(start), time.Second, "circuit breaker must not wait out the timeout")

	// No delegating step for a target that never existed.
	assert.Empty(t, parent.StepsOfType(core.StepDelegating))
	assert.Equal(t, 1, parent.GetMetrics().Errors)
}

func TestCoordinator_TimeoutSynthesizesResult(t *testing.T) {
	runner := &mockRunner{
		execute: func(ctx context.Context, _ core.AgentConfig, _ core.RunInput) (core.RunResult, error) {
			<-ctx.Done()
			return core.RunResult{}, ctx.Err()
		},
	}
	c := newTestCoordinator(t, runner, WithTimeouts(Timeouts{
		SubAgent: 30 * time.Millisecond, MainAgent: 30 * time.Millisecond, Delegation: 30 * time.Millisecond,
	}))

	parent := core.NewExecution("assistant", "user-1", "t-1")
	c.Registry().Put(parent.ID, parent)

	result := delegate(t, c, core.DelegationRequest{
		SourceAgent:       "assistant",
		SourceExecutionID: parent.ID,
		TargetAgent:       "mail",
		Task:              "send the weekly report",
	})

	assert.Equal(t, core.OutcomeTimedOut, result.Outcome)
	assert.True(t, result.TimedOut)
	assert.Contains(t, result.Result, "did not respond within")

	msgs := parent.GetMessages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0].Content, failureMarker))
	assert.Equal(t, 1, strings.Count(msgs[0].Content, failureMarker), "marker appears once even when the synthesized text carries it")
	assert.Equal(t, 1, parent.GetMetrics().Errors)

	child, ok := c.Registry().Get(result.ChildExecutionID)
	require.True(t, ok)
	assert.Equal(t, core.StatusFailed, child.GetStatus())
}

func TestCoordinator_TimeoutWinsAgainstStuckRunner(t *testing.T) {
	// A runner that ignores ctx entirely must still lose the race.
	block := make(chan struct{})
	defer close(block)
	runner := &mockRunner{
		execute: func(context.Context, core.AgentConfig, core.RunInput) (core.RunResult, error) {
			<-block
			return core.RunResult{Content: "too late"}, nil
		},
	}
	c := newTestCoordinator(t, runner, WithTimeouts(Timeouts{
		SubAgent: 30 * time.Millisecond, MainAgent: 30 * time.Millisecond, Delegation: 30 * time.Millisecond,
	}))

	result := delegate(t, c, core.DelegationRequest{
		SourceAgent: "assistant",
		TargetAgent: "mail",
		Task:        "send it",
	})
	assert.Equal(t, core.OutcomeTimedOut, result.Outcome)
}

func TestCoordinator_ExecutionErrorConvertedToResult(t *testing.T) {
	runner := &mockRunner{
		execute: func(context.Context, core.AgentConfig, core.RunInput) (core.RunResult, error) {
			return core.RunResult{}, errors.New("model backend unavailable")
		},
	}
	c := newTestCoordinator(t, runner)

	parent := core.NewExecution("assistant", "user-1", "t-1")
	c.Registry().Put(parent.ID, parent)

	result := delegate(t, c, core.DelegationRequest{
		SourceAgent:       "assistant",
		SourceExecutionID: parent.ID,
		TargetAgent:       "mail",
		Task:              "send the weekly report",
	})

	assert.Equal(t, core.OutcomeExecutionError, result.Outcome)
	assert.Contains(t, result.Result, "model backend unavailable")
	assert.Equal(t, "model backend unavailable", result.Error)
	// The parent conversation continues with a readable message, no raw error.
	msgs := parent.GetMessages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0].Content, failureMarker))
	assert.Equal(t, 1, parent.GetMetrics().Errors)
}

func TestCoordinator_SubAgentTakesPrecedenceAndInitializes(t *testing.T) {
	runner := &mockRunner{
		execute: func(_ context.Context, cfg core.AgentConfig, _ core.RunInput) (core.RunResult, error) {
			return core.RunResult{Content: "worker: " + cfg.ID}, nil
		},
	}
	subs := mapSubAgents{
		"research-agent": {Name: "digger", ParentAgent: "research-agent", Prompt: "dig deep"},
	}
	c := newTestCoordinator(t, runner, WithSubAgents(subs))

	result := delegate(t, c, core.DelegationRequest{
		SourceAgent: "assistant",
		TargetAgent: "research",
		Task:        "research X",
	})

	require.Equal(t, core.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "worker: research-agent/digger", result.Result)
	assert.Equal(t, []string{"research-agent/digger"}, runner.initialized)
}

func TestCoordinator_ChildInputShape(t *testing.T) {
	var got core.RunInput
	runner := &mockRunner{
		execute: func(_ context.Context, _ core.AgentConfig, input core.RunInput) (core.RunResult, error) {
			got = input
			return core.RunResult{Content: "ok"}, nil
		},
	}
	c := newTestCoordinator(t, runner)

	att := []core.Attachment{{Name: "report.pdf", MimeType: "application/pdf"}}
	delegate(t, c, core.DelegationRequest{
		SourceAgent: "assistant",
		TargetAgent: "mail",
		Task:        "quick status check",
		Context:     "weekly report thread",
		Priority:    "medium",
		ConversationHistory: []core.Message{
			{Role: core.RoleHuman, Content: "h1"},
			{Role: core.RoleAssistant, Content: "a1"},
			{Role: core.RoleHuman, Content: "h2"},
			{Role: core.RoleAssistant, Content: "a2"},
		},
		Attachments: att,
	})

	require.NotEmpty(t, got.Messages)
	assert.Equal(t, core.RoleSystem, got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "Task delegated by assistant")
	assert.Contains(t, got.Messages[0].Content, "weekly report thread")

	last := got.Messages[len(got.Messages)-1]
	assert.Equal(t, core.RoleHuman, last.Role)
	assert.Equal(t, "quick status check", last.Content)
	assert.Equal(t, att, last.Attachments)

	// Simple task keeps only the last few turns: system note + 3 + task.
	assert.Len(t, got.Messages, simpleTaskHistory+2)
	assert.Equal(t, core.PriorityNormal, got.Priority)
	assert.NotEmpty(t, got.ThreadID)
}

func TestCoordinator_UserIDResolutionOrder(t *testing.T) {
	c := newTestCoordinator(t, &mockRunner{})
	parent := core.NewExecution("assistant", "parent-user", "t-1")
	scope := NewScope("scope-user", "req-1")

	assert.Equal(t, "explicit", c.resolveUserID(core.DelegationRequest{UserID: "explicit"}, parent, scope))
	assert.Equal(t, "parent-user", c.resolveUserID(core.DelegationRequest{}, parent, scope))
	assert.Equal(t, "scope-user", c.resolveUserID(core.DelegationRequest{}, nil, scope))
	assert.Equal(t, SentinelUserID, c.resolveUserID(core.DelegationRequest{}, nil, nil))
}

func TestCoordinator_CancelOutcomes(t *testing.T) {
	block := make(chan struct{})
	runner := &mockRunner{
		execute: func(ctx context.Context, _ core.AgentConfig, _ core.RunInput) (core.RunResult, error) {
			select {
			case <-block:
				return core.RunResult{Content: "done"}, nil
			case <-ctx.Done():
				return core.RunResult{}, ctx.Err()
			}
		},
	}
	c := newTestCoordinator(t, runner, WithTimeouts(Timeouts{
		SubAgent: 5 * time.Second, MainAgent: 5 * time.Second, Delegation: 5 * time.Second,
	}))

	assert.Equal(t, CancelUnknown, c.Cancel("never-existed"))

	finished := core.NewExecution("mail-agent", "user-1", "t-1")
	finished.SetStatus(core.StatusCompleted)
	c.Registry().Put(finished.ID, finished)
	assert.Equal(t, CancelAlreadyGone, c.Cancel(finished.ID))

	resultCh := make(chan core.DelegationResult, 1)
	go func() {
		_ = RunInScope(context.Background(), "user-1", "req-1", func(ctx context.Context) error {
			r, err := c.Delegate(ctx, core.DelegationRequest{
				SourceAgent: "assistant",
				TargetAgent: "mail",
				Task:        "send it",
			})
			if err == nil {
				resultCh <- r
			}
			return err
		})
	}()

	// Wait for the child to appear in flight, then stop it.
	var childID string
	require.Eventually(t, func() bool {
		exec, ok := c.Registry().Find(func(e *core.Execution) bool {
			return e.IsDelegation && e.GetStatus() == core.StatusRunning
		})
		if ok {
			childID = exec.ID
		}
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, CancelStopped, c.Cancel(childID))

	result := <-resultCh
	assert.Equal(t, core.OutcomeExecutionError, result.Outcome)
	close(block)

	// Idempotent: the execution is now terminal.
	assert.Equal(t, CancelAlreadyGone, c.Cancel(childID))
}

func TestCoordinator_MetricsAccumulateAcrossDelegations(t *testing.T) {
	runner := &mockRunner{
		execute: func(context.Context, core.AgentConfig, core.RunInput) (core.RunResult, error) {
			return core.RunResult{Content: "ok", Tokens: 10}, nil
		},
	}
	c := newTestCoordinator(t, runner)

	parent := core.NewExecution("assistant", "user-1", "t-1")
	c.Registry().Put(parent.ID, parent)

	var reported int64
	for _, target := range []string{"mail", "research", "mail"} {
		r := delegate(t, c, core.DelegationRequest{
			SourceAgent:       "assistant",
			SourceExecutionID: parent.ID,
			TargetAgent:       target,
			Task:              "do it",
		})
		require.Equal(t, core.OutcomeSuccess, r.Outcome)
		reported += r.ExecutionTimeMs
	}

	metrics := parent.GetMetrics()
	assert.Equal(t, 3, metrics.Handoffs)
	assert.Equal(t, 30, metrics.Tokens)
	// Accumulation is additive: the parent's total equals the sum of each
	// delegation's reported time.
	assert.Equal(t, reported, metrics.ExecutionTimeMs)
}

func TestTrimHistory(t *testing.T) {
	long := make([]core.Message, 25)
	for i := range long {
		long[i] = core.Message{Role: core.RoleHuman, Content: strings.Repeat("x", i+1)}
	}

	simple := trimHistory("quick check", long)
	assert.Len(t, simple, simpleTaskHistory)
	assert.Equal(t, long[len(long)-1].Content, simple[len(simple)-1].Content)

	complexTask := "Compile a comparison of all vendor quotes we received this quarter and draft a recommendation.\nInclude pricing tables."
	regular := trimHistory(complexTask, long)
	assert.Len(t, regular, regularTaskHistory)

	short := []core.Message{{Content: "only"}}
	assert.Len(t, trimHistory(complexTask, short), 1)
}

func TestIsSimpleTask(t *testing.T) {
	assert.True(t, isSimpleTask("look up the weather"))
	assert.True(t, isSimpleTask("what is the order status of #123, just a quick check please and thanks"))
	assert.False(t, isSimpleTask(strings.Repeat("analyze the full dataset and ", 5)+"\nproduce a report"))
}

func TestCoordinator_DelegateOutsideScopeFails(t *testing.T) {
	c := newTestCoordinator(t, &mockRunner{})
	_, err := c.Delegate(context.Background(), core.DelegationRequest{TargetAgent: "mail", Task: "x"})
	assert.ErrorIs(t, err, ErrNoScope)
}

func TestCoordinator_ResolvePendingCountsMisses(t *testing.T) {
	c := newTestCoordinator(t, &mockRunner{})
	scope := NewScope("user-1", "req-1")

	// No resolver registered under this key: the handler must absorb it.
	c.resolvePending(CompletionPayload{Key: "missing", Scope: scope})
	c.resolvePending("not even a payload")
	c.resolvePending(CompletionPayload{Key: "no-scope"})
	assert.Equal(t, 0, scope.Len())
}
