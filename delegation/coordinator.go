package delegation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/handoff/core"
	"github.com/hupe1980/handoff/logging"
	"github.com/hupe1980/handoff/plancache"
	"github.com/hupe1980/handoff/registry"
)

const (
	// SentinelUserID is assigned when no user can be resolved for a
	// delegation (explicit, source execution and ambient scope all empty).
	SentinelUserID = "user:none"

	// completionMarker prefixes the assistant message spliced into the
	// parent conversation on success; failureMarker on timeout/error so the
	// UI can style failures distinctly.
	completionMarker = "✅"
	failureMarker    = "⚠️"

	// History trimming bounds. A simple task keeps only the tail of the
	// conversation to bound prompt size.
	simpleTaskHistory  = 3
	regularTaskHistory = 10
)

// Timeouts carries the per-agent-class execution budgets for delegation
// races. The Delegation ceiling caps both classes.
type Timeouts struct {
	SubAgent   time.Duration
	MainAgent  time.Duration
	Delegation time.Duration
}

// DefaultTimeouts returns the production budget defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		SubAgent:   60 * time.Second,
		MainAgent:  120 * time.Second,
		Delegation: 90 * time.Second,
	}
}

// CompletionPayload is the payload of delegation.completed and
// delegation.failed events. It carries the originating request's Scope so
// the single resolver-resolution site (the event handler) can reach the
// right request-isolated store.
type CompletionPayload struct {
	Key               string
	SourceExecutionID string
	TargetAgent       string
	Scope             *Scope
	Result            core.DelegationResult
}

// ProgressPayload is the payload of delegation.progress events.
type ProgressPayload struct {
	Key              string
	TargetAgent      string
	ChildExecutionID string
	Phase            string
}

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	Registry      *registry.Registry
	Canonicalizer *Canonicalizer
	Catalog       core.Catalog
	SubAgents     core.SubAgentRegistry
	Runner        core.AgentRunner
	Plans         *plancache.Cache
	Bus           core.Bus
	Logger        logging.Logger
	Timeouts      Timeouts
	Registerer    prometheus.Registerer
}

// Coordinator owns the full lifecycle of a handoff: resolving the canonical
// target, building the delegated execution context, running it under a
// timeout race, emitting progress/completion events, and splicing the
// result back into the parent execution's timeline.
//
// Errors from a child delegation never propagate as exceptions to the
// parent's control flow; they are converted into a visible, human-readable
// result so the parent conversation can continue.
type Coordinator struct {
	registry  *registry.Registry
	canon     *Canonicalizer
	catalog   core.Catalog
	subAgents core.SubAgentRegistry
	runner    core.AgentRunner
	plans     *plancache.Cache
	bus       core.Bus
	logger    logging.Logger
	metrics   *Metrics
	timeouts  Timeouts

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New constructs a Coordinator and subscribes its completion handlers on
// the bus. The delegation.completed/failed handlers are the only place a
// waiting resolver is ever resolved.
func New(runner core.AgentRunner, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		Logger:   logging.NoOpLogger{},
		Timeouts: DefaultTimeouts(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Canonicalizer == nil {
		opts.Canonicalizer = NewCanonicalizer(opts.Catalog, nil, opts.Logger)
	}
	if opts.Plans == nil {
		opts.Plans = plancache.New(plancache.WithLogger(opts.Logger))
	}
	if opts.Bus == nil {
		opts.Bus = core.NewInMemoryBus(opts.Logger)
	}

	var metrics *Metrics
	if opts.Registerer != nil {
		metrics = MustNewMetrics(opts.Registerer)
	} else {
		metrics = defaultMetrics()
	}

	c := &Coordinator{
		registry:  opts.Registry,
		canon:     opts.Canonicalizer,
		catalog:   opts.Catalog,
		subAgents: opts.SubAgents,
		runner:    runner,
		plans:     opts.Plans,
		bus:       opts.Bus,
		logger:    opts.Logger,
		metrics:   metrics,
		timeouts:  opts.Timeouts,
		active:    make(map[string]context.CancelFunc),
	}

	c.bus.On(core.EventDelegationCompleted, c.resolvePending)
	c.bus.On(core.EventDelegationFailed, c.resolvePending)

	return c
}

// WithRegistry overrides the execution registry.
func WithRegistry(r *registry.Registry) func(o *Options) {
	return func(o *Options) { o.Registry = r }
}

// WithCanonicalizer overrides the alias resolver.
func WithCanonicalizer(c *Canonicalizer) func(o *Options) {
	return func(o *Options) { o.Canonicalizer = c }
}

// WithCatalog sets the agent catalog collaborator.
func WithCatalog(cat core.Catalog) func(o *Options) {
	return func(o *Options) { o.Catalog = cat }
}

// WithSubAgents sets the sub-agent registry collaborator.
func WithSubAgents(s core.SubAgentRegistry) func(o *Options) {
	return func(o *Options) { o.SubAgents = s }
}

// WithPlans overrides the execution-plan cache.
func WithPlans(p *plancache.Cache) func(o *Options) {
	return func(o *Options) { o.Plans = p }
}

// WithBus overrides the event bus.
func WithBus(b core.Bus) func(o *Options) {
	return func(o *Options) { o.Bus = b }
}

// WithLogger overrides the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithTimeouts overrides the per-class execution budgets.
func WithTimeouts(t Timeouts) func(o *Options) {
	return func(o *Options) { o.Timeouts = t }
}

// WithRegisterer overrides the Prometheus registerer (use a fresh registry
// in tests).
func WithRegisterer(reg prometheus.Registerer) func(o *Options) {
	return func(o *Options) { o.Registerer = reg }
}

// Bus returns the event bus the coordinator emits on, for observability
// subscribers.
func (c *Coordinator) Bus() core.Bus { return c.bus }

// Registry returns the execution registry, for timeline readers.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Delegate runs a delegation and awaits its result. It is a convenience
// wrapper around HandleDelegation for callers inside an active scope: the
// result still travels through the delegation.completed event, which
// resolves the resolver registered here.
func (c *Coordinator) Delegate(ctx context.Context, req core.DelegationRequest) (core.DelegationResult, error) {
	canonical := c.canon.Resolve(ctx, req.TargetAgent)
	key := core.DelegationKey(req.SourceExecutionID, req.SourceAgent, canonical)

	resultCh := make(chan core.DelegationResult, 1)
	errCh := make(chan error, 1)
	err := RegisterResolver(ctx, key, core.Resolver{
		Resolve: func(r core.DelegationResult) { resultCh <- r },
		Reject:  func(e error) { errCh <- e },
	})
	if err != nil {
		return core.DelegationResult{}, err
	}

	go c.HandleDelegation(ctx, req)

	select {
	case r := <-resultCh:
		return r, nil
	case e := <-errCh:
		return core.DelegationResult{}, e
	case <-ctx.Done():
		return core.DelegationResult{}, ctx.Err()
	}
}

// HandleDelegation executes one handoff end to end. It has no return value:
// the result is delivered via event emission and parent-execution mutation,
// since delegation is an inherently side-effecting asynchronous protocol.
func (c *Coordinator) HandleDelegation(ctx context.Context, req core.DelegationRequest) {
	start := time.Now()
	c.metrics.delegationsActive.Inc()
	defer c.metrics.delegationsActive.Dec()

	canonical := c.canon.Resolve(ctx, req.TargetAgent)
	key := core.DelegationKey(req.SourceExecutionID, req.SourceAgent, canonical)
	scope, _ := ScopeFrom(ctx)

	parent, parentOK := c.registry.Get(req.SourceExecutionID)
	if parentOK {
		c.registry.MarkDelegated(req.SourceExecutionID)
	}

	userID := c.resolveUserID(req, parent, scope)

	cfg, isSub, found := c.resolveTarget(ctx, canonical, userID)
	if !found {
		// Circuit breaker: the target will never answer, so fail now
		// instead of making the caller sit out a full timeout window.
		result := core.DelegationResult{
			Outcome:     core.OutcomeTargetNotFound,
			TargetAgent: canonical,
			Result:      fmt.Sprintf("%s Delegation to %q failed: no such agent is available.", failureMarker, canonical),
			Error:       "target not found",
		}
		c.spliceFailure(req.SourceExecutionID, canonical, result)
		c.metrics.observe(string(result.Outcome), time.Since(start).Seconds())
		c.logger.Warn("delegation target not found source=%s target=%s", req.SourceAgent, canonical)
		c.bus.Emit(core.EventDelegationFailed, CompletionPayload{
			Key:               key,
			SourceExecutionID: req.SourceExecutionID,
			TargetAgent:       canonical,
			Scope:             scope,
			Result:            result,
		})
		return
	}

	// Exactly one delegating step on the parent; the next parent-visible
	// step is the terminal finalize/complete pair. Intermediate
	// accepted/processing/analyzing noise is deliberately absent.
	if parentOK {
		parent.AddStep(core.Step{
			Type:   core.StepDelegating,
			Detail: map[string]string{"target": canonical, "task": snippet(req.Task, 120)},
		})
		parent.AddMetrics(core.Metrics{Handoffs: 1})
	}

	input := c.buildChildInput(req, userID)
	child := core.NewExecution(canonical, userID, input.ThreadID)
	child.IsDelegation = true
	child.ParentExecutionID = req.SourceExecutionID
	child.SourceAgent = req.SourceAgent
	if parentOK {
		child.IsScheduledTask = parent.IsScheduledTask
	}
	for _, m := range input.Messages {
		child.AddMessage(m)
	}
	c.registry.Put(child.ID, child)
	input.ExecutionID = child.ID

	child.SetStatus(core.StatusRunning)
	child.AddStep(core.Step{Type: core.StepExecuting, Detail: map[string]string{"agent": canonical}})

	c.bus.Emit(core.EventDelegationProgress, ProgressPayload{
		Key:              key,
		TargetAgent:      canonical,
		ChildExecutionID: child.ID,
		Phase:            "executing",
	})

	budget := c.budgetFor(isSub)
	result := c.runChild(ctx, cfg, isSub, input, child, budget)
	result.TargetAgent = canonical
	result.ChildExecutionID = child.ID
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	result.InterruptSteps = child.StepsOfType(core.StepInterrupt)

	c.splice(req.SourceExecutionID, canonical, result)

	c.metrics.observe(string(result.Outcome), time.Since(start).Seconds())
	c.logger.Info("delegation finished source=%s target=%s outcome=%s duration_ms=%d",
		req.SourceAgent, canonical, result.Outcome, result.ExecutionTimeMs)

	c.bus.Emit(core.EventDelegationCompleted, CompletionPayload{
		Key:               key,
		SourceExecutionID: req.SourceExecutionID,
		TargetAgent:       canonical,
		Scope:             scope,
		Result:            result,
	})
}

// CancelOutcome reports what Cancel found. All outcomes are non-fatal.
type CancelOutcome string

const (
	// CancelStopped means the execution was found in flight and stopped.
	CancelStopped CancelOutcome = "stopped"
	// CancelAlreadyGone means the execution exists but already reached a
	// terminal state.
	CancelAlreadyGone CancelOutcome = "already_gone"
	// CancelUnknown means no such execution is known (never existed, or
	// completed and was since evicted).
	CancelUnknown CancelOutcome = "unknown"
)

// Cancel stops an in-flight execution. Idempotent: canceling an execution
// that already finished or was evicted reports the fact without error.
func (c *Coordinator) Cancel(executionID string) CancelOutcome {
	c.mu.Lock()
	cancel, running := c.active[executionID]
	c.mu.Unlock()

	if running {
		cancel()
		if exec, ok := c.registry.Get(executionID); ok {
			exec.SetStatus(core.StatusFailed)
		}
		return CancelStopped
	}
	if _, ok := c.registry.Get(executionID); ok {
		return CancelAlreadyGone
	}
	return CancelUnknown
}

// resolvePending is the single resolver-resolution site, shared by the
// delegation.completed and delegation.failed handlers. A missing resolver
// is a warning, not an error: the event path and a direct-await path may
// race benignly, and only one needs to win.
func (c *Coordinator) resolvePending(payload any) {
	p, ok := payload.(CompletionPayload)
	if !ok {
		return
	}
	if p.Scope == nil {
		c.logger.Debug("delegation completed outside a scope key=%s", p.Key)
		return
	}
	r, ok := p.Scope.Take(p.Key)
	if !ok {
		c.metrics.resolverMisses.Inc()
		c.logger.Warn("no resolver registered for delegation key=%s", p.Key)
		return
	}
	if r.Resolve != nil {
		r.Resolve(p.Result)
	}
}

func (c *Coordinator) resolveUserID(req core.DelegationRequest, parent *core.Execution, scope *Scope) string {
	if req.UserID != "" {
		return req.UserID
	}
	if parent != nil && parent.UserID != "" {
		return parent.UserID
	}
	if scope != nil && scope.UserID != "" {
		return scope.UserID
	}
	return SentinelUserID
}

// resolveTarget checks the sub-agent registry first, then the full catalog
// for the requesting user.
func (c *Coordinator) resolveTarget(ctx context.Context, canonical, userID string) (core.AgentConfig, bool, bool) {
	if c.subAgents != nil {
		if spec, ok := c.subAgents.GetSubAgent(canonical); ok {
			return spec.WorkerConfig(), true, true
		}
	}
	if c.catalog != nil {
		agents, err := c.catalog.GetAllAgents(ctx, userID)
		if err != nil {
			c.logger.Warn("catalog lookup failed user=%s error=%v", userID, err)
			return core.AgentConfig{}, false, false
		}
		for _, a := range agents {
			if a.ID == canonical || normalizeName(a.Name) == canonical {
				return a, false, true
			}
		}
	}
	return core.AgentConfig{}, false, false
}

// buildChildInput assembles the delegated execution context: fresh thread,
// a system note naming the delegating agent, the trimmed source
// conversation, and the task as the final human turn with any attachments
// preserved.
func (c *Coordinator) buildChildInput(req core.DelegationRequest, userID string) core.RunInput {
	history := trimHistory(req.Task, req.ConversationHistory)

	note := fmt.Sprintf("Task delegated by %s.", req.SourceAgent)
	if req.Context != "" {
		note += " Context: " + req.Context
	}

	msgs := make([]core.Message, 0, len(history)+2)
	msgs = append(msgs, core.Message{Role: core.RoleSystem, Content: note})
	msgs = append(msgs, history...)
	msgs = append(msgs, core.Message{Role: core.RoleHuman, Content: req.Task, Attachments: req.Attachments})

	return core.RunInput{
		ThreadID: core.NewID(),
		UserID:   userID,
		Messages: msgs,
		Priority: core.NormalizePriority(string(req.Priority)),
	}
}

func (c *Coordinator) budgetFor(isSub bool) time.Duration {
	budget := c.timeouts.MainAgent
	if isSub {
		budget = c.timeouts.SubAgent
	}
	if c.timeouts.Delegation > 0 && c.timeouts.Delegation < budget {
		budget = c.timeouts.Delegation
	}
	return budget
}

// runChild compiles (or fetches) the target's execution plan and races it
// against the budget. Timeouts and execution errors are converted into
// user-facing result text, never raw errors.
func (c *Coordinator) runChild(
	ctx context.Context,
	cfg core.AgentConfig,
	isSub bool,
	input core.RunInput,
	child *core.Execution,
	budget time.Duration,
) core.DelegationResult {
	plan, err := c.plans.GetOrCompile(ctx, cfg.ID, c.planFactory(cfg, isSub))
	if err != nil {
		child.SetStatus(core.StatusFailed)
		child.AddMetrics(core.Metrics{Errors: 1})
		return core.DelegationResult{
			Outcome: core.OutcomeExecutionError,
			Result:  fmt.Sprintf("%s %s could not be prepared: %v", failureMarker, cfg.Name, err),
			Error:   err.Error(),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	c.mu.Lock()
	c.active[child.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, child.ID)
		c.mu.Unlock()
	}()

	type runOutcome struct {
		res core.RunResult
		err error
	}

	runStart := time.Now()
	done := make(chan runOutcome, 1)
	go func() {
		res, err := plan.Run(runCtx, input)
		done <- runOutcome{res: res, err: err}
	}()

	var (
		runResult core.RunResult
		runErr    error
	)
	select {
	case out := <-done:
		runResult, runErr = out.res, out.err
	case <-runCtx.Done():
		runErr = runCtx.Err()
	}
	elapsed := time.Since(runStart)

	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		child.SetStatus(core.StatusFailed)
		child.AddMetrics(core.Metrics{Errors: 1})
		return core.DelegationResult{
			Outcome:  core.OutcomeTimedOut,
			TimedOut: true,
			Result:   fmt.Sprintf("%s %s did not respond within %s; the delegated task was abandoned.", failureMarker, cfg.Name, budget),
			Error:    runErr.Error(),
		}
	case runErr != nil:
		child.SetStatus(core.StatusFailed)
		child.AddMetrics(core.Metrics{Errors: 1})
		return core.DelegationResult{
			Outcome: core.OutcomeExecutionError,
			Result:  fmt.Sprintf("%s %s could not complete the task: %v", failureMarker, cfg.Name, runErr),
			Error:   runErr.Error(),
		}
	default:
		child.AddMessage(core.Message{Role: core.RoleAssistant, Content: runResult.Content})
		child.AddMetrics(core.Metrics{Tokens: runResult.Tokens, ExecutionTimeMs: elapsed.Milliseconds(), CostUSD: runResult.CostUSD})
		child.AddStep(core.Step{Type: core.StepCompleted, Detail: map[string]string{"result": snippet(runResult.Content, 120)}})
		if child.GetStatus() != core.StatusSuspended {
			child.SetStatus(core.StatusCompleted)
		}
		return core.DelegationResult{
			Outcome: core.OutcomeSuccess,
			Result:  runResult.Content,
			Tokens:  runResult.Tokens,
		}
	}
}

func (c *Coordinator) planFactory(cfg core.AgentConfig, isSub bool) plancache.Factory {
	return func(ctx context.Context) (*plancache.Plan, error) {
		if isSub {
			// Synthesized worker configurations are initialized before
			// their first run.
			if err := c.runner.InitializeAgent(ctx, cfg); err != nil {
				return nil, fmt.Errorf("initialize agent %s: %w", cfg.ID, err)
			}
		}
		return &plancache.Plan{
			AgentID: cfg.ID,
			Config:  cfg,
			Run: func(runCtx context.Context, input core.RunInput) (core.RunResult, error) {
				return c.runner.ExecuteAgent(runCtx, cfg, input)
			},
		}, nil
	}
}

// splice copies the delegation outcome onto the parent execution. A missing
// parent is logged and ignored: the delegation still happened, just with no
// one watching.
func (c *Coordinator) splice(parentID, target string, result core.DelegationResult) {
	parent, ok := c.registry.Get(parentID)
	if !ok {
		c.logger.Debug("parent execution missing at completion parent_id=%s target=%s", parentID, target)
		return
	}

	// Interrupt steps raised inside the child surface on the parent so its
	// observers see the pending approval without inspecting the child.
	for _, s := range result.InterruptSteps {
		parent.AddStep(s)
	}

	if result.Success() {
		parent.AddStep(core.Step{Type: core.StepFinalizing, Detail: map[string]string{"target": target}})
	}
	parent.AddStep(core.Step{
		Type: core.StepCompleted,
		Detail: map[string]string{
			"target":            target,
			"outcome":           string(result.Outcome),
			"result":            snippet(result.Result, 120),
			"execution_time_ms": strconv.FormatInt(result.ExecutionTimeMs, 10),
		},
	})

	marker := completionMarker
	text := result.Result
	if !result.Success() {
		marker = failureMarker
		// Synthesized failure texts already carry the marker.
		text = strings.TrimSpace(strings.TrimPrefix(text, failureMarker))
	}
	parent.AddMessage(core.Message{
		Role:    core.RoleAssistant,
		Content: fmt.Sprintf("%s %s: %s", marker, target, text),
	})

	m := core.Metrics{Tokens: result.Tokens, ExecutionTimeMs: result.ExecutionTimeMs}
	if !result.Success() {
		m.Errors = 1
	}
	parent.AddMetrics(m)
}

// spliceFailure records a target-not-found outcome on the parent without
// emitting the finalize/complete pair of a real child run.
func (c *Coordinator) spliceFailure(parentID, target string, result core.DelegationResult) {
	parent, ok := c.registry.Get(parentID)
	if !ok {
		return
	}
	parent.AddStep(core.Step{
		Type:   core.StepCompleted,
		Detail: map[string]string{"target": target, "outcome": string(result.Outcome), "error": result.Error},
	})
	parent.AddMessage(core.Message{Role: core.RoleAssistant, Content: result.Result})
	parent.AddMetrics(core.Metrics{Errors: 1})
}

// trimHistory bounds the conversation handed to the child: a simple task
// keeps only the last few turns, anything else a longer tail.
func trimHistory(task string, history []core.Message) []core.Message {
	keep := regularTaskHistory
	if isSimpleTask(task) {
		keep = simpleTaskHistory
	}
	if len(history) <= keep {
		out := make([]core.Message, len(history))
		copy(out, history)
		return out
	}
	out := make([]core.Message, keep)
	copy(out, history[len(history)-keep:])
	return out
}

var simpleTaskHints = []string{"quick", "simple", "check", "look up", "lookup", "status"}

// isSimpleTask is a cheap length/keyword heuristic, not a classifier.
func isSimpleTask(task string) bool {
	if len(task) < 80 && !strings.Contains(task, "\n") {
		return true
	}
	lower := strings.ToLower(task)
	for _, hint := range simpleTaskHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
