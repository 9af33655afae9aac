// Package handoff provides a high-level façade over the delegation engine:
// the coordinator, the bounded execution registry, the approval gate and the
// execution-plan cache. Most applications interact with this package by:
//  1. Creating a Handoff via New() with an AgentRunner (optionally overriding
//     the default in-memory collaborators)
//  2. Calling Delegate inside a request scope opened with RunInScope
//  3. Driving suspended approvals through PendingApproval / Resume
//
// All defaults are safe for local development and testing; production
// deployments typically supply a durable checkpointer, a real catalog and a
// structured logger.
package handoff

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/handoff/approval"
	"github.com/hupe1980/handoff/core"
	"github.com/hupe1980/handoff/delegation"
	"github.com/hupe1980/handoff/logging"
	"github.com/hupe1980/handoff/plancache"
	"github.com/hupe1980/handoff/registry"
)

// Options configures the Handoff instance.
type Options struct {
	// Registry bounds retained executions (defaults to capacity 100, idle
	// TTL 5m).
	Registry *registry.Registry
	// Catalog resolves agent configurations and canonical names. Optional;
	// without it only static aliases and sub-agents resolve.
	Catalog core.Catalog
	// SubAgents resolves lightweight worker specs, checked before the
	// catalog.
	SubAgents core.SubAgentRegistry
	// Plans caches compiled execution plans across delegations.
	Plans *plancache.Cache
	// Bus carries delegation lifecycle events. Defaults to the in-process
	// synchronous bus.
	Bus core.Bus
	// Checkpointer persists approval suspend snapshots. Defaults to
	// in-memory (suspend state does not survive a restart).
	Checkpointer core.Checkpointer
	// ApprovalRules gate tools behind human approval. Empty means no gating.
	ApprovalRules []approval.Rule
	// Aliases overlay the static canonicalization table.
	Aliases map[string]string
	// Timeouts are the per-agent-class execution budgets.
	Timeouts delegation.Timeouts
	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
	// Registerer receives the engine's Prometheus collectors. Nil uses the
	// default registry.
	Registerer prometheus.Registerer
}

// Handoff is the façade aggregating the coordinator and its collaborators.
type Handoff struct {
	opts        Options
	coordinator *delegation.Coordinator
	gate        *approval.Gate
}

// New creates a Handoff with optional overrides. Any unset collaborator is
// initialized with an in-memory implementation.
func New(runner core.AgentRunner, optFns ...func(o *Options)) *Handoff {
	opts := Options{
		Timeouts: delegation.DefaultTimeouts(),
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(registry.WithLogger(opts.Logger))
	}
	if opts.Plans == nil {
		planOpts := []func(o *plancache.Options){plancache.WithLogger(opts.Logger)}
		if opts.Registerer != nil {
			planOpts = append(planOpts, plancache.WithRegisterer(opts.Registerer))
		}
		opts.Plans = plancache.New(planOpts...)
	}
	if opts.Bus == nil {
		opts.Bus = core.NewInMemoryBus(opts.Logger)
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = approval.NewInMemoryCheckpointer()
	}

	canon := delegation.NewCanonicalizer(opts.Catalog, opts.Aliases, opts.Logger)

	coordinator := delegation.New(runner,
		delegation.WithRegistry(opts.Registry),
		delegation.WithCanonicalizer(canon),
		delegation.WithCatalog(opts.Catalog),
		delegation.WithSubAgents(opts.SubAgents),
		delegation.WithPlans(opts.Plans),
		delegation.WithBus(opts.Bus),
		delegation.WithLogger(opts.Logger),
		delegation.WithTimeouts(opts.Timeouts),
		delegation.WithRegisterer(opts.Registerer),
	)

	gate := approval.New(opts.ApprovalRules,
		approval.WithCheckpointer(opts.Checkpointer),
		approval.WithLogger(opts.Logger),
	)

	// A suspend snapshot is only needed while its pipeline can re-enter.
	// When a delegated child completes without raising an interrupt, its
	// snapshot and replay guards are discarded; suspended children keep
	// theirs for the eventual resume.
	opts.Bus.On(core.EventDelegationCompleted, func(payload any) {
		p, ok := payload.(delegation.CompletionPayload)
		if !ok || p.Result.ChildExecutionID == "" || len(p.Result.InterruptSteps) > 0 {
			return
		}
		if err := gate.Finish(context.Background(), p.Result.ChildExecutionID); err != nil {
			opts.Logger.Warn("discard approval snapshot execution_id=%s err=%v", p.Result.ChildExecutionID, err)
		}
	})

	return &Handoff{opts: opts, coordinator: coordinator, gate: gate}
}

// WithRegistry overrides the execution registry.
func WithRegistry(r *registry.Registry) func(o *Options) {
	return func(o *Options) { o.Registry = r }
}

// WithCatalog sets the agent catalog.
func WithCatalog(c core.Catalog) func(o *Options) {
	return func(o *Options) { o.Catalog = c }
}

// WithSubAgents sets the sub-agent registry.
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

// WithCheckpointer overrides the approval snapshot backend.
func WithCheckpointer(cp core.Checkpointer) func(o *Options) {
	return func(o *Options) { o.Checkpointer = cp }
}

// WithApprovalRules sets the tools gated behind human approval.
func WithApprovalRules(rules []approval.Rule) func(o *Options) {
	return func(o *Options) { o.ApprovalRules = rules }
}

// WithAliases overlays the static canonicalization table.
func WithAliases(aliases map[string]string) func(o *Options) {
	return func(o *Options) { o.Aliases = aliases }
}

// WithTimeouts overrides the per-class execution budgets.
func WithTimeouts(t delegation.Timeouts) func(o *Options) {
	return func(o *Options) { o.Timeouts = t }
}

// WithLogger overrides the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithRegisterer overrides the Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) func(o *Options) {
	return func(o *Options) { o.Registerer = reg }
}

// RunInScope opens a request scope and executes fn inside it. Delegate must
// be called within such a scope.
func (h *Handoff) RunInScope(ctx context.Context, userID, requestID string, fn func(ctx context.Context) error) error {
	return delegation.RunInScope(ctx, userID, requestID, fn)
}

// Delegate hands a task to another agent and awaits the outcome. Failures
// arrive as tagged results, not errors: an error return means the delegation
// machinery itself could not run (no scope, canceled context).
func (h *Handoff) Delegate(ctx context.Context, req core.DelegationRequest) (core.DelegationResult, error) {
	return h.coordinator.Delegate(ctx, req)
}

// Cancel stops an in-flight execution.
func (h *Handoff) Cancel(executionID string) delegation.CancelOutcome {
	return h.coordinator.Cancel(executionID)
}

// Evaluate runs pending tool calls through the approval gate.
func (h *Handoff) Evaluate(ctx context.Context, exec *core.Execution, nodeID string, calls []core.PendingToolCall) (approval.Evaluation, error) {
	return h.gate.Evaluate(ctx, exec, nodeID, calls)
}

// Resume applies a human approval decision to a suspended execution.
func (h *Handoff) Resume(ctx context.Context, exec *core.Execution, response core.ApprovalResponse) (approval.Resumption, error) {
	return h.gate.Resume(ctx, exec, response)
}

// Execution returns a tracked execution by id.
func (h *Handoff) Execution(id string) (*core.Execution, bool) {
	return h.opts.Registry.Get(id)
}

// Registry exposes the execution store for timeline readers.
func (h *Handoff) Registry() *registry.Registry { return h.opts.Registry }

// Bus exposes the event bus for observability subscribers.
func (h *Handoff) Bus() core.Bus { return h.coordinator.Bus() }
