// Package plancache caches compiled, reusable execution plans per agent
// identity. Compiling a plan is measurably expensive (hundreds of
// milliseconds against the checkpoint backend), so repeated requests for
// the same agent must skip recompilation. Concurrent first requests for one
// agent are deduplicated so the factory runs exactly once.
package plancache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/handoff/core"
	"github.com/hupe1980/handoff/logging"
)

// DefaultCapacity bounds the number of cached plans.
const DefaultCapacity = 64

// Plan is a compiled, reusable execution plan for one agent.
type Plan struct {
	AgentID    string
	Config     core.AgentConfig
	Run        func(ctx context.Context, input core.RunInput) (core.RunResult, error)
	CompiledAt time.Time
}

// Factory compiles a plan. Invoked on cache miss only; compilation happens
// against the shared checkpoint backend the factory closes over.
type Factory func(ctx context.Context) (*Plan, error)

// Stats is a point-in-time cache observability snapshot.
type Stats struct {
	Hits             int64
	Misses           int64
	Compiles         int64
	AvgCompileMillis float64
	Size             int
}

// Options configures a Cache.
type Options struct {
	Capacity   int
	Logger     logging.Logger
	Registerer prometheus.Registerer
}

// Cache is the execution-plan cache. Safe for concurrent use.
type Cache struct {
	plans  *lru.Cache[string, *Plan]
	group  singleflight.Group
	logger logging.Logger

	mu              sync.Mutex
	hits            int64
	misses          int64
	compiles        int64
	compileMillisum float64

	compileDuration prometheus.Histogram
}

// New constructs a Cache with optional overrides.
func New(optFns ...func(o *Options)) *Cache {
	opts := Options{
		Capacity:   DefaultCapacity,
		Logger:     logging.NoOpLogger{},
		Registerer: prometheus.DefaultRegisterer,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}

	plans, err := lru.New[string, *Plan](opts.Capacity)
	if err != nil {
		panic(err) // positive capacity enforced above
	}

	compileDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "handoff",
		Subsystem: "plancache",
		Name:      "compile_duration_seconds",
		Help:      "Latency of execution-plan compilation.",
		Buckets:   prometheus.DefBuckets,
	})
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(compileDuration); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				compileDuration = already.ExistingCollector.(prometheus.Histogram)
			} else {
				panic(err)
			}
		}
	}

	return &Cache{plans: plans, logger: opts.Logger, compileDuration: compileDuration}
}

// WithCapacity overrides the cached-plan bound.
func WithCapacity(n int) func(o *Options) {
	return func(o *Options) { o.Capacity = n }
}

// WithLogger overrides the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithRegisterer overrides the Prometheus registerer (nil disables metrics).
func WithRegisterer(reg prometheus.Registerer) func(o *Options) {
	return func(o *Options) { o.Registerer = reg }
}

// GetOrCompile returns the cached plan for agentID or compiles it via
// factory. Across N repeated calls for the same id the factory is invoked
// exactly once, including under concurrency.
func (c *Cache) GetOrCompile(ctx context.Context, agentID string, factory Factory) (*Plan, error) {
	if plan, ok := c.plans.Get(agentID); ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return plan, nil
	}

	v, err, _ := c.group.Do(agentID, func() (any, error) {
		// Re-check: a concurrent compile may have landed while we queued.
		if plan, ok := c.plans.Get(agentID); ok {
			return plan, nil
		}

		c.mu.Lock()
		c.misses++
		c.mu.Unlock()

		start := time.Now()
		plan, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start)

		plan.CompiledAt = time.Now().UTC()
		c.plans.Add(agentID, plan)

		c.mu.Lock()
		c.compiles++
		c.compileMillisum += float64(elapsed.Milliseconds())
		c.mu.Unlock()
		c.compileDuration.Observe(elapsed.Seconds())

		c.logger.Debug("plan compiled agent_id=%s duration_ms=%d", agentID, elapsed.Milliseconds())
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan), nil
}

// Invalidate clears the plan for one agent; the next request recompiles.
// Used when an agent's configuration changes.
func (c *Cache) Invalidate(agentID string) {
	c.plans.Remove(agentID)
}

// InvalidateAll clears every cached plan.
func (c *Cache) InvalidateAll() {
	c.plans.Purge()
}

// Warmup precompiles a batch of plans in parallel to avoid cold-start
// latency on first user request. The first factory error aborts the batch.
func (c *Cache) Warmup(ctx context.Context, factories map[string]Factory) error {
	g, gctx := errgroup.WithContext(ctx)
	for agentID, factory := range factories {
		agentID, factory := agentID, factory
		g.Go(func() error {
			_, err := c.GetOrCompile(gctx, agentID, factory)
			return err
		})
	}
	return g.Wait()
}

// Stats returns hit/miss/compile counters and average compile latency.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Compiles: c.compiles, Size: c.plans.Len()}
	if c.compiles > 0 {
		s.AvgCompileMillis = c.compileMillisum / float64(c.compiles)
	}
	return s
}
