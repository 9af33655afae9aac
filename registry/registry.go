// Package registry implements the bounded, time-expiring store of in-flight
// and recently finished executions. Executions are transient conversational
// state, not a system of record: unbounded growth under concurrent
// multi-agent fan-out is the primary memory risk, so the store is capped
// with least-recently-used eviction plus a sliding idle TTL. Eviction is
// silent (logged, never an error) and a miss is reported as absence, never
// as a failure.
package registry

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/handoff/core"
	"github.com/hupe1980/handoff/logging"
)

const (
	// DefaultCapacity bounds the number of retained executions.
	DefaultCapacity = 100
	// DefaultIdleTTL expires executions not read or written for this long.
	DefaultIdleTTL = 5 * time.Minute

	// recentDelegationWindow is the best-effort window in which a source
	// execution is still reported as having recently delegated. UX signal
	// only, not a correctness guarantee.
	recentDelegationWindow = 2 * time.Minute
)

type entry struct {
	exec        *core.Execution
	lastAccess  time.Time
	delegatedAt time.Time
}

// Options configures a Registry.
type Options struct {
	Capacity int
	IdleTTL  time.Duration
	Logger   logging.Logger
}

// Registry is the bounded LRU execution store. Reading an entry refreshes
// its recency and resets its idle clock. Safe for concurrent use: the
// underlying cache serializes its own map operations, per-execution
// mutation happens on the Execution's own lock, and the entry timestamps
// shared across lookups are guarded by the registry's mutex.
type Registry struct {
	cache   *lru.Cache[string, *entry]
	idleTTL time.Duration
	logger  logging.Logger
	now     func() time.Time

	// mu guards the lastAccess/delegatedAt fields of stored entries; the
	// cache hands back shared *entry values.
	mu sync.Mutex
}

// New constructs a Registry with optional overrides.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		Capacity: DefaultCapacity,
		IdleTTL:  DefaultIdleTTL,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}

	r := &Registry{idleTTL: opts.IdleTTL, logger: opts.Logger, now: time.Now}

	cache, err := lru.NewWithEvict(opts.Capacity, func(id string, _ *entry) {
		r.logger.Debug("registry evicted execution execution_id=%s", id)
	})
	if err != nil {
		// Only reachable with a non-positive capacity, which is normalized
		// above.
		panic(err)
	}
	r.cache = cache

	return r
}

// WithCapacity overrides the retained-execution bound.
func WithCapacity(n int) func(o *Options) {
	return func(o *Options) { o.Capacity = n }
}

// WithIdleTTL overrides the sliding idle expiry.
func WithIdleTTL(d time.Duration) func(o *Options) {
	return func(o *Options) { o.IdleTTL = d }
}

// WithLogger overrides the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Put stores (or replaces) an execution under its id.
func (r *Registry) Put(id string, exec *core.Execution) {
	r.cache.Add(id, &entry{exec: exec, lastAccess: r.now()})
}

// Get returns the execution for id. The boolean is false for unknown and
// expired ids alike; callers must treat absence as "nothing to splice into",
// not as an error.
func (r *Registry) Get(id string) (*core.Execution, bool) {
	e, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	if r.expired(e) {
		r.mu.Unlock()
		r.cache.Remove(id)
		r.logger.Debug("registry expired execution execution_id=%s", id)
		return nil, false
	}
	e.lastAccess = r.now()
	r.mu.Unlock()
	return e.exec, true
}

// Delete removes an execution. Removing an absent id is a no-op.
func (r *Registry) Delete(id string) {
	r.cache.Remove(id)
}

// Find returns the first live execution satisfying pred, scanning from most
// recently used to least.
func (r *Registry) Find(pred func(*core.Execution) bool) (*core.Execution, bool) {
	keys := r.cache.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		e, ok := r.cache.Peek(keys[i])
		if !ok || r.isExpired(e) {
			continue
		}
		if pred(e.exec) {
			return e.exec, true
		}
	}
	return nil, false
}

// Filter returns all live executions satisfying pred, least recently used
// first.
func (r *Registry) Filter(pred func(*core.Execution) bool) []*core.Execution {
	var out []*core.Execution
	for _, key := range r.cache.Keys() {
		e, ok := r.cache.Peek(key)
		if !ok || r.isExpired(e) {
			continue
		}
		if pred(e.exec) {
			out = append(out, e.exec)
		}
	}
	return out
}

// Len returns the number of retained entries, including any not yet swept
// expired ones.
func (r *Registry) Len() int { return r.cache.Len() }

// PurgeExpired sweeps idle-expired entries and returns how many were
// removed. Expiry is otherwise lazy (applied on access).
func (r *Registry) PurgeExpired() int {
	removed := 0
	for _, key := range r.cache.Keys() {
		e, ok := r.cache.Peek(key)
		if ok && r.isExpired(e) {
			r.cache.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("registry purged expired executions count=%d", removed)
	}
	return removed
}

// MarkDelegated records that the execution has just handed off work. Used
// for the best-effort recent-delegation trail.
func (r *Registry) MarkDelegated(id string) {
	e, ok := r.cache.Get(id)
	if !ok {
		return
	}
	r.mu.Lock()
	e.delegatedAt = r.now()
	e.lastAccess = r.now()
	r.mu.Unlock()
}

// RecentlyDelegated reports whether the execution delegated within the trail
// window. Eventually consistent: an evicted execution simply reports false.
func (r *Registry) RecentlyDelegated(id string) bool {
	e, ok := r.cache.Peek(id)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.delegatedAt.IsZero() {
		return false
	}
	return r.now().Sub(e.delegatedAt) <= recentDelegationWindow
}

// expired reports idle expiry; the caller holds r.mu.
func (r *Registry) expired(e *entry) bool {
	return r.now().Sub(e.lastAccess) > r.idleTTL
}

func (r *Registry) isExpired(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired(e)
}
