// Package delegation implements the heart of the engine: the coordinator
// that owns the full lifecycle of a handoff from one agent to another, the
// request-scoped resolver store that correlates suspended callers with
// completion events, and the alias canonicalization both sides depend on.
package delegation

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/handoff/core"
)

// ErrNoScope is returned when a resolver operation runs outside an active
// delegation scope. This indicates a caller bug, not a runtime condition,
// which is why it surfaces loudly instead of being absorbed.
var ErrNoScope = errors.New("delegation: no active scope")

type scopeKey struct{}

// Scope is the per-request isolated store of pending delegation resolvers.
// Many delegations may be in flight concurrently across different end
// users; each request gets its own Scope, propagated implicitly on the
// context, so resolver state never leaks across concurrent call stacks.
//
// At most one resolver is held per delegation key: registering a second
// overwrites rather than duplicates.
type Scope struct {
	UserID    string
	RequestID string

	mu        sync.Mutex
	resolvers map[string]core.Resolver
}

// NewScope constructs an empty scope for one request.
func NewScope(userID, requestID string) *Scope {
	return &Scope{UserID: userID, RequestID: requestID, resolvers: make(map[string]core.Resolver)}
}

// Register stores a resolver under key, replacing any previous one.
func (s *Scope) Register(key string, r core.Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolvers[key] = r
}

// Resolver returns the resolver registered under key.
func (s *Scope) Resolver(key string) (core.Resolver, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolvers[key]
	return r, ok
}

// Delete removes the resolver under key, if any.
func (s *Scope) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resolvers, key)
}

// Take removes and returns the resolver under key atomically, so the
// event-driven completion path and a direct-await path can race benignly:
// only one of them obtains the continuation.
func (s *Scope) Take(key string) (core.Resolver, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolvers[key]
	if ok {
		delete(s.resolvers, key)
	}
	return r, ok
}

// Len returns the number of pending resolvers.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resolvers)
}

// teardown rejects and drops every pending resolver. Called when the scope
// ends while delegations are still outstanding.
func (s *Scope) teardown(err error) {
	s.mu.Lock()
	pending := s.resolvers
	s.resolvers = make(map[string]core.Resolver)
	s.mu.Unlock()

	for _, r := range pending {
		if r.Reject != nil {
			r.Reject(err)
		}
	}
}

// RunInScope executes fn inside a fresh request scope carried on the
// context. On return any still-pending resolvers are rejected so no caller
// waits on a request that has already ended.
func RunInScope(ctx context.Context, userID, requestID string, fn func(ctx context.Context) error) error {
	scope := NewScope(userID, requestID)
	defer scope.teardown(errors.New("delegation: scope torn down with pending resolvers"))
	return fn(context.WithValue(ctx, scopeKey{}, scope))
}

// ScopeFrom extracts the active scope from the context.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(*Scope)
	return scope, ok
}

// RegisterResolver registers a resolver in the currently active scope.
func RegisterResolver(ctx context.Context, key string, r core.Resolver) error {
	scope, ok := ScopeFrom(ctx)
	if !ok {
		return ErrNoScope
	}
	scope.Register(key, r)
	return nil
}

// GetResolver looks up a resolver in the currently active scope.
func GetResolver(ctx context.Context, key string) (core.Resolver, bool, error) {
	scope, ok := ScopeFrom(ctx)
	if !ok {
		return core.Resolver{}, false, ErrNoScope
	}
	r, found := scope.Resolver(key)
	return r, found, nil
}

// DeleteResolver removes a resolver from the currently active scope.
func DeleteResolver(ctx context.Context, key string) error {
	scope, ok := ScopeFrom(ctx)
	if !ok {
		return ErrNoScope
	}
	scope.Delete(key)
	return nil
}
