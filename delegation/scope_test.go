package delegation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/handoff/core"
)

func TestScope_ResolverOperationsRequireActiveScope(t *testing.T) {
	ctx := context.Background()

	err := RegisterResolver(ctx, "k", core.Resolver{})
	assert.ErrorIs(t, err, ErrNoScope)

	_, _, err = GetResolver(ctx, "k")
	assert.ErrorIs(t, err, ErrNoScope)

	assert.ErrorIs(t, DeleteResolver(ctx, "k"), ErrNoScope)
}

func TestScope_RegisterGetDelete(t *testing.T) {
	err := RunInScope(context.Background(), "user-1", "req-1", func(ctx context.Context) error {
		require.NoError(t, RegisterResolver(ctx, "k", core.Resolver{Resolve: func(core.DelegationResult) {}}))

		r, found, err := GetResolver(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.NotNil(t, r.Resolve)

		require.NoError(t, DeleteResolver(ctx, "k"))
		_, found, err = GetResolver(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestScope_SecondRegistrationOverwrites(t *testing.T) {
	_ = RunInScope(context.Background(), "user-1", "req-1", func(ctx context.Context) error {
		scope, ok := ScopeFrom(ctx)
		require.True(t, ok)

		var hit string
		scope.Register("k", core.Resolver{Resolve: func(core.DelegationResult) { hit = "first" }})
		scope.Register("k", core.Resolver{Resolve: func(core.DelegationResult) { hit = "second" }})
		assert.Equal(t, 1, scope.Len(), "re-registration overwrites, never duplicates")

		r, _ := scope.Take("k")
		r.Resolve(core.DelegationResult{})
		assert.Equal(t, "second", hit)
		return nil
	})
}

func TestScope_IsolationAcrossConcurrentRequests(t *testing.T) {
	var wg sync.WaitGroup
	for _, user := range []string{"user-a", "user-b"} {
		user := user
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = RunInScope(context.Background(), user, "req-"+user, func(ctx context.Context) error {
				scope, _ := ScopeFrom(ctx)
				require.NoError(t, RegisterResolver(ctx, "key-"+user, core.Resolver{}))

				// Only this request's resolver is visible here.
				assert.Equal(t, 1, scope.Len())
				_, found, err := GetResolver(ctx, "key-"+user)
				require.NoError(t, err)
				assert.True(t, found)
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestScope_TeardownRejectsPending(t *testing.T) {
	var rejected error
	_ = RunInScope(context.Background(), "user-1", "req-1", func(ctx context.Context) error {
		return RegisterResolver(ctx, "k", core.Resolver{
			Reject: func(err error) { rejected = err },
		})
	})
	require.Error(t, rejected)
	assert.Contains(t, rejected.Error(), "torn down")
}

func TestScope_TakeIsAtomic(t *testing.T) {
	scope := NewScope("user-1", "req-1")
	scope.Register("k", core.Resolver{Resolve: func(core.DelegationResult) {}})

	_, ok := scope.Take("k")
	assert.True(t, ok)
	_, ok = scope.Take("k")
	assert.False(t, ok, "second taker must lose the race")
}
