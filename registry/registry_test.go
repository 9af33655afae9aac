package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/handoff/core"
)

func newExec(agentID string) *core.Execution {
	return core.NewExecution(agentID, "user-1", "thread-1")
}

func TestRegistry_PutGet(t *testing.T) {
	r := New()

	exec := newExec("mail-agent")
	r.Put(exec.ID, exec)

	got, ok := r.Get(exec.ID)
	require.True(t, ok)
	assert.Equal(t, exec.ID, got.ID)

	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestRegistry_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	r := New(WithCapacity(3))

	ids := make([]string, 4)
	for i := 0; i < 3; i++ {
		exec := newExec(fmt.Sprintf("agent-%d", i))
		ids[i] = exec.ID
		r.Put(exec.ID, exec)
	}

	// Touch the oldest so the middle entry becomes least recently used.
	_, ok := r.Get(ids[0])
	require.True(t, ok)

	exec := newExec("agent-3")
	ids[3] = exec.ID
	r.Put(exec.ID, exec)

	_, ok = r.Get(ids[1])
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, id := range []string{ids[0], ids[2], ids[3]} {
		_, ok := r.Get(id)
		assert.True(t, ok, "entry %s should survive", id)
	}
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_IdleTTLExpiry(t *testing.T) {
	r := New(WithIdleTTL(time.Minute))

	now := time.Now()
	r.now = func() time.Time { return now }

	exec := newExec("mail-agent")
	r.Put(exec.ID, exec)

	// Reads within the window refresh the idle clock.
	now = now.Add(45 * time.Second)
	_, ok := r.Get(exec.ID)
	require.True(t, ok)

	now = now.Add(45 * time.Second)
	_, ok = r.Get(exec.ID)
	require.True(t, ok, "refreshed entry should still be live")

	now = now.Add(2 * time.Minute)
	_, ok = r.Get(exec.ID)
	assert.False(t, ok, "idle entry should expire")
}

func TestRegistry_FindAndFilter(t *testing.T) {
	r := New()

	parent := newExec("supervisor")
	r.Put(parent.ID, parent)

	for i := 0; i < 3; i++ {
		child := newExec("worker")
		child.IsDelegation = true
		child.ParentExecutionID = parent.ID
		r.Put(child.ID, child)
	}

	found, ok := r.Find(func(e *core.Execution) bool { return !e.IsDelegation })
	require.True(t, ok)
	assert.Equal(t, parent.ID, found.ID)

	children := r.Filter(func(e *core.Execution) bool { return e.ParentExecutionID == parent.ID })
	assert.Len(t, children, 3)
}

func TestRegistry_PurgeExpired(t *testing.T) {
	r := New(WithIdleTTL(time.Minute))

	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		exec := newExec("agent")
		r.Put(exec.ID, exec)
	}

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 5, r.PurgeExpired())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RecentDelegationTrail(t *testing.T) {
	r := New()

	now := time.Now()
	r.now = func() time.Time { return now }

	exec := newExec("supervisor")
	r.Put(exec.ID, exec)

	assert.False(t, r.RecentlyDelegated(exec.ID))

	r.MarkDelegated(exec.ID)
	assert.True(t, r.RecentlyDelegated(exec.ID))

	now = now.Add(3 * time.Minute)
	assert.False(t, r.RecentlyDelegated(exec.ID), "trail signal decays")

	// Unknown ids are a quiet false, never an error.
	assert.False(t, r.RecentlyDelegated("unknown"))
}

func TestRegistry_ConcurrentAccessSingleEntry(t *testing.T) {
	r := New()

	exec := newExec("supervisor")
	r.Put(exec.ID, exec)

	// Many in-flight delegations touch the same source execution: reads
	// refresh recency while the trail marker is written and queried.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = r.Get(exec.ID)
				r.MarkDelegated(exec.ID)
				_ = r.RecentlyDelegated(exec.ID)
				_, _ = r.Find(func(e *core.Execution) bool { return e.ID == exec.ID })
				r.PurgeExpired()
			}
		}()
	}
	wg.Wait()

	got, ok := r.Get(exec.ID)
	require.True(t, ok)
	assert.Equal(t, exec.ID, got.ID)
	assert.True(t, r.RecentlyDelegated(exec.ID))
}
