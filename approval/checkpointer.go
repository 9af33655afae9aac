package approval

import (
	"context"
	"sync"

	"github.com/hupe1980/handoff/core"
)

// InMemoryCheckpointer is a volatile core.Checkpointer storing snapshots in
// a process-local map. Suited for tests and single-process deployments;
// durable backends should implement core.Checkpointer against their own
// store.
type InMemoryCheckpointer struct {
	mu        sync.RWMutex
	snapshots map[string]core.ApprovalSnapshot
}

// NewInMemoryCheckpointer constructs an empty in-memory checkpointer.
func NewInMemoryCheckpointer() *InMemoryCheckpointer {
	return &InMemoryCheckpointer{snapshots: make(map[string]core.ApprovalSnapshot)}
}

// SaveSnapshot stores (or replaces) the snapshot for its execution.
func (c *InMemoryCheckpointer) SaveSnapshot(_ context.Context, snap core.ApprovalSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[snap.ExecutionID] = snap
	return nil
}

// LoadSnapshot returns the snapshot for an execution, if any.
func (c *InMemoryCheckpointer) LoadSnapshot(_ context.Context, executionID string) (core.ApprovalSnapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[executionID]
	return snap, ok, nil
}

// DeleteSnapshot removes the snapshot for an execution. Deleting an absent
// snapshot is a no-op.
func (c *InMemoryCheckpointer) DeleteSnapshot(_ context.Context, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, executionID)
	return nil
}
