package core

import (
	"sync"

	"github.com/hupe1980/handoff/logging"
)

// Event names emitted and consumed by the delegation engine. Observability
// subscribers (UI timelines, audit sinks) may register for the same names.
const (
	EventDelegationCompleted = "delegation.completed"
	EventDelegationProgress  = "delegation.progress"
	EventDelegationFailed    = "delegation.failed"
)

// Handler receives an event payload. Handlers run synchronously on the
// emitter's goroutine and must not block for long.
type Handler func(payload any)

// Bus is the minimal named-event interface the engine consumes. The
// delegation.completed handler is the single resolver-resolution site, so
// implementations must deliver each emitted event to every handler
// registered at emit time.
type Bus interface {
	On(event string, h Handler)
	Emit(event string, payload any)
}

// InMemoryBus is a process-local synchronous Bus. Handler panics are
// recovered and logged so one faulty subscriber cannot break resolver
// resolution for the rest.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   logging.Logger
}

// NewInMemoryBus constructs an empty bus. A nil logger is replaced with a
// no-op logger.
func NewInMemoryBus(logger logging.Logger) *InMemoryBus {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &InMemoryBus{handlers: make(map[string][]Handler), logger: logger}
}

// On registers a handler for the named event.
func (b *InMemoryBus) On(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

// Emit delivers payload to every handler registered for event, in
// registration order.
func (b *InMemoryBus) Emit(event string, payload any) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[event]))
	copy(hs, b.handlers[event])
	b.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("bus handler panic event=%s recover=%v", event, r)
				}
			}()
			h(payload)
		}()
	}
}
