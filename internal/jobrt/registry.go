package jobrt

import (
	"fmt"
	"sync"
)

// Handler processes one job for the pool it is registered against. A
// Handler returning an error fails the job; the worker runtime decides
// whether the failure is retried or sent to the dead letter queue.
type Handler interface {
	// Pool is the name this handler is registered under. It must match one
	// of the keys in DefaultPools, or a pool the caller has added via a
	// custom registration.
	Pool() string
	Run(ctx *RunContext) error
}

// Registry maps a pool name to the single Handler responsible for jobs in
// that pool. One handler per pool: a second registration for the same pool
// is rejected rather than silently replacing the first, since two handlers
// racing to claim jobs from the same queue would be a configuration bug,
// not a valid fan-out mechanism.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds handler under its own Pool() name. It returns
// ErrDuplicateHandler if a handler is already registered for that pool.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := h.Pool()
	if _, exists := r.handlers[pool]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, pool)
	}
	r.handlers[pool] = h
	return nil
}

// Get returns the handler registered for pool, or ErrHandlerMissing.
func (r *Registry) Get(pool string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerMissing, pool)
	}
	return h, nil
}

// Pools returns the set of pool names with a registered handler.
func (r *Registry) Pools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	return out
}

// HandlerFunc adapts a plain function to the Handler interface for pools
// whose processing logic has no state of its own.
type HandlerFunc struct {
	PoolName string
	Fn       func(ctx *RunContext) error
}

func (f HandlerFunc) Pool() string { return f.PoolName }
func (f HandlerFunc) Run(ctx *RunContext) error { return f.Fn(ctx) }
