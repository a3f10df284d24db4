// Package shard defines the pluggable feature-module contract the Host
// loads at startup: each shard gets a chance to register HTTP routes and
// is torn down in reverse load order on shutdown.
package shard

import (
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/arkham/core/internal/jobrt"
)

// Host is the narrow surface a Shard needs from the process hosting it —
// just enough to reach shared services, without importing the full host
// package and creating an import cycle.
type Host interface {
	Logger() interface{ Info(string, ...interface{}) }
	// RegisterPoolHandler declares that this shard supplies the worker
	// implementation for pool, enabling the dispatcher's auto-scale rule
	// and StartWorker for it.
	RegisterPoolHandler(pool string) error
	// RegisterPool adds a custom pool descriptor for shards whose work
	// doesn't fit any built-in pool. Call it before RegisterPoolHandler.
	RegisterPool(cfg jobrt.PoolConfig) error
}

// WorkerPoolDeclarer is an optional capability a Shard may implement to
// declare, via its pool attribute, which worker pool it supplies a handler
// for. The Loader registers the pool with the Host right after a
// successful Initialize, the same way a shard's worker class is paired
// with the Worker Service in the source system.
type WorkerPoolDeclarer interface {
	WorkerPool() string
}

// Shard is one pluggable feature module. Initialize is called in
// registration order before Routes, and again by Enable after a Disable;
// Shutdown is called in reverse registration order during Host shutdown,
// or by an explicit Disable.
type Shard interface {
	Name() string
	Initialize(h Host) error
	Shutdown() error
	Routes(r gin.IRouter)
}

// BadgeCounter is an optional capability a Shard may implement to surface a
// notification-style count (e.g. pending review items). The Host
// type-asserts for it rather than requiring every shard to implement it —
// the idiomatic Go substitute for an optional-method check.
type BadgeCounter interface {
	BadgeCount() (int, error)
}

// SubrouteBadgeCounter is the per-subroute variant of BadgeCounter, for
// shards whose badge breaks down by an internal sub-identifier (e.g. a
// settings shard reporting separate counts for "billing" and "security").
type SubrouteBadgeCounter interface {
	SubrouteBadgeCount(subID string) (int, error)
}

// AsBadgeCounter returns s as a BadgeCounter if it implements the optional
// interface, and ok=false otherwise.
func AsBadgeCounter(s Shard) (BadgeCounter, bool) {
	bc, ok := s.(BadgeCounter)
	return bc, ok
}

// AsSubrouteBadgeCounter returns s as a SubrouteBadgeCounter if it
// implements the optional interface, and ok=false otherwise.
func AsSubrouteBadgeCounter(s Shard) (SubrouteBadgeCounter, bool) {
	sc, ok := s.(SubrouteBadgeCounter)
	return sc, ok
}

// entry tracks one registered shard plus the Loader's bookkeeping about it.
type entry struct {
	shard    Shard
	disabled bool
}

// Loader owns shard registration order and drives Initialize/Shutdown. It
// also tracks which registered names are protected (cannot be disabled at
// runtime, e.g. "dashboard", "settings") and an optional allowlist that
// restricts which discovered shards are registered at all.
type Loader struct {
	mu        sync.Mutex
	entries   []*entry
	byName    map[string]*entry
	protected map[string]bool
	allow     map[string]bool // nil means "allow everything"
}

// NewLoader returns an empty Loader. protected names are always excluded
// from Disable, regardless of allowlist. A nil or empty allowlist allows
// every shard that is Register-ed; a non-empty one silently drops any
// shard whose Name() is not in it, mirroring config's shard_allowlist.
func NewLoader(allowlist []string, protected []string) *Loader {
	l := &Loader{
		byName:    make(map[string]*entry),
		protected: make(map[string]bool, len(protected)),
	}
	for _, name := range protected {
		l.protected[name] = true
	}
	if len(allowlist) > 0 {
		l.allow = make(map[string]bool, len(allowlist))
		for _, name := range allowlist {
			l.allow[name] = true
		}
	}
	return l
}

// Register adds a shard to the end of the load order, unless an allowlist
// is configured and the shard's name is not on it.
func (l *Loader) Register(s Shard) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allow != nil && !l.allow[s.Name()] {
		return
	}
	e := &entry{shard: s}
	l.entries = append(l.entries, e)
	l.byName[s.Name()] = e
}

// InitializeAll calls Initialize on every registered shard in registration
// order. A shard that fails to initialize is logged by the caller and
// skipped — it stays out of the route table but does not abort the other
// shards' startup, the same degrade-don't-abort posture the Host applies
// to its own subsystems.
func (l *Loader) InitializeAll(h Host) map[string]error {
	l.mu.Lock()
	defer l.mu.Unlock()

	failures := make(map[string]error)
	var ok []*entry
	for _, e := range l.entries {
		if err := e.shard.Initialize(h); err != nil {
			failures[e.shard.Name()] = err
			delete(l.byName, e.shard.Name())
			continue
		}
		if wp, declares := e.shard.(WorkerPoolDeclarer); declares {
			if err := h.RegisterPoolHandler(wp.WorkerPool()); err != nil {
				failures[e.shard.Name()] = fmt.Errorf("register worker pool %q: %w", wp.WorkerPool(), err)
				delete(l.byName, e.shard.Name())
				continue
			}
		}
		ok = append(ok, e)
	}
	l.entries = ok
	return failures
}

// MountRoutes calls Routes on every successfully initialized shard,
// including ones currently disabled — per the specification, routes
// already mounted on the external router stay registered until process
// restart; disabling a shard only stops it from servicing them.
func (l *Loader) MountRoutes(r gin.IRouter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		e.shard.Routes(r)
	}
}

// Disable shuts a shard down and marks it inactive. Protected shards (e.g.
// "dashboard", "settings") reject Disable. Disabling an already-disabled
// or unknown shard returns an error rather than silently succeeding, so
// callers driving this from an admin endpoint get an accurate result.
func (l *Loader) Disable(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.protected[name] {
		return fmt.Errorf("shard %q is protected and cannot be disabled", name)
	}
	e, ok := l.byName[name]
	if !ok {
		return fmt.Errorf("shard %q is not loaded", name)
	}
	if e.disabled {
		return fmt.Errorf("shard %q is already disabled", name)
	}
	if err := e.shard.Shutdown(); err != nil {
		return fmt.Errorf("shutdown shard %q: %w", name, err)
	}
	e.disabled = true
	return nil
}

// Enable re-initializes a previously Disabled shard. It is a no-op error
// if the shard was never registered, never disabled, or re-Initialize
// fails (in which case it stays disabled).
func (l *Loader) Enable(name string, h Host) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byName[name]
	if !ok {
		return fmt.Errorf("shard %q is not loaded", name)
	}
	if !e.disabled {
		return fmt.Errorf("shard %q is already enabled", name)
	}
	if err := e.shard.Initialize(h); err != nil {
		return fmt.Errorf("re-initialize shard %q: %w", name, err)
	}
	e.disabled = false
	return nil
}

// IsProtected reports whether name is in the protected set.
func (l *Loader) IsProtected(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.protected[name]
}

// ShutdownAll tears down every active shard in reverse registration order,
// collecting (not stopping on) any errors encountered. Already-disabled
// shards are skipped since Disable already called their Shutdown.
func (l *Loader) ShutdownAll() map[string]error {
	l.mu.Lock()
	defer l.mu.Unlock()

	failures := make(map[string]error)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.disabled {
			continue
		}
		if err := e.shard.Shutdown(); err != nil {
			failures[e.shard.Name()] = err
		}
	}
	return failures
}

// Loaded returns the shards currently active (initialized and not
// disabled), in load order.
func (l *Loader) Loaded() []Shard {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Shard
	for _, e := range l.entries {
		if !e.disabled {
			out = append(out, e.shard)
		}
	}
	return out
}
