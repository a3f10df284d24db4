// Package registry is the read side of the worker registry: it answers
// "what workers exist, and in what state" by combining the Dispatcher's own
// in-process bookkeeping of spawned processes with the substrate's Redis
// registry hashes, the same two sources of truth the source service
// reconciled on every read. It classifies workers as alive/stuck/dead by
// heartbeat age and exposes pool-scoped aggregates for the Dispatcher's
// monitor loop.
package registry

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/arkham/core/internal/substrate"
)

// Heartbeat-age thresholds from the specification's glossary: a worker is
// alive below 30s, stuck from 30s to 60s, and dead past 60s — though its
// registry hash isn't actually removed until the substrate's own TTL
// expires it at 120s, which is also the age CleanupDead uses to prune
// remaining membership.
const (
	AliveThreshold = 30 * time.Second
	StuckThreshold = 60 * time.Second
	DeadThreshold  = 120 * time.Second

	cacheTTL = 5 * time.Second
)

// ProcessHandle is the subset of an *exec.Cmd (or any process supervisor)
// the registry needs to tell whether a locally spawned worker is still
// alive. Kept narrow and interface-based so dispatcher's process table can
// be swapped in tests.
type ProcessHandle interface {
	Alive() bool
	PID() int
}

// Entry describes one worker as of the last reconciliation.
type Entry struct {
	WorkerID          string
	Pool              string
	State             string
	PID               int
	StartedAt         time.Time
	LastHeartbeat     time.Time
	HeartbeatAge      time.Duration
	UptimeSeconds     float64
	ProcessAlive      bool // true if a locally-owned process handle says so
	IsAlive           bool // heartbeat age < AliveThreshold
	IsStuck           bool // AliveThreshold <= heartbeat age < StuckThreshold
	IsDead            bool // heartbeat age >= StuckThreshold (hash still present until the 120s TTL clears it)
	JobsCompleted     int
	JobsFailed        int
	CurrentJobID      string
}

// PoolAggregate summarizes one pool's worker population for the
// Dispatcher's monitoring and scaling decisions.
type PoolAggregate struct {
	Pool       string
	Total      int
	Alive      int
	Stuck      int
	Idle       int
	Processing int
	Completed  int
	Failed     int
}

// Registry reconciles locally-tracked process handles against the
// substrate's registry hashes, caching reads for up to cacheTTL so a burst
// of status queries does not hammer the substrate.
type Registry struct {
	store *substrate.Adapter

	mu        sync.Mutex
	cache     map[string][]Entry
	cachedAt  map[string]time.Time
}

// New builds a Registry backed by store.
func New(store *substrate.Adapter) *Registry {
	return &Registry{
		store:    store,
		cache:    make(map[string][]Entry),
		cachedAt: make(map[string]time.Time),
	}
}

// Describe builds an Entry for workerID, using handle (if non-nil) to
// determine process liveness and the substrate's recorded heartbeat to
// determine alive/stuck classification.
func (r *Registry) Describe(ctx context.Context, workerID string, handle ProcessHandle) (*Entry, error) {
	rec, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return describeFromRecord(rec, handle), nil
}

func describeFromRecord(rec *substrate.WorkerRecord, handle ProcessHandle) *Entry {
	processAlive := handle != nil && handle.Alive()
	pid := rec.PID
	if handle != nil {
		pid = handle.PID()
	}

	age := time.Since(rec.LastHeartbeat)
	return &Entry{
		WorkerID:      rec.WorkerID,
		Pool:          rec.Pool,
		State:         rec.State,
		PID:           pid,
		StartedAt:     rec.StartedAt,
		LastHeartbeat: rec.LastHeartbeat,
		HeartbeatAge:  age,
		UptimeSeconds: time.Since(rec.StartedAt).Seconds(),
		ProcessAlive:  processAlive,
		IsAlive:       age < AliveThreshold,
		IsStuck:       age >= AliveThreshold && age < StuckThreshold,
		IsDead:        age >= StuckThreshold,
		JobsCompleted: rec.JobsCompleted,
		JobsFailed:    rec.JobsFailed,
		CurrentJobID:  rec.CurrentJobID,
	}
}

// ListPool returns an Entry for every worker id the substrate has
// registered to pool, combined with liveness from handles (keyed by worker
// id; a worker id with no matching handle is reported with ProcessAlive
// false — either it crashed without deregistering, or this process doesn't
// own it). Results are cached for up to cacheTTL.
func (r *Registry) ListPool(ctx context.Context, pool string, handles map[string]ProcessHandle) ([]Entry, error) {
	r.mu.Lock()
	if cached, ok := r.cache[pool]; ok && time.Since(r.cachedAt[pool]) < cacheTTL {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	ids, err := r.store.ScanPoolWorkers(ctx, pool)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := r.Describe(ctx, id, handles[id])
		if err != nil {
			// A registered id whose hash already expired is reported as
			// gone rather than surfaced as an error to the caller.
			continue
		}
		entries = append(entries, *entry)
	}

	r.mu.Lock()
	r.cache[pool] = entries
	r.cachedAt[pool] = time.Now()
	r.mu.Unlock()

	return entries, nil
}

// PoolStats computes a PoolAggregate for pool from ListPool's entries.
func (r *Registry) PoolStats(ctx context.Context, pool string, handles map[string]ProcessHandle) (*PoolAggregate, error) {
	entries, err := r.ListPool(ctx, pool, handles)
	if err != nil {
		return nil, err
	}

	agg := &PoolAggregate{Pool: pool}
	for _, e := range entries {
		agg.Total++
		switch {
		case e.IsAlive:
			agg.Alive++
		case e.IsStuck:
			agg.Stuck++
		}
		switch e.State {
		case "idle":
			agg.Idle++
		case "processing":
			agg.Processing++
		}
		agg.Completed += e.JobsCompleted
		agg.Failed += e.JobsFailed
	}
	return agg, nil
}

// CleanupDead deletes registry entries for pool whose heartbeat age exceeds
// DeadThreshold, pruning the pool's membership set of workers whose hash
// has already expired (the substrate's own TTL removes the hash itself;
// this call catches set members the TTL-expired hash left behind). It
// returns the worker ids removed.
func (r *Registry) CleanupDead(ctx context.Context, pool string) ([]string, error) {
	ids, err := r.store.ScanPoolWorkers(ctx, pool)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, id := range ids {
		rec, err := r.store.GetWorker(ctx, id)
		if err != nil {
			// Hash already gone (TTL-expired) but the set entry survives —
			// prune it.
			_ = r.store.DeregisterWorker(ctx, id, pool)
			removed = append(removed, id)
			continue
		}
		if time.Since(rec.LastHeartbeat) > DeadThreshold {
			_ = r.store.DeregisterWorker(ctx, id, pool)
			removed = append(removed, id)
		}
	}

	if len(removed) > 0 {
		r.mu.Lock()
		delete(r.cache, pool)
		r.mu.Unlock()
	}
	return removed, nil
}

// osProcessHandle adapts an *os.Process to ProcessHandle for locally
// spawned workers.
type osProcessHandle struct {
	proc *os.Process
}

// NewOSProcessHandle wraps proc.
func NewOSProcessHandle(proc *os.Process) ProcessHandle {
	return &osProcessHandle{proc: proc}
}

func (h *osProcessHandle) PID() int { return h.proc.Pid }

func (h *osProcessHandle) Alive() bool {
	// Signal 0 performs no action but still reports ESRCH if the process
	// is gone, the standard liveness probe for a child we don't want to
	// reap twice.
	err := h.proc.Signal(syscall.Signal(0))
	return err == nil
}
