// Package dispatcher is the Worker & Job Dispatch Core: it accepts job
// enqueue requests, keeps per-pool target worker counts, spawns and kills
// worker OS processes to match those targets, and bridges the substrate's
// cross-process pub/sub back into the in-process event bus.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkham/core/internal/eventbus"
	"github.com/arkham/core/internal/jobrt"
	"github.com/arkham/core/internal/metrics"
	"github.com/arkham/core/internal/platform/ctxutil"
	"github.com/arkham/core/internal/platform/logger"
	"github.com/arkham/core/internal/registry"
	"github.com/arkham/core/internal/substrate"
)

// Config configures the Dispatcher.
type Config struct {
	// WorkerBinaryPath is the executable spawned for each worker process.
	// Defaults to the currently running executable (cmd/host and
	// cmd/worker are typically built as one binary dispatched by a
	// subcommand, the same way the teacher ships one backend binary).
	WorkerBinaryPath string
	SubstrateURL     string
	ShutdownTimeout  time.Duration
}

// process tracks one locally spawned worker.
type process struct {
	workerID  string
	pool      string
	cmd       *exec.Cmd
	startedAt time.Time
}

func (p *process) Alive() bool {
	return p.cmd.Process != nil && p.cmd.ProcessState == nil
}
func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Dispatcher is the Worker Service: job queue gateway and process
// supervisor for every pool. It degrades to in-memory-only bookkeeping
// (enqueue/dequeue against the substrate are unavailable, but everything
// else keeps working) when the substrate cannot be reached at construction
// time, rather than aborting Host startup.
type Dispatcher struct {
	cfg   Config
	store *substrate.Adapter // nil when degraded
	bus   *eventbus.Bus
	log   *logger.Logger
	mtr   *metrics.Collectors // nil until SetMetrics

	mu           sync.Mutex
	pools        map[string]jobrt.PoolConfig
	jobs         map[string]*jobrt.Job
	processes    map[string]*process
	targetCounts map[string]int
	handlers     map[string]bool
	registry     *registry.Registry
}

// New builds a Dispatcher. store may be nil, in which case the dispatcher
// runs in degraded mode: jobs are tracked only in memory and enqueue
// requests are logged and kept in memory rather than queued durably.
func New(cfg Config, store *substrate.Adapter, bus *eventbus.Bus, log *logger.Logger) *Dispatcher {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WorkerBinaryPath == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.WorkerBinaryPath = exe
		}
	}

	d := &Dispatcher{
		cfg:          cfg,
		store:        store,
		bus:          bus,
		log:          log,
		pools:        jobrt.DefaultPools(),
		jobs:         make(map[string]*jobrt.Job),
		processes:    make(map[string]*process),
		targetCounts: make(map[string]int),
		handlers:     make(map[string]bool),
	}
	if store != nil {
		d.registry = registry.New(store)
		store.Subscribe(context.Background(), d.handlePubSubMessage)
	}
	return d
}

// SetMetrics attaches prometheus collectors to be updated as jobs flow
// through. Safe to skip entirely (worker processes have no /metrics
// endpoint of their own).
func (d *Dispatcher) SetMetrics(c *metrics.Collectors) {
	d.mtr = c
}

// AddPool registers a custom pool at runtime, the path a shard takes when
// its work doesn't fit any of the built-in pools. The built-in table and
// previously added pools cannot be redefined.
func (d *Dispatcher) AddPool(cfg jobrt.PoolConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("dispatcher: pool name is required")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.Type == "" {
		cfg.Type = jobrt.PoolTypeCustom
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pools[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", jobrt.ErrDuplicatePool, cfg.Name)
	}
	d.pools[cfg.Name] = cfg
	return nil
}

// poolConfig looks up pool's descriptor.
func (d *Dispatcher) poolConfig(pool string) (jobrt.PoolConfig, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg, ok := d.pools[pool]
	return cfg, ok
}

// poolNames returns every known pool name.
func (d *Dispatcher) poolNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.pools))
	for name := range d.pools {
		out = append(out, name)
	}
	return out
}

// handlePubSubMessage decodes a cross-process event and bridges it onto the
// in-process event bus, also updating in-memory job bookkeeping for
// worker.job.completed/failed events so a dispatcher in one process learns
// the outcome of a job a worker in another process just finished.
func (d *Dispatcher) handlePubSubMessage(raw []byte) {
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		d.log.Warn("dispatcher: malformed pubsub message", "error", err)
		return
	}
	eventType, _ := envelope["event"].(string)
	if eventType == "" {
		return
	}
	delete(envelope, "event")

	if jobID, ok := envelope["job_id"].(string); ok {
		pool, _ := envelope["pool"].(string)
		d.mu.Lock()
		if job, exists := d.jobs[jobID]; exists {
			now := time.Now().UTC()
			pool = job.Pool
			switch eventType {
			case "worker.job.completed":
				job.Status = jobrt.StatusCompleted
				job.CompletedAt = &now
				if result, ok := envelope["result"].(map[string]any); ok {
					job.Result = result
				}
			case "worker.job.failed":
				job.Status = jobrt.StatusFailed
				job.CompletedAt = &now
				if errMsg, ok := envelope["error"].(string); ok {
					job.Error = errMsg
				}
			}
		}
		d.mu.Unlock()

		if d.mtr != nil && pool != "" {
			switch eventType {
			case "worker.job.completed":
				d.mtr.JobsCompleted.WithLabelValues(pool).Inc()
			case "worker.job.failed":
				d.mtr.JobsFailed.WithLabelValues(pool).Inc()
			}
		}
	}

	d.bus.Emit(context.Background(), eventType, envelope, "worker-service")
}

// Enqueue validates pool, stores the job, pushes it to the substrate (if
// reachable), and ensures at least one worker exists for the pool. An
// ambient trace id on ctx is stamped into the payload so workers and the
// pub/sub bridge can carry it forward.
func (d *Dispatcher) Enqueue(ctx context.Context, pool string, payload map[string]any, priority int) (*jobrt.Job, error) {
	if _, ok := d.poolConfig(pool); !ok {
		return nil, fmt.Errorf("%w: %s", jobrt.ErrUnknownPool, pool)
	}
	if priority == 0 {
		priority = 1
	}

	if td := ctxutil.GetTraceData(ctx); td != nil && td.TraceID != "" {
		if _, present := payload["trace_id"]; !present {
			cp := make(map[string]any, len(payload)+1)
			for k, v := range payload {
				cp[k] = v
			}
			cp["trace_id"] = td.TraceID
			payload = cp
		}
	}

	job := &jobrt.Job{
		ID:        uuid.NewString(),
		Pool:      pool,
		Payload:   payload,
		Priority:  priority,
		Status:    jobrt.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	d.jobs[job.ID] = job
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.PushJob(ctx, job); err != nil {
			d.mu.Lock()
			delete(d.jobs, job.ID)
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: push job %s: %v", jobrt.ErrSubstrateDown, job.ID, err)
		}
	} else {
		d.log.Warn("enqueue: substrate unavailable, job tracked in-memory only", "job_id", job.ID, "pool", pool)
	}

	if d.mtr != nil {
		d.mtr.JobsEnqueued.WithLabelValues(pool).Inc()
	}

	d.ensureWorkerFor(ctx, pool)
	return job, nil
}

// RegisterHandler declares that pool has a worker implementation available.
// Shards call this (via the Host, during their own Initialize) to pair a
// pool with the code that implements it; the loader also calls it
// automatically for a shard's declared worker pool (see shard.WorkerPoolDeclarer).
// Registering the same pool again is a no-op, since re-enabling a shard
// calls Initialize a second time.
func (d *Dispatcher) RegisterHandler(pool string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pools[pool]; !ok {
		return fmt.Errorf("%w: %s", jobrt.ErrUnknownPool, pool)
	}
	d.handlers[pool] = true
	return nil
}

// HasHandler reports whether a handler has been registered for pool.
func (d *Dispatcher) HasHandler(pool string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[pool]
}

// ensureWorkerFor starts exactly one worker for pool if none is currently
// alive and a handler is registered for it. This is the auto-scale rule
// every enqueue triggers: it never adds a second worker just because a
// second job arrived, and it never spawns a worker process with nothing
// registered to run.
func (d *Dispatcher) ensureWorkerFor(ctx context.Context, pool string) {
	if !d.HasHandler(pool) {
		return
	}
	if d.WorkerCount(pool) == 0 {
		if _, err := d.StartWorker(ctx, pool); err != nil {
			d.log.Error("auto-scale: failed to start worker", "pool", pool, "error", err)
		}
	}
}

// GetJob returns a tracked job by id.
func (d *Dispatcher) GetJob(jobID string) (*jobrt.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[jobID]
	if !ok {
		return nil, jobrt.ErrJobNotFound
	}
	return job, nil
}

// GetJobs returns tracked jobs, optionally filtered by pool and/or status,
// capped at limit (default 100).
func (d *Dispatcher) GetJobs(pool string, status jobrt.Status, limit int) []*jobrt.Job {
	if limit <= 0 {
		limit = 100
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*jobrt.Job, 0, limit)
	for _, job := range d.jobs {
		if pool != "" && job.Pool != pool {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// CancelJob cancels a pending or active job. It is idempotent: cancelling
// an already-terminal job reports success=false without error, matching
// the source service's soft-fail contract for a job that's no longer
// cancellable.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) (success bool, err error) {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return false, nil
	}
	if job.Status != jobrt.StatusPending && job.Status != jobrt.StatusActive {
		return false, nil
	}

	wasPending := job.Status == jobrt.StatusPending
	now := time.Now().UTC()

	d.mu.Lock()
	job.Status = jobrt.StatusCancelled
	job.CompletedAt = &now
	d.mu.Unlock()

	if d.store != nil {
		if wasPending {
			if err := d.store.RemoveFromQueue(ctx, job.Pool, jobID); err != nil {
				d.log.Warn("cancel: remove from queue failed", "job_id", jobID, "error", err)
			}
		}
		if err := d.store.SetJobFields(ctx, jobID, map[string]any{
			"status":       string(jobrt.StatusCancelled),
			"completed_at": now.Format(time.RFC3339Nano),
		}); err != nil {
			d.log.Warn("cancel: update job record failed", "job_id", jobID, "error", err)
		}
	}

	d.bus.Emit(ctx, "worker.job.cancelled", map[string]any{"job_id": jobID, "pool": job.Pool}, "worker-service")
	return true, nil
}

// ClearQueue empties pool's queue for jobs of the given status (defaults to
// pending) and reports how many entries were removed.
func (d *Dispatcher) ClearQueue(ctx context.Context, pool string, status jobrt.Status) (int, error) {
	if status == "" {
		status = jobrt.StatusPending
	}

	var clearedFromSubstrate int64
	if d.store != nil && status == jobrt.StatusPending {
		n, err := d.store.ClearQueue(ctx, pool)
		if err != nil {
			return 0, fmt.Errorf("dispatcher: clear queue: %w", err)
		}
		clearedFromSubstrate = n
	}

	d.mu.Lock()
	var removed []string
	for id, job := range d.jobs {
		if job.Pool == pool && job.Status == status {
			removed = append(removed, id)
			delete(d.jobs, id)
		}
	}
	d.mu.Unlock()

	cleared := int(clearedFromSubstrate)
	if len(removed) > cleared {
		cleared = len(removed)
	}

	d.bus.Emit(ctx, "worker.queue.cleared", map[string]any{"pool": pool, "status": string(status), "count": cleared}, "worker-service")
	return cleared, nil
}

// RetryFailedJobs re-enqueues failed jobs for pool (optionally restricted
// to jobIDs) as brand new jobs with fresh ids. Each retried original is
// dropped from the dispatcher's in-memory job table; its substrate record
// is left as it is.
func (d *Dispatcher) RetryFailedJobs(ctx context.Context, pool string, jobIDs []string) ([]string, error) {
	wanted := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		wanted[id] = true
	}

	d.mu.Lock()
	var failed []*jobrt.Job
	for id, job := range d.jobs {
		if job.Pool != pool || job.Status != jobrt.StatusFailed {
			continue
		}
		if len(jobIDs) > 0 && !wanted[id] {
			continue
		}
		failed = append(failed, job)
	}
	d.mu.Unlock()

	retried := make([]string, 0, len(failed))
	for _, job := range failed {
		newJob, err := d.Enqueue(ctx, pool, job.Payload, job.Priority)
		if err != nil {
			d.log.Error("retry: enqueue failed", "original_job_id", job.ID, "error", err)
			continue
		}
		d.mu.Lock()
		delete(d.jobs, job.ID)
		d.mu.Unlock()
		retried = append(retried, newJob.ID)
	}

	d.bus.Emit(ctx, "worker.jobs.retried", map[string]any{"pool": pool, "count": len(retried), "jobs": retried}, "worker-service")
	return retried, nil
}

// WaitForResult polls for jobID's terminal outcome until it completes,
// fails, or timeout elapses.
func (d *Dispatcher) WaitForResult(ctx context.Context, jobID string, timeout, pollInterval time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		d.mu.Lock()
		job, ok := d.jobs[jobID]
		d.mu.Unlock()

		if ok {
			switch job.Status {
			case jobrt.StatusCompleted:
				return job.Result, nil
			case jobrt.StatusFailed:
				return nil, fmt.Errorf("job %s failed: %s", jobID, job.Error)
			case jobrt.StatusCancelled:
				return nil, fmt.Errorf("job %s was cancelled", jobID)
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for job %s", jobID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// EnqueueAndWait enqueues payload on pool and blocks for its result.
func (d *Dispatcher) EnqueueAndWait(ctx context.Context, pool string, payload map[string]any, priority int, timeout time.Duration) (map[string]any, error) {
	job, err := d.Enqueue(ctx, pool, payload, priority)
	if err != nil {
		return nil, err
	}
	return d.WaitForResult(ctx, job.ID, timeout, 500*time.Millisecond)
}
