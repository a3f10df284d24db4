package dispatcher

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/arkham/core/internal/jobrt"
)

// ScaleResult reports the outcome of a Scale call.
type ScaleResult struct {
	Pool           string
	PreviousTarget int
	TargetCount    int
	CurrentCount   int
}

// Scale sets pool's target worker count, clipping to the pool's configured
// max, then starts or stops workers until the live count matches the new
// target.
func (d *Dispatcher) Scale(ctx context.Context, pool string, count int) (*ScaleResult, error) {
	poolCfg, ok := d.poolConfig(pool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobrt.ErrUnknownPool, pool)
	}

	if count < 0 {
		count = 0
	}
	if count > poolCfg.MaxWorkers {
		d.log.Warn("scale: requested count exceeds pool max, clipping", "pool", pool, "requested", count, "max", poolCfg.MaxWorkers)
		count = poolCfg.MaxWorkers
	}

	d.mu.Lock()
	previous := d.targetCounts[pool]
	d.targetCounts[pool] = count
	d.mu.Unlock()

	current := d.WorkerCount(pool)
	for current < count {
		if _, err := d.StartWorker(ctx, pool); err != nil {
			d.log.Error("scale: start worker failed", "pool", pool, "error", err)
			break
		}
		current = d.WorkerCount(pool)
	}
	if current > count {
		excess := d.workersForPool(pool)
		for i := count; i < len(excess) && i < current; i++ {
			if err := d.StopWorker(excess[i]); err != nil {
				d.log.Error("scale: stop worker failed", "worker_id", excess[i], "error", err)
			}
		}
		current = d.WorkerCount(pool)
	}

	d.bus.Emit(ctx, "worker.pool.scaled", map[string]any{
		"pool":      pool,
		"old_count": previous,
		"new_count": count,
	}, "worker-service")

	return &ScaleResult{Pool: pool, PreviousTarget: previous, TargetCount: count, CurrentCount: current}, nil
}

// StartWorker spawns one new worker process for pool. It fails softly
// (returns an error, no panic) both when the pool is already at its
// configured maximum and when no handler has been registered for it —
// neither saturation nor a missing handler is treated as an exceptional
// condition.
func (d *Dispatcher) StartWorker(ctx context.Context, pool string) (workerID string, err error) {
	poolCfg, ok := d.poolConfig(pool)
	if !ok {
		return "", fmt.Errorf("%w: %s", jobrt.ErrUnknownPool, pool)
	}
	if !d.HasHandler(pool) {
		return "", fmt.Errorf("%w: %s", jobrt.ErrHandlerMissing, pool)
	}

	current := d.WorkerCount(pool)
	if current >= poolCfg.MaxWorkers {
		return "", fmt.Errorf("pool %s is at capacity (%d/%d)", pool, current, poolCfg.MaxWorkers)
	}

	workerID = fmt.Sprintf("%s-%s", pool, uuid.NewString()[:8])

	cmd := exec.Command(d.cfg.WorkerBinaryPath, "worker")
	cmd.Env = append(cmd.Environ(),
		"ARKHAM_WORKER_POOL="+pool,
		"ARKHAM_WORKER_WORKER_ID="+workerID,
		"ARKHAM_WORKER_SUBSTRATE_URL="+d.cfg.SubstrateURL,
	)
	cmd.Stdout = logWriter{d.log, workerID, false}
	cmd.Stderr = logWriter{d.log, workerID, true}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("dispatcher: spawn worker: %w", err)
	}

	p := &process{workerID: workerID, pool: pool, cmd: cmd, startedAt: time.Now().UTC()}
	d.mu.Lock()
	d.processes[workerID] = p
	d.mu.Unlock()

	go func() {
		_ = cmd.Wait()
	}()

	if d.mtr != nil {
		d.mtr.WorkersRunning.WithLabelValues(pool).Set(float64(d.WorkerCount(pool)))
	}
	d.bus.Emit(ctx, "worker.started", map[string]any{"worker_id": workerID, "pool": pool, "pid": p.PID()}, "worker-service")
	return workerID, nil
}

// StopWorker terminates a single worker process: SIGTERM, then a bounded
// wait, then SIGKILL if it hasn't exited. A worker id this dispatcher
// didn't spawn (e.g. already reaped) is a no-op, not an error.
func (d *Dispatcher) StopWorker(workerID string) error {
	d.mu.Lock()
	p, ok := d.processes[workerID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	if p.Alive() {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && p.Alive() {
			time.Sleep(100 * time.Millisecond)
		}
		if p.Alive() {
			_ = p.cmd.Process.Kill()
		}
	}

	d.mu.Lock()
	delete(d.processes, workerID)
	d.mu.Unlock()

	if d.mtr != nil {
		d.mtr.WorkersRunning.WithLabelValues(p.pool).Set(float64(d.WorkerCount(p.pool)))
	}
	d.bus.Emit(context.Background(), "worker.stopped", map[string]any{"worker_id": workerID, "pool": p.pool}, "worker-service")
	return nil
}

// StopAllWorkers terminates every tracked worker process, optionally
// restricted to one pool, and reports how many were stopped.
func (d *Dispatcher) StopAllWorkers(pool string) int {
	ids := d.workersForPool(pool)
	for _, id := range ids {
		_ = d.StopWorker(id)
	}
	return len(ids)
}

// Shutdown stops every worker process, bounded by cfg.ShutdownTimeout. It
// does not close the substrate connection.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.processes))
	for id := range d.processes {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, id := range ids {
			_ = d.StopWorker(id)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownTimeout):
		d.log.Warn("shutdown: timed out waiting for workers to stop, forcing")
		d.mu.Lock()
		for _, p := range d.processes {
			if p.Alive() {
				_ = p.cmd.Process.Kill()
			}
		}
		d.processes = make(map[string]*process)
		d.mu.Unlock()
	}
}

// WorkerCount returns the number of currently alive processes for pool,
// cleaning up dead entries first.
func (d *Dispatcher) WorkerCount(pool string) int {
	return len(d.workersForPool(pool))
}

// workersForPool returns the live worker ids for pool, pruning dead
// processes from the table as a side effect — mirroring the source
// service's cleanup-on-read pattern rather than running a separate reaper.
func (d *Dispatcher) workersForPool(pool string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []string
	for id, p := range d.processes {
		if pool != "" && p.pool != pool {
			continue
		}
		if !p.Alive() {
			delete(d.processes, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// TargetCount returns the last target Scale set for pool (0 if never
// scaled explicitly).
func (d *Dispatcher) TargetCount(pool string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targetCounts[pool]
}

type logWriter struct {
	log      interface{ Info(string, ...interface{}) }
	workerID string
	isErr    bool
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Info("worker output", "worker_id", w.workerID, "stderr", w.isErr, "line", string(p))
	return len(p), nil
}
