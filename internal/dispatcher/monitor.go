package dispatcher

import (
	"context"
	"time"
)

// MonitorInterval is how often RunMonitor sweeps the registry for dead
// workers, matching the heartbeat cadence closely enough that a dead
// worker doesn't linger in pool aggregates for long.
const MonitorInterval = 30 * time.Second

// RunMonitor periodically cleans up registry entries whose heartbeat has
// gone stale past registry.DeadThreshold, for every configured pool. It
// blocks until ctx is cancelled, intended to run as a background goroutine
// alongside the Host's other subsystems. A dispatcher running in degraded
// mode (no substrate) has nothing to clean and returns immediately.
func (d *Dispatcher) RunMonitor(ctx context.Context) {
	if d.registry == nil {
		return
	}

	ticker := time.NewTicker(MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepDeadWorkers(ctx)
		}
	}
}

func (d *Dispatcher) sweepDeadWorkers(ctx context.Context) {
	for _, pool := range d.poolNames() {
		removed, err := d.registry.CleanupDead(ctx, pool)
		if err != nil {
			d.log.Warn("monitor: cleanup dead workers failed", "pool", pool, "error", err)
			continue
		}
		if len(removed) > 0 {
			d.log.Info("monitor: pruned dead workers", "pool", pool, "worker_ids", removed)
		}

		if d.mtr != nil {
			if depth, err := d.store.QueueDepth(ctx, pool); err == nil {
				d.mtr.QueueDepth.WithLabelValues(pool).Set(float64(depth))
			}
			d.mtr.WorkersRunning.WithLabelValues(pool).Set(float64(d.WorkerCount(pool)))
		}
	}
}
