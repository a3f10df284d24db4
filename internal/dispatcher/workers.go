package dispatcher

import (
	"context"

	"github.com/arkham/core/internal/registry"
)

// WorkerSummary describes one live worker for API/status consumers.
type WorkerSummary struct {
	WorkerID      string
	Pool          string
	PID           int
	UptimeSeconds float64
	Alive         bool
}

// Workers returns a summary of every worker the substrate registry lists,
// optionally restricted to one pool, with Alive taken from the registry's
// heartbeat classification. Without a registry it reports the locally
// spawned processes instead.
func (d *Dispatcher) Workers(ctx context.Context, pool string) []WorkerSummary {
	if d.registry == nil {
		return d.localWorkerSummaries(pool)
	}

	handles := make(map[string]registry.ProcessHandle)
	d.mu.Lock()
	for id, p := range d.processes {
		if pool != "" && p.pool != pool {
			continue
		}
		handles[id] = p
	}
	d.mu.Unlock()

	pools := []string{pool}
	if pool == "" {
		pools = d.poolNames()
	}

	var out []WorkerSummary
	for _, p := range pools {
		entries, err := d.registry.ListPool(ctx, p, handles)
		if err != nil {
			continue
		}
		for _, e := range entries {
			out = append(out, WorkerSummary{
				WorkerID:      e.WorkerID,
				Pool:          e.Pool,
				PID:           e.PID,
				UptimeSeconds: e.UptimeSeconds,
				Alive:         e.IsAlive,
			})
		}
	}
	return out
}

// localWorkerSummaries is the degraded-mode fallback: no substrate
// registry to reconcile against, so report purely from the local process
// table.
func (d *Dispatcher) localWorkerSummaries(pool string) []WorkerSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []WorkerSummary
	for _, p := range d.processes {
		if pool != "" && p.pool != pool {
			continue
		}
		out = append(out, WorkerSummary{
			WorkerID:      p.workerID,
			Pool:          p.pool,
			PID:           p.PID(),
			UptimeSeconds: 0,
			Alive:         p.Alive(),
		})
	}
	return out
}
