package dispatcher

import (
	"context"

	"github.com/arkham/core/internal/jobrt"
)

// PoolStats summarizes one pool's current load.
type PoolStats struct {
	Pool       string
	MaxWorkers int
	Pending    int64
	Active     int
	Completed  int
	Failed     int
	Workers    int
	Target     int
}

// PoolStats returns load statistics for a single pool.
func (d *Dispatcher) PoolStats(ctx context.Context, pool string) (*PoolStats, error) {
	poolCfg, ok := d.poolConfig(pool)
	if !ok {
		return nil, ErrUnknownPool(pool)
	}

	var pending int64
	if d.store != nil {
		n, err := d.store.QueueDepth(ctx, pool)
		if err == nil {
			pending = n
			if d.mtr != nil {
				d.mtr.QueueDepth.WithLabelValues(pool).Set(float64(n))
			}
		}
	}

	var active, completed, failed int
	d.mu.Lock()
	for _, job := range d.jobs {
		if job.Pool != pool {
			continue
		}
		switch job.Status {
		case jobrt.StatusActive:
			active++
		case jobrt.StatusCompleted:
			completed++
		case jobrt.StatusFailed:
			failed++
		}
	}
	d.mu.Unlock()

	return &PoolStats{
		Pool:       pool,
		MaxWorkers: poolCfg.MaxWorkers,
		Pending:    pending,
		Active:     active,
		Completed:  completed,
		Failed:     failed,
		Workers:    d.WorkerCount(pool),
		Target:     d.TargetCount(pool),
	}, nil
}

// QueueStats returns PoolStats for every known pool.
func (d *Dispatcher) QueueStats(ctx context.Context) map[string]*PoolStats {
	pools := d.poolNames()
	out := make(map[string]*PoolStats, len(pools))
	for _, pool := range pools {
		stats, err := d.PoolStats(ctx, pool)
		if err != nil {
			continue
		}
		out[pool] = stats
	}
	return out
}

// PoolInfo combines a pool's static configuration with its current counts.
type PoolInfo struct {
	jobrt.PoolConfig
	CurrentCount int
	TargetCount  int
}

// PoolInfo lists the static configuration and live counts for every pool.
func (d *Dispatcher) PoolInfo() []PoolInfo {
	var out []PoolInfo
	for _, name := range d.poolNames() {
		cfg, ok := d.poolConfig(name)
		if !ok {
			continue
		}
		out = append(out, PoolInfo{
			PoolConfig:   cfg,
			CurrentCount: d.WorkerCount(name),
			TargetCount:  d.TargetCount(name),
		})
	}
	return out
}

// ErrUnknownPool wraps jobrt.ErrUnknownPool with the offending pool name.
func ErrUnknownPool(pool string) error {
	return &unknownPoolError{pool: pool}
}

type unknownPoolError struct{ pool string }

func (e *unknownPoolError) Error() string {
	return "dispatcher: unknown pool: " + e.pool
}

func (e *unknownPoolError) Unwrap() error {
	return jobrt.ErrUnknownPool
}
