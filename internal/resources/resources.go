// Package resources reports host CPU and memory utilization so the Host
// can decide whether capacity exists to scale a pool up further.
package resources

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time read of host resource usage.
type Snapshot struct {
	CPUPercent float64
	RAMPercent float64
	IsBusy     bool
}

// busyThreshold marks the host as busy once either CPU or RAM crosses it,
// the same cutoff the reference worker's hardware monitor used to decide
// whether it had headroom to accept more work.
const busyThreshold = 85.0

// Detector samples host resource usage on demand.
type Detector struct {
	sampleWindow time.Duration
}

// New returns a Detector that samples CPU over the given window (a zero
// window defaults to 500ms, long enough for gopsutil to compute a
// meaningful percentage without stalling a status check).
func New(sampleWindow time.Duration) *Detector {
	if sampleWindow <= 0 {
		sampleWindow = 500 * time.Millisecond
	}
	return &Detector{sampleWindow: sampleWindow}
}

// Sample returns current CPU and RAM utilization.
func (d *Detector) Sample(ctx context.Context) (Snapshot, error) {
	percents, err := cpu.PercentWithContext(ctx, d.sampleWindow, false)
	if err != nil {
		return Snapshot{}, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{CPUPercent: cpuPct, RAMPercent: vm.UsedPercent}
	snap.IsBusy = snap.CPUPercent >= busyThreshold || snap.RAMPercent >= busyThreshold
	return snap, nil
}
