package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/arkham/core/internal/jobrt"
)

// TestStartWorkerRequiresRegisteredHandler is the HandlerMissing taxonomy
// entry from the specification's error handling design: start_worker
// returns a failure result rather than raising when no handler has been
// registered for the pool.
func TestStartWorkerRequiresRegisteredHandler(t *testing.T) {
	d, _, _ := newTestDispatcher(t, true)

	_, err := d.StartWorker(context.Background(), "cpu-heavy")
	if !errors.Is(err, jobrt.ErrHandlerMissing) {
		t.Fatalf("expected ErrHandlerMissing, got %v", err)
	}

	if err := d.RegisterHandler("cpu-heavy"); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if _, err := d.StartWorker(context.Background(), "cpu-heavy"); err != nil {
		t.Fatalf("StartWorker after registration: %v", err)
	}
	if got := d.WorkerCount("cpu-heavy"); got != 1 {
		t.Fatalf("expected 1 worker after StartWorker, got %d", got)
	}
}

// TestScaleClipsToPoolMax is testable property 6: get_worker_count(pool) is
// bounded by min(requested, pool.max_workers).
func TestScaleClipsToPoolMax(t *testing.T) {
	d, _, _ := newTestDispatcher(t, true)
	ctx := context.Background()

	if err := d.RegisterHandler("cpu-archive"); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	result, err := d.Scale(ctx, "cpu-archive", 50) // pool max is 2
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if result.TargetCount != 2 {
		t.Fatalf("expected target clipped to pool max 2, got %d", result.TargetCount)
	}
	if got := d.WorkerCount("cpu-archive"); got != 2 {
		t.Fatalf("expected 2 live workers, got %d", got)
	}

	down, err := d.Scale(ctx, "cpu-archive", 0)
	if err != nil {
		t.Fatalf("Scale down: %v", err)
	}
	if down.CurrentCount != 0 {
		t.Fatalf("expected 0 live workers after scaling to 0, got %d", down.CurrentCount)
	}
}

func TestScaleRejectsUnknownPool(t *testing.T) {
	d, _, _ := newTestDispatcher(t, true)
	if _, err := d.Scale(context.Background(), "not-a-real-pool", 1); !errors.Is(err, jobrt.ErrUnknownPool) {
		t.Fatalf("expected ErrUnknownPool, got %v", err)
	}
}
