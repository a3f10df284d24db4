package jobrt

import (
	"errors"
	"testing"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc{PoolName: "io-file", Fn: func(ctx *RunContext) error { return nil }}

	if err := r.Register(h); err != nil {
		t.Fatalf("unexpected error registering handler: %v", err)
	}

	got, err := r.Get("io-file")
	if err != nil {
		t.Fatalf("unexpected error getting handler: %v", err)
	}
	if got.Pool() != "io-file" {
		t.Fatalf("expected pool io-file, got %s", got.Pool())
	}
}

func TestRegisterDuplicatePoolFails(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc{PoolName: "io-file"}

	if err := r.Register(h); err != nil {
		t.Fatalf("unexpected error on first register: %v", err)
	}
	err := r.Register(h)
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
}

func TestGetMissingPoolFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nonexistent")
	if !errors.Is(err, ErrHandlerMissing) {
		t.Fatalf("expected ErrHandlerMissing, got %v", err)
	}
}

func TestDefaultPoolsContainsExpectedPool(t *testing.T) {
	pools := DefaultPools()
	cpuHeavy, ok := pools["cpu-heavy"]
	if !ok {
		t.Fatal("expected cpu-heavy pool to be defined")
	}
	if cpuHeavy.MaxWorkers != 6 {
		t.Fatalf("expected cpu-heavy max_workers 6, got %d", cpuHeavy.MaxWorkers)
	}

	gpuEmbed, ok := pools["gpu-embed"]
	if !ok {
		t.Fatal("expected gpu-embed pool to be defined")
	}
	if gpuEmbed.VRAMMb != 2000 {
		t.Fatalf("expected gpu-embed vram_mb 2000, got %d", gpuEmbed.VRAMMb)
	}
}
