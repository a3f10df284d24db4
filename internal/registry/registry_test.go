package registry

import (
	"testing"
	"time"

	"github.com/arkham/core/internal/substrate"
)

type fakeHandle struct {
	alive bool
	pid   int
}

func (f fakeHandle) Alive() bool { return f.alive }
func (f fakeHandle) PID() int    { return f.pid }

func TestDescribeFromRecordClassifiesByHeartbeatAge(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name       string
		age        time.Duration
		wantAlive  bool
		wantStuck  bool
		wantDead   bool
	}{
		{"fresh", 5 * time.Second, true, false, false},
		{"stuck", 45 * time.Second, false, true, false},
		{"dead", 90 * time.Second, false, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &substrate.WorkerRecord{
				WorkerID:      "io-file-abc",
				Pool:          "io-file",
				State:         "processing",
				StartedAt:     now.Add(-time.Hour),
				LastHeartbeat: now.Add(-tc.age),
			}
			entry := describeFromRecord(rec, fakeHandle{alive: true, pid: 42})

			if entry.IsAlive != tc.wantAlive {
				t.Fatalf("IsAlive = %v, want %v", entry.IsAlive, tc.wantAlive)
			}
			if entry.IsStuck != tc.wantStuck {
				t.Fatalf("IsStuck = %v, want %v", entry.IsStuck, tc.wantStuck)
			}
			if entry.IsDead != tc.wantDead {
				t.Fatalf("IsDead = %v, want %v", entry.IsDead, tc.wantDead)
			}
			if entry.PID != 42 || !entry.ProcessAlive {
				t.Fatalf("expected handle's pid/liveness to win over the record's own pid")
			}
		})
	}
}

func TestDescribeFromRecordWithoutHandleFallsBackToRecordPID(t *testing.T) {
	rec := &substrate.WorkerRecord{
		WorkerID:      "io-file-xyz",
		PID:           7,
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
	}
	entry := describeFromRecord(rec, nil)

	if entry.PID != 7 {
		t.Fatalf("expected record pid 7, got %d", entry.PID)
	}
	if entry.ProcessAlive {
		t.Fatal("expected ProcessAlive false with no handle")
	}
	if !entry.IsAlive {
		t.Fatal("expected a just-heartbeated worker to be alive")
	}
}

func TestPoolAggregateCountsByStateAndLiveness(t *testing.T) {
	entries := []Entry{
		{State: "idle", IsAlive: true, JobsCompleted: 3},
		{State: "processing", IsAlive: true, JobsCompleted: 1, JobsFailed: 1},
		{State: "processing", IsStuck: true},
		{State: "idle", IsDead: true, JobsFailed: 2},
	}

	agg := &PoolAggregate{Pool: "io-file"}
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

	if agg.Total != 4 || agg.Alive != 2 || agg.Stuck != 1 {
		t.Fatalf("unexpected aggregate counts: %+v", agg)
	}
	if agg.Idle != 2 || agg.Processing != 2 {
		t.Fatalf("unexpected state counts: %+v", agg)
	}
	if agg.Completed != 4 || agg.Failed != 3 {
		t.Fatalf("unexpected completed/failed sums: %+v", agg)
	}
}
