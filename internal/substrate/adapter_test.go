package substrate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/arkham/core/internal/jobrt"
	"github.com/arkham/core/internal/platform/logger"
)

func newTestAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	a, err := New(context.Background(), log, "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, mr
}

func TestPushJobThenPopJobRoundTrips(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	job := &jobrt.Job{
		ID:        "job-1",
		Pool:      "cpu-light",
		Payload:   map[string]any{"msg": "hi"},
		Priority:  1,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.PushJob(ctx, job); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	popped, err := a.PopJob(ctx, "cpu-light", "test-worker-1")
	if err != nil {
		t.Fatalf("PopJob: %v", err)
	}
	if popped == nil {
		t.Fatal("expected a job, got nil")
	}
	if popped.ID != job.ID {
		t.Fatalf("expected job id %s, got %s", job.ID, popped.ID)
	}
	if popped.Status != jobrt.StatusActive {
		t.Fatalf("expected status active after pop, got %s", popped.Status)
	}
	if popped.Payload["msg"] != "hi" {
		t.Fatalf("payload not round-tripped: %+v", popped.Payload)
	}

	again, err := a.PopJob(ctx, "cpu-light", "test-worker-1")
	if err != nil {
		t.Fatalf("PopJob (empty): %v", err)
	}
	if again != nil {
		t.Fatal("expected nil on empty queue")
	}
}

// TestPopJobRespectsPriorityOrder is testable property 7: a job enqueued
// with priority p1 < p2 is dequeued before a job with priority p2 if both
// are present when the pool is first polled.
func TestPopJobRespectsPriorityOrder(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	low := &jobrt.Job{ID: "low-priority", Pool: "cpu-light", Priority: 5, CreatedAt: time.Now().UTC()}
	high := &jobrt.Job{ID: "high-priority", Pool: "cpu-light", Priority: 1, CreatedAt: time.Now().UTC()}
	if err := a.PushJob(ctx, low); err != nil {
		t.Fatalf("PushJob low: %v", err)
	}
	if err := a.PushJob(ctx, high); err != nil {
		t.Fatalf("PushJob high: %v", err)
	}

	first, err := a.PopJob(ctx, "cpu-light", "test-worker-1")
	if err != nil {
		t.Fatalf("PopJob: %v", err)
	}
	if first.ID != "high-priority" {
		t.Fatalf("expected high-priority job first, got %s", first.ID)
	}

	second, err := a.PopJob(ctx, "cpu-light", "test-worker-1")
	if err != nil {
		t.Fatalf("PopJob: %v", err)
	}
	if second.ID != "low-priority" {
		t.Fatalf("expected low-priority job second, got %s", second.ID)
	}
}

func TestRequeueJobDegradesPriorityAndIncrementsRetryCount(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	job := &jobrt.Job{ID: "job-1", Pool: "cpu-light", Priority: 1, RetryCount: 0, CreatedAt: time.Now().UTC()}
	if err := a.PushJob(ctx, job); err != nil {
		t.Fatalf("PushJob: %v", err)
	}
	popped, err := a.PopJob(ctx, "cpu-light", "test-worker-1")
	if err != nil || popped == nil {
		t.Fatalf("PopJob: %v", err)
	}

	if err := a.RequeueJob(ctx, popped, "handler blew up"); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}

	reloaded, err := a.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloaded.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", reloaded.RetryCount)
	}
	if reloaded.Status != jobrt.StatusPending {
		t.Fatalf("expected status pending after requeue, got %s", reloaded.Status)
	}

	requeued, err := a.PopJob(ctx, "cpu-light", "test-worker-1")
	if err != nil || requeued == nil {
		t.Fatalf("expected requeued job poppable, got err=%v job=%v", err, requeued)
	}
	if requeued.ID != "job-1" {
		t.Fatalf("expected job-1 back on the queue, got %s", requeued.ID)
	}
}

func TestFailJobPushesDeadLetter(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	job := &jobrt.Job{ID: "job-1", Pool: "cpu-light", Priority: 1, CreatedAt: time.Now().UTC()}
	if err := a.PushJob(ctx, job); err != nil {
		t.Fatalf("PushJob: %v", err)
	}
	if _, err := a.PopJob(ctx, "cpu-light", "test-worker-1"); err != nil {
		t.Fatalf("PopJob: %v", err)
	}

	if err := a.FailJob(ctx, "job-1", "exhausted retries", false); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	reloaded, err := a.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloaded.Status != jobrt.StatusFailed {
		t.Fatalf("expected status failed, got %s", reloaded.Status)
	}
}

func TestRegisterWorkerExpiresAfterTTL(t *testing.T) {
	a, mr := newTestAdapter(t)
	ctx := context.Background()

	if err := a.RegisterWorker(ctx, "cpu-light-abc123", "cpu-light", 4242); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	rec, err := a.GetWorker(ctx, "cpu-light-abc123")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if rec.PID != 4242 {
		t.Fatalf("expected pid 4242, got %d", rec.PID)
	}

	ids, err := a.ScanPoolWorkers(ctx, "cpu-light")
	if err != nil {
		t.Fatalf("ScanPoolWorkers: %v", err)
	}
	if len(ids) != 1 || ids[0] != "cpu-light-abc123" {
		t.Fatalf("expected one registered worker, got %v", ids)
	}

	mr.FastForward(workerRegistryTTL*time.Second + time.Second)

	if _, err := a.GetWorker(ctx, "cpu-light-abc123"); err != jobrt.ErrWorkerNotFound {
		t.Fatalf("expected ErrWorkerNotFound after TTL expiry, got %v", err)
	}
}

func TestHeartbeatRefreshesTTL(t *testing.T) {
	a, mr := newTestAdapter(t)
	ctx := context.Background()

	if err := a.RegisterWorker(ctx, "w1", "cpu-light", 1); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	mr.FastForward(100 * time.Second)
	if err := a.Heartbeat(ctx, "w1", map[string]any{"state": "idle", "last_heartbeat": time.Now().Unix()}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	mr.FastForward(100 * time.Second)
	if _, err := a.GetWorker(ctx, "w1"); err != nil {
		t.Fatalf("expected worker still registered after heartbeat refresh, got %v", err)
	}
}

func TestCancelPendingJobRemovesFromQueue(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	job := &jobrt.Job{ID: "job-1", Pool: "cpu-light", Priority: 1, CreatedAt: time.Now().UTC()}
	if err := a.PushJob(ctx, job); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	if err := a.RemoveFromQueue(ctx, "cpu-light", "job-1"); err != nil {
		t.Fatalf("RemoveFromQueue: %v", err)
	}

	depth, err := a.QueueDepth(ctx, "cpu-light")
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected empty queue after cancellation, got depth %d", depth)
	}
}

func TestPublishSubscribeRoundTrips(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	a.Subscribe(ctx, func(raw []byte) { received <- raw })

	// miniredis delivers pub/sub asynchronously; give the subscribe
	// goroutine a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := a.Publish(ctx, "worker.job.completed", map[string]any{"job_id": "job-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case raw := <-received:
		if len(raw) == 0 {
			t.Fatal("expected a non-empty message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
