package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arkham/core/internal/jobrt"
	"github.com/arkham/core/internal/platform/logger"
	"github.com/arkham/core/internal/substrate"
)

// Config tunes one Worker's polling and timeout behavior. Zero values are
// replaced by the defaults below, matching the source runtime's
// class-level defaults that every pool shared unless overridden.
type Config struct {
	Pool              string
	WorkerID          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	JobTimeout        time.Duration
	MaxRetries        int
	// ShutdownGrace bounds how long Run waits for an in-flight job to
	// finish on its own once shutdown is requested, before giving up and
	// requeuing it. Matches the Dispatcher's own shutdown timeout (§5).
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 300 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Worker claims jobs for a single pool from the substrate, dispatches them
// to the pool's registered Handler, and reports completion or failure. One
// Worker owns exactly one OS process — the Dispatcher spawns one such
// process per logical worker slot.
type Worker struct {
	cfg     Config
	store   *substrate.Adapter
	handler jobrt.Handler
	log     *logger.Logger

	mu          sync.Mutex
	state       State
	metrics     Metrics
	currentJob  *jobrt.Job
	jobStarted  time.Time
}

// New builds a Worker bound to handler for cfg.Pool. If cfg.WorkerID is
// empty, New generates one scoped to the pool name.
func New(cfg Config, store *substrate.Adapter, handler jobrt.Handler, log *logger.Logger) *Worker {
	cfg.applyDefaults()
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("%s-%s", cfg.Pool, randomSuffix())
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		handler: handler,
		log:     log.With("worker_id", cfg.WorkerID, "pool", cfg.Pool),
		state:   StateStarting,
	}
}

// Run is the worker's main loop. It registers with the substrate, then
// alternates between polling for a job and sending heartbeats until either
// it sits idle past IdleTimeout (normal scale-down exit) or ctx is
// cancelled (shutdown requested by the parent process, typically via
// SIGTERM). A job in flight when shutdown is requested gets up to
// ShutdownGrace to finish; if it has not, it is requeued, or failed
// terminally when its retries are exhausted.
func (w *Worker) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	w.setState(StateStarting)
	if err := w.store.RegisterWorker(ctx, w.cfg.WorkerID, w.cfg.Pool, os.Getpid()); err != nil {
		w.setState(StateError)
		return fmt.Errorf("worker: register: %w", err)
	}
	w.setState(StateIdle)
	w.log.Info("worker started")

	defer func() {
		w.shutdown(context.Background())
	}()

	lastHeartbeat := time.Now()
	idleSince := time.Now()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down", "reason", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastHeartbeat) >= w.cfg.HeartbeatInterval {
			if err := w.heartbeat(ctx); err != nil {
				w.log.Warn("heartbeat failed", "error", err)
			}
			lastHeartbeat = time.Now()
		}

		job, err := w.store.PopJob(ctx, w.cfg.Pool, w.cfg.WorkerID)
		if err != nil {
			w.log.Error("dequeue failed", "error", err)
			if !sleepOrDone(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		if job == nil {
			if time.Since(idleSince) >= w.cfg.IdleTimeout {
				w.log.Info("idle timeout reached, exiting")
				return nil
			}
			if !sleepOrDone(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		idleSince = time.Now()
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *jobrt.Job) {
	w.mu.Lock()
	w.state = StateProcessing
	w.currentJob = job
	w.jobStarted = time.Now()
	w.mu.Unlock()

	// jobCtx is deliberately rooted in context.Background(), not ctx: a
	// shutdown signal must not masquerade as a job timeout. The two are
	// distinguished below — shutdown gets its own grace period (§5) before
	// it requeues, while jobCtx expiring is a handler fault subject to the
	// normal retry/dead-letter accounting.
	jobCtx, cancel := context.WithTimeout(context.Background(), w.cfg.JobTimeout)
	defer cancel()
	runCtx := jobrt.NewRunContext(jobCtx, w.log, job, w.store)

	done := make(chan error, 1)
	go func() {
		done <- w.runHandlerSafely(runCtx)
	}()

	var runErr error
	var interrupted bool
	select {
	case runErr = <-done:
	case <-jobCtx.Done():
		runErr = fmt.Errorf("job timed out after %s", w.cfg.JobTimeout)
	case <-ctx.Done():
		// Shutdown was requested mid-job. Give the handler up to
		// ShutdownGrace to finish on its own before treating it as an
		// interruption — Scenario G expects an in-flight job that
		// finishes within the grace period to complete normally, not be
		// abandoned the instant the signal arrives.
		grace := time.NewTimer(w.cfg.ShutdownGrace)
		select {
		case runErr = <-done:
			grace.Stop()
		case <-jobCtx.Done():
			grace.Stop()
			runErr = fmt.Errorf("job timed out after %s", w.cfg.JobTimeout)
		case <-grace.C:
			interrupted = true
		}
	}

	elapsed := time.Since(w.jobStarted)

	if interrupted {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.currentJob = nil
		w.state = StateIdle
		// A shutdown interruption counts against the same retry cap as a
		// handler error — a job already out of retries is failed terminally
		// here, not requeued to circle the queue forever.
		const msg = "Worker shutdown while processing"
		if job.RetryCount < w.cfg.MaxRetries {
			if err := w.store.RequeueJob(context.Background(), job, msg); err != nil {
				w.log.Error("failed to requeue interrupted job", "job_id", job.ID, "error", err)
			}
			return
		}
		runCtx.Ctx = context.Background()
		if !runCtx.Done() {
			if err := runCtx.Fail(msg, false); err != nil {
				w.log.Error("failed to record job failure", "job_id", job.ID, "error", err)
			}
		}
		w.publishOutcome("worker.job.failed", job)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentJob = nil
	w.state = StateIdle

	// The handler's own deadline (jobCtx) may already have expired by the
	// time we get here — on the timeout path that's the very reason we're
	// here — so outcome reporting uses a fresh context rather than the
	// handler's, which would make the substrate call fail immediately.
	runCtx.Ctx = context.Background()

	if runErr == nil {
		w.metrics.JobsCompleted++
		w.metrics.TotalProcessingSec += elapsed.Seconds()
		now := time.Now().Unix()
		w.metrics.LastJobAt = &now
		if !runCtx.Done() {
			if err := runCtx.Succeed(map[string]any{}); err != nil {
				w.log.Error("failed to record job success", "job_id", job.ID, "error", err)
			}
		}
		w.publishOutcome("worker.job.completed", job)
		return
	}

	w.metrics.JobsFailed++
	w.metrics.recordError(runErr.Error())

	if job.RetryCount < w.cfg.MaxRetries {
		if err := w.store.RequeueJob(context.Background(), job, runErr.Error()); err != nil {
			w.log.Error("failed to requeue job", "job_id", job.ID, "error", err)
		}
		return
	}

	if !runCtx.Done() {
		if err := runCtx.Fail(runErr.Error(), false); err != nil {
			w.log.Error("failed to record job failure", "job_id", job.ID, "error", err)
		}
	}
	w.publishOutcome("worker.job.failed", job)
}

// publishOutcome broadcasts a job's terminal outcome on the substrate's
// pub/sub channel so the Dispatcher's bridge (running in a different OS
// process) can resolve any enqueue_and_wait call blocked on this job. It
// always uses a fresh background context: the job's own context may already
// be cancelled or expired by the time the outcome is known.
func (w *Worker) publishOutcome(eventType string, job *jobrt.Job) {
	payload := map[string]any{
		"job_id":    job.ID,
		"worker_id": w.cfg.WorkerID,
		"pool":      job.Pool,
	}
	if eventType == "worker.job.completed" {
		payload["result"] = job.Result
	} else {
		payload["error"] = job.Error
	}
	if tid, ok := job.Payload["trace_id"].(string); ok && tid != "" {
		payload["trace_id"] = tid
	}
	if err := w.store.Publish(context.Background(), eventType, payload); err != nil {
		w.log.Warn("failed to publish job outcome", "event", eventType, "job_id", job.ID, "error", err)
	}
}

func (w *Worker) runHandlerSafely(runCtx *jobrt.RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return w.handler.Run(runCtx)
}

func (w *Worker) heartbeat(ctx context.Context) error {
	w.mu.Lock()
	state := w.state
	currentJob := ""
	if w.currentJob != nil {
		currentJob = w.currentJob.ID
	}
	completed := w.metrics.JobsCompleted
	failed := w.metrics.JobsFailed
	w.mu.Unlock()

	now := time.Now().Unix()
	w.mu.Lock()
	w.metrics.LastHeartbeatAt = &now
	w.mu.Unlock()

	return w.store.Heartbeat(ctx, w.cfg.WorkerID, map[string]any{
		"state":           string(state),
		"last_heartbeat":  now,
		"jobs_completed":  completed,
		"jobs_failed":     failed,
		"current_job":     currentJob,
	})
}

// shutdown requeues any job in flight, deregisters from the substrate, and
// marks the worker stopped. It always uses a background context so
// deregistration still happens even if Run's own context was what just got
// cancelled.
func (w *Worker) shutdown(ctx context.Context) {
	w.setState(StateStopping)

	w.mu.Lock()
	job := w.currentJob
	w.mu.Unlock()

	if job != nil {
		const msg = "worker shutdown while processing"
		if job.RetryCount < w.cfg.MaxRetries {
			if err := w.store.RequeueJob(ctx, job, msg); err != nil {
				w.log.Error("failed to requeue in-flight job on shutdown", "job_id", job.ID, "error", err)
			}
		} else {
			job.Status = jobrt.StatusFailed
			job.Error = msg
			if err := w.store.FailJob(ctx, job.ID, msg, false); err != nil {
				w.log.Error("failed to record job failure on shutdown", "job_id", job.ID, "error", err)
			}
			w.publishOutcome("worker.job.failed", job)
		}
	}

	if err := w.store.DeregisterWorker(ctx, w.cfg.WorkerID, w.cfg.Pool); err != nil {
		w.log.Error("deregister failed", "error", err)
	}
	w.setState(StateStopped)
	w.log.Info("worker stopped")
}

// Status is a snapshot of the worker's current state for introspection.
type Status struct {
	WorkerID        string
	Pool            string
	State           State
	CurrentJobID    string
	CurrentJobStart time.Time
	Metrics         Metrics
	PID             int
}

// CurrentStatus returns a snapshot of the worker's state and metrics.
func (w *Worker) CurrentStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	jobID := ""
	if w.currentJob != nil {
		jobID = w.currentJob.ID
	}
	return Status{
		WorkerID:        w.cfg.WorkerID,
		Pool:            w.cfg.Pool,
		State:           w.state,
		CurrentJobID:    jobID,
		CurrentJobStart: w.jobStarted,
		Metrics:         w.metrics,
		PID:             os.Getpid(),
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func randomSuffix() string {
	const alphabet = "0123456789abcdef"
	buf := make([]byte, 8)
	seed := time.Now().UnixNano()
	for i := range buf {
		seed = seed*6364136223846793005 + 1442695040888963407
		buf[i] = alphabet[(seed>>32)&0xf]
	}
	return string(buf)
}
