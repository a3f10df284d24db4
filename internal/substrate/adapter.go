package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkham/core/internal/jobrt"
	"github.com/arkham/core/internal/platform/logger"
)

// Adapter is the sole point of contact with Redis. It is constructed once
// by the Host or by a worker process and handed down to whichever component
// needs it (Dispatcher, Worker Runtime, Registry).
type Adapter struct {
	log    *logger.Logger
	client *redis.Client
}

// New dials addr (a redis:// URL) and pings it once so construction fails
// fast on a bad connection, the same contract the teacher's SSE bus applies
// to its own Redis client.
func New(ctx context.Context, log *logger.Logger, addr string) (*Adapter, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("substrate: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("substrate: ping redis: %w", err)
	}

	return &Adapter{log: log, client: client}, nil
}

// Close releases the underlying Redis connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Ping reports whether Redis is currently reachable. The Host's /healthz
// route uses it; the startup check is the ping inside New.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// PushJob adds jobID to pool's priority queue at priority, and writes the
// job's hash record. Lower priority values pop first (ZPOPMIN).
func (a *Adapter) PushJob(ctx context.Context, job *jobrt.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("substrate: marshal payload: %w", err)
	}

	pipe := a.client.TxPipeline()
	pipe.ZAdd(ctx, queueKey(job.Pool), redis.Z{Score: float64(job.Priority), Member: job.ID})
	pipe.HSet(ctx, jobKey(job.ID), map[string]any{
		"pool":       job.Pool,
		"payload":    string(payload),
		"priority":   job.Priority,
		"status":     string(StatusOrPending(job.Status)),
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("substrate: push job: %w", err)
	}
	return nil
}

// StatusOrPending returns s, defaulting to StatusPending for the zero
// value, so callers constructing a fresh Job don't need to set Status
// themselves.
func StatusOrPending(s jobrt.Status) jobrt.Status {
	if s == "" {
		return jobrt.StatusPending
	}
	return s
}

// PopJob removes and returns the job with the lowest priority value (the
// most urgent) queued for pool, or
// nil if the queue is empty. The job's hash record is updated to active,
// stamped with workerID and a started_at timestamp, before it is returned,
// matching the exact sequencing the worker runtime and the dispatcher both
// rely on: by the time a caller sees the job, Redis already reflects it as
// claimed by exactly one worker.
func (a *Adapter) PopJob(ctx context.Context, pool, workerID string) (*jobrt.Job, error) {
	res, err := a.client.ZPopMin(ctx, queueKey(pool), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("substrate: pop job: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	jobID, ok := res[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("substrate: pop job: unexpected member type for pool %s", pool)
	}

	data, err := a.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("substrate: load job %s: %w", jobID, err)
	}
	if len(data) == 0 {
		if a.log != nil {
			a.log.Warn("popped job has no hash record", "job_id", jobID, "pool", pool)
		}
		return nil, nil
	}

	job, err := decodeJob(jobID, data)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.Status = jobrt.StatusActive
	job.StartedAt = &now
	job.WorkerID = workerID
	if err := a.client.HSet(ctx, jobKey(jobID), map[string]any{
		"status":     string(jobrt.StatusActive),
		"started_at": now.Format(time.RFC3339Nano),
		"worker_id":  workerID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("substrate: mark job active: %w", err)
	}

	return job, nil
}

func decodeJob(jobID string, data map[string]string) (*jobrt.Job, error) {
	var payload map[string]any
	if raw := data["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("substrate: decode payload for %s: %w", jobID, err)
		}
	}
	var result map[string]any
	if raw := data["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("substrate: decode result for %s: %w", jobID, err)
		}
	}
	priority, _ := strconv.Atoi(data["priority"])
	createdAt, _ := time.Parse(time.RFC3339Nano, data["created_at"])
	retryCount, _ := strconv.Atoi(data["retry_count"])
	errMsg := data["error"]
	if errMsg == "" {
		errMsg = data["last_error"]
	}

	job := &jobrt.Job{
		ID:         jobID,
		Pool:       data["pool"],
		Payload:    payload,
		Priority:   priority,
		Status:     jobrt.Status(data["status"]),
		CreatedAt:  createdAt,
		RetryCount: retryCount,
		Result:     result,
		Error:      errMsg,
		WorkerID:   data["worker_id"],
	}
	if raw := data["started_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			job.StartedAt = &t
		}
	}
	if raw := data["completed_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			job.CompletedAt = &t
		}
	}
	return job, nil
}

// GetJob loads a job's hash record directly, without claiming it from a
// queue. Returns jobrt.ErrJobNotFound if no such record exists.
func (a *Adapter) GetJob(ctx context.Context, jobID string) (*jobrt.Job, error) {
	data, err := a.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("substrate: get job %s: %w", jobID, err)
	}
	if len(data) == 0 {
		return nil, jobrt.ErrJobNotFound
	}
	return decodeJob(jobID, data)
}

// CompleteJob marks a job's hash record completed with result.
func (a *Adapter) CompleteJob(ctx context.Context, jobID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("substrate: marshal result: %w", err)
	}
	return a.client.HSet(ctx, jobKey(jobID), map[string]any{
		"status":       string(jobrt.StatusCompleted),
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
		"result":       string(resultJSON),
	}).Err()
}

// FailJob records a terminal failure: status failed, completed_at, the
// error, and a push onto the pool's dead letter list. When requeue is true
// it writes nothing at all — retry re-enqueueing is RequeueJob's job, kept
// separate so the decision of whether a retry is still allowed stays with
// the runtime, which owns max_retries.
func (a *Adapter) FailJob(ctx context.Context, jobID string, errMsg string, requeue bool) error {
	if requeue {
		return nil
	}
	if err := a.client.HSet(ctx, jobKey(jobID), map[string]any{
		"status":       string(jobrt.StatusFailed),
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
		"error":        errMsg,
	}).Err(); err != nil {
		return fmt.Errorf("substrate: fail job: %w", err)
	}
	job, err := a.GetJob(ctx, jobID)
	if err != nil {
		return nil
	}
	return a.client.LPush(ctx, deadLetterKey(job.Pool), jobID).Err()
}

// RequeueJob puts a failed job's id back on pool's queue at a degraded
// priority (10 plus its new retry count, whatever its original priority),
// and records the bumped retry_count and last error on the hash. This is
// the path the worker runtime takes when a handler errors and retries
// remain.
func (a *Adapter) RequeueJob(ctx context.Context, job *jobrt.Job, errMsg string) error {
	retryCount := job.RetryCount + 1
	priority := 10 + retryCount

	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]any{
		"status":      string(jobrt.StatusPending),
		"retry_count": retryCount,
		"last_error":  errMsg,
	})
	pipe.ZAdd(ctx, queueKey(job.Pool), redis.Z{Score: float64(priority), Member: job.ID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("substrate: requeue job: %w", err)
	}
	return nil
}

// RemoveFromQueue removes jobID from pool's priority queue without
// touching its hash record, used when cancelling a still-pending job.
func (a *Adapter) RemoveFromQueue(ctx context.Context, pool, jobID string) error {
	return a.client.ZRem(ctx, queueKey(pool), jobID).Err()
}

// SetJobFields merges the given fields into a job's hash record.
func (a *Adapter) SetJobFields(ctx context.Context, jobID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return a.client.HSet(ctx, jobKey(jobID), fields).Err()
}

// QueueDepth returns the number of jobs currently queued (not yet claimed)
// for pool.
func (a *Adapter) QueueDepth(ctx context.Context, pool string) (int64, error) {
	return a.client.ZCard(ctx, queueKey(pool)).Result()
}

// ClearQueue deletes pool's entire priority queue in one stroke and reports
// how many entries it held.
func (a *Adapter) ClearQueue(ctx context.Context, pool string) (int64, error) {
	count, err := a.client.ZCard(ctx, queueKey(pool)).Result()
	if err != nil {
		return 0, fmt.Errorf("substrate: clear queue count: %w", err)
	}
	if err := a.client.Del(ctx, queueKey(pool)).Err(); err != nil {
		return 0, fmt.Errorf("substrate: clear queue: %w", err)
	}
	return count, nil
}

// RegisterWorker writes a worker's registry hash and adds it to its pool's
// member set, with a TTL so a worker that dies without deregistering is
// eventually forgotten rather than haunting the registry forever.
func (a *Adapter) RegisterWorker(ctx context.Context, workerID, pool string, pid int) error {
	key := workerKey(workerID)
	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"pool":       pool,
		"state":      "starting",
		"started_at": time.Now().UTC().Format(time.RFC3339Nano),
		"pid":        pid,
	})
	pipe.Expire(ctx, key, workerRegistryTTL*time.Second)
	pipe.SAdd(ctx, poolWorkersKey(pool), workerID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("substrate: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker's registry hash and its pool membership.
func (a *Adapter) DeregisterWorker(ctx context.Context, workerID, pool string) error {
	pipe := a.client.TxPipeline()
	pipe.Del(ctx, workerKey(workerID))
	pipe.SRem(ctx, poolWorkersKey(pool), workerID)
	_, err := pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes a worker's registry hash and resets its TTL, keeping
// it alive in the registry as long as heartbeats keep arriving.
func (a *Adapter) Heartbeat(ctx context.Context, workerID string, fields map[string]any) error {
	key := workerKey(workerID)
	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, workerRegistryTTL*time.Second)
	_, err := pipe.Exec(ctx)
	return err
}

// WorkerRecord is a worker's registry hash, decoded.
type WorkerRecord struct {
	WorkerID      string
	Pool          string
	State         string
	StartedAt     time.Time
	LastHeartbeat time.Time
	PID           int
	JobsCompleted int
	JobsFailed    int
	CurrentJobID  string
}

// GetWorker loads a single worker's registry hash. Returns
// jobrt.ErrWorkerNotFound if it has expired or was never registered.
func (a *Adapter) GetWorker(ctx context.Context, workerID string) (*WorkerRecord, error) {
	data, err := a.client.HGetAll(ctx, workerKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("substrate: get worker: %w", err)
	}
	if len(data) == 0 {
		return nil, jobrt.ErrWorkerNotFound
	}
	pid, _ := strconv.Atoi(data["pid"])
	startedAt, _ := time.Parse(time.RFC3339Nano, data["started_at"])
	completed, _ := strconv.Atoi(data["jobs_completed"])
	failed, _ := strconv.Atoi(data["jobs_failed"])

	// last_heartbeat is written as a Unix timestamp by Worker.heartbeat;
	// fall back to started_at for a worker that hasn't heartbeated yet.
	lastHeartbeat := startedAt
	if raw, ok := data["last_heartbeat"]; ok {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastHeartbeat = time.Unix(secs, 0).UTC()
		}
	}

	return &WorkerRecord{
		WorkerID:      workerID,
		Pool:          data["pool"],
		State:         data["state"],
		StartedAt:     startedAt,
		LastHeartbeat: lastHeartbeat,
		PID:           pid,
		JobsCompleted: completed,
		JobsFailed:    failed,
		CurrentJobID:  data["current_job"],
	}, nil
}

// ScanPoolWorkers returns the worker ids currently registered to pool.
// Membership in the set does not by itself guarantee the worker's hash
// record is still present — a crashed worker's hash can expire before its
// set entry is cleaned up, so callers should treat a GetWorker miss for a
// scanned id as "already gone" rather than an error.
func (a *Adapter) ScanPoolWorkers(ctx context.Context, pool string) ([]string, error) {
	return a.client.SMembers(ctx, poolWorkersKey(pool)).Result()
}

// Publish broadcasts a JSON-encoded event on the shared events channel so
// every process subscribed via Subscribe receives it, including processes
// other than the one that published it.
func (a *Adapter) Publish(ctx context.Context, eventType string, data map[string]any) error {
	envelope := map[string]any{"event": eventType}
	for k, v := range data {
		envelope[k] = v
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("substrate: marshal event: %w", err)
	}
	return a.client.Publish(ctx, eventsChannel, raw).Err()
}

// Subscribe starts a goroutine forwarding every message on the events
// channel to onMessage until ctx is cancelled. It mirrors the connect-and-
// forward shape the teacher's SSE bus uses for its own Redis subscription,
// generalized to JSON event envelopes instead of opaque SSE frames.
func (a *Adapter) Subscribe(ctx context.Context, onMessage func(raw []byte)) {
	pubsub := a.client.Subscribe(ctx, eventsChannel)
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				onMessage([]byte(msg.Payload))
			}
		}
	}()
}
