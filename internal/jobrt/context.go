package jobrt

import (
	"context"
	"time"

	"github.com/arkham/core/internal/platform/logger"
)

// Substrate is the subset of the queue substrate a running handler needs in
// order to report progress, complete, or fail. It is satisfied by
// *substrate.Adapter; declared here so jobrt does not import substrate and
// create a cycle.
type Substrate interface {
	CompleteJob(ctx context.Context, jobID string, result map[string]any) error
	FailJob(ctx context.Context, jobID string, errMsg string, requeue bool) error
}

// RunContext is handed to a Handler for the duration of one job. It wraps
// the job's payload and gives the handler a narrow, safe surface for
// reporting outcomes instead of touching the substrate directly.
type RunContext struct {
	Ctx context.Context
	Log *logger.Logger

	Job   *Job
	store Substrate

	succeeded bool
	failed    bool
}

// NewRunContext builds a RunContext for job, bound to store for outcome
// reporting.
func NewRunContext(ctx context.Context, log *logger.Logger, job *Job, store Substrate) *RunContext {
	return &RunContext{Ctx: ctx, Log: log, Job: job, store: store}
}

// Payload returns the job payload, never nil.
func (c *RunContext) Payload() map[string]any {
	if c.Job.Payload == nil {
		return map[string]any{}
	}
	return c.Job.Payload
}

// PayloadString returns payload[key] as a string, or "" if absent or of a
// different type.
func (c *RunContext) PayloadString(key string) string {
	v, ok := c.Payload()[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Succeed marks the job completed with result. It is idempotent with Fail:
// whichever is called first wins, and later calls are no-ops, mirroring the
// guard the source runtime applies so a cancelled or already-terminal job
// is never overwritten by a handler that keeps running past its deadline.
func (c *RunContext) Succeed(result map[string]any) error {
	if c.succeeded || c.failed {
		return nil
	}
	c.succeeded = true
	now := time.Now().UTC()
	c.Job.Status = StatusCompleted
	c.Job.CompletedAt = &now
	c.Job.Result = result
	return c.store.CompleteJob(c.Ctx, c.Job.ID, result)
}

// Fail marks the job failed with err. With requeue false the substrate
// records the terminal failure and dead-letters the job. With requeue true
// nothing is written to the substrate and the job is not re-enqueued here;
// re-enqueueing happens only in the worker runtime, for a handler that
// returns an error while retries remain.
func (c *RunContext) Fail(errMsg string, requeue bool) error {
	if c.succeeded || c.failed {
		return nil
	}
	c.failed = true
	now := time.Now().UTC()
	c.Job.Status = StatusFailed
	c.Job.CompletedAt = &now
	c.Job.Error = errMsg
	return c.store.FailJob(c.Ctx, c.Job.ID, errMsg, requeue)
}

// Done reports whether Succeed or Fail has already been called.
func (c *RunContext) Done() bool {
	return c.succeeded || c.failed
}
