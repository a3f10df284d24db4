// Package pipeline is the document ingestion Pipeline Coordinator: a linear
// stage machine running Ingest, OCR, Parse, and Embed stages over a shared
// context map, aborting on the first validation or processing failure and
// merging each stage's output forward into the next.
package pipeline

import "time"

// StageStatus is the outcome of running one Stage.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// StageResult records what happened when a Stage ran.
type StageResult struct {
	StageName   string
	Status      StageStatus
	Output      map[string]any
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Success reports whether the stage completed normally.
func (r StageResult) Success() bool { return r.Status == StatusCompleted }

// Duration is how long the stage took to run.
func (r StageResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Context is the shared, mutable state threaded through every stage. Each
// stage reads from it and may merge new keys into it via its Process
// output.
type Context map[string]any

// Copy returns a shallow copy of c. The coordinator copies the caller's
// context once per Run, so the caller's original map is never mutated; the
// stages of that run share the copy.
func (c Context) Copy() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Stage is one step of the pipeline. Implementations are grouped by
// document-intelligence concern (ingest, OCR, parse, embed) but the
// coordinator treats them uniformly through this interface.
type Stage interface {
	Name() string

	// Validate reports whether ctx has what this stage needs to run. A
	// false result aborts the pipeline at this stage without running
	// Process.
	Validate(ctx Context) bool

	// ShouldSkip reports whether this stage should be bypassed entirely
	// for the given context (e.g. OCR skipped for a document that already
	// carries extracted text). A skipped stage does not abort the
	// pipeline; execution continues with the next stage.
	ShouldSkip(ctx Context) bool

	// Process performs the stage's work and returns the StageResult to
	// record. On success, Output is merged into the shared context before
	// the next stage runs.
	Process(ctx Context) StageResult

	// OnError is called with the failure, after Process returns an
	// unsuccessful result or Validate returns false. Implementations may
	// use it for cleanup; it does not change pipeline control flow.
	OnError(err string, ctx Context)
}

// BaseStage supplies the default ShouldSkip (never) and OnError (no-op) so
// concrete stages only need to implement Validate and Process, mirroring
// the base class most stages in the source pipeline left untouched.
type BaseStage struct {
	StageName string
}

func (b BaseStage) Name() string                 { return b.StageName }
func (b BaseStage) ShouldSkip(ctx Context) bool   { return false }
func (b BaseStage) OnError(err string, ctx Context) {}
