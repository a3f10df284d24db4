package pipeline

import (
	"fmt"
	"time"
)

// Coordinator runs a fixed, ordered list of stages over a document
// context. By default it runs Ingest, OCR, Parse, Embed in that order;
// AddStage appends to the list; stages cannot be removed or replaced.
type Coordinator struct {
	stages []Stage

	// Observer, when set, is called once per visited stage with its
	// recorded outcome and duration — the hook the Host uses to feed the
	// pipeline-stage histogram without this package importing metrics.
	Observer func(stage string, status StageStatus, elapsed time.Duration)
}

// New returns a Coordinator with no stages. Use AddStage to populate it, or
// NewDefault for the standard Ingest→OCR→Parse→Embed pipeline.
func New() *Coordinator {
	return &Coordinator{}
}

// AddStage appends a stage to the pipeline's run order.
func (c *Coordinator) AddStage(s Stage) {
	c.stages = append(c.stages, s)
}

// Stages returns the coordinator's stage list in run order.
func (c *Coordinator) Stages() []Stage {
	return c.stages
}

// Run executes stages[startIdx:endIdx] (resolved from startStage/endStage
// names) against ctx, returning a result per stage actually visited.
//
// An unknown startStage or endStage name is an error. If the resolved
// start index is not before the end index, no stage runs and an empty
// result map is returned — this mirrors a plain slice bounds check rather
// than being special-cased, so an inverted range is silently a no-op
// instead of a validation error.
//
// Stages are visited in order. A stage whose ShouldSkip returns true is
// recorded as skipped and execution continues with the next stage. A
// stage whose Validate returns false, or whose Process returns an
// unsuccessful result, or whose Process panics, is recorded as failed and
// the run stops — stages after that point never appear in the result map
// at all.
func (c *Coordinator) Run(ctx Context, startStage, endStage string) (map[string]StageResult, error) {
	startIdx := 0
	endIdx := len(c.stages)

	if startStage != "" {
		idx, ok := c.indexOf(startStage)
		if !ok {
			return nil, fmt.Errorf("pipeline: unknown stage: %s", startStage)
		}
		startIdx = idx
	}
	if endStage != "" {
		idx, ok := c.indexOf(endStage)
		if !ok {
			return nil, fmt.Errorf("pipeline: unknown stage: %s", endStage)
		}
		endIdx = idx + 1
	}

	results := make(map[string]StageResult)
	if startIdx >= endIdx {
		return results, nil
	}

	current := ctx.Copy()

	for _, stage := range c.stages[startIdx:endIdx] {
		if stage.ShouldSkip(current) {
			results[stage.Name()] = StageResult{
				StageName: stage.Name(),
				Status:    StatusSkipped,
			}
			c.observe(stage.Name(), StatusSkipped, 0)
			continue
		}

		if !stage.Validate(current) {
			errMsg := "Validation failed"
			results[stage.Name()] = StageResult{
				StageName: stage.Name(),
				Status:    StatusFailed,
				Error:     errMsg,
			}
			c.observe(stage.Name(), StatusFailed, 0)
			stage.OnError(errMsg, current)
			break
		}

		result := c.runStageSafely(stage, current)
		results[stage.Name()] = result
		c.observe(stage.Name(), result.Status, result.Duration())

		if !result.Success() {
			stage.OnError(result.Error, current)
			break
		}

		for k, v := range result.Output {
			current[k] = v
		}
	}

	return results, nil
}

func (c *Coordinator) observe(stage string, status StageStatus, elapsed time.Duration) {
	if c.Observer != nil {
		c.Observer(stage, status, elapsed)
	}
}

func (c *Coordinator) indexOf(name string) (int, bool) {
	for i, s := range c.stages {
		if s.Name() == name {
			return i, true
		}
	}
	return 0, false
}

// runStageSafely runs stage.Process, converting a panic into a failed
// StageResult instead of propagating it — a misbehaving stage aborts the
// pipeline the same way an explicit failure would, it does not crash the
// coordinator's caller.
func (c *Coordinator) runStageSafely(stage Stage, ctx Context) (result StageResult) {
	started := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			result = StageResult{
				StageName:   stage.Name(),
				Status:      StatusFailed,
				Error:       fmt.Sprintf("panic: %v", r),
				StartedAt:   started,
				CompletedAt: time.Now().UTC(),
			}
		}
	}()

	result = stage.Process(ctx)
	if result.StageName == "" {
		result.StageName = stage.Name()
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = started
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	return result
}
