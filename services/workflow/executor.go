package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultMaxSteps bounds how many steps a single stepwise instance may run.
const DefaultMaxSteps = 100

// StepHandler executes one step type. Handlers receive their own copy of the
// accumulated data and must not retain it.
type StepHandler interface {
	Execute(ctx context.Context, step WorkflowStep, data map[string]any) (StepResult, error)
}

// HandlerFunc adapts a plain function to StepHandler.
type HandlerFunc func(ctx context.Context, step WorkflowStep, data map[string]any) (StepResult, error)

func (f HandlerFunc) Execute(ctx context.Context, step WorkflowStep, data map[string]any) (StepResult, error) {
	return f(ctx, step, data)
}

// Registry maps step types to their handler.
type Registry map[string]StepHandler

// Register adds or replaces the handler for stepType.
func (r Registry) Register(stepType string, h StepHandler) {
	r[stepType] = h
}

// Lookup returns the handler for stepType or ErrUnknownStepType.
func (r Registry) Lookup(stepType string) (StepHandler, error) {
	h, ok := r[stepType]
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, stepType)
	}
	return h, nil
}

// StepExecutor runs definitions against a handler registry, either one step
// per call (ExecuteStep) or as a dependency graph (ExecuteWorkflow).
type StepExecutor struct {
	registry    Registry
	logger      *slog.Logger
	maxSteps    int
	maxParallel int
}

type ExecutorOption func(*StepExecutor)

func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *StepExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStepLimit sets the per-instance step budget for stepwise execution.
func WithStepLimit(n int) ExecutorOption {
	return func(e *StepExecutor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithParallelism bounds how many steps ExecuteWorkflow runs at once.
func WithParallelism(n int) ExecutorOption {
	return func(e *StepExecutor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

func NewStepExecutor(registry Registry, opts ...ExecutorOption) *StepExecutor {
	if registry == nil {
		registry = Registry{}
	}
	e := &StepExecutor{
		registry:    registry,
		logger:      slog.Default(),
		maxSteps:    DefaultMaxSteps,
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor")
	return e
}

// ExecuteStep advances inst by exactly one step and returns the updated copy;
// inst itself is not modified. A pending instance is started, a terminal or
// paused one is rejected with ErrInvalidState.
//
// After a successful step its output is merged into Data and recorded under
// Results, then control moves to the first matching condition, else Next,
// else the instance completes. A failed step routes through a matching
// condition when one exists; otherwise the instance fails and the error is
// returned alongside it.
func (e *StepExecutor) ExecuteStep(ctx context.Context, inst *WorkflowInstance, def WorkflowDefinition) (*WorkflowInstance, error) {
	if inst == nil {
		return nil, fmt.Errorf("%w: nil instance", ErrInvalidState)
	}
	out := inst.Clone()

	switch out.Status {
	case StatusPending, "":
		out.Status = StatusRunning
	case StatusRunning:
	default:
		return out, &TransitionError{InstanceID: out.ID, From: out.Status, To: StatusRunning, Err: ErrInvalidState}
	}
	if out.StartTime.IsZero() {
		out.StartTime = time.Now().UTC()
	}
	if out.Data == nil {
		out.Data = make(map[string]any)
	}
	if out.Results == nil {
		out.Results = make(map[string]StepResult)
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}

	if out.CurrentStepID == "" {
		out.CurrentStepID = def.entryStepID()
		if out.CurrentStepID == "" {
			return e.fail(out, fmt.Errorf("%w: workflow %s has no steps", ErrInvalidDefinition, def.ID))
		}
	}
	if out.StepCount >= e.maxSteps {
		return e.fail(out, fmt.Errorf("%w: limit is %d", ErrMaxStepsExceeded, e.maxSteps))
	}

	step, ok := def.Step(out.CurrentStepID)
	if !ok {
		return e.fail(out, errUnknownStep(out.CurrentStepID))
	}
	handler, err := e.registry.Lookup(step.Type)
	if err != nil {
		return e.fail(out, &StepError{StepID: step.ID, Err: err})
	}

	logger := e.logger.With("instance_id", out.ID, "step_id", step.ID, "step_type", step.Type)
	logger.Debug("executing step")

	started := time.Now()
	result, attempts, execErr := runWithRetry(ctx, logger, handler, *step, out.Data)
	if execErr != nil && errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
		// The caller gave up; the step has not run to an outcome and stays current.
		logger.Warn("step interrupted", "attempts", attempts, "error", execErr)
		return out, execErr
	}
	out.StepCount++

	if execErr == nil {
		out.Data = mergeData(out.Data, result.Data)
		out.Results[step.ID] = StepResult{Data: cloneData(result.Data)}
	}

	outcome := StepOutcome{Data: out.Data, Result: result.Data, Err: execErr}
	targets := e.matchConditions(logger, *step, outcome)

	if execErr != nil {
		if len(targets) == 0 {
			logger.Error("step failed", "attempts", attempts, "error", execErr)
			return e.fail(out, execErr)
		}
		logger.Warn("step failed, routing by condition", "attempts", attempts, "next_step_id", targets[0], "error", execErr)
		out.Results[step.ID] = StepResult{Data: map[string]any{"error": execErr.Error()}}
		out.CurrentStepID = targets[0]
		return out, nil
	}

	logger.Info("step completed", "attempts", attempts, "duration", time.Since(started))

	next := step.Next
	if len(targets) > 0 {
		next = targets[0]
	}
	if next == "" {
		out.CurrentStepID = ""
		out.finish(StatusCompleted, "")
		return out, nil
	}
	out.CurrentStepID = next
	return out, nil
}

func (e *StepExecutor) fail(inst *WorkflowInstance, err error) (*WorkflowInstance, error) {
	inst.finish(StatusFailed, err.Error())
	return inst, err
}

// matchConditions returns the targets of every condition that fires, in
// declaration order.
func (e *StepExecutor) matchConditions(logger *slog.Logger, step WorkflowStep, outcome StepOutcome) []string {
	var targets []string
	for _, c := range step.Conditions {
		ok, err := c.Matches(outcome)
		if err != nil {
			logger.Warn("condition evaluation failed", "condition_type", c.Type, "next_step_id", c.NextStepID, "error", err)
			continue
		}
		if ok {
			targets = append(targets, c.NextStepID)
		}
	}
	return targets
}
