package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// maxBackoffShift caps the exponent so large attempt counts cannot overflow.
const maxBackoffShift = 30

// BackoffDelay returns how long to wait after the given failed attempt
// (1-based) before the next one: BackoffDelay for fixed, BackoffDelay*2^(n-1)
// for exponential.
func BackoffDelay(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || attempt < 1 || policy.BackoffDelay <= 0 {
		return 0
	}
	if policy.BackoffStrategy != BackoffExponential {
		return policy.BackoffDelay
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return policy.BackoffDelay * time.Duration(1<<uint(shift))
}

// waitBackoff sleeps for d or until ctx is done.
func waitBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PanicError is returned when a handler panics.
type PanicError struct {
	StepID string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step %s panicked: %v", e.StepID, e.Value)
}

// invokeHandler calls h once with rendered parameters and a private copy of
// data, bounding it by the step's Timeout and turning panics into errors.
func invokeHandler(ctx context.Context, h StepHandler, step WorkflowStep, data map[string]any) (result StepResult, err error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = StepResult{}
			err = &PanicError{StepID: step.ID, Value: r, Stack: debug.Stack()}
		}
	}()

	step = step.Clone()
	if step.Parameters != nil {
		step.Parameters, _ = renderValue(step.Parameters, data).(map[string]any)
	}
	return h.Execute(ctx, step, cloneData(data))
}

// runWithRetry invokes the handler until it succeeds, the retry policy is
// exhausted or ctx is done. It returns the number of attempts made.
func runWithRetry(ctx context.Context, logger *slog.Logger, h StepHandler, step WorkflowStep, data map[string]any) (StepResult, int, error) {
	maxAttempts := 1
	if step.RetryPolicy != nil && step.RetryPolicy.MaxAttempts > 1 {
		maxAttempts = step.RetryPolicy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := invokeHandler(ctx, h, step, data)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		delay := BackoffDelay(step.RetryPolicy, attempt)
		logger.Warn("step attempt failed, retrying",
			"step_id", step.ID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		if werr := waitBackoff(ctx, delay); werr != nil {
			return StepResult{}, attempt, fmt.Errorf("retry of step %s interrupted: %w", step.ID, werr)
		}
	}

	if maxAttempts > 1 {
		return StepResult{}, maxAttempts, fmt.Errorf("step %s failed after %d attempts: %w", step.ID, maxAttempts, lastErr)
	}
	return StepResult{}, maxAttempts, lastErr
}
