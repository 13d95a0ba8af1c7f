package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(registry Registry, opts ...ExecutorOption) *StepExecutor {
	opts = append([]ExecutorOption{WithExecutorLogger(discardLogger())}, opts...)
	return NewStepExecutor(registry, opts...)
}

// returning always succeeds with a copy of data.
func returning(data map[string]any) StepHandler {
	return HandlerFunc(func(context.Context, WorkflowStep, map[string]any) (StepResult, error) {
		return StepResult{Data: cloneData(data)}, nil
	})
}

func failing(msg string) StepHandler {
	return HandlerFunc(func(context.Context, WorkflowStep, map[string]any) (StepResult, error) {
		return StepResult{}, errors.New(msg)
	})
}

// incrementX returns {y: x+1} from the accumulated data.
func incrementX() StepHandler {
	return HandlerFunc(func(_ context.Context, _ WorkflowStep, data map[string]any) (StepResult, error) {
		x, ok := toFloat64(data["x"])
		if !ok {
			return StepResult{}, fmt.Errorf("x is missing")
		}
		return StepResult{Data: map[string]any{"y": int(x) + 1}}, nil
	})
}

func typedStep(id, stepType string) WorkflowStep {
	return WorkflowStep{ID: id, Name: id, Type: stepType, Action: "run"}
}

func stepwise(steps ...WorkflowStep) WorkflowDefinition {
	return WorkflowDefinition{ID: "wf", Name: "wf", Mode: ModeStepwise, Steps: steps}
}

func pendingInstance(data map[string]any) *WorkflowInstance {
	return &WorkflowInstance{ID: "inst-1", WorkflowID: "wf", Mode: ModeStepwise, Status: StatusPending, Data: data}
}

func TestExecuteStep_TwoStepScenario(t *testing.T) {
	exec := newTestExecutor(Registry{
		"emit": returning(map[string]any{"x": 1}),
		"inc":  incrementX(),
	})
	a := typedStep("A", "emit")
	a.Next = "B"
	def := stepwise(a, typedStep("B", "inc"))

	inst, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), def)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, "B", inst.CurrentStepID)
	assert.False(t, inst.StartTime.IsZero())

	inst, err = exec.ExecuteStep(context.Background(), inst, def)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, inst.Data)
	assert.Equal(t, map[string]any{"x": 1}, inst.Results["A"].Data)
	assert.Equal(t, map[string]any{"y": 2}, inst.Results["B"].Data)
	assert.Equal(t, 2, inst.StepCount)
	require.NotNil(t, inst.EndTime)
}

func TestExecuteStep_DoesNotMutateInput(t *testing.T) {
	exec := newTestExecutor(Registry{"emit": returning(map[string]any{"x": 1})})
	in := pendingInstance(map[string]any{"seed": true})

	out, err := exec.ExecuteStep(context.Background(), in, stepwise(typedStep("A", "emit")))

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, StatusPending, in.Status)
	assert.Equal(t, map[string]any{"seed": true}, in.Data)
	assert.Nil(t, in.Results)
}

func TestExecuteStep_StartStepOverridesFirstStep(t *testing.T) {
	exec := newTestExecutor(Registry{"emit": returning(map[string]any{"x": 1})})
	def := stepwise(typedStep("A", "emit"), typedStep("B", "emit"))
	def.StartStepID = "B"

	out, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), def)

	require.NoError(t, err)
	assert.Contains(t, out.Results, "B")
	assert.NotContains(t, out.Results, "A")
}

func TestExecuteStep_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	flaky := HandlerFunc(func(context.Context, WorkflowStep, map[string]any) (StepResult, error) {
		if calls.Add(1) <= 2 {
			return StepResult{}, errors.New("transient")
		}
		return StepResult{Data: map[string]any{"ok": true}}, nil
	})
	exec := newTestExecutor(Registry{"flaky": flaky})
	s := typedStep("A", "flaky")
	s.RetryPolicy = &RetryPolicy{MaxAttempts: 3, BackoffStrategy: BackoffFixed, BackoffDelay: 10 * time.Millisecond}

	start := time.Now()
	out, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), stepwise(s))

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestExecuteStep_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, WorkflowStep, map[string]any) (StepResult, error) {
		calls.Add(1)
		return StepResult{}, errors.New("permanent")
	})
	exec := newTestExecutor(Registry{"bad": h})
	s := typedStep("A", "bad")
	s.RetryPolicy = &RetryPolicy{MaxAttempts: 2, BackoffStrategy: BackoffExponential, BackoffDelay: time.Millisecond}

	out, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), stepwise(s))

	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Error, "after 2 attempts")
	assert.Contains(t, out.Error, "permanent")
}

func TestExecuteStep_HandlerFailure(t *testing.T) {
	exec := newTestExecutor(Registry{"bad": failing("disk full")})
	a := typedStep("A", "bad")
	a.Next = "B"

	out, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), stepwise(a, typedStep("B", "bad")))

	require.EqualError(t, err, "disk full")
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "disk full", out.Error)
	assert.NotNil(t, out.EndTime)
	assert.Equal(t, "A", out.CurrentStepID)
}

func TestExecuteStep_UnknownStepType(t *testing.T) {
	exec := newTestExecutor(Registry{})

	out, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), stepwise(typedStep("A", "mystery")))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownStepType))
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Error, "mystery")
}

func TestExecuteStep_RejectsTerminalAndPaused(t *testing.T) {
	exec := newTestExecutor(Registry{"emit": returning(nil)})
	def := stepwise(typedStep("A", "emit"))

	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusPaused} {
		t.Run(string(status), func(t *testing.T) {
			in := pendingInstance(nil)
			in.Status = status

			out, err := exec.ExecuteStep(context.Background(), in, def)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Equal(t, status, out.Status)
			assert.Zero(t, out.StepCount)
		})
	}
}

func TestExecuteStep_ConditionRouting(t *testing.T) {
	exec := newTestExecutor(Registry{
		"emit": returning(map[string]any{"x": 7}),
		"mark": returning(map[string]any{"routed": true}),
	})
	a := typedStep("A", "emit")
	a.Next = "default"
	a.Conditions = []WorkflowCondition{
		{Type: ConditionCustom, Expression: "x < 5", NextStepID: "small"},
		{Type: ConditionCustom, Expression: "x >= 5", NextStepID: "big"},
	}
	def := stepwise(a, typedStep("default", "mark"), typedStep("small", "mark"), typedStep("big", "mark"))

	out, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), def)

	require.NoError(t, err)
	assert.Equal(t, "big", out.CurrentStepID)
}

func TestExecuteStep_FailureConditionRoutesInsteadOfFailing(t *testing.T) {
	exec := newTestExecutor(Registry{
		"bad":     failing("timeout"),
		"recover": returning(map[string]any{"recovered": true}),
	})
	a := typedStep("A", "bad")
	a.Conditions = []WorkflowCondition{{Type: ConditionFailure, NextStepID: "R"}}
	def := stepwise(a, typedStep("R", "recover"))

	out, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), def)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, out.Status)
	assert.Equal(t, "R", out.CurrentStepID)
	assert.Equal(t, "timeout", out.Results["A"].Data["error"])

	out, err = exec.ExecuteStep(context.Background(), out, def)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, true, out.Data["recovered"])
}

func TestExecuteStep_PanicBecomesFailure(t *testing.T) {
	boom := HandlerFunc(func(context.Context, WorkflowStep, map[string]any) (StepResult, error) {
		panic("nil map write")
	})
	exec := newTestExecutor(Registry{"boom": boom})

	out, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), stepwise(typedStep("A", "boom")))

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "A", pe.StepID)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Error, "panicked: nil map write")
}

func TestExecuteStep_StepLimit(t *testing.T) {
	exec := newTestExecutor(Registry{"emit": returning(nil)}, WithStepLimit(3))
	loop := typedStep("A", "emit")
	loop.Next = "A"
	def := stepwise(loop)

	inst := pendingInstance(nil)
	var err error
	for i := 0; i < 3; i++ {
		inst, err = exec.ExecuteStep(context.Background(), inst, def)
		require.NoError(t, err)
	}
	inst, err = exec.ExecuteStep(context.Background(), inst, def)

	assert.ErrorIs(t, err, ErrMaxStepsExceeded)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Equal(t, 3, inst.StepCount)
}

func TestExecuteStep_StepTimeout(t *testing.T) {
	slow := HandlerFunc(func(ctx context.Context, _ WorkflowStep, _ map[string]any) (StepResult, error) {
		select {
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		case <-time.After(time.Second):
			return StepResult{}, nil
		}
	})
	exec := newTestExecutor(Registry{"slow": slow})
	s := typedStep("A", "slow")
	s.Timeout = 10 * time.Millisecond

	out, err := exec.ExecuteStep(context.Background(), pendingInstance(nil), stepwise(s))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, out.Status)
}

func TestExecuteStep_InterruptedStepStaysCurrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := HandlerFunc(func(hctx context.Context, _ WorkflowStep, _ map[string]any) (StepResult, error) {
		cancel()
		<-hctx.Done()
		return StepResult{}, hctx.Err()
	})
	exec := newTestExecutor(Registry{"block": blocking, "noop": returning(nil)})
	s := typedStep("A", "block")
	s.Conditions = []WorkflowCondition{{Type: ConditionFailure, NextStepID: "B"}}

	out, err := exec.ExecuteStep(ctx, pendingInstance(nil), stepwise(s, typedStep("B", "noop")))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusRunning, out.Status)
	assert.Equal(t, "A", out.CurrentStepID)
	assert.Zero(t, out.StepCount)
	assert.NotContains(t, out.Results, "A")
	assert.Nil(t, out.EndTime)
}

func TestExecuteStep_OutputReplacesTopLevelKeys(t *testing.T) {
	exec := newTestExecutor(Registry{
		"counts": returning(map[string]any{"counts": map[string]any{"a": "x"}}),
		"user":   returning(map[string]any{"user": map[string]any{"name": "b"}}),
	})
	counts := typedStep("A", "counts")
	counts.Next = "B"
	def := stepwise(counts, typedStep("B", "user"))
	inst := pendingInstance(map[string]any{
		"counts": map[string]int{"a": 1},
		"user":   map[string]any{"name": "a", "role": "admin"},
		"keep":   true,
	})

	inst, err := exec.ExecuteStep(context.Background(), inst, def)
	require.NoError(t, err)
	inst, err = exec.ExecuteStep(context.Background(), inst, def)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, map[string]any{"a": "x"}, inst.Data["counts"])
	assert.Equal(t, map[string]any{"name": "b"}, inst.Data["user"])
	assert.Equal(t, true, inst.Data["keep"])
}

func TestExecuteStep_RendersParameters(t *testing.T) {
	var got map[string]any
	capture := HandlerFunc(func(_ context.Context, step WorkflowStep, _ map[string]any) (StepResult, error) {
		got = step.Parameters
		return StepResult{}, nil
	})
	exec := newTestExecutor(Registry{"capture": capture})
	s := typedStep("A", "capture")
	s.Parameters = map[string]any{
		"greeting": "hello ${user.name}",
		"count":    "${n}",
		"missing":  "${nope}",
	}

	_, err := exec.ExecuteStep(context.Background(), pendingInstance(map[string]any{
		"user": map[string]any{"name": "Ada"},
		"n":    3,
	}), stepwise(s))

	require.NoError(t, err)
	assert.Equal(t, "hello Ada", got["greeting"])
	assert.Equal(t, 3, got["count"])
	assert.Equal(t, "${nope}", got["missing"])
}

func TestBackoffDelay(t *testing.T) {
	fixed := &RetryPolicy{MaxAttempts: 5, BackoffStrategy: BackoffFixed, BackoffDelay: 10 * time.Millisecond}
	exp := &RetryPolicy{MaxAttempts: 5, BackoffStrategy: BackoffExponential, BackoffDelay: 10 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, BackoffDelay(fixed, 1))
	assert.Equal(t, 10*time.Millisecond, BackoffDelay(fixed, 4))
	assert.Equal(t, 10*time.Millisecond, BackoffDelay(exp, 1))
	assert.Equal(t, 20*time.Millisecond, BackoffDelay(exp, 2))
	assert.Equal(t, 80*time.Millisecond, BackoffDelay(exp, 4))
	assert.Zero(t, BackoffDelay(nil, 1))
	assert.Zero(t, BackoffDelay(exp, 0))
}

func TestWaitBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := waitBackoff(ctx, time.Second)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRegistry_Lookup(t *testing.T) {
	r := Registry{}
	r.Register("emit", returning(nil))

	_, err := r.Lookup("emit")
	require.NoError(t, err)

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownStepType)
}
