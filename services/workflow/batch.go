package workflow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel bounds concurrent steps in dependency mode.
const DefaultMaxParallel = 4

type stepState int

const (
	statePending stepState = iota
	stateRunning
	stateDone
	stateFailed
	stateSkipped
)

type stepDone struct {
	id       string
	result   StepResult
	attempts int
	err      error
}

// stepEvent is reported after each step of a dependency-mode run has been
// folded into the shared context.
type stepEvent struct {
	StepID  string
	Result  StepResult
	Err     error
	Handled bool
	Context map[string]any
}

// ExecuteWorkflow runs a step set as a dependency graph. A step starts once
// every dependency has completed and, if it is the target of any condition,
// once one of those conditions has fired. Independent steps run in parallel;
// their outputs are merged by a single coordinator in completion order.
//
// A failure that matches a condition on the failed step is handled: its
// targets are activated and its dependents are skipped. Any other failure
// aborts the run; in-flight steps are drained and the partial context is
// returned with Success false. Cyclic or dangling step sets are refused with
// an error before anything runs.
func (e *StepExecutor) ExecuteWorkflow(ctx context.Context, steps []WorkflowStep, data map[string]any) (*ExecutionResult, error) {
	return e.executeGraph(ctx, "", steps, data, nil)
}

func (e *StepExecutor) executeGraph(ctx context.Context, instanceID string, steps []WorkflowStep, data map[string]any, observe func(stepEvent)) (*ExecutionResult, error) {
	if problems := graphProblems(steps); len(problems) > 0 {
		return nil, &DefinitionError{WorkflowID: instanceID, Problems: problems}
	}
	order, adj := stepEdges(steps)
	if cycles := findCycles(order, adj); len(cycles) > 0 {
		return nil, fmt.Errorf("%w involving step %q", ErrCycleDetected, cycles[0])
	}

	logger := e.logger
	if instanceID != "" {
		logger = logger.With("instance_id", instanceID)
	}

	byID := make(map[string]WorkflowStep, len(steps))
	gated := make(map[string]bool)
	for _, s := range steps {
		byID[s.ID] = s
		for _, c := range s.Conditions {
			gated[c.NextStepID] = true
		}
	}
	activated := make(map[string]bool)
	state := make(map[string]stepState, len(steps))

	res := &ExecutionResult{
		Context: cloneData(data),
		Results: make(map[string]StepResult, len(steps)),
	}
	if res.Context == nil {
		res.Context = make(map[string]any)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(e.maxParallel)
	done := make(chan stepDone, len(steps))

	launch := func(s WorkflowStep, snapshot map[string]any) {
		g.Go(func() error {
			h, err := e.registry.Lookup(s.Type)
			if err != nil {
				done <- stepDone{id: s.ID, err: &StepError{StepID: s.ID, Err: err}}
				return nil
			}
			result, attempts, err := runWithRetry(gctx, logger.With("step_id", s.ID, "step_type", s.Type), h, s, snapshot)
			done <- stepDone{id: s.ID, result: result, attempts: attempts, err: err}
			return nil
		})
	}

	ready := func(s WorkflowStep) bool {
		if gated[s.ID] && !activated[s.ID] {
			return false
		}
		for _, dep := range s.Dependencies {
			if state[dep] != stateDone {
				return false
			}
		}
		return true
	}

	skipBlocked := func() {
		for changed := true; changed; {
			changed = false
			for _, s := range steps {
				if state[s.ID] != statePending {
					continue
				}
				for _, dep := range s.Dependencies {
					if st := state[dep]; st == stateFailed || st == stateSkipped {
						state[s.ID] = stateSkipped
						res.Skipped = append(res.Skipped, s.ID)
						changed = true
						break
					}
				}
			}
		}
	}

	started := time.Now()
	running := 0
	aborted := false
	for {
		if !aborted && ctx.Err() != nil {
			aborted = true
			res.Error = ctx.Err().Error()
		}
		if !aborted {
			skipBlocked()
			for _, s := range steps {
				if state[s.ID] == statePending && ready(s) {
					state[s.ID] = stateRunning
					running++
					launch(s, cloneData(res.Context))
				}
			}
		}
		if running == 0 {
			break
		}

		d := <-done
		running--
		s := byID[d.id]

		if d.err == nil {
			res.Context = mergeData(res.Context, d.result.Data)
		}

		ev := stepEvent{StepID: d.id, Err: d.err}
		if d.err == nil {
			state[d.id] = stateDone
			res.Completed = append(res.Completed, d.id)
			res.Results[d.id] = StepResult{Data: cloneData(d.result.Data)}
			logger.Info("step completed", "step_id", d.id, "attempts", d.attempts)
		}

		targets := e.matchConditions(logger.With("step_id", d.id), s, StepOutcome{Data: res.Context, Result: d.result.Data, Err: d.err})

		if d.err != nil {
			state[d.id] = stateFailed
			res.Failed = append(res.Failed, d.id)
			switch {
			case aborted:
				logger.Warn("step failed while draining", "step_id", d.id, "error", d.err)
			case len(targets) > 0:
				ev.Handled = true
				res.Results[d.id] = StepResult{Data: map[string]any{"error": d.err.Error()}}
				logger.Warn("step failed, routing by condition", "step_id", d.id, "targets", targets, "error", d.err)
			default:
				aborted = true
				res.FailedStep = d.id
				res.Error = fmt.Sprintf("step %s: %v", d.id, d.err)
				logger.Error("step failed, aborting run", "step_id", d.id, "attempts", d.attempts, "error", d.err)
				cancel()
			}
		}
		if !aborted {
			for _, t := range targets {
				activated[t] = true
			}
		}

		ev.Result = res.Results[d.id]
		ev.Context = res.Context
		if observe != nil {
			observe(ev)
		}
	}
	_ = g.Wait()

	for _, s := range steps {
		if state[s.ID] == statePending {
			res.Skipped = append(res.Skipped, s.ID)
		}
	}
	res.Success = !aborted
	logger.Info("dependency run finished",
		"success", res.Success,
		"completed", len(res.Completed),
		"failed", len(res.Failed),
		"skipped", len(res.Skipped),
		"duration", time.Since(started),
	)
	return res, nil
}

// graphProblems reports duplicate ids and references to unknown steps.
func graphProblems(steps []WorkflowStep) []string {
	var problems []string
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if seen[s.ID] {
			problems = append(problems, fmt.Sprintf("step id %q is declared more than once", s.ID))
		}
		seen[s.ID] = true
	}
	return append(problems, referenceProblems(steps, "")...)
}
