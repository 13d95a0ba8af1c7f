package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrInvalidStep        = errors.New("invalid step")
	ErrStepNotFound       = errors.New("step not found")
	ErrUnknownStepType    = errors.New("unknown step type")
	ErrInvalidState       = errors.New("invalid instance state")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrCycleDetected      = errors.New("cycle detected")
	ErrMaxStepsExceeded   = errors.New("maximum number of steps exceeded")
	ErrEngineClosed       = errors.New("engine is shut down")
)

// StepError describes a construction failure for a single step.
type StepError struct {
	StepID string
	Field  string
	Err    error
}

func (e *StepError) Error() string {
	switch {
	case e.Field != "" && e.StepID != "":
		return fmt.Sprintf("step %q: %s: %v", e.StepID, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("step: %s: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("step %q: %v", e.StepID, e.Err)
	}
}

func (e *StepError) Unwrap() error { return e.Err }

func errMissingField(stepID, field string) error {
	return &StepError{StepID: stepID, Field: field + " is required", Err: ErrInvalidStep}
}

func errUnknownStep(stepID string) error {
	return &StepError{StepID: stepID, Err: ErrStepNotFound}
}

// TransitionError reports a rejected lifecycle change on an instance.
type TransitionError struct {
	InstanceID string
	From       Status
	To         Status
	Err        error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: cannot move from %s to %s: %v", e.InstanceID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// DefinitionError carries every problem found in a definition.
type DefinitionError struct {
	WorkflowID string
	Problems   []string
}

func (e *DefinitionError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("workflow %s: %s", e.WorkflowID, e.Problems[0])
	}
	return fmt.Sprintf("workflow %s: %d problems, first: %s", e.WorkflowID, len(e.Problems), e.Problems[0])
}

func (e *DefinitionError) Unwrap() error { return ErrInvalidDefinition }

func IsNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrStepNotFound)
}

func IsLifecycleError(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrInvalidTransition)
}
