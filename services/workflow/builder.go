package workflow

import (
	"fmt"
	"slices"
)

// Builder assembles a WorkflowDefinition step by step. Mutators fail fast on
// the first violation and leave the builder unchanged. A Builder is not safe
// for concurrent use.
type Builder struct {
	id          string
	name        string
	description string
	mode        ExecutionMode
	startStepID string
	steps       map[string]WorkflowStep
	order       []string
}

// NewBuilder starts a stepwise definition with the given id and name.
func NewBuilder(id, name string) *Builder {
	return &Builder{
		id:    id,
		name:  name,
		mode:  ModeStepwise,
		steps: make(map[string]WorkflowStep),
	}
}

func (b *Builder) SetDescription(description string) *Builder {
	b.description = description
	return b
}

func (b *Builder) SetMode(mode ExecutionMode) *Builder {
	b.mode = mode
	return b
}

func (b *Builder) SetStartStep(id string) *Builder {
	b.startStepID = id
	return b
}

// AddStep stores the step, replacing any step with the same id in place.
func (b *Builder) AddStep(step WorkflowStep) error {
	if err := checkStepFields(step); err != nil {
		return err
	}
	if _, exists := b.steps[step.ID]; !exists {
		b.order = append(b.order, step.ID)
	}
	b.steps[step.ID] = step.Clone()
	return nil
}

// RemoveStep deletes a step and strips every reference to it: dependency
// entries are removed, conditions targeting it are dropped and Next pointers
// to it are cleared.
func (b *Builder) RemoveStep(id string) error {
	if _, ok := b.steps[id]; !ok {
		return errUnknownStep(id)
	}
	delete(b.steps, id)
	b.order = slices.DeleteFunc(b.order, func(s string) bool { return s == id })
	if b.startStepID == id {
		b.startStepID = ""
	}

	for _, other := range b.order {
		step := b.steps[other]
		if step.Dependencies != nil {
			step.Dependencies = slices.DeleteFunc(step.Dependencies, func(d string) bool { return d == id })
		}
		if step.Conditions != nil {
			step.Conditions = slices.DeleteFunc(step.Conditions, func(c WorkflowCondition) bool { return c.NextStepID == id })
		}
		if step.Next == id {
			step.Next = ""
		}
		b.steps[other] = step
	}
	return nil
}

// UpdateStep replaces the stored step wholesale. An empty id on the new step
// inherits the old one; a different id is rejected.
func (b *Builder) UpdateStep(id string, step WorkflowStep) error {
	if _, ok := b.steps[id]; !ok {
		return errUnknownStep(id)
	}
	if step.ID == "" {
		step.ID = id
	}
	if step.ID != id {
		return &StepError{StepID: id, Field: "id", Err: fmt.Errorf("%w: cannot change id to %q", ErrInvalidStep, step.ID)}
	}
	if err := checkStepFields(step); err != nil {
		return err
	}
	b.steps[id] = step.Clone()
	return nil
}

// AddDependency makes stepID wait for dependsOn. Adding an existing
// dependency is a no-op.
func (b *Builder) AddDependency(stepID, dependsOn string) error {
	step, ok := b.steps[stepID]
	if !ok {
		return errUnknownStep(stepID)
	}
	if _, ok := b.steps[dependsOn]; !ok {
		return errUnknownStep(dependsOn)
	}
	if stepID == dependsOn {
		return &StepError{StepID: stepID, Field: "dependencies", Err: fmt.Errorf("%w: step cannot depend on itself", ErrInvalidStep)}
	}
	if slices.Contains(step.Dependencies, dependsOn) {
		return nil
	}
	step.Dependencies = append(step.Dependencies, dependsOn)
	b.steps[stepID] = step
	return nil
}

// AddCondition appends a routing condition to stepID.
func (b *Builder) AddCondition(stepID string, cond WorkflowCondition) error {
	step, ok := b.steps[stepID]
	if !ok {
		return errUnknownStep(stepID)
	}
	if _, ok := b.steps[cond.NextStepID]; !ok {
		return errUnknownStep(cond.NextStepID)
	}
	if err := checkCondition(cond); err != nil {
		return &StepError{StepID: stepID, Field: "conditions", Err: err}
	}
	step.Conditions = append(step.Conditions, cond)
	b.steps[stepID] = step
	return nil
}

// Steps returns copies of the current steps in insertion order.
func (b *Builder) Steps() []WorkflowStep {
	out := make([]WorkflowStep, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.steps[id].Clone())
	}
	return out
}

// Build snapshots the current state. It does not validate; call Validate (or
// ValidateDefinition) before registering the result.
func (b *Builder) Build() WorkflowDefinition {
	return WorkflowDefinition{
		ID:          b.id,
		Name:        b.name,
		Description: b.description,
		Mode:        b.mode,
		StartStepID: b.startStepID,
		Steps:       b.Steps(),
	}
}

// Validate re-walks every step and reports references to steps that do not
// exist.
func (b *Builder) Validate() []string {
	return referenceProblems(b.Steps(), b.startStepID)
}

func checkStepFields(step WorkflowStep) error {
	switch {
	case step.ID == "":
		return errMissingField("", "id")
	case step.Name == "":
		return errMissingField(step.ID, "name")
	case step.Type == "":
		return errMissingField(step.ID, "type")
	case step.Action == "":
		return errMissingField(step.ID, "action")
	}
	if rp := step.RetryPolicy; rp != nil {
		if rp.MaxAttempts < 1 {
			return &StepError{StepID: step.ID, Field: "retryPolicy.maxAttempts", Err: fmt.Errorf("%w: must be >= 1", ErrInvalidStep)}
		}
		if rp.BackoffDelay < 0 {
			return &StepError{StepID: step.ID, Field: "retryPolicy.backoffDelay", Err: fmt.Errorf("%w: must be >= 0", ErrInvalidStep)}
		}
		switch rp.BackoffStrategy {
		case "", BackoffFixed, BackoffExponential:
		default:
			return &StepError{StepID: step.ID, Field: "retryPolicy.backoffStrategy", Err: fmt.Errorf("%w: unknown strategy %q", ErrInvalidStep, rp.BackoffStrategy)}
		}
	}
	for _, c := range step.Conditions {
		if err := checkCondition(c); err != nil {
			return &StepError{StepID: step.ID, Field: "conditions", Err: err}
		}
	}
	return nil
}

func checkCondition(c WorkflowCondition) error {
	switch c.Type {
	case ConditionSuccess, ConditionFailure, ConditionAlways:
		return nil
	case ConditionCustom:
		if c.Expression == "" {
			return fmt.Errorf("%w: custom condition needs an expression", ErrInvalidStep)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown condition type %q", ErrInvalidStep, c.Type)
	}
}

// referenceProblems lists dependency, condition and next pointers that do
// not resolve to a step.
func referenceProblems(steps []WorkflowStep, startStepID string) []string {
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}

	var problems []string
	if startStepID != "" && !known[startStepID] {
		problems = append(problems, fmt.Sprintf("start step %q does not exist", startStepID))
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !known[dep] {
				problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
		for _, c := range s.Conditions {
			if !known[c.NextStepID] {
				problems = append(problems, fmt.Sprintf("step %q has a %s condition pointing to unknown step %q", s.ID, c.Type, c.NextStepID))
			}
		}
		if s.Next != "" && !known[s.Next] {
			problems = append(problems, fmt.Sprintf("step %q points next to unknown step %q", s.ID, s.Next))
		}
	}
	return problems
}
