package workflow

import (
	"fmt"
)

// ValidateDefinition reports every problem that would stop a definition from
// being registered. Handler types are not checked here: a definition may name
// a type whose handler is registered later.
func ValidateDefinition(def WorkflowDefinition) []string {
	var problems []string

	if def.ID == "" {
		problems = append(problems, "workflow id is required")
	}
	switch def.Mode {
	case ModeStepwise, ModeDependency:
	case "":
		problems = append(problems, "execution mode is required")
	default:
		problems = append(problems, fmt.Sprintf("unknown execution mode %q", def.Mode))
	}
	if len(def.Steps) == 0 {
		problems = append(problems, "workflow must contain at least one step")
		return problems
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if err := checkStepFields(s); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if seen[s.ID] {
			problems = append(problems, fmt.Sprintf("step id %q is declared more than once", s.ID))
		}
		seen[s.ID] = true
		for _, c := range s.Conditions {
			if c.Type != ConditionCustom {
				continue
			}
			if _, err := ParseConditionExpression(c.Expression); err != nil {
				problems = append(problems, fmt.Sprintf("step %q: %v", s.ID, err))
			}
		}
	}

	problems = append(problems, referenceProblems(def.Steps, def.StartStepID)...)

	// Stepwise definitions may loop through conditions; the step budget
	// bounds them at run time.
	if def.Mode == ModeDependency {
		order, adj := stepEdges(def.Steps)
		for _, id := range findCycles(order, adj) {
			problems = append(problems, fmt.Sprintf("cycle detected involving step %q", id))
		}
	}
	return problems
}

// CheckDefinition wraps ValidateDefinition's findings in a DefinitionError.
func CheckDefinition(def WorkflowDefinition) error {
	if problems := ValidateDefinition(def); len(problems) > 0 {
		return &DefinitionError{WorkflowID: def.ID, Problems: problems}
	}
	return nil
}
