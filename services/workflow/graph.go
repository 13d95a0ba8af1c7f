package workflow

import "fmt"

// findCycles runs a three-colour depth-first search from every id in order.
// The visited set is shared between start points, so each back edge is seen
// once; the returned ids are the nodes that closed a cycle, each reported at
// most once, in discovery order.
func findCycles(order []string, adj map[string][]string) []string {
	visited := make(map[string]bool, len(order))
	onStack := make(map[string]bool)
	reported := make(map[string]bool)
	var found []string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = true

		for _, next := range adj[id] {
			if onStack[next] {
				if !reported[next] {
					reported[next] = true
					found = append(found, next)
				}
				continue
			}
			if !visited[next] {
				visit(next)
			}
		}

		delete(onStack, id)
	}

	for _, id := range order {
		if !visited[id] {
			visit(id)
		}
	}
	return found
}

// stepEdges builds the execution graph of a step set: dependency edges point
// from the dependency to the dependent, condition edges from a step to its
// routing target. References to unknown steps are ignored here.
func stepEdges(steps []WorkflowStep) ([]string, map[string][]string) {
	order := make([]string, 0, len(steps))
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		order = append(order, s.ID)
		known[s.ID] = true
	}

	adj := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if known[dep] {
				adj[dep] = append(adj[dep], s.ID)
			}
		}
		for _, c := range s.Conditions {
			if known[c.NextStepID] {
				adj[s.ID] = append(adj[s.ID], c.NextStepID)
			}
		}
	}
	return order, adj
}

// TopologicalOrder returns step ids so that every step comes after its
// dependencies and after any step that routes to it. Ties keep declaration
// order. A cyclic step set yields ErrCycleDetected.
func TopologicalOrder(steps []WorkflowStep) ([]string, error) {
	order, adj := stepEdges(steps)

	if cycles := findCycles(order, adj); len(cycles) > 0 {
		return nil, fmt.Errorf("%w involving step %q", ErrCycleDetected, cycles[0])
	}

	indegree := make(map[string]int, len(order))
	for _, targets := range adj {
		for _, t := range targets {
			indegree[t]++
		}
	}

	sorted := make([]string, 0, len(order))
	done := make(map[string]bool, len(order))
	for len(sorted) < len(order) {
		progressed := false
		for _, id := range order {
			if done[id] || indegree[id] > 0 {
				continue
			}
			done[id] = true
			sorted = append(sorted, id)
			for _, t := range adj[id] {
				indegree[t]--
			}
			progressed = true
		}
		if !progressed {
			// Unreachable once findCycles reported nothing.
			return nil, ErrCycleDetected
		}
	}
	return sorted, nil
}
