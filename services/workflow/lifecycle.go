package workflow

var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled, StatusCompleted, StatusFailed},
}

// CanTransition reports whether an instance may move from one status to
// another. Terminal statuses have no way out.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves inst to the target status or reports why it cannot.
// Leaving a terminal status is ErrInvalidState; any other rejected move is
// ErrInvalidTransition.
func transition(inst *WorkflowInstance, to Status) error {
	if CanTransition(inst.Status, to) {
		if to.IsTerminal() {
			inst.finish(to, "")
		} else {
			inst.Status = to
		}
		return nil
	}
	err := ErrInvalidTransition
	if inst.Status.IsTerminal() {
		err = ErrInvalidState
	}
	return &TransitionError{InstanceID: inst.ID, From: inst.Status, To: to, Err: err}
}
