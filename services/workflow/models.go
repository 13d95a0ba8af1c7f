package workflow

import "time"

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecutionMode selects how the engine drives a definition.
type ExecutionMode string

const (
	// ModeStepwise follows a single current-step pointer, one step per call.
	ModeStepwise ExecutionMode = "stepwise"
	// ModeDependency runs steps as their dependencies and conditions allow.
	ModeDependency ExecutionMode = "dependency"
)

// ConditionType is the kind of routing rule attached to a step.
type ConditionType string

const (
	ConditionSuccess ConditionType = "success"
	ConditionFailure ConditionType = "failure"
	ConditionAlways  ConditionType = "always"
	ConditionCustom  ConditionType = "custom"
)

// BackoffStrategy controls the delay between retry attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// NodeTypeDescriptor is a catalog entry describing what a node type requires.
type NodeTypeDescriptor struct {
	Name               string   `json:"name" yaml:"name"`
	RequiredParameters []string `json:"requiredParameters,omitempty" yaml:"required_parameters,omitempty"`
	Credentials        []string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// NodeTypeCatalog maps type names to their descriptors.
type NodeTypeCatalog map[string]NodeTypeDescriptor

// NewCatalog builds a catalog keyed by descriptor name.
func NewCatalog(descriptors ...NodeTypeDescriptor) NodeTypeCatalog {
	catalog := make(NodeTypeCatalog, len(descriptors))
	for _, d := range descriptors {
		catalog[d.Name] = d
	}
	return catalog
}

// CredentialRef points at a stored credential by id and display name.
type CredentialRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// GraphNode is a node of an authored graph, as seen by the validator.
type GraphNode struct {
	ID          string                   `json:"id" yaml:"id"`
	Name        string                   `json:"name,omitempty" yaml:"name,omitempty"`
	Type        string                   `json:"type" yaml:"type"`
	Parameters  map[string]any           `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Credentials map[string]CredentialRef `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

func (n GraphNode) label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// GraphEdge represents a directed connection between two nodes.
type GraphEdge struct {
	ID           string `json:"id" yaml:"id"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"source_handle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"target_handle,omitempty"`
}

// RetryPolicy bounds how often a failing handler is invoked.
type RetryPolicy struct {
	// MaxAttempts counts every invocation, the first one included.
	MaxAttempts     int             `json:"maxAttempts" yaml:"max_attempts"`
	BackoffStrategy BackoffStrategy `json:"backoffStrategy" yaml:"backoff_strategy"`
	BackoffDelay    time.Duration   `json:"backoffDelay" yaml:"backoff_delay"`
}

// WorkflowCondition routes control to NextStepID after a step finishes.
type WorkflowCondition struct {
	Type       ConditionType `json:"type" yaml:"type"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
	NextStepID string        `json:"nextStepId" yaml:"next_step"`
}

// WorkflowStep is the execution unit of a definition.
type WorkflowStep struct {
	ID           string              `json:"id" yaml:"id"`
	Name         string              `json:"name" yaml:"name"`
	Type         string              `json:"type" yaml:"type"`
	Action       string              `json:"action" yaml:"action"`
	Parameters   map[string]any      `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies []string            `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Conditions   []WorkflowCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Next         string              `json:"next,omitempty" yaml:"next,omitempty"`
	RetryPolicy  *RetryPolicy        `json:"retryPolicy,omitempty" yaml:"retry_policy,omitempty"`
	Timeout      time.Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Clone returns a deep copy of the step.
func (s WorkflowStep) Clone() WorkflowStep {
	out := s
	out.Parameters = cloneData(s.Parameters)
	if s.Dependencies != nil {
		out.Dependencies = append([]string(nil), s.Dependencies...)
	}
	if s.Conditions != nil {
		out.Conditions = append([]WorkflowCondition(nil), s.Conditions...)
	}
	if s.RetryPolicy != nil {
		rp := *s.RetryPolicy
		out.RetryPolicy = &rp
	}
	return out
}

// WorkflowDefinition is an immutable snapshot of a built workflow.
type WorkflowDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Mode        ExecutionMode  `json:"mode" yaml:"mode"`
	StartStepID string         `json:"startStepId,omitempty" yaml:"start_step,omitempty"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
}

// Clone returns a deep copy of the definition.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	out := d
	if d.Steps != nil {
		out.Steps = make([]WorkflowStep, len(d.Steps))
		for i, s := range d.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	return out
}

// Step looks up a step by id.
func (d *WorkflowDefinition) Step(id string) (*WorkflowStep, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

func (d *WorkflowDefinition) entryStepID() string {
	if d.StartStepID != "" {
		return d.StartStepID
	}
	if len(d.Steps) > 0 {
		return d.Steps[0].ID
	}
	return ""
}

// StepResult is what a handler returns; Data is merged into the instance.
type StepResult struct {
	Data map[string]any `json:"data"`
}

// WorkflowInstance is one execution of a definition.
type WorkflowInstance struct {
	ID            string                `json:"id"`
	WorkflowID    string                `json:"workflowId"`
	Mode          ExecutionMode         `json:"mode"`
	Status        Status                `json:"status"`
	CurrentStepID string                `json:"currentStepId,omitempty"`
	StartTime     time.Time             `json:"startTime"`
	EndTime       *time.Time            `json:"endTime,omitempty"`
	Data          map[string]any        `json:"data"`
	Results       map[string]StepResult `json:"results"`
	Error         string                `json:"error,omitempty"`
	StepCount     int                   `json:"stepCount"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	if i == nil {
		return nil
	}
	out := *i
	if i.EndTime != nil {
		t := *i.EndTime
		out.EndTime = &t
	}
	out.Data = cloneData(i.Data)
	if i.Results != nil {
		out.Results = make(map[string]StepResult, len(i.Results))
		for k, v := range i.Results {
			out.Results[k] = StepResult{Data: cloneData(v.Data)}
		}
	}
	return &out
}

// finish moves the instance into a terminal status and stamps EndTime.
func (i *WorkflowInstance) finish(status Status, errMsg string) {
	now := time.Now().UTC()
	i.Status = status
	i.EndTime = &now
	if errMsg != "" {
		i.Error = errMsg
	}
}

// ExecutionResult is the aggregate outcome of a dependency-mode run.
type ExecutionResult struct {
	Success    bool                  `json:"success"`
	Context    map[string]any        `json:"context"`
	Results    map[string]StepResult `json:"results"`
	Completed  []string              `json:"completed"`
	Failed     []string              `json:"failed,omitempty"`
	Skipped    []string              `json:"skipped,omitempty"`
	FailedStep string                `json:"failedStep,omitempty"`
	Error      string                `json:"error,omitempty"`
}
