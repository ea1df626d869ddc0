// Package workflow holds the domain model of the execution engine:
// workflow definitions, instances, step executions and the opaque data
// document an instance accumulates as it runs.
package workflow

import "time"

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status absorbs all further events.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the lifecycle state of a single step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step types understood by the orchestrator. An empty type means "action".
const (
	StepTypeAction       = "action"
	StepTypeDelay        = "delay"
	StepTypeBranch       = "branch"
	StepTypeWaitForEvent = "wait_for_event"
)

// EndStep is the sentinel next-step name that completes an instance.
const EndStep = "end"

// Workflow is a named container for versions. At most one version is
// active at a time.
type Workflow struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Version is an immutable snapshot of a definition.
type Version struct {
	ID         string     `db:"id" json:"id"`
	WorkflowID string     `db:"workflow_id" json:"workflow_id"`
	Number     int        `db:"version" json:"version"`
	Active     bool       `db:"active" json:"active"`
	Definition Definition `db:"definition" json:"definition"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// RetryPolicy bounds re-execution of a failing step.
type RetryPolicy struct {
	MaxAttempts  int `json:"max_attempts"`
	DelaySeconds int `json:"delay_seconds"`
}

// DefaultRetryPolicy matches steps that declare no retry block: a single
// attempt, and the 5 s delay applies if a policy raises only max_attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, DelaySeconds: 5}
}

// RetryPolicyFrom fills defaults for unset fields of a step's retry block.
func RetryPolicyFrom(p *RetryPolicy) RetryPolicy {
	policy := DefaultRetryPolicy()
	if p == nil {
		return policy
	}
	if p.MaxAttempts > 0 {
		policy.MaxAttempts = p.MaxAttempts
	}
	if p.DelaySeconds > 0 {
		policy.DelaySeconds = p.DelaySeconds
	}
	return policy
}

// TriggerBinding binds a definition to an external trigger.
type TriggerBinding struct {
	ConnectorID string         `json:"connector_id"`
	TriggerID   string         `json:"trigger_id"`
	Config      map[string]any `json:"config,omitempty"`
}

// StepSpec is one node of the workflow graph.
type StepSpec struct {
	Type string `json:"type,omitempty"`
	Next string `json:"next,omitempty"`

	// Action steps.
	ActionID     string         `json:"action_id,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Retry        *RetryPolicy   `json:"retry,omitempty"`

	// Delay steps.
	DurationSeconds int `json:"duration_seconds,omitempty"`

	// Branch steps.
	Condition *Condition `json:"condition,omitempty"`
	OnTrue    string     `json:"on_true,omitempty"`
	OnFalse   string     `json:"on_false,omitempty"`

	// Wait steps.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// EffectiveType resolves the step type, defaulting to action. A bare
// duration_seconds also marks a delay step, matching definitions written
// before the type field existed.
func (s StepSpec) EffectiveType() string {
	if s.Type != "" {
		return s.Type
	}
	if s.DurationSeconds > 0 {
		return StepTypeDelay
	}
	return StepTypeAction
}

// Action resolves the action id, defaulting to the step name.
func (s StepSpec) Action(stepName string) string {
	if s.ActionID != "" {
		return s.ActionID
	}
	return stepName
}

// Definition is the graph a version snapshots.
type Definition struct {
	StartAt string              `json:"start_at"`
	Steps   map[string]StepSpec `json:"steps"`
	Trigger *TriggerBinding     `json:"trigger,omitempty"`
}

// Instance is one execution of a version.
type Instance struct {
	ID                  string    `db:"id" json:"id"`
	VersionID           string    `db:"version_id" json:"version_id"`
	Status              Status    `db:"status" json:"status"`
	CurrentStep         string    `db:"current_step" json:"current_step,omitempty"`
	CurrentStepAttempts int       `db:"current_step_attempts" json:"current_step_attempts"`
	Data                Data      `db:"data" json:"data"`
	RequestID           string    `db:"request_id" json:"request_id,omitempty"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// StepExecution is one attempt at one step for one instance.
type StepExecution struct {
	ID           string     `db:"id" json:"id"`
	InstanceID   string     `db:"instance_id" json:"instance_id"`
	StepName     string     `db:"step_name" json:"step_name"`
	Status       StepStatus `db:"status" json:"status"`
	Attempts     int        `db:"attempts" json:"attempts"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	InputData    Data       `db:"input_data" json:"input_data,omitempty"`
	OutputData   Data       `db:"output_data" json:"output_data,omitempty"`
	ErrorDetails string     `db:"error_details" json:"error_details,omitempty"`
}

// Connection is a stored credential bundle for a connector. Unique per
// (connector_id, name).
type Connection struct {
	ID          string    `db:"id" json:"id"`
	ConnectorID string    `db:"connector_id" json:"connector_id"`
	Name        string    `db:"name" json:"name"`
	Config      Data      `db:"config" json:"config"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
