// Package events defines the wire payloads that travel between the
// orchestrator, relay and worker.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

// Type discriminates orchestration events.
type Type string

const (
	StartWorkflow Type = "START_WORKFLOW"
	StepComplete  Type = "STEP_COMPLETE"
	StepFailed    Type = "STEP_FAILED"
)

// Queue names. The relay routes outbox destinations to these.
const (
	OrchestrationQueue = "orchestration_queue"
	ActionsQueue       = "actions_queue"
	OrchestrationDLQ   = "orchestration_dlq"
	ActionsDLQ         = "actions_dlq"
)

// Task names the relay resolves destinations to.
const (
	OrchestrateTask   = "engine.orchestrate"
	ExecuteActionTask = "worker.execute_action"
)

// WorkflowEvent is a message on the orchestration queue.
type WorkflowEvent struct {
	Type       Type          `json:"type"`
	InstanceID string        `json:"instance_id"`
	StepName   string        `json:"step_name,omitempty"`
	Data       workflow.Data `json:"data,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
}

// Validate checks the event carries what its type requires.
func (e WorkflowEvent) Validate() error {
	if e.InstanceID == "" {
		return fmt.Errorf("workflow event missing instance_id")
	}
	switch e.Type {
	case StartWorkflow:
		return nil
	case StepComplete, StepFailed:
		if e.StepName == "" {
			return fmt.Errorf("%s event missing step_name", e.Type)
		}
		return nil
	}
	return fmt.Errorf("unknown event type %q", e.Type)
}

// ErrorMessage extracts data.error, defaulting to "Unknown error". Used
// when a STEP_FAILED exhausts its retry budget.
func (e WorkflowEvent) ErrorMessage() string {
	if msg := e.Data.Resolve("error"); msg.Exists() {
		return msg.String()
	}
	return "Unknown error"
}

// ActionMessage is a message on the actions queue.
type ActionMessage struct {
	Action       string         `json:"action"`
	StepName     string         `json:"step_name"`
	InstanceID   string         `json:"instance_id"`
	Config       map[string]any `json:"config"`
	ConnectionID string         `json:"connection_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
}

// Validate checks required action message fields.
func (m ActionMessage) Validate() error {
	if m.Action == "" {
		return fmt.Errorf("action message missing action")
	}
	if m.InstanceID == "" {
		return fmt.Errorf("action message missing instance_id")
	}
	if m.StepName == "" {
		return fmt.Errorf("action message missing step_name")
	}
	return nil
}

// DecodeWorkflowEvent parses an orchestration queue payload.
func DecodeWorkflowEvent(raw []byte) (WorkflowEvent, error) {
	var ev WorkflowEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("decoding workflow event: %w", err)
	}
	return ev, ev.Validate()
}

// DecodeActionMessage parses an actions queue payload.
func DecodeActionMessage(raw []byte) (ActionMessage, error) {
	var msg ActionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decoding action message: %w", err)
	}
	return msg, msg.Validate()
}
