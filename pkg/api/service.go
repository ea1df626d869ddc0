// Package api exposes the control plane: definition management,
// instance lifecycle, inbound triggers and connection storage.
package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aksbuzz/clickless/pkg/connectors"
	"github.com/aksbuzz/clickless/pkg/domain/events"
	"github.com/aksbuzz/clickless/pkg/domain/workflow"
	"github.com/aksbuzz/clickless/pkg/storage"
)

// Sentinel errors the HTTP layer maps to status codes.
var (
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError carries every problem found in a definition so the
// author can fix them in one round trip.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid definition: %s", strings.Join(e.Problems, "; "))
}

// Repository is the slice of the storage transaction the API touches.
// *storage.Tx satisfies it.
type Repository interface {
	CreateWorkflow(ctx context.Context, name string) (string, error)
	GetWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error)
	ListWorkflows(ctx context.Context) ([]workflow.Workflow, error)
	CreateVersion(ctx context.Context, workflowID string, number int, def workflow.Definition) (string, error)
	DeactivateVersions(ctx context.Context, workflowID string) error
	MaxVersion(ctx context.Context, workflowID string) (int, error)
	ActiveVersion(ctx context.Context, workflowID string) (workflow.Version, error)
	ActiveVersionsByTrigger(ctx context.Context, connectorID, triggerID string) ([]storage.TriggeredVersion, error)
	CreateInstance(ctx context.Context, versionID string, data workflow.Data, requestID string) (string, error)
	GetInstance(ctx context.Context, instanceID string) (workflow.Instance, error)
	FindInstance(ctx context.Context, instanceID string) (workflow.Instance, workflow.Version, error)
	ListInstances(ctx context.Context, status, workflowID string, limit, offset int) ([]workflow.Instance, error)
	UpdateInstanceStatus(ctx context.Context, instanceID string, status workflow.Status) error
	ListStepExecutions(ctx context.Context, instanceID string) ([]workflow.StepExecution, error)
	CreateConnection(ctx context.Context, connectorID, name string, config workflow.Data) (string, error)
	GetConnection(ctx context.Context, connectionID string) (workflow.Connection, error)
	ListConnections(ctx context.Context, connectorID string) ([]workflow.Connection, error)
	UpdateConnection(ctx context.Context, connectionID, name string, config workflow.Data) error
	DeleteConnection(ctx context.Context, connectionID string) error
	ScheduleMessage(ctx context.Context, destination string, payload any, publishAt time.Time, requestID string) error
}

// UnitOfWork runs fn inside one transaction.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(Repository) error) error
}

type storeUnitOfWork struct {
	store *storage.Store
}

// NewUnitOfWork adapts a Store to the API's transaction port.
func NewUnitOfWork(store *storage.Store) UnitOfWork {
	return storeUnitOfWork{store: store}
}

func (u storeUnitOfWork) WithinTx(ctx context.Context, fn func(Repository) error) error {
	return u.store.WithinTx(ctx, func(tx *storage.Tx) error {
		return fn(tx)
	})
}

// Service implements the control plane operations.
type Service struct {
	uow      UnitOfWork
	registry *connectors.Registry
	logger   zerolog.Logger
}

// NewService builds the service. registry gates which action ids a
// definition may reference.
func NewService(uow UnitOfWork, registry *connectors.Registry, logger zerolog.Logger) *Service {
	return &Service{
		uow:      uow,
		registry: registry,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// validateDefinition combines the structural checks with the action
// catalog: a definition referencing an unregistered action would only
// fail at runtime otherwise.
func (s *Service) validateDefinition(def workflow.Definition) error {
	var problems []string
	for _, err := range def.Validate() {
		problems = append(problems, err.Error())
	}
	stepNames := make([]string, 0, len(def.Steps))
	for name := range def.Steps {
		stepNames = append(stepNames, name)
	}
	sort.Strings(stepNames)
	for _, name := range stepNames {
		step := def.Steps[name]
		if step.EffectiveType() != workflow.StepTypeAction {
			continue
		}
		if action := step.Action(name); !s.registry.Known(action) {
			problems = append(problems, fmt.Sprintf("step %q references unknown action %q", name, action))
		}
	}
	if def.Trigger != nil && !connectors.KnownConnector(def.Trigger.ConnectorID) {
		problems = append(problems, fmt.Sprintf("trigger references unknown connector %q", def.Trigger.ConnectorID))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// CreateWorkflow registers a named workflow with its first version.
func (s *Service) CreateWorkflow(ctx context.Context, name string, def workflow.Definition) (workflow.Workflow, workflow.Version, error) {
	if name == "" {
		return workflow.Workflow{}, workflow.Version{}, &ValidationError{Problems: []string{"workflow name is required"}}
	}
	if err := s.validateDefinition(def); err != nil {
		return workflow.Workflow{}, workflow.Version{}, err
	}

	var wf workflow.Workflow
	var version workflow.Version
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		workflowID, err := repo.CreateWorkflow(ctx, name)
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return fmt.Errorf("workflow %q already exists: %w", name, ErrConflict)
			}
			return err
		}
		versionID, err := repo.CreateVersion(ctx, workflowID, 1, def)
		if err != nil {
			return err
		}
		wf = workflow.Workflow{ID: workflowID, Name: name}
		version = workflow.Version{ID: versionID, WorkflowID: workflowID, Number: 1, Active: true, Definition: def}
		return nil
	})
	if err != nil {
		return workflow.Workflow{}, workflow.Version{}, err
	}
	s.logger.Info().Str("workflow_id", wf.ID).Str("name", name).Msg("workflow created")
	return wf, version, nil
}

// AddVersion snapshots a new definition as the active version.
func (s *Service) AddVersion(ctx context.Context, workflowID string, def workflow.Definition) (workflow.Version, error) {
	if err := s.validateDefinition(def); err != nil {
		return workflow.Version{}, err
	}

	var version workflow.Version
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		if _, err := repo.GetWorkflow(ctx, workflowID); err != nil {
			return err
		}
		max, err := repo.MaxVersion(ctx, workflowID)
		if err != nil {
			return err
		}
		if err := repo.DeactivateVersions(ctx, workflowID); err != nil {
			return err
		}
		versionID, err := repo.CreateVersion(ctx, workflowID, max+1, def)
		if err != nil {
			return err
		}
		version = workflow.Version{ID: versionID, WorkflowID: workflowID, Number: max + 1, Active: true, Definition: def}
		return nil
	})
	if err != nil {
		return workflow.Version{}, err
	}
	s.logger.Info().Str("workflow_id", workflowID).Int("version", version.Number).Msg("version published")
	return version, nil
}

// GetWorkflow returns a workflow with its active version.
func (s *Service) GetWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, workflow.Version, error) {
	var wf workflow.Workflow
	var version workflow.Version
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		var err error
		if wf, err = repo.GetWorkflow(ctx, workflowID); err != nil {
			return err
		}
		version, err = repo.ActiveVersion(ctx, workflowID)
		return err
	})
	return wf, version, err
}

// ListWorkflows returns every workflow.
func (s *Service) ListWorkflows(ctx context.Context) ([]workflow.Workflow, error) {
	var out []workflow.Workflow
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		var err error
		out, err = repo.ListWorkflows(ctx)
		return err
	})
	return out, err
}

// StartInstance creates a pending instance of the active version and
// schedules its start event. The instance id is returned immediately;
// execution proceeds asynchronously.
func (s *Service) StartInstance(ctx context.Context, workflowID string, data workflow.Data, requestID string) (string, error) {
	if len(data) == 0 {
		data = workflow.EmptyData()
	}
	var instanceID string
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		version, err := repo.ActiveVersion(ctx, workflowID)
		if err != nil {
			return err
		}
		instanceID, err = repo.CreateInstance(ctx, version.ID, data, requestID)
		if err != nil {
			return err
		}
		return repo.ScheduleMessage(ctx, events.OrchestrationQueue, events.WorkflowEvent{
			Type:       events.StartWorkflow,
			InstanceID: instanceID,
			RequestID:  requestID,
		}, time.Time{}, requestID)
	})
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("workflow_id", workflowID).Str("instance_id", instanceID).Msg("instance started")
	return instanceID, nil
}

// GetInstance returns an instance with its execution history.
func (s *Service) GetInstance(ctx context.Context, instanceID string) (workflow.Instance, []workflow.StepExecution, error) {
	var inst workflow.Instance
	var execs []workflow.StepExecution
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		var err error
		if inst, err = repo.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		execs, err = repo.ListStepExecutions(ctx, instanceID)
		return err
	})
	return inst, execs, err
}

// ListInstances returns instances filtered by status and workflow.
func (s *Service) ListInstances(ctx context.Context, status, workflowID string, limit, offset int) ([]workflow.Instance, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []workflow.Instance
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		var err error
		out, err = repo.ListInstances(ctx, status, workflowID, limit, offset)
		return err
	})
	return out, err
}

// CancelInstance marks a non-terminal instance cancelled. In-flight
// actions finish, but their outcome events are absorbed.
func (s *Service) CancelInstance(ctx context.Context, instanceID string) error {
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		inst, err := repo.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return fmt.Errorf("instance %s is already %s: %w", instanceID, inst.Status, ErrInvalidState)
		}
		return repo.UpdateInstanceStatus(ctx, instanceID, workflow.StatusCancelled)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("instance_id", instanceID).Msg("instance cancelled")
	return nil
}

// SendEvent completes the wait step an instance is parked on. Anything
// else is an invalid state: actions report through the worker, and
// terminal instances absorb nothing new.
func (s *Service) SendEvent(ctx context.Context, instanceID string, data workflow.Data) error {
	return s.uow.WithinTx(ctx, func(repo Repository) error {
		inst, version, err := repo.FindInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != workflow.StatusRunning {
			return fmt.Errorf("instance %s is %s, not running: %w", instanceID, inst.Status, ErrInvalidState)
		}
		step, ok := version.Definition.Steps[inst.CurrentStep]
		if !ok || step.EffectiveType() != workflow.StepTypeWaitForEvent {
			return fmt.Errorf("instance %s is not waiting for an event: %w", instanceID, ErrInvalidState)
		}
		return repo.ScheduleMessage(ctx, events.OrchestrationQueue, events.WorkflowEvent{
			Type:       events.StepComplete,
			InstanceID: instanceID,
			StepName:   inst.CurrentStep,
			Data:       data,
			RequestID:  inst.RequestID,
		}, time.Time{}, inst.RequestID)
	})
}
