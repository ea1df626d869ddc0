// Package worker executes action steps. It owns no instance state: the
// only thing it ever writes is the outcome event for the orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aksbuzz/clickless/pkg/connectors"
	"github.com/aksbuzz/clickless/pkg/domain/events"
	"github.com/aksbuzz/clickless/pkg/domain/workflow"
	"github.com/aksbuzz/clickless/pkg/engineerr"
	"github.com/aksbuzz/clickless/pkg/metrics"
	"github.com/aksbuzz/clickless/pkg/storage"
)

// DefaultHandlerTimeout bounds one action invocation.
const DefaultHandlerTimeout = 30 * time.Second

// Repository is the slice of the storage transaction the worker touches.
// *storage.Tx satisfies it.
type Repository interface {
	GetInstance(ctx context.Context, instanceID string) (workflow.Instance, error)
	LatestStepExecution(ctx context.Context, instanceID, stepName string) (workflow.StepExecution, error)
	GetConnection(ctx context.Context, connectionID string) (workflow.Connection, error)
	ScheduleMessage(ctx context.Context, destination string, payload any, publishAt time.Time, requestID string) error
}

// UnitOfWork runs fn inside one transaction.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(Repository) error) error
}

type storeUnitOfWork struct {
	store *storage.Store
}

// NewUnitOfWork adapts a Store to the worker's transaction port.
func NewUnitOfWork(store *storage.Store) UnitOfWork {
	return storeUnitOfWork{store: store}
}

func (u storeUnitOfWork) WithinTx(ctx context.Context, fn func(Repository) error) error {
	return u.store.WithinTx(ctx, func(tx *storage.Tx) error {
		return fn(tx)
	})
}

// Worker runs action handlers and reports outcomes through the outbox.
type Worker struct {
	uow      UnitOfWork
	registry *connectors.Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	timeout  time.Duration
}

// Option tweaks worker construction.
type Option func(*Worker)

// WithHandlerTimeout overrides the per-action deadline.
func WithHandlerTimeout(d time.Duration) Option {
	return func(w *Worker) { w.timeout = d }
}

// New builds a worker.
func New(uow UnitOfWork, registry *connectors.Registry, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		uow:      uow,
		registry: registry,
		metrics:  m,
		logger:   logger.With().Str("component", "worker").Logger(),
		timeout:  DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute runs one action message end to end. A handler error is a step
// failure, not an infrastructure failure: it becomes a STEP_FAILED event
// and the message itself acks, leaving retries to the orchestrator's
// policy.
func (w *Worker) Execute(ctx context.Context, msg events.ActionMessage) error {
	logger := w.logger.With().
		Str("instance_id", msg.InstanceID).
		Str("step", msg.StepName).
		Str("action", msg.Action).
		Logger()
	if msg.RequestID != "" {
		logger = logger.With().Str("request_id", msg.RequestID).Logger()
	}

	var inst workflow.Instance
	var connection workflow.Data
	skip := false
	connectionMissing := false

	err := w.uow.WithinTx(ctx, func(repo Repository) error {
		var err error
		inst, err = repo.GetInstance(ctx, msg.InstanceID)
		if errors.Is(err, storage.ErrNotFound) {
			return engineerr.NonRetryablef("execute_action", "instance %s does not exist", msg.InstanceID)
		}
		if err != nil {
			return err
		}

		if inst.Status.Terminal() {
			logger.Info().Str("status", string(inst.Status)).Msg("action for terminal instance dropped")
			skip = true
			return nil
		}
		if inst.CurrentStep != msg.StepName {
			logger.Warn().Str("current_step", inst.CurrentStep).Msg("stale action dropped")
			skip = true
			return nil
		}

		// Redelivery after a crash-after-execute must not run the
		// action twice.
		exec, err := repo.LatestStepExecution(ctx, msg.InstanceID, msg.StepName)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err == nil && exec.Status == workflow.StepCompleted {
			logger.Info().Msg("step already completed, action skipped")
			skip = true
			return nil
		}

		if msg.ConnectionID != "" {
			conn, err := repo.GetConnection(ctx, msg.ConnectionID)
			if errors.Is(err, storage.ErrNotFound) {
				connectionMissing = true
				return nil
			}
			if err != nil {
				return err
			}
			connection = conn.Config
		}
		return nil
	})
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	if connectionMissing {
		return w.reportFailure(ctx, msg, fmt.Sprintf("Connection '%s' not found", msg.ConnectionID), logger)
	}

	handler, ok := w.registry.Lookup(msg.Action)
	if !ok {
		return w.reportFailure(ctx, msg, fmt.Sprintf("Unknown action '%s'", msg.Action), logger)
	}

	req := connectors.ActionRequest{
		Action:     msg.Action,
		StepName:   msg.StepName,
		InstanceID: msg.InstanceID,
		Config:     connectors.Render(mergeConfig(connection, msg.Config), inst.Data),
		Connection: connection,
		Data:       inst.Data,
	}

	started := time.Now()
	output, execErr := w.runHandler(ctx, handler, req)
	w.metrics.ActionDuration.WithLabelValues(msg.Action).Observe(time.Since(started).Seconds())

	if execErr != nil {
		w.metrics.ActionsExecuted.WithLabelValues(msg.Action, "error").Inc()
		logger.Warn().Err(execErr).Msg("action failed")
		return w.reportFailure(ctx, msg, execErr.Error(), logger)
	}

	w.metrics.ActionsExecuted.WithLabelValues(msg.Action, "ok").Inc()
	logger.Info().Msg("action completed")
	return w.uow.WithinTx(ctx, func(repo Repository) error {
		return repo.ScheduleMessage(ctx, events.OrchestrationQueue, events.WorkflowEvent{
			Type:       events.StepComplete,
			InstanceID: msg.InstanceID,
			StepName:   msg.StepName,
			Data:       output,
			RequestID:  msg.RequestID,
		}, time.Time{}, msg.RequestID)
	})
}

// runHandler applies the per-action deadline and converts panics into
// step failures so one bad handler cannot take the consumer down.
func (w *Worker) runHandler(ctx context.Context, handler connectors.ActionHandler, req connectors.ActionRequest) (output workflow.Data, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return handler.Execute(ctx, req)
}

func (w *Worker) reportFailure(ctx context.Context, msg events.ActionMessage, errMsg string, logger zerolog.Logger) error {
	logger.Error().Str("error", errMsg).Msg("reporting step failure")
	data, err := workflow.DataFrom(map[string]any{"error": errMsg})
	if err != nil {
		data = workflow.EmptyData()
	}
	return w.uow.WithinTx(ctx, func(repo Repository) error {
		return repo.ScheduleMessage(ctx, events.OrchestrationQueue, events.WorkflowEvent{
			Type:       events.StepFailed,
			InstanceID: msg.InstanceID,
			StepName:   msg.StepName,
			Data:       data,
			RequestID:  msg.RequestID,
		}, time.Time{}, msg.RequestID)
	})
}

// mergeConfig lays the step's inline config over the connection's
// defaults. Inline keys win.
func mergeConfig(connection workflow.Data, inline map[string]any) map[string]any {
	if connection == nil || connection.IsEmpty() {
		return inline
	}
	defaults := map[string]any{}
	if err := connection.Decode(&defaults); err != nil {
		return inline
	}
	merged := make(map[string]any, len(defaults)+len(inline))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range inline {
		merged[k] = v
	}
	return merged
}
