// Package orchestrator advances workflow instances through their
// definitions, one event at a time, under a per-instance lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aksbuzz/clickless/pkg/domain/events"
	"github.com/aksbuzz/clickless/pkg/domain/workflow"
	"github.com/aksbuzz/clickless/pkg/engineerr"
	"github.com/aksbuzz/clickless/pkg/locking"
	"github.com/aksbuzz/clickless/pkg/metrics"
	"github.com/aksbuzz/clickless/pkg/storage"
)

// DefaultLockLease bounds how long a wedged orchestration can block an
// instance before another worker may claim it.
const DefaultLockLease = 30 * time.Second

// Orchestrator is the single writer for instance state. All mutation
// happens inside one transaction per event, serialized per instance by
// the lock.
type Orchestrator struct {
	uow     UnitOfWork
	locker  locking.Locker
	lease   time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// Option tweaks orchestrator construction.
type Option func(*Orchestrator)

// WithLockLease overrides the lock lease duration.
func WithLockLease(lease time.Duration) Option {
	return func(o *Orchestrator) { o.lease = lease }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator.
func New(uow UnitOfWork, locker locking.Locker, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		uow:     uow,
		locker:  locker,
		lease:   DefaultLockLease,
		metrics: m,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessEvent applies one event to its instance. Lock contention is
// reported retryable so the broker redelivers; an unknown instance is
// not, since redelivery cannot make it appear.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev events.WorkflowEvent) error {
	logger := o.logger.With().
		Str("instance_id", ev.InstanceID).
		Str("event_type", string(ev.Type)).
		Logger()
	if ev.RequestID != "" {
		logger = logger.With().Str("request_id", ev.RequestID).Logger()
	}

	release, ok := o.locker.Acquire(ctx, locking.InstanceLockKey(ev.InstanceID), o.lease)
	if !ok {
		o.metrics.EventsProcessed.WithLabelValues(string(ev.Type), "contended").Inc()
		return engineerr.Retryablef("orchestrate", "instance %s is locked", ev.InstanceID)
	}
	defer release()

	err := o.uow.WithinTx(ctx, func(repo Repository) error {
		inst, version, err := repo.FindInstance(ctx, ev.InstanceID)
		if errors.Is(err, storage.ErrNotFound) {
			return engineerr.NonRetryablef("orchestrate", "instance %s does not exist", ev.InstanceID)
		}
		if err != nil {
			return err
		}

		if inst.Status.Terminal() {
			logger.Info().Str("status", string(inst.Status)).Msg("event for terminal instance dropped")
			return nil
		}

		switch ev.Type {
		case events.StartWorkflow:
			return o.handleStart(ctx, repo, inst, version.Definition, ev, logger)
		case events.StepComplete:
			return o.handleCompletion(ctx, repo, inst, version.Definition, ev, logger)
		case events.StepFailed:
			return o.handleFailure(ctx, repo, inst, version.Definition, ev, logger)
		}
		return engineerr.NonRetryablef("orchestrate", "unhandled event type %q", ev.Type)
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	o.metrics.EventsProcessed.WithLabelValues(string(ev.Type), result).Inc()
	return err
}

func (o *Orchestrator) handleStart(ctx context.Context, repo Repository, inst workflow.Instance, def workflow.Definition, ev events.WorkflowEvent, logger zerolog.Logger) error {
	if inst.Status != workflow.StatusPending {
		logger.Warn().Str("status", string(inst.Status)).Msg("duplicate start dropped")
		return nil
	}
	if !ev.Data.IsEmpty() {
		merged, err := inst.Data.Merge(ev.Data)
		if err != nil {
			return engineerr.NonRetryable("orchestrate", "merging start data", err)
		}
		inst.Data = merged
	}

	inst.Status = workflow.StatusRunning
	o.metrics.InstancesStarted.Inc()
	logger.Info().Str("start_at", def.StartAt).Msg("instance started")
	return o.transitionToStep(ctx, repo, inst, def, def.StartAt, logger)
}

func (o *Orchestrator) handleCompletion(ctx context.Context, repo Repository, inst workflow.Instance, def workflow.Definition, ev events.WorkflowEvent, logger zerolog.Logger) error {
	if ev.StepName != inst.CurrentStep {
		logger.Warn().
			Str("event_step", ev.StepName).
			Str("current_step", inst.CurrentStep).
			Msg("stale completion dropped")
		return nil
	}

	if err := o.finishStepExecution(ctx, repo, inst.ID, ev.StepName, workflow.StepCompleted, ev.Data, ""); err != nil {
		return err
	}

	if !ev.Data.IsEmpty() {
		merged, err := inst.Data.Merge(ev.Data)
		if err != nil {
			return engineerr.NonRetryable("orchestrate", "merging step output", err)
		}
		inst.Data = merged
	}

	step, ok := def.Steps[ev.StepName]
	if !ok {
		return o.failInstance(ctx, repo, inst, fmt.Sprintf("Step '%s' not in definition", ev.StepName), logger)
	}
	logger.Info().Str("step", ev.StepName).Msg("step completed")
	return o.transitionToStep(ctx, repo, inst, def, step.Next, logger)
}

func (o *Orchestrator) handleFailure(ctx context.Context, repo Repository, inst workflow.Instance, def workflow.Definition, ev events.WorkflowEvent, logger zerolog.Logger) error {
	if ev.StepName != inst.CurrentStep {
		logger.Warn().
			Str("event_step", ev.StepName).
			Str("current_step", inst.CurrentStep).
			Msg("stale failure dropped")
		return nil
	}

	errMsg := ev.ErrorMessage()
	if err := o.finishStepExecution(ctx, repo, inst.ID, ev.StepName, workflow.StepFailed, ev.Data, errMsg); err != nil {
		return err
	}

	step, ok := def.Steps[ev.StepName]
	if !ok {
		return o.failInstance(ctx, repo, inst, errMsg, logger)
	}

	policy := workflow.RetryPolicyFrom(step.Retry)
	if step.EffectiveType() == workflow.StepTypeAction && inst.CurrentStepAttempts < policy.MaxAttempts {
		return o.retryStep(ctx, repo, inst, ev.StepName, step, policy, logger)
	}

	logger.Error().
		Str("step", ev.StepName).
		Int("attempts", inst.CurrentStepAttempts).
		Str("error", errMsg).
		Msg("step failed permanently")
	return o.failInstance(ctx, repo, inst, errMsg, logger)
}

func (o *Orchestrator) retryStep(ctx context.Context, repo Repository, inst workflow.Instance, stepName string, step workflow.StepSpec, policy workflow.RetryPolicy, logger zerolog.Logger) error {
	inst.CurrentStepAttempts++
	logger.Warn().
		Str("step", stepName).
		Int("attempt", inst.CurrentStepAttempts).
		Int("max_attempts", policy.MaxAttempts).
		Int("delay_seconds", policy.DelaySeconds).
		Msg("retrying step")

	if err := repo.AddStepExecution(ctx, workflow.StepExecution{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepName:   stepName,
		Status:     workflow.StepRunning,
		Attempts:   inst.CurrentStepAttempts,
		StartedAt:  o.now(),
		InputData:  inst.Data,
	}); err != nil {
		return err
	}

	publishAt := o.now().Add(time.Duration(policy.DelaySeconds) * time.Second)
	if err := repo.ScheduleMessage(ctx, events.ActionsQueue, o.actionMessage(inst, stepName, step), publishAt, inst.RequestID); err != nil {
		return err
	}
	return repo.SaveInstance(ctx, inst)
}

// transitionToStep moves the instance onto stepName and dispatches
// whatever the step type requires. Branch steps resolve recursively and
// never emit their own message.
func (o *Orchestrator) transitionToStep(ctx context.Context, repo Repository, inst workflow.Instance, def workflow.Definition, stepName string, logger zerolog.Logger) error {
	if stepName == "" || stepName == workflow.EndStep {
		return o.completeInstance(ctx, repo, inst, logger)
	}

	step, ok := def.Steps[stepName]
	if !ok {
		return o.failInstance(ctx, repo, inst, fmt.Sprintf("Unknown step '%s'", stepName), logger)
	}

	inst.Status = workflow.StatusRunning
	inst.CurrentStep = stepName
	inst.CurrentStepAttempts = 1

	switch step.EffectiveType() {
	case workflow.StepTypeBranch:
		return o.transitionBranch(ctx, repo, inst, def, stepName, step, logger)

	case workflow.StepTypeDelay:
		// The delay itself is the whole step: its execution completes at
		// dispatch time and the scheduled event only resumes the instance.
		startedAt := o.now()
		if err := repo.AddStepExecution(ctx, workflow.StepExecution{
			ID:          uuid.NewString(),
			InstanceID:  inst.ID,
			StepName:    stepName,
			Status:      workflow.StepCompleted,
			Attempts:    1,
			StartedAt:   startedAt,
			CompletedAt: &startedAt,
			InputData:   inst.Data,
		}); err != nil {
			return err
		}
		wakeAt := o.now().Add(time.Duration(step.DurationSeconds) * time.Second)
		resume := events.WorkflowEvent{
			Type:       events.StepComplete,
			InstanceID: inst.ID,
			StepName:   stepName,
			RequestID:  inst.RequestID,
		}
		if err := repo.ScheduleMessage(ctx, events.OrchestrationQueue, resume, wakeAt, inst.RequestID); err != nil {
			return err
		}
		logger.Info().Str("step", stepName).Int("duration_seconds", step.DurationSeconds).Msg("delay scheduled")

	case workflow.StepTypeWaitForEvent:
		if err := o.startStepExecution(ctx, repo, inst, stepName); err != nil {
			return err
		}
		if step.TimeoutSeconds > 0 {
			timeout := events.WorkflowEvent{
				Type:       events.StepFailed,
				InstanceID: inst.ID,
				StepName:   stepName,
				Data: mustData(map[string]any{
					"error": fmt.Sprintf("Wait step '%s' timed out after %ds", stepName, step.TimeoutSeconds),
				}),
				RequestID: inst.RequestID,
			}
			fireAt := o.now().Add(time.Duration(step.TimeoutSeconds) * time.Second)
			if err := repo.ScheduleMessage(ctx, events.OrchestrationQueue, timeout, fireAt, inst.RequestID); err != nil {
				return err
			}
		}
		logger.Info().Str("step", stepName).Msg("waiting for external event")

	default:
		if err := o.startStepExecution(ctx, repo, inst, stepName); err != nil {
			return err
		}
		if err := repo.ScheduleMessage(ctx, events.ActionsQueue, o.actionMessage(inst, stepName, step), time.Time{}, inst.RequestID); err != nil {
			return err
		}
		logger.Info().Str("step", stepName).Str("action", step.Action(stepName)).Msg("action dispatched")
	}

	return repo.SaveInstance(ctx, inst)
}

func (o *Orchestrator) transitionBranch(ctx context.Context, repo Repository, inst workflow.Instance, def workflow.Definition, stepName string, step workflow.StepSpec, logger zerolog.Logger) error {
	result := step.Condition != nil && step.Condition.Evaluate(inst.Data)
	next := step.OnFalse
	if result {
		next = step.OnTrue
	}

	completedAt := o.now()
	output, err := workflow.DataFrom(map[string]any{"branch_result": result, "next_step": next})
	if err != nil {
		return err
	}
	if err := repo.AddStepExecution(ctx, workflow.StepExecution{
		ID:          uuid.NewString(),
		InstanceID:  inst.ID,
		StepName:    stepName,
		Status:      workflow.StepCompleted,
		Attempts:    1,
		StartedAt:   completedAt,
		CompletedAt: &completedAt,
		InputData:   inst.Data,
		OutputData:  output,
	}); err != nil {
		return err
	}

	logger.Info().Str("step", stepName).Bool("condition_result", result).Str("next", next).Msg("branch resolved")
	return o.transitionToStep(ctx, repo, inst, def, next, logger)
}

func (o *Orchestrator) startStepExecution(ctx context.Context, repo Repository, inst workflow.Instance, stepName string) error {
	return repo.AddStepExecution(ctx, workflow.StepExecution{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StepName:   stepName,
		Status:     workflow.StepRunning,
		Attempts:   1,
		StartedAt:  o.now(),
		InputData:  inst.Data,
	})
}

// finishStepExecution stamps the latest attempt at a step. A missing
// execution row is tolerated: the sweeper can re-dispatch a step whose
// insert was lost with the crashed transaction.
func (o *Orchestrator) finishStepExecution(ctx context.Context, repo Repository, instanceID, stepName string, status workflow.StepStatus, output workflow.Data, errDetails string) error {
	exec, err := repo.LatestStepExecution(ctx, instanceID, stepName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if exec.Status == workflow.StepCompleted || exec.Status == workflow.StepFailed {
		return nil
	}

	completedAt := o.now()
	exec.Status = status
	exec.CompletedAt = &completedAt
	exec.OutputData = output
	exec.ErrorDetails = errDetails
	return repo.SaveStepExecution(ctx, exec)
}

func (o *Orchestrator) completeInstance(ctx context.Context, repo Repository, inst workflow.Instance, logger zerolog.Logger) error {
	inst.Status = workflow.StatusCompleted
	inst.CurrentStep = ""
	inst.CurrentStepAttempts = 0
	if err := repo.SaveInstance(ctx, inst); err != nil {
		return err
	}
	o.metrics.InstancesFinished.WithLabelValues(string(workflow.StatusCompleted)).Inc()
	logger.Info().Msg("instance completed")
	return nil
}

func (o *Orchestrator) failInstance(ctx context.Context, repo Repository, inst workflow.Instance, errMsg string, logger zerolog.Logger) error {
	merged, err := inst.Data.Merge(mustData(map[string]any{"error": errMsg}))
	if err == nil {
		inst.Data = merged
	}
	inst.Status = workflow.StatusFailed
	if err := repo.SaveInstance(ctx, inst); err != nil {
		return err
	}
	o.metrics.InstancesFinished.WithLabelValues(string(workflow.StatusFailed)).Inc()
	logger.Error().Str("error", errMsg).Msg("instance failed")
	return nil
}

func (o *Orchestrator) actionMessage(inst workflow.Instance, stepName string, step workflow.StepSpec) events.ActionMessage {
	return events.ActionMessage{
		Action:       step.Action(stepName),
		StepName:     stepName,
		InstanceID:   inst.ID,
		Config:       step.Config,
		ConnectionID: step.ConnectionID,
		RequestID:    inst.RequestID,
	}
}

func mustData(v map[string]any) workflow.Data {
	d, err := workflow.DataFrom(v)
	if err != nil {
		return workflow.EmptyData()
	}
	return d
}
