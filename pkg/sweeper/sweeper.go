// Package sweeper re-dispatches workflow instances that stopped making
// progress, typically after a crash between an ack and a commit.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aksbuzz/clickless/pkg/domain/events"
	"github.com/aksbuzz/clickless/pkg/domain/workflow"
	"github.com/aksbuzz/clickless/pkg/locking"
	"github.com/aksbuzz/clickless/pkg/metrics"
	"github.com/aksbuzz/clickless/pkg/storage"
)

// DefaultStaleAfter is how long an instance may sit untouched before it
// counts as stuck. It must exceed the longest expected action runtime.
const DefaultStaleAfter = 60 * time.Second

// DefaultInterval is the sweep cadence.
const DefaultInterval = 30 * time.Second

// DefaultBatchSize bounds one sweep.
const DefaultBatchSize = 100

// recoveryLease matches the orchestrator's lock lease so a sweep never
// races an in-flight event for the same instance.
const recoveryLease = 30 * time.Second

// Repository is the slice of the storage transaction the sweeper
// touches. *storage.Tx satisfies it.
type Repository interface {
	FindStuckInstances(ctx context.Context, staleFor time.Duration, limit int) ([]storage.StuckInstance, error)
	LatestStepExecution(ctx context.Context, instanceID, stepName string) (workflow.StepExecution, error)
	HasPendingWakeup(ctx context.Context, instanceID, stepName string) (bool, error)
	SaveInstance(ctx context.Context, inst workflow.Instance) error
	ScheduleMessage(ctx context.Context, destination string, payload any, publishAt time.Time, requestID string) error
}

// UnitOfWork runs fn inside one transaction.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(Repository) error) error
}

type storeUnitOfWork struct {
	store *storage.Store
}

// NewUnitOfWork adapts a Store to the sweeper's transaction port.
func NewUnitOfWork(store *storage.Store) UnitOfWork {
	return storeUnitOfWork{store: store}
}

func (u storeUnitOfWork) WithinTx(ctx context.Context, fn func(Repository) error) error {
	return u.store.WithinTx(ctx, func(tx *storage.Tx) error {
		return fn(tx)
	})
}

// Sweeper periodically scans for stuck instances and re-dispatches them
// through the outbox.
type Sweeper struct {
	uow     UnitOfWork
	locker  locking.Locker
	metrics *metrics.Metrics
	logger  zerolog.Logger

	staleAfter time.Duration
	interval   time.Duration
	batchSize  int
}

// Option tweaks sweeper construction.
type Option func(*Sweeper)

// WithStaleAfter overrides the staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) { s.staleAfter = d }
}

// WithInterval overrides the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// New builds a sweeper.
func New(uow UnitOfWork, locker locking.Locker, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		uow:        uow,
		locker:     locker,
		metrics:    m,
		logger:     logger.With().Str("component", "sweeper").Logger(),
		staleAfter: DefaultStaleAfter,
		interval:   DefaultInterval,
		batchSize:  DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run schedules sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("stale_after", s.staleAfter).
		Msg("sweeper started")
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return ctx.Err()
}

// SweepOnce recovers one batch of stuck instances and reports how many
// were re-dispatched.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	recovered := 0
	err := s.uow.WithinTx(ctx, func(repo Repository) error {
		stuck, err := repo.FindStuckInstances(ctx, s.staleAfter, s.batchSize)
		if err != nil {
			return err
		}
		for _, st := range stuck {
			decision, err := s.recover(ctx, repo, st)
			if err != nil {
				return err
			}
			s.metrics.SweeperRecovered.WithLabelValues(decision).Inc()
			if decision != "locked" && decision != "waiting" {
				recovered++
			}
		}
		return nil
	})
	return recovered, err
}

// recover decides what a stuck instance needs. Pending instances restart
// from the top; running ones either resume past a step whose completion
// event was lost, or get their action re-dispatched.
func (s *Sweeper) recover(ctx context.Context, repo Repository, st storage.StuckInstance) (string, error) {
	inst := st.Instance
	logger := s.logger.With().Str("instance_id", inst.ID).Logger()

	release, ok := s.locker.Acquire(ctx, locking.InstanceLockKey(inst.ID), recoveryLease)
	if !ok {
		// Someone is actively working on it, so it is not stuck.
		return "locked", nil
	}
	defer release()

	if inst.Status == workflow.StatusPending {
		logger.Info().Msg("restarting pending instance")
		if err := repo.ScheduleMessage(ctx, events.OrchestrationQueue, events.WorkflowEvent{
			Type:       events.StartWorkflow,
			InstanceID: inst.ID,
			RequestID:  inst.RequestID,
		}, time.Time{}, inst.RequestID); err != nil {
			return "", err
		}
		return "restart", repo.SaveInstance(ctx, inst)
	}

	step, ok := st.Definition.Steps[inst.CurrentStep]
	if !ok {
		logger.Warn().Str("step", inst.CurrentStep).Msg("stuck on unknown step, leaving for the orchestrator")
		return "waiting", nil
	}

	switch step.EffectiveType() {
	case workflow.StepTypeWaitForEvent:
		// Sits idle on purpose; the event arrives from outside.
		return "waiting", nil
	case workflow.StepTypeDelay:
		pending, err := repo.HasPendingWakeup(ctx, inst.ID, inst.CurrentStep)
		if err != nil {
			return "", err
		}
		if pending {
			// The wake-up still sits in the outbox; the relay will
			// send it when its publish_at comes.
			return "waiting", nil
		}
		// Wake-up published and lost. The delay's execution completed
		// at dispatch, so resume carries the instance past it.
		exec, err := repo.LatestStepExecution(ctx, inst.ID, inst.CurrentStep)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		if err != nil || exec.Status != workflow.StepCompleted {
			return "waiting", nil
		}
		return s.resume(ctx, repo, inst, exec, logger)
	}

	exec, err := repo.LatestStepExecution(ctx, inst.ID, inst.CurrentStep)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if err == nil && exec.Status == workflow.StepCompleted {
		return s.resume(ctx, repo, inst, exec, logger)
	}

	logger.Info().Str("step", inst.CurrentStep).Msg("re-dispatching action")
	return s.redispatch(ctx, repo, inst, step)
}

// resume re-emits the completion event for a step whose result the
// orchestrator never saw.
func (s *Sweeper) resume(ctx context.Context, repo Repository, inst workflow.Instance, exec workflow.StepExecution, logger zerolog.Logger) (string, error) {
	logger.Info().Str("step", inst.CurrentStep).Msg("resuming past completed step")
	if err := repo.ScheduleMessage(ctx, events.OrchestrationQueue, events.WorkflowEvent{
		Type:       events.StepComplete,
		InstanceID: inst.ID,
		StepName:   inst.CurrentStep,
		Data:       exec.OutputData,
		RequestID:  inst.RequestID,
	}, time.Time{}, inst.RequestID); err != nil {
		return "", err
	}
	return "resume", repo.SaveInstance(ctx, inst)
}

func (s *Sweeper) redispatch(ctx context.Context, repo Repository, inst workflow.Instance, step workflow.StepSpec) (string, error) {
	if err := repo.ScheduleMessage(ctx, events.ActionsQueue, events.ActionMessage{
		Action:       step.Action(inst.CurrentStep),
		StepName:     inst.CurrentStep,
		InstanceID:   inst.ID,
		Config:       step.Config,
		ConnectionID: step.ConnectionID,
		RequestID:    inst.RequestID,
	}, time.Time{}, inst.RequestID); err != nil {
		return "", err
	}
	return "redispatch", repo.SaveInstance(ctx, inst)
}
