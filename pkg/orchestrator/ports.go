package orchestrator

import (
	"context"
	"time"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
	"github.com/aksbuzz/clickless/pkg/storage"
)

// Repository is the slice of the storage transaction the orchestrator
// touches. *storage.Tx satisfies it.
type Repository interface {
	FindInstance(ctx context.Context, instanceID string) (workflow.Instance, workflow.Version, error)
	SaveInstance(ctx context.Context, inst workflow.Instance) error
	AddStepExecution(ctx context.Context, exec workflow.StepExecution) error
	SaveStepExecution(ctx context.Context, exec workflow.StepExecution) error
	LatestStepExecution(ctx context.Context, instanceID, stepName string) (workflow.StepExecution, error)
	ScheduleMessage(ctx context.Context, destination string, payload any, publishAt time.Time, requestID string) error
}

// UnitOfWork runs fn inside one transaction. Everything an event does to
// an instance commits or rolls back together with its outbox writes.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(Repository) error) error
}

type storeUnitOfWork struct {
	store *storage.Store
}

// NewUnitOfWork adapts a Store to the orchestrator's transaction port.
func NewUnitOfWork(store *storage.Store) UnitOfWork {
	return storeUnitOfWork{store: store}
}

func (u storeUnitOfWork) WithinTx(ctx context.Context, fn func(Repository) error) error {
	return u.store.WithinTx(ctx, func(tx *storage.Tx) error {
		return fn(tx)
	})
}
