package relay

import (
	"fmt"

	"github.com/aksbuzz/clickless/pkg/domain/events"
)

// taskFor maps an outbox destination to the task consumers execute.
// Destinations outside this map are poison rows, not transient failures.
var taskFor = map[string]string{
	events.OrchestrationQueue: events.OrchestrateTask,
	events.ActionsQueue:       events.ExecuteActionTask,
}

// Route resolves the task for a destination queue.
func Route(destination string) (string, error) {
	task, ok := taskFor[destination]
	if !ok {
		return "", fmt.Errorf("no task registered for destination %q", destination)
	}
	return task, nil
}
