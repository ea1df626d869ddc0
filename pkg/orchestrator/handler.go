package orchestrator

import (
	"context"

	"github.com/aksbuzz/clickless/pkg/broker"
	"github.com/aksbuzz/clickless/pkg/domain/events"
	"github.com/aksbuzz/clickless/pkg/engineerr"
)

// Handler adapts the orchestrator to the broker consumer. Malformed
// payloads dead-letter immediately; redelivery cannot fix them.
func (o *Orchestrator) Handler() broker.Handler {
	return func(ctx context.Context, body []byte, requestID string) error {
		ev, err := events.DecodeWorkflowEvent(body)
		if err != nil {
			return engineerr.NonRetryable("orchestrate", "malformed workflow event", err)
		}
		if ev.RequestID == "" {
			ev.RequestID = requestID
		}
		return o.ProcessEvent(ctx, ev)
	}
}
