package worker

import (
	"context"

	"github.com/aksbuzz/clickless/pkg/broker"
	"github.com/aksbuzz/clickless/pkg/domain/events"
	"github.com/aksbuzz/clickless/pkg/engineerr"
)

// Handler adapts the worker to the broker consumer.
func (w *Worker) Handler() broker.Handler {
	return func(ctx context.Context, body []byte, requestID string) error {
		msg, err := events.DecodeActionMessage(body)
		if err != nil {
			return engineerr.NonRetryable("execute_action", "malformed action message", err)
		}
		if msg.RequestID == "" {
			msg.RequestID = requestID
		}
		return w.Execute(ctx, msg)
	}
}
