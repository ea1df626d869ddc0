package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aksbuzz/clickless/pkg/domain/events"
)

// OutboxMessage is a durable intent waiting for the relay. Rows are never
// deleted by the engine; processed_at flips null to a timestamp exactly
// once.
type OutboxMessage struct {
	ID          string          `db:"id"`
	Destination string          `db:"destination"`
	Payload     json.RawMessage `db:"payload"`
	PublishAt   time.Time       `db:"publish_at"`
	ProcessedAt *time.Time      `db:"processed_at"`
	CreatedAt   time.Time       `db:"created_at"`
	RequestID   string          `db:"request_id"`
}

// ScheduleMessage inserts an intent in the current transaction. A zero
// publishAt means "send as soon as the relay sees it".
func (t *Tx) ScheduleMessage(ctx context.Context, destination string, payload any, publishAt time.Time, requestID string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding outbox payload: %w", err)
	}
	if publishAt.IsZero() {
		publishAt = t.now()
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO outbox (id, destination, payload, publish_at, request_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
		uuid.NewString(), destination, raw, publishAt.UTC(), requestID)
	if err != nil {
		return fmt.Errorf("scheduling outbox message: %w", err)
	}
	return nil
}

// FetchDueMessages claims up to limit unprocessed rows whose publish_at
// has passed, oldest first. SKIP LOCKED keeps concurrent relay workers
// from fighting over the same batch.
func (t *Tx) FetchDueMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var rows []struct {
		ID          string          `db:"id"`
		Destination string          `db:"destination"`
		Payload     json.RawMessage `db:"payload"`
		PublishAt   time.Time       `db:"publish_at"`
		CreatedAt   time.Time       `db:"created_at"`
		RequestID   sql.NullString  `db:"request_id"`
	}
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT id, destination, payload, publish_at, created_at, request_id
		FROM outbox
		WHERE processed_at IS NULL AND publish_at <= now()
		ORDER BY publish_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching due outbox messages: %w", err)
	}

	out := make([]OutboxMessage, len(rows))
	for i, r := range rows {
		out[i] = OutboxMessage{
			ID:          r.ID,
			Destination: r.Destination,
			Payload:     r.Payload,
			PublishAt:   r.PublishAt,
			CreatedAt:   r.CreatedAt,
			RequestID:   r.RequestID.String,
		}
	}
	return out, nil
}

// HasPendingWakeup reports whether an unprocessed orchestration message
// for the given instance and step still sits in the outbox. The sweeper
// uses it to tell a delay waiting on its scheduled wake-up from one
// whose wake-up was published and lost.
func (t *Tx) HasPendingWakeup(ctx context.Context, instanceID, stepName string) (bool, error) {
	var pending bool
	err := t.tx.GetContext(ctx, &pending, `
		SELECT EXISTS (
			SELECT 1 FROM outbox
			WHERE processed_at IS NULL
			  AND destination = $1
			  AND payload->>'instance_id' = $2
			  AND payload->>'step_name' = $3)`,
		events.OrchestrationQueue, instanceID, stepName)
	if err != nil {
		return false, fmt.Errorf("checking pending wakeup: %w", err)
	}
	return pending, nil
}

// RetireMessage marks a row processed with the reason it was dropped,
// so a misrouted intent stays diagnosable on the row instead of only in
// a log line.
func (t *Tx) RetireMessage(ctx context.Context, id, reason string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE outbox SET processed_at = now(), error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("retiring outbox message: %w", err)
	}
	return nil
}

// MarkProcessed stamps processed_at on the given rows.
func (t *Tx) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE outbox SET processed_at = now() WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("marking outbox messages processed: %w", err)
	}
	return nil
}
