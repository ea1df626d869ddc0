// Package relay moves committed outbox intents onto the broker. It is
// the only component that talks to both the database and the broker, so
// a broker outage never loses state, only delays it.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aksbuzz/clickless/pkg/broker"
	"github.com/aksbuzz/clickless/pkg/metrics"
	"github.com/aksbuzz/clickless/pkg/storage"
)

// DefaultPollInterval is how often the relay checks for due messages.
const DefaultPollInterval = time.Second

// DefaultBatchSize bounds one poll's claim.
const DefaultBatchSize = 100

// Relay polls the outbox and publishes due messages in publish_at order.
type Relay struct {
	store     *storage.Store
	publisher broker.Publisher
	breaker   *gobreaker.CircuitBreaker
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	pollInterval time.Duration
	batchSize    int
}

// Option tweaks relay construction.
type Option func(*Relay)

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) { r.pollInterval = d }
}

// WithBatchSize overrides the per-poll claim limit.
func WithBatchSize(n int) Option {
	return func(r *Relay) { r.batchSize = n }
}

// New builds a relay. The circuit breaker opens after consecutive
// publish failures so a dead broker costs one cheap error per poll
// instead of a full batch of timeouts.
func New(store *storage.Store, publisher broker.Publisher, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Relay {
	r := &Relay{
		store:        store,
		publisher:    publisher,
		metrics:      m,
		logger:       logger.With().Str("component", "relay").Logger(),
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "relay-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			r.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("publish breaker state changed")
		},
	})
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("poll_interval", r.pollInterval).
		Int("batch_size", r.batchSize).
		Msg("relay started")

	for {
		published, err := r.RelayOnce(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("relay cycle failed")
		}

		// A non-empty batch means more rows may already be due; drain
		// them before going back to sleep.
		if err == nil && published > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce claims one batch, publishes in order, and marks what made it
// to the broker. The first publish failure stops the batch: later
// messages keep their order and retry next poll, while the ones already
// out are marked so they are not sent twice.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.store.WithinTx(ctx, func(tx *storage.Tx) error {
		msgs, err := tx.FetchDueMessages(ctx, r.batchSize)
		if err != nil {
			return err
		}
		r.metrics.RelayBatchSize.Observe(float64(len(msgs)))
		if len(msgs) == 0 {
			return nil
		}

		done := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			if _, err := Route(msg.Destination); err != nil {
				// A poison row would block every later message in
				// publish_at order, so retire it with the reason and
				// move on.
				r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("unroutable outbox message retired")
				if retireErr := tx.RetireMessage(ctx, msg.ID, err.Error()); retireErr != nil {
					return retireErr
				}
				continue
			}

			_, err := r.breaker.Execute(func() (any, error) {
				return nil, r.publisher.Publish(ctx, msg.Destination, msg.Payload, msg.RequestID)
			})
			if err != nil {
				r.logger.Warn().Err(err).
					Str("message_id", msg.ID).
					Str("destination", msg.Destination).
					Msg("publish failed, stopping batch")
				break
			}
			done = append(done, msg.ID)
			published++
			r.metrics.RelayPublished.WithLabelValues(msg.Destination).Inc()
		}
		return tx.MarkProcessed(ctx, done)
	})
	return published, err
}
