// Package broker wraps the AMQP connection, queue topology and the
// ack/nack policy shared by every consumer.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/aksbuzz/clickless/pkg/domain/events"
)

// Broker owns a single AMQP connection. Channels are cheap; connections
// are not, so publishers and consumers share one.
type Broker struct {
	conn   *amqp.Connection
	logger zerolog.Logger
}

// Dial connects to the broker, retrying with exponential backoff until
// the context is cancelled or the elapsed budget runs out.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Broker, error) {
	logger = logger.With().Str("component", "broker").Logger()

	var conn *amqp.Connection
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute

	err := backoff.Retry(func() error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			logger.Warn().Err(err).Msg("broker dial failed, retrying")
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	logger.Info().Msg("connected to broker")
	return &Broker{conn: conn, logger: logger}, nil
}

// Channel opens a fresh channel on the shared connection.
func (b *Broker) Channel() (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	return ch, nil
}

// Close tears down the connection and every channel on it.
func (b *Broker) Close() error {
	return b.conn.Close()
}

// NotifyClose relays connection-level errors so long-running loops can
// bail out instead of blocking on a dead delivery channel.
func (b *Broker) NotifyClose() <-chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// DeclareTopology declares the work queues with their retry and
// dead-letter counterparts. Rejected deliveries route through the
// default exchange straight to the matching DLQ; copies parked on a
// retry queue expire back onto the work queue.
func DeclareTopology(ch *amqp.Channel) error {
	dlqFor := map[string]string{
		events.OrchestrationQueue: events.OrchestrationDLQ,
		events.ActionsQueue:       events.ActionsDLQ,
	}
	for queue, dlq := range dlqFor {
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring queue %s: %w", dlq, err)
		}
		retryArgs := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}
		if _, err := ch.QueueDeclare(retryQueueFor(queue), true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("declaring queue %s: %w", retryQueueFor(queue), err)
		}
		args := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declaring queue %s: %w", queue, err)
		}
	}
	return nil
}

func retryQueueFor(queue string) string {
	return queue + ".retry"
}
