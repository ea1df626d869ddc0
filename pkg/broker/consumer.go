package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/aksbuzz/clickless/pkg/engineerr"
)

// Handler processes one delivery body. Returning a retryable error parks
// the message for a delayed retry; a non-retryable error dead-letters it.
type Handler func(ctx context.Context, body []byte, requestID string) error

// DefaultMaxRetries bounds how many times a retryable failure is retried
// before the message dead-letters. At retryDelay apart this covers well
// over a full lock lease of contention.
const DefaultMaxRetries = 12

// retryDelay is how long a parked copy waits before coming back. It
// rides the message as a per-message TTL on the retry queue.
const retryDelay = 5 * time.Second

const retryCountHeader = "x-retry-count"

// Consumer runs a handler over a queue with prefetch 1 and manual acks,
// so a crash mid-handler redelivers rather than loses the message.
type Consumer struct {
	broker     *Broker
	queue      string
	logger     zerolog.Logger
	maxRetries int

	// republish parks one delivery on the retry queue. Set by Run from
	// the live channel; tests inject their own.
	republish func(d amqp.Delivery, attempt int) error
}

// NewConsumer builds a consumer for the given queue.
func NewConsumer(b *Broker, queue string) *Consumer {
	return &Consumer{
		broker:     b,
		queue:      queue,
		logger:     b.logger.With().Str("queue", queue).Logger(),
		maxRetries: DefaultMaxRetries,
	}
}

// Run consumes until the context is cancelled or the channel dies.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	ch, err := c.broker.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := DeclareTopology(ch); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	c.republish = func(d amqp.Delivery, attempt int) error {
		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers[retryCountHeader] = int32(attempt)
		return ch.Publish("", retryQueueFor(c.queue), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         d.Body,
			Expiration:   strconv.FormatInt(retryDelay.Milliseconds(), 10),
		})
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", c.queue, err)
	}

	closed := c.broker.NotifyClose()
	c.logger.Info().Msg("consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			return fmt.Errorf("broker connection closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", c.queue)
			}
			c.settle(d, handler(ctx, d.Body, requestIDFrom(d)))
		}
	}
}

// settle applies the error taxonomy to one delivery. Retryable failures
// are parked on the retry queue and come back after retryDelay, so
// transient contention does not spin the message straight into the DLQ;
// the retry budget and non-retryable errors dead-letter.
func (c *Consumer) settle(d amqp.Delivery, err error) {
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error().Err(ackErr).Msg("ack failed")
		}
	case engineerr.IsRetryable(err):
		attempt := retryCountFrom(d) + 1
		if attempt > c.maxRetries {
			c.logger.Error().Err(err).Int("attempts", attempt-1).Msg("retry budget exhausted, dead-lettering")
			if nackErr := d.Nack(false, false); nackErr != nil {
				c.logger.Error().Err(nackErr).Msg("nack failed")
			}
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("handler failed, parking for retry")
		if pubErr := c.republish(d, attempt); pubErr != nil {
			c.logger.Error().Err(pubErr).Msg("parking failed, requeueing in place")
			if nackErr := d.Nack(false, true); nackErr != nil {
				c.logger.Error().Err(nackErr).Msg("nack failed")
			}
			return
		}
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error().Err(ackErr).Msg("ack failed")
		}
	default:
		c.logger.Error().Err(err).Msg("handler failed, dead-lettering")
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error().Err(nackErr).Msg("nack failed")
		}
	}
}

func retryCountFrom(d amqp.Delivery) int {
	switch v := d.Headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func requestIDFrom(d amqp.Delivery) string {
	if v, ok := d.Headers["x-request-id"].(string); ok {
		return v
	}
	return ""
}
