package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// Publisher sends a payload to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, requestID string) error
}

// AMQPPublisher publishes persistent messages through the default
// exchange, which routes by queue name.
type AMQPPublisher struct {
	ch     *amqp.Channel
	logger zerolog.Logger
}

// NewPublisher opens a channel and declares the topology on it.
func NewPublisher(b *Broker) (*AMQPPublisher, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	if err := DeclareTopology(ch); err != nil {
		ch.Close()
		return nil, err
	}
	return &AMQPPublisher{ch: ch, logger: b.logger}, nil
}

// Publish sends body to queue. The request id rides in a header so
// consumers can continue the trace.
func (p *AMQPPublisher) Publish(ctx context.Context, queue string, body []byte, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	headers := amqp.Table{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	err := p.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

// Close releases the channel.
func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}
