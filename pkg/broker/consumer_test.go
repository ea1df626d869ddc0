package broker

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"

	"github.com/aksbuzz/clickless/pkg/engineerr"
)

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

type fakeParker struct {
	parked  int
	attempt int
	err     error
}

func (p *fakeParker) park(_ amqp.Delivery, attempt int) error {
	if p.err != nil {
		return p.err
	}
	p.parked++
	p.attempt = attempt
	return nil
}

func newTestConsumer(parker *fakeParker) *Consumer {
	return &Consumer{
		queue:      "orchestration_queue",
		logger:     zerolog.Nop(),
		maxRetries: DefaultMaxRetries,
		republish:  parker.park,
	}
}

func TestSettleAcksOnSuccess(t *testing.T) {
	ack := &fakeAcknowledger{}
	parker := &fakeParker{}
	newTestConsumer(parker).settle(amqp.Delivery{Acknowledger: ack}, nil)
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Zero(t, parker.parked)
}

func TestSettleParksRetryableForDelayedRetry(t *testing.T) {
	ack := &fakeAcknowledger{}
	parker := &fakeParker{}
	err := engineerr.Retryable("orchestrate", "lock held elsewhere", nil)
	newTestConsumer(parker).settle(amqp.Delivery{Acknowledger: ack}, err)

	assert.Equal(t, 1, parker.parked)
	assert.Equal(t, 1, parker.attempt)
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
}

func TestSettleCarriesRetryCountForward(t *testing.T) {
	ack := &fakeAcknowledger{}
	parker := &fakeParker{}
	err := engineerr.Retryable("orchestrate", "lock held elsewhere", nil)
	d := amqp.Delivery{Acknowledger: ack, Headers: amqp.Table{retryCountHeader: int32(3)}}
	newTestConsumer(parker).settle(d, err)

	assert.Equal(t, 4, parker.attempt)
	assert.True(t, ack.acked)
}

func TestSettleDeadLettersWhenRetryBudgetExhausted(t *testing.T) {
	ack := &fakeAcknowledger{}
	parker := &fakeParker{}
	err := engineerr.Retryable("orchestrate", "lock held elsewhere", nil)
	d := amqp.Delivery{Acknowledger: ack, Headers: amqp.Table{retryCountHeader: int32(DefaultMaxRetries)}}
	newTestConsumer(parker).settle(d, err)

	assert.Zero(t, parker.parked)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestSettleRequeuesInPlaceWhenParkingFails(t *testing.T) {
	ack := &fakeAcknowledger{}
	parker := &fakeParker{err: errors.New("channel closed")}
	err := engineerr.Retryable("orchestrate", "lock held elsewhere", nil)
	newTestConsumer(parker).settle(amqp.Delivery{Acknowledger: ack}, err)

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestSettleDeadLettersNonRetryable(t *testing.T) {
	ack := &fakeAcknowledger{}
	parker := &fakeParker{}
	err := engineerr.NonRetryable("orchestrate", "malformed event", errors.New("bad json"))
	newTestConsumer(parker).settle(amqp.Delivery{Acknowledger: ack}, err)

	assert.Zero(t, parker.parked)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestRetryCountFromHeaders(t *testing.T) {
	assert.Zero(t, retryCountFrom(amqp.Delivery{}))
	assert.Equal(t, 2, retryCountFrom(amqp.Delivery{Headers: amqp.Table{retryCountHeader: int32(2)}}))
	assert.Equal(t, 5, retryCountFrom(amqp.Delivery{Headers: amqp.Table{retryCountHeader: int64(5)}}))
}

func TestRequestIDFromHeaders(t *testing.T) {
	d := amqp.Delivery{Headers: amqp.Table{"x-request-id": "req-7"}}
	assert.Equal(t, "req-7", requestIDFrom(d))
	assert.Empty(t, requestIDFrom(amqp.Delivery{}))
}
