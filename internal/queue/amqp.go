package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tailorcv/pipeline/internal/job"
	"github.com/tailorcv/pipeline/shared/rabbitmq"
)

// Credential attributes travel as AMQP headers, never in the body, so
// body-level logging and tracing cannot see them.
const (
	headerProvider = "x-credential-provider"
	headerAPIKey   = "x-credential-api-key"
)

// AMQPQueue adapts the RabbitMQ client to the Queue contract. The
// broker's unacked-delivery window is the lease: a consumer crash or a
// nack with requeue makes the message visible again, a nack without
// requeue routes it to the dead-letter queue.
type AMQPQueue struct {
	client    *rabbitmq.Client
	queueName string
	tag       string
	prefetch  int
	maxBytes  int

	startOnce  sync.Once
	startErr   error
	deliveries <-chan amqp.Delivery
}

// AMQPConfig bounds the adapter.
type AMQPConfig struct {
	ConsumerTag string
	Prefetch    int
	MaxBytes    int
}

// NewAMQPQueue wraps client's work queue.
func NewAMQPQueue(client *rabbitmq.Client, cfg AMQPConfig) *AMQPQueue {
	return newAMQPQueue(client, client.QueueName(), cfg)
}

// NewAMQPDeadLetterReceiver wraps client's dead-letter queue for the
// reconciliation pass.
func NewAMQPDeadLetterReceiver(client *rabbitmq.Client, cfg AMQPConfig) *AMQPQueue {
	return newAMQPQueue(client, client.DeadLetterQueueName(), cfg)
}

func newAMQPQueue(client *rabbitmq.Client, queueName string, cfg AMQPConfig) *AMQPQueue {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 256 * 1024
	}
	return &AMQPQueue{
		client:    client,
		queueName: queueName,
		tag:       cfg.ConsumerTag,
		prefetch:  cfg.Prefetch,
		maxBytes:  cfg.MaxBytes,
	}
}

func (q *AMQPQueue) Publish(ctx context.Context, msg job.Message, attrs job.CredentialAttributes) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if len(body) > q.maxBytes {
		return ErrPayloadTooLarge
	}

	var headers amqp.Table
	if attrs.UserSupplied() {
		headers = amqp.Table{
			headerProvider: attrs.Provider,
			headerAPIKey:   attrs.APIKey,
		}
	}

	return q.client.PublishWithRetry(ctx, body, headers)
}

func (q *AMQPQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Leased, error) {
	q.startOnce.Do(func() {
		q.deliveries, q.startErr = q.client.Consume(q.queueName, q.tag, q.prefetch)
	})
	if q.startErr != nil {
		return nil, q.startErr
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	var leased []Leased

	// Block for the first delivery, then drain whatever else is
	// already buffered up to max.
	for len(leased) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case d, ok := <-q.deliveries:
			if !ok {
				return nil, fmt.Errorf("delivery channel closed")
			}
			if l := q.leaseDelivery(d); l != nil {
				leased = append(leased, l)
			}
		}
	}

	for len(leased) < max {
		select {
		case d, ok := <-q.deliveries:
			if !ok {
				return leased, nil
			}
			if l := q.leaseDelivery(d); l != nil {
				leased = append(leased, l)
			}
		default:
			return leased, nil
		}
	}
	return leased, nil
}

// leaseDelivery decodes a delivery, dead-lettering poison messages
// whose body cannot be parsed.
func (q *AMQPQueue) leaseDelivery(d amqp.Delivery) Leased {
	l, err := newAMQPLease(d)
	if err != nil {
		_ = d.Nack(false, false)
		return nil
	}
	return l
}

type amqpLease struct {
	delivery amqp.Delivery
	msg      job.Message
	attrs    job.CredentialAttributes
	attempt  int
}

func newAMQPLease(d amqp.Delivery) (*amqpLease, error) {
	var msg job.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message body: %w", err)
	}

	l := &amqpLease{
		delivery: d,
		msg:      msg,
		attempt:  deliveryAttempt(d),
	}
	if v, ok := d.Headers[headerProvider].(string); ok {
		l.attrs.Provider = v
	}
	if v, ok := d.Headers[headerAPIKey].(string); ok {
		l.attrs.APIKey = v
	}
	return l, nil
}

// deliveryAttempt derives the 1-based delivery count from the broker's
// redelivery bookkeeping: the x-death header when the message has been
// through the dead-letter cycle, the Redelivered flag otherwise. A
// plain requeue resets that bookkeeping, so the value is informational
// only; the retry budget is tracked on the job record.
func deliveryAttempt(d amqp.Delivery) int {
	attempt := 1
	if deaths, ok := d.Headers["x-death"].([]interface{}); ok {
		for _, raw := range deaths {
			death, ok := raw.(amqp.Table)
			if !ok {
				continue
			}
			if count, ok := death["count"].(int64); ok {
				attempt += int(count)
			}
		}
	} else if d.Redelivered {
		attempt = 2
	}
	return attempt
}

func (l *amqpLease) Message() job.Message { return l.msg }

func (l *amqpLease) Attributes() job.CredentialAttributes { return l.attrs }

func (l *amqpLease) Attempt() int { return l.attempt }

func (l *amqpLease) Ack() error {
	return l.delivery.Ack(false)
}

func (l *amqpLease) Nack(requeue bool) error {
	return l.delivery.Nack(false, requeue)
}

// ExtendLease is a no-op: the broker holds unacked deliveries for as
// long as the channel lives, so there is no per-message window to
// extend.
func (l *amqpLease) ExtendLease(time.Duration) error {
	return nil
}

var _ Queue = (*AMQPQueue)(nil)
