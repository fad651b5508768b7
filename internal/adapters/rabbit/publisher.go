package rabbit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/seat-allocation/internal/observability"
)

// TasksExchange carries task runs. The routing key is the task name.
const TasksExchange = "tro.tasks"

type Publisher struct {
	ch       *amqp.Channel
	attempts int
	backoff  time.Duration
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(TasksExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare exchange")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, errors.Wrap(err, "enable confirms")
	}
	return &Publisher{ch: ch, attempts: 3, backoff: 200 * time.Millisecond}, nil
}

// Publish sends body under key and waits for the broker confirm, retrying a
// few times before giving up.
func (p *Publisher) Publish(ctx context.Context, key, messageID string, body []byte) error {
	msg := amqp.Publishing{
		MessageId:    messageID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	var lastErr error
	for i := 0; i < p.attempts; i++ {
		if i > 0 {
			observability.RabbitPublishRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff * time.Duration(i)):
			}
		}
		conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, TasksExchange, key, false, false, msg)
		if err != nil {
			lastErr = err
			continue
		}
		ok, err := conf.WaitContext(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			lastErr = errors.Newf("broker nacked %s", key)
			continue
		}
		return nil
	}
	return errors.Wrapf(lastErr, "publish %s", key)
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
