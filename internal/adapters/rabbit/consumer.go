package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Consumer struct {
	ch    *amqp.Channel
	queue string
}

// NewConsumer declares a durable queue bound to TasksExchange for each of
// the given routing keys.
func NewConsumer(conn *amqp.Connection, queue string, keys ...string) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(TasksExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare exchange")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare queue")
	}
	for _, k := range keys {
		if err := ch.QueueBind(queue, k, TasksExchange, false, nil); err != nil {
			return nil, errors.Wrapf(err, "bind %s", k)
		}
	}
	if err := ch.Qos(8, 0, false); err != nil {
		return nil, errors.Wrap(err, "qos")
	}
	return &Consumer{ch: ch, queue: queue}, nil
}

func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
