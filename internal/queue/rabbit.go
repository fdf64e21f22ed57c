package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/gas-pipeline/shared/rabbitmq"
)

// Broker is the part of rabbitmq.Client the queue adapters use
type Broker interface {
	Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	Publish(ctx context.Context, routingKey string, body []byte, opts rabbitmq.PublishOptions) error
}

// RabbitConsumer consumes a work queue declared with rabbitmq.Client.DeclareQueue
type RabbitConsumer struct {
	broker      Broker
	spec        rabbitmq.QueueSpec
	consumerTag string
	prefetch    int
	logger      *slog.Logger

	once       sync.Once
	deliveries <-chan amqp.Delivery
	startErr   error
}

// NewRabbitConsumer creates a consumer for spec. Consumption starts on the
// first Poll.
func NewRabbitConsumer(broker Broker, spec rabbitmq.QueueSpec, consumerTag string, prefetch int, logger *slog.Logger) *RabbitConsumer {
	return &RabbitConsumer{
		broker:      broker,
		spec:        spec,
		consumerTag: consumerTag,
		prefetch:    prefetch,
		logger:      logger,
	}
}

func (c *RabbitConsumer) start() error {
	c.once.Do(func() {
		c.deliveries, c.startErr = c.broker.Consume(c.spec.Name, c.consumerTag, c.prefetch)
	})
	return c.startErr
}

// Poll waits up to wait for the first delivery, then drains what is already
// buffered up to max without blocking again.
func (c *RabbitConsumer) Poll(ctx context.Context, max int, wait time.Duration) ([]*Message, error) {
	if err := c.start(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var messages []*Message

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case delivery, ok := <-c.deliveries:
		if !ok {
			return nil, fmt.Errorf("delivery channel for %s: %w", c.spec.Name, ErrConsumerClosed)
		}
		messages = append(messages, c.message(delivery))
	}

	for len(messages) < max {
		select {
		case delivery, ok := <-c.deliveries:
			if !ok {
				return messages, nil
			}
			messages = append(messages, c.message(delivery))
		default:
			return messages, nil
		}
	}

	return messages, nil
}

func (c *RabbitConsumer) message(d amqp.Delivery) *Message {
	id := d.MessageId
	if id == "" {
		id = fmt.Sprintf("%s-%d", c.consumerTag, d.DeliveryTag)
	}

	return &Message{
		ID:      id,
		Body:    d.Body,
		Attempt: attempt(d),
		Receipt: d,
	}
}

// attempt counts prior trips through the work queue recorded by the broker
// in the x-death header.
func attempt(d amqp.Delivery) int {
	n := 1
	deaths, ok := d.Headers["x-death"].([]interface{})
	if !ok {
		return n
	}
	for _, entry := range deaths {
		table, ok := entry.(amqp.Table)
		if !ok || table["reason"] != "rejected" {
			continue
		}
		if count, ok := table["count"].(int64); ok {
			n += int(count)
		}
	}
	return n
}

func delivery(msg *Message) (amqp.Delivery, error) {
	d, ok := msg.Receipt.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("message %s has no AMQP delivery", msg.ID)
	}
	return d, nil
}

// Ack removes the message from the queue
func (c *RabbitConsumer) Ack(_ context.Context, msg *Message) error {
	d, err := delivery(msg)
	if err != nil {
		return err
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}
	return nil
}

// Release rejects the message into the wait queue, from which it returns
// after the queue's visibility timeout.
func (c *RabbitConsumer) Release(_ context.Context, msg *Message) error {
	d, err := delivery(msg)
	if err != nil {
		return err
	}
	if err := d.Nack(false, false); err != nil {
		return fmt.Errorf("failed to release message %s: %w", msg.ID, err)
	}
	return nil
}

// Delay republishes the body to the delay queue with a per-message
// expiration and acks the original. A crash in between leaves a duplicate, which
// handlers tolerate.
func (c *RabbitConsumer) Delay(ctx context.Context, msg *Message, d time.Duration) error {
	orig, err := delivery(msg)
	if err != nil {
		return err
	}

	if d < time.Millisecond {
		d = time.Millisecond
	}

	err = c.broker.Publish(ctx, c.spec.DelayRoutingKey(), orig.Body, rabbitmq.PublishOptions{
		Expiration: d,
		MessageID:  orig.MessageId,
	})
	if err != nil {
		return fmt.Errorf("failed to delay message %s: %w", msg.ID, err)
	}

	if err := orig.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delayed message %s: %w", msg.ID, err)
	}

	c.logger.Debug("Message delayed",
		slog.String("message_id", msg.ID),
		slog.String("queue", c.spec.Name),
		slog.Duration("delay", d),
	)

	return nil
}

// RabbitPublisher publishes to routing keys on the client's exchange
type RabbitPublisher struct {
	broker Broker
}

// NewRabbitPublisher creates a publisher on broker
func NewRabbitPublisher(broker Broker) *RabbitPublisher {
	return &RabbitPublisher{broker: broker}
}

// Publish sends body with routing key destination
func (p *RabbitPublisher) Publish(ctx context.Context, destination string, body []byte) error {
	return p.broker.Publish(ctx, destination, body, rabbitmq.PublishOptions{})
}
