package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"clinic/queue-service/internal/config"
	"clinic/queue-service/internal/store"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQBroker publishes queue item events to a durable queue.
type RabbitMQBroker struct {
	conn      *amqp.Connection
	ch        channel
	queueName string
	cb        *gobreaker.CircuitBreaker
}

func NewRabbitMQBroker(amqpURL, queueName string) (*RabbitMQBroker, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	return &RabbitMQBroker{
		conn:      conn,
		ch:        ch,
		queueName: queueName,
		cb:        config.NewCircuitBreaker("RabbitMQ-Publisher"),
	}, nil
}

func (b *RabbitMQBroker) Publish(ctx context.Context, event store.OutboxEvent) error {
	msg, err := BuildPublishing(event)
	if err != nil {
		return err
	}
	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, b.ch.PublishWithContext(ctx, "", b.queueName, false, false, msg)
	})
	return err
}

// BuildPublishing wraps an outbox row as a persistent JSON message. The event
// id doubles as the message id so consumers can dedupe redeliveries.
func BuildPublishing(event store.OutboxEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event %s: %w", event.EventID, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Type:         event.Type,
		Timestamp:    event.CreatedAt,
		Headers: amqp.Table{
			"organization_id": event.OrganizationID,
		},
		Body: body,
	}, nil
}

func (b *RabbitMQBroker) Close() error {
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			return err
		}
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
