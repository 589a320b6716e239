package messaging

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ owns one connection with separate channels for consuming and
// publishing.
type RabbitMQ struct {
	conn     *amqp.Connection
	Channel  *amqp.Channel
	publish  *amqp.Channel
	prefetch int

	closeOnce sync.Once
}

func NewRabbitMQ(uri string, prefetch int) (*RabbitMQ, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create publish channel: %w", err)
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	return &RabbitMQ{
		conn:     conn,
		Channel:  ch,
		publish:  pub,
		prefetch: prefetch,
	}, nil
}

func (r *RabbitMQ) DeclareTopology(t Topology) error {
	return t.Declare(r.Channel)
}

// Consume starts a manual-ack consumer. The returned channel is closed when
// the connection or channel goes away.
func (r *RabbitMQ) Consume(queue string) (<-chan amqp.Delivery, error) {
	deliveries, err := r.Channel.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	return deliveries, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, env Envelope) error {
	if err := r.publish.PublishWithContext(ctx,
		env.Exchange,   // exchange
		env.RoutingKey, // routing key
		false,          // mandatory
		false,          // immediate
		env.Publishing(ctx),
	); err != nil {
		return fmt.Errorf("failed to publish %s: %w", env.RoutingKey, err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.publish != nil {
			r.publish.Close()
		}
		if r.Channel != nil {
			r.Channel.Close()
		}
		if r.conn != nil {
			err = r.conn.Close()
		}
	})
	return err
}
