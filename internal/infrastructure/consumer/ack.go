package consumer

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errAlreadySettled = errors.New("consumer: delivery already settled")

// acknowledgement settles a delivery at most once.
type acknowledgement struct {
	delivery amqp.Delivery
	settled  bool
}

func (a *acknowledgement) ack() error {
	if a.settled {
		return errAlreadySettled
	}
	a.settled = true
	return a.delivery.Ack(false)
}

func (a *acknowledgement) reject() error {
	if a.settled {
		return errAlreadySettled
	}
	a.settled = true
	return a.delivery.Nack(false, false)
}
