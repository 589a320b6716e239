package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// Envelope is an outgoing message.
type Envelope struct {
	Exchange    string
	RoutingKey  string
	ContentType string
	MessageID   string
	Body        []byte
	Headers     amqp.Table
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// NewEnvelope encodes v with the content type registered for kind.
func NewEnvelope(kind Kind, v any) (Envelope, error) {
	if kind == KindUnknown {
		return Envelope{}, ErrUnknownRoutingKey
	}
	body, err := Encode(kind.ContentType(), v)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return Envelope{
		Exchange:    kind.Exchange(),
		RoutingKey:  kind.RoutingKey(),
		ContentType: kind.ContentType(),
		MessageID:   uuid.NewString(),
		Body:        body,
		Headers:     amqp.Table{},
	}, nil
}

func (e Envelope) Publishing(ctx context.Context) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range e.Headers {
		headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))

	return amqp.Publishing{
		ContentType:  e.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    e.MessageID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         e.Body,
	}
}

// HeaderCarrier adapts amqp headers to the otel propagation carrier.
type HeaderCarrier amqp.Table

func (c HeaderCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (c HeaderCarrier) Set(key, value string) { c[key] = value }

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
