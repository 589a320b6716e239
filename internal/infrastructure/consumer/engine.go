package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
	"github.com/microfarm/microfarm/internal/infrastructure/metrics"
)

const (
	DefaultInactivityTimeout = 2 * time.Second

	// RetryCountHeader counts redeliveries made by the engine itself.
	RetryCountHeader = "x-retry-count"
)

var (
	ErrConnectionLost = errors.New("consumer: broker connection lost")
	ErrAlreadyRunning = errors.New("consumer: engine already running")
)

// Broker is the connection a single engine owns. *messaging.RabbitMQ is the
// production implementation.
type Broker interface {
	DeclareTopology(t messaging.Topology) error
	Consume(queue string) (<-chan amqp.Delivery, error)
	Publish(ctx context.Context, env messaging.Envelope) error
	Close() error
}

// Message is what a Dispatcher sees of a delivery. The delivery tag stays
// with the engine.
type Message struct {
	Kind        messaging.Kind
	Queue       string
	RoutingKey  string
	ContentType string
	MessageID   string
	Body        []byte
	Headers     amqp.Table
	Redelivered bool
	Attempt     int
}

// Decode unmarshals the body using the delivery content type, or the
// kind's default one when the producer did not set it.
func (m Message) Decode(v any) error {
	return messaging.Decode(m.ContentType, m.Kind.ContentType(), m.Body, v)
}

// Dispatcher handles a closed set of message kinds. Dispatch must return
// messaging.ErrUnknownRoutingKey for kinds it does not handle.
type Dispatcher interface {
	Kinds() []messaging.Kind
	Dispatch(ctx context.Context, msg Message) error
}

// RetryPolicy is off by default: a failed message is acknowledged and
// dropped. With MaxAttempts > 1 the engine republishes a failed delivery
// with an incremented RetryCountHeader until the attempts are used up, then
// either drops it or, with DeadLetter, rejects it to the queue's dead-letter
// exchange.
type RetryPolicy struct {
	MaxAttempts int
	DeadLetter  bool
}

func (p RetryPolicy) enabled() bool { return p.MaxAttempts > 1 || p.DeadLetter }

type Options struct {
	Queue             string
	Topology          messaging.Topology
	InactivityTimeout time.Duration
	Retry             RetryPolicy
	Logger            logging.Logger
	Metrics           *metrics.Metrics
	Audit             domain.AuditSink
	OnStateChange     func(State)
}

type Engine struct {
	broker     Broker
	dispatcher Dispatcher
	opts       Options
	handles    map[messaging.Kind]bool
	tracer     trace.Tracer

	state   atomic.Int32
	running atomic.Bool
}

func New(broker Broker, dispatcher Dispatcher, opts Options) (*Engine, error) {
	if broker == nil || dispatcher == nil {
		return nil, fmt.Errorf("consumer: broker and dispatcher are required")
	}
	if opts.Queue == "" {
		return nil, fmt.Errorf("consumer: queue is required")
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if err := opts.Topology.Validate(opts.Queue, dispatcher.Kinds()...); err != nil {
		return nil, err
	}

	handles := make(map[messaging.Kind]bool, len(dispatcher.Kinds()))
	for _, k := range dispatcher.Kinds() {
		handles[k] = true
	}

	e := &Engine{
		broker:     broker,
		dispatcher: dispatcher,
		opts:       opts,
		handles:    handles,
		tracer:     otel.Tracer("github.com/microfarm/microfarm/consumer"),
	}
	e.state.Store(int32(StateStarting))
	return e, nil
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	e.opts.Metrics.SetConsumerState(e.opts.Queue, int(s))
	if e.opts.OnStateChange != nil {
		e.opts.OnStateChange(s)
	}
}

// Run consumes until ctx is done or the broker connection is lost. The
// context is only looked at once the queue has been idle for the inactivity
// timeout, so a stop takes effect within one timeout interval and never
// interrupts a message being processed.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.setState(StateDeclaringTopology)
	if err := e.broker.DeclareTopology(e.opts.Topology); err != nil {
		e.stop()
		return fmt.Errorf("consumer: declare topology: %w", err)
	}
	e.opts.Logger.Info(logging.RabbitMQ, logging.Topology, "topology declared", map[logging.ExtraKey]any{
		logging.Queue: e.opts.Queue,
	})

	deliveries, err := e.broker.Consume(e.opts.Queue)
	if err != nil {
		e.stop()
		return fmt.Errorf("consumer: %w", err)
	}

	e.setState(StateConsuming)
	idle := time.NewTimer(e.opts.InactivityTimeout)
	defer idle.Stop()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				e.opts.Logger.Error(logging.RabbitMQ, logging.Consume, "delivery channel closed", map[logging.ExtraKey]any{
					logging.Queue: e.opts.Queue,
				})
				e.stop()
				return ErrConnectionLost
			}
			e.setState(StateProcessing)
			e.process(context.WithoutCancel(ctx), d)
			e.setState(StateConsuming)
			idle.Reset(e.opts.InactivityTimeout)

		case <-idle.C:
			if ctx.Err() != nil {
				e.stop()
				return nil
			}
			idle.Reset(e.opts.InactivityTimeout)
		}
	}
}

// stop drains: unacknowledged deliveries already fetched go back to the
// broker when the connection closes.
func (e *Engine) stop() {
	e.setState(StateDraining)
	if err := e.broker.Close(); err != nil {
		e.opts.Logger.Warn(logging.RabbitMQ, logging.Shutdown, "failed to close broker connection", map[logging.ExtraKey]any{
			logging.Queue:        e.opts.Queue,
			logging.ErrorMessage: err.Error(),
		})
	}
	e.setState(StateStopped)
	e.opts.Logger.Info(logging.RabbitMQ, logging.Shutdown, "consumer stopped", map[logging.ExtraKey]any{
		logging.Queue: e.opts.Queue,
	})
}

func (e *Engine) process(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	ack := &acknowledgement{delivery: d}

	ctx = otel.GetTextMapPropagator().Extract(ctx, messaging.HeaderCarrier(d.Headers))
	ctx, span := e.tracer.Start(ctx, "consume "+d.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", e.opts.Queue),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
		),
	)
	defer span.End()

	extra := map[logging.ExtraKey]any{
		logging.Queue:       e.opts.Queue,
		logging.RoutingKey:  d.RoutingKey,
		logging.DeliveryTag: d.DeliveryTag,
	}

	kind, err := messaging.ParseKind(d.RoutingKey)
	if err == nil && !e.handles[kind] {
		err = fmt.Errorf("%w: %q", messaging.ErrUnknownRoutingKey, d.RoutingKey)
	}
	if err != nil {
		extra[logging.ErrorMessage] = err.Error()
		e.opts.Logger.Error(logging.RabbitMQ, logging.Dispatch, "no handler for routing key", extra)
		span.SetStatus(codes.Error, err.Error())
		e.settle(ack, extra)
		e.finish(ctx, d, domain.OutcomeUnroutable, err, start)
		return
	}

	msg := Message{
		Kind:        kind,
		Queue:       e.opts.Queue,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Body:        d.Body,
		Headers:     d.Headers,
		Redelivered: d.Redelivered,
		Attempt:     retryCount(d.Headers) + 1,
	}

	err = e.dispatch(ctx, msg)
	if err == nil {
		e.settle(ack, extra)
		e.finish(ctx, d, domain.OutcomeProcessed, nil, start)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	extra[logging.ErrorMessage] = err.Error()
	extra[logging.Attempt] = msg.Attempt

	outcome := e.onFailure(ctx, ack, msg, d, extra)
	e.finish(ctx, d, outcome, err, start)
}

// dispatch shields the loop from a panicking handler.
func (e *Engine) dispatch(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer: handler panic: %v", r)
		}
	}()
	return e.dispatcher.Dispatch(ctx, msg)
}

func (e *Engine) onFailure(ctx context.Context, ack *acknowledgement, msg Message, d amqp.Delivery, extra map[logging.ExtraKey]any) domain.ProcessingOutcome {
	policy := e.opts.Retry
	if !policy.enabled() {
		e.opts.Logger.Error(logging.Worker, logging.Dispatch, "message processing failed, dropping", extra)
		e.settle(ack, extra)
		return domain.OutcomeFailed
	}

	if msg.Attempt < policy.MaxAttempts {
		retry := messaging.Envelope{
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			ContentType: d.ContentType,
			MessageID:   d.MessageId,
			Body:        d.Body,
			Headers:     amqp.Table{},
		}
		for k, v := range d.Headers {
			retry.Headers[k] = v
		}
		retry.Headers[RetryCountHeader] = int32(msg.Attempt)

		if err := e.broker.Publish(ctx, retry); err != nil {
			extra[logging.ErrorMessage] = err.Error()
			e.opts.Logger.Error(logging.RabbitMQ, logging.Publish, "failed to republish for retry", extra)
		} else {
			e.opts.Logger.Warn(logging.Worker, logging.Dispatch, "message processing failed, retrying", extra)
			e.settle(ack, extra)
			return domain.OutcomeRetried
		}
	}

	if policy.DeadLetter {
		e.opts.Logger.Error(logging.Worker, logging.Dispatch, "message processing failed, dead-lettering", extra)
		if err := ack.reject(); err != nil {
			extra[logging.ErrorMessage] = err.Error()
			e.opts.Logger.Error(logging.RabbitMQ, logging.Consume, "failed to reject delivery", extra)
		}
		return domain.OutcomeDeadLettered
	}

	e.opts.Logger.Error(logging.Worker, logging.Dispatch, "message processing failed, dropping", extra)
	e.settle(ack, extra)
	return domain.OutcomeFailed
}

func (e *Engine) settle(ack *acknowledgement, extra map[logging.ExtraKey]any) {
	if err := ack.ack(); err != nil {
		extra[logging.ErrorMessage] = err.Error()
		e.opts.Logger.Error(logging.RabbitMQ, logging.Consume, "failed to acknowledge delivery", extra)
	}
}

func (e *Engine) finish(ctx context.Context, d amqp.Delivery, outcome domain.ProcessingOutcome, err error, start time.Time) {
	e.opts.Metrics.ObserveMessage(e.opts.Queue, d.RoutingKey, string(outcome), time.Since(start))

	if e.opts.Audit == nil || outcome == domain.OutcomeProcessed {
		return
	}
	entry := domain.NewProcessingAudit(e.opts.Queue, d.RoutingKey, outcome, err)
	entry.Metadata = map[string]any{
		"message_id":  d.MessageId,
		"redelivered": d.Redelivered,
	}
	if auditErr := e.opts.Audit.Record(ctx, entry); auditErr != nil {
		e.opts.Logger.Warn(logging.MongoDB, logging.Insert, "failed to record processing audit", map[logging.ExtraKey]any{
			logging.Queue:        e.opts.Queue,
			logging.ErrorMessage: auditErr.Error(),
		})
	}
}

func retryCount(h amqp.Table) int {
	switch v := h[RetryCountHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
