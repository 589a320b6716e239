// Package memory is an in-process stand-in for the AMQP broker. It routes
// with the same topic rules, hands out deliveries with manual
// acknowledgement and requeues unacknowledged deliveries when a connection
// closes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
)

const queueDepth = 1024

var (
	ErrClosed             = errors.New("memory broker: connection closed")
	ErrUnknownDeliveryTag = errors.New("memory broker: unknown delivery tag")
	ErrQueueNotFound      = errors.New("memory broker: queue not declared")
)

type queue struct {
	name string
	dlx  string
	buf  chan amqp.Delivery
}

type Broker struct {
	mu        sync.Mutex
	topology  messaging.Topology
	queues    map[string]*queue
	published []messaging.Envelope
	acked     map[string]int
	nacked    map[string]int
	pubErr    map[string]error
	declares  int

	tags atomic.Uint64
}

func NewBroker() *Broker {
	return &Broker{
		queues: map[string]*queue{},
		acked:  map[string]int{},
		nacked: map[string]int{},
		pubErr: map[string]error{},
	}
}

// Connect opens a connection that owns its consumers and unacked deliveries.
func (b *Broker) Connect() *Conn {
	return &Conn{
		broker:  b,
		done:    make(chan struct{}),
		unacked: map[uint64]amqp.Delivery{},
	}
}

func (b *Broker) declare(t messaging.Topology) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.declares++
	b.topology.Exchanges = append(b.topology.Exchanges, t.Exchanges...)
	b.topology.Bindings = append(b.topology.Bindings, t.Bindings...)
	for _, q := range t.Queues {
		b.topology.Queues = append(b.topology.Queues, q)
		if _, ok := b.queues[q.Name]; !ok {
			b.queues[q.Name] = &queue{name: q.Name, dlx: q.DeadLetterExchange, buf: make(chan amqp.Delivery, queueDepth)}
		}
	}
}

// SetPublishError makes every publish on routingKey fail with err until
// cleared with a nil err.
func (b *Broker) SetPublishError(routingKey string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.pubErr, routingKey)
		return
	}
	b.pubErr[routingKey] = err
}

func (b *Broker) publish(env messaging.Envelope) error {
	b.mu.Lock()
	if err := b.pubErr[env.RoutingKey]; err != nil {
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, env)
	var targets []*queue
	for _, name := range b.topology.Route(env.Exchange, env.RoutingKey) {
		targets = append(targets, b.queues[name])
	}
	b.mu.Unlock()

	for _, q := range targets {
		d := amqp.Delivery{
			Exchange:    env.Exchange,
			RoutingKey:  env.RoutingKey,
			ContentType: env.ContentType,
			MessageId:   env.MessageID,
			Headers:     copyTable(env.Headers),
			Timestamp:   time.Now().UTC(),
			Body:        append([]byte(nil), env.Body...),
		}
		select {
		case q.buf <- d:
		default:
			return fmt.Errorf("memory broker: queue %s is full", q.name)
		}
	}
	return nil
}

func (b *Broker) requeue(d amqp.Delivery, queueName string) {
	b.mu.Lock()
	q := b.queues[queueName]
	b.mu.Unlock()
	if q == nil {
		return
	}
	d.Redelivered = true
	d.Acknowledger = nil
	d.DeliveryTag = 0
	q.buf <- d
}

func (b *Broker) deadLetter(d amqp.Delivery, queueName string) {
	b.mu.Lock()
	q := b.queues[queueName]
	b.mu.Unlock()
	if q == nil || q.dlx == "" {
		return
	}
	_ = b.publish(messaging.Envelope{
		Exchange:    q.dlx,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Body:        d.Body,
		Headers:     d.Headers,
	})
}

// Published returns every envelope accepted by the broker, in order.
func (b *Broker) Published(routingKey string) []messaging.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []messaging.Envelope
	for _, env := range b.published {
		if routingKey == "" || env.RoutingKey == routingKey {
			out = append(out, env)
		}
	}
	return out
}

func (b *Broker) Acked(routingKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[routingKey]
}

func (b *Broker) Nacked(routingKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacked[routingKey]
}

// Depth is the number of ready messages in a queue.
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.buf)
}

func (b *Broker) Declarations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declares
}

// Conn is one client connection to the Broker.
type Conn struct {
	broker *Broker

	mu      sync.Mutex
	unacked map[uint64]amqp.Delivery
	origin  map[uint64]string
	wg      sync.WaitGroup
	done    chan struct{}
	closed  atomic.Bool
}

func (c *Conn) DeclareTopology(t messaging.Topology) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.broker.declare(t)
	return nil
}

func (c *Conn) Consume(queueName string) (<-chan amqp.Delivery, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.broker.mu.Lock()
	q, ok := c.broker.queues[queueName]
	c.broker.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}

	out := make(chan amqp.Delivery)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		for {
			select {
			case <-c.done:
				return
			case d := <-q.buf:
				d.DeliveryTag = c.broker.tags.Add(1)
				d.Acknowledger = c
				c.track(d, queueName)
				select {
				case out <- d:
				case <-c.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Conn) Publish(ctx context.Context, env messaging.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	env.Headers = env.Publishing(ctx).Headers
	return c.broker.publish(env)
}

// Close stops the consumers and requeues every unacknowledged delivery.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.wg.Wait()

	c.mu.Lock()
	pending := c.unacked
	origin := c.origin
	c.unacked = map[uint64]amqp.Delivery{}
	c.mu.Unlock()

	for tag, d := range pending {
		c.broker.requeue(d, origin[tag])
	}
	return nil
}

func (c *Conn) track(d amqp.Delivery, queueName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.origin == nil {
		c.origin = map[uint64]string{}
	}
	c.unacked[d.DeliveryTag] = d
	c.origin[d.DeliveryTag] = queueName
}

func (c *Conn) settle(tag uint64) (amqp.Delivery, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.unacked[tag]
	if !ok {
		return amqp.Delivery{}, "", fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, tag)
	}
	delete(c.unacked, tag)
	name := c.origin[tag]
	delete(c.origin, tag)
	return d, name, nil
}

func (c *Conn) Ack(tag uint64, multiple bool) error {
	d, _, err := c.settle(tag)
	if err != nil {
		return err
	}
	c.broker.mu.Lock()
	c.broker.acked[d.RoutingKey]++
	c.broker.mu.Unlock()
	return nil
}

func (c *Conn) Nack(tag uint64, multiple, requeue bool) error {
	d, queueName, err := c.settle(tag)
	if err != nil {
		return err
	}
	c.broker.mu.Lock()
	c.broker.nacked[d.RoutingKey]++
	c.broker.mu.Unlock()

	if requeue {
		c.broker.requeue(d, queueName)
		return nil
	}
	c.broker.deadLetter(d, queueName)
	return nil
}

func (c *Conn) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

func copyTable(t amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range t {
		out[k] = v
	}
	return out
}
