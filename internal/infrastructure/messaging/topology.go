package messaging

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	PKIExchange         = "service.pki"
	PersistenceExchange = "service.persistence"
	MailingExchange     = "service.mailing"
	DeadLetterExchange  = "service.dlx"

	PKICertificateQueue         = "pki.certificate"
	PersistenceCertificateQueue = "persistence.certificate"
	MailingQueue                = "mailing"
	DeadLetterQueue             = "dead_letter"
)

type Exchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
}

type Queue struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	// DeadLetterExchange, when set, receives messages rejected without requeue.
	DeadLetterExchange string
}

type Binding struct {
	Exchange string
	Queue    string
	Pattern  string
}

type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// Declarer is the subset of *amqp.Channel used to declare a topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DefaultTopology returns the exchanges, queues and bindings every microfarm
// process agrees on. Queue arguments must be identical across processes or
// the broker refuses the redeclaration, so deadLetter has to be set the same
// way everywhere.
func DefaultTopology(deadLetter bool) Topology {
	dlx := ""
	if deadLetter {
		dlx = DeadLetterExchange
	}

	t := Topology{
		Exchanges: []Exchange{
			{Name: PersistenceExchange, Kind: amqp.ExchangeTopic},
			{Name: PKIExchange, Kind: amqp.ExchangeTopic},
			{Name: MailingExchange, Kind: amqp.ExchangeTopic},
		},
		Queues: []Queue{
			{Name: PersistenceCertificateQueue, Durable: true, DeadLetterExchange: dlx},
			{Name: PKICertificateQueue, Durable: true, DeadLetterExchange: dlx},
			{Name: MailingQueue, Durable: true, DeadLetterExchange: dlx},
		},
		Bindings: []Binding{
			{Exchange: PersistenceExchange, Queue: PersistenceCertificateQueue, Pattern: "persistence.certificate.*"},
			{Exchange: PKIExchange, Queue: PKICertificateQueue, Pattern: "pki.certificate.*"},
			{Exchange: MailingExchange, Queue: MailingQueue, Pattern: "mailing.*"},
		},
	}

	if deadLetter {
		t.Exchanges = append(t.Exchanges, Exchange{Name: DeadLetterExchange, Kind: amqp.ExchangeFanout, Durable: true})
		t.Queues = append(t.Queues, Queue{Name: DeadLetterQueue, Durable: true})
		t.Bindings = append(t.Bindings, Binding{Exchange: DeadLetterExchange, Queue: DeadLetterQueue, Pattern: "#"})
	}

	return t
}

// Declare is idempotent as long as the broker-side definitions match.
func (t Topology) Declare(ch Declarer) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.Name, err)
		}
	}

	for _, q := range t.Queues {
		var args amqp.Table
		if q.DeadLetterExchange != "" {
			args = amqp.Table{"x-dead-letter-exchange": q.DeadLetterExchange}
		}
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}

	for _, b := range t.Bindings {
		if err := ch.QueueBind(b.Queue, b.Pattern, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", b.Queue, b.Exchange, err)
		}
	}

	return nil
}

// Route returns the queues a message published on exchange with routingKey
// lands in.
func (t Topology) Route(exchange, routingKey string) []string {
	var queues []string
	seen := map[string]bool{}
	for _, b := range t.Bindings {
		if b.Exchange != exchange || seen[b.Queue] {
			continue
		}
		if t.exchangeKind(exchange) == amqp.ExchangeFanout || MatchTopic(b.Pattern, routingKey) {
			seen[b.Queue] = true
			queues = append(queues, b.Queue)
		}
	}
	return queues
}

func (t Topology) exchangeKind(name string) string {
	for _, ex := range t.Exchanges {
		if ex.Name == name {
			return ex.Kind
		}
	}
	return ""
}

// Validate checks that queue is declared and bound so that every one of the
// given kinds reaches it.
func (t Topology) Validate(queue string, expected ...Kind) error {
	declared := false
	for _, q := range t.Queues {
		if q.Name == queue {
			declared = true
			break
		}
	}
	if !declared {
		return fmt.Errorf("topology: queue %s is not declared", queue)
	}

	for _, k := range expected {
		routed := false
		for _, q := range t.Route(k.Exchange(), k.RoutingKey()) {
			if q == queue {
				routed = true
				break
			}
		}
		if !routed {
			return fmt.Errorf("topology: no binding routes %s to queue %s", k.RoutingKey(), queue)
		}
	}
	return nil
}

// MatchTopic reports whether routingKey matches an AMQP topic pattern where
// "*" stands for exactly one word and "#" for zero or more words.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
