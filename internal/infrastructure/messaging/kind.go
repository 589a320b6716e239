package messaging

import (
	"errors"
	"fmt"
)

var ErrUnknownRoutingKey = errors.New("unknown routing key")

// Kind is the closed set of messages the workers exchange.
type Kind int

const (
	KindUnknown Kind = iota
	KindIssueCertificate
	KindRevokeCertificate
	KindPersistCertificate
	KindPersistRevocation
	KindMailingNotifier
)

type kindSpec struct {
	routingKey  string
	exchange    string
	contentType string
}

var kinds = map[Kind]kindSpec{
	KindIssueCertificate:   {"pki.certificate.create", PKIExchange, ContentTypeJSON},
	KindRevokeCertificate:  {"pki.certificate.revoke", PKIExchange, ContentTypeJSON},
	KindPersistCertificate: {"persistence.certificate.create", PersistenceExchange, ContentTypeMsgpack},
	KindPersistRevocation:  {"persistence.certificate.revoke", PersistenceExchange, ContentTypeMsgpack},
	KindMailingNotifier:    {"mailing.notifier", MailingExchange, ContentTypeJSON},
}

var routingKeys = func() map[string]Kind {
	m := make(map[string]Kind, len(kinds))
	for k, spec := range kinds {
		m[spec.routingKey] = k
	}
	return m
}()

func ParseKind(routingKey string) (Kind, error) {
	k, ok := routingKeys[routingKey]
	if !ok {
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownRoutingKey, routingKey)
	}
	return k, nil
}

func (k Kind) RoutingKey() string { return kinds[k].routingKey }
func (k Kind) Exchange() string { return kinds[k].exchange }
func (k Kind) ContentType() string { return kinds[k].contentType }

func (k Kind) String() string {
	if spec, ok := kinds[k]; ok {
		return spec.routingKey
	}
	return "unknown"
}
