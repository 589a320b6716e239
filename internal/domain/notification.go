package domain

import "time"

const (
	EventCertificateCreated = "certificate.created"
	EventCertificateRevoked = "certificate.revoked"
)

// MailingNotification is published on mailing.notifier once a change has
// been committed.
type MailingNotification struct {
	Event        string    `json:"event"`
	Account      string    `json:"account"`
	SerialNumber string    `json:"serial_number"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewMailingNotification(event, account, serial string) MailingNotification {
	return MailingNotification{
		Event:        event,
		Account:      account,
		SerialNumber: serial,
		Timestamp:    time.Now().UTC(),
	}
}
