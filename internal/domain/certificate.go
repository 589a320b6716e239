package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CertificateIssuanceRequest is produced by the API side and consumed by the
// issuance worker. The JSON names follow the producers already on the wire.
type CertificateIssuanceRequest struct {
	RequestID       string `json:"request,omitempty"`
	AccountID       string `json:"user"`
	ProfileID       string `json:"profile"`
	SubjectIdentity string `json:"identity"`
}

func (r CertificateIssuanceRequest) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if strings.TrimSpace(r.SubjectIdentity) == "" {
		return fmt.Errorf("%w: subject identity is required", ErrValidation)
	}
	return nil
}

// CertificateBundle carries one issued certificate from the issuance worker
// to the persistence worker. PEMPrivateKey is always encrypted.
type CertificateBundle struct {
	Profile       string    `msgpack:"profile"`
	Account       string    `msgpack:"account"`
	SerialNumber  string    `msgpack:"serial_number"`
	Fingerprint   string    `msgpack:"fingerprint"`
	PEMCert       []byte    `msgpack:"pem_cert"`
	PEMChain      []byte    `msgpack:"pem_chain"`
	PEMPrivateKey []byte    `msgpack:"pem_private_key"`
	ValidFrom     time.Time `msgpack:"valid_from"`
	ValidUntil    time.Time `msgpack:"valid_until"`
}

func (b CertificateBundle) Validate() error {
	if b.SerialNumber == "" {
		return fmt.Errorf("%w: serial number is required", ErrValidation)
	}
	if b.Fingerprint == "" {
		return fmt.Errorf("%w: fingerprint is required", ErrValidation)
	}
	if len(b.PEMCert) == 0 {
		return fmt.Errorf("%w: certificate is required", ErrValidation)
	}
	if !b.ValidUntil.After(b.ValidFrom) {
		return fmt.Errorf("%w: validity window is empty", ErrValidation)
	}
	return nil
}

// Certificate is the persisted record of a bundle.
type Certificate struct {
	SerialNumber     string            `gorm:"column:serial_number;primaryKey;size:64"`
	Fingerprint      string            `gorm:"column:fingerprint;uniqueIndex;size:128;not null"`
	ProfileID        string            `gorm:"column:profile_id;index;size:64"`
	AccountID        string            `gorm:"column:account_id;index;size:64"`
	PEMCert          []byte            `gorm:"column:pem_cert;not null"`
	PEMChain         []byte            `gorm:"column:pem_chain"`
	PEMPrivateKey    []byte            `gorm:"column:pem_private_key"`
	ValidFrom        time.Time         `gorm:"column:valid_from;not null"`
	ValidUntil       time.Time         `gorm:"column:valid_until;not null"`
	CreationDate     time.Time         `gorm:"column:creation_date;autoCreateTime"`
	RevocationDate   *time.Time        `gorm:"column:revocation_date"`
	RevocationReason *RevocationReason `gorm:"column:revocation_reason;size:32"`
}

func (Certificate) TableName() string { return "certificates" }

func (c Certificate) Revoked() bool { return c.RevocationDate != nil }

func NewCertificateFromBundle(b CertificateBundle) *Certificate {
	return &Certificate{
		SerialNumber:  b.SerialNumber,
		Fingerprint:   b.Fingerprint,
		ProfileID:     b.Profile,
		AccountID:     b.Account,
		PEMCert:       b.PEMCert,
		PEMChain:      b.PEMChain,
		PEMPrivateKey: b.PEMPrivateKey,
		ValidFrom:     b.ValidFrom.UTC(),
		ValidUntil:    b.ValidUntil.UTC(),
	}
}

// RevocationRequest travels on persistence.certificate.revoke.
type RevocationRequest struct {
	Account      string           `msgpack:"account" json:"account"`
	SerialNumber string           `msgpack:"serial_number" json:"serial_number"`
	Reason       RevocationReason `msgpack:"reason" json:"reason"`
	RequestedAt  time.Time        `msgpack:"requested_at" json:"requested_at"`
}

func (r RevocationRequest) Validate() error {
	if r.SerialNumber == "" {
		return fmt.Errorf("%w: serial number is required", ErrValidation)
	}
	return r.Reason.Validate()
}

const (
	DefaultListingLimit = 50
	MaxListingLimit     = 500
)

// CertificateSortKeys maps the orderable listing keys onto their columns.
var CertificateSortKeys = map[string]string{
	"serial_number":   "serial_number",
	"profile":         "profile_id",
	"valid_from":      "valid_from",
	"valid_until":     "valid_until",
	"creation_date":   "creation_date",
	"revocation_date": "revocation_date",
}

type FieldOrdering struct {
	Key   string `msgpack:"key" json:"key"`
	Order string `msgpack:"order" json:"order"`
}

// CertificateListing pages through one account's certificates. A zero
// Limit means DefaultListingLimit.
type CertificateListing struct {
	Offset int             `msgpack:"offset" json:"offset"`
	Limit  int             `msgpack:"limit" json:"limit"`
	SortBy []FieldOrdering `msgpack:"sort_by" json:"sort_by"`
}

func (l *CertificateListing) Normalize() error {
	if l.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", ErrValidation)
	}
	switch {
	case l.Limit < 0:
		return fmt.Errorf("%w: limit must not be negative", ErrValidation)
	case l.Limit == 0:
		l.Limit = DefaultListingLimit
	case l.Limit > MaxListingLimit:
		l.Limit = MaxListingLimit
	}
	for _, o := range l.SortBy {
		if _, ok := CertificateSortKeys[o.Key]; !ok {
			return fmt.Errorf("%w: cannot sort by %q", ErrValidation, o.Key)
		}
		if o.Order != "asc" && o.Order != "desc" {
			return fmt.Errorf("%w: order must be asc or desc", ErrValidation)
		}
	}
	return nil
}

type CertificateRepository interface {
	// Create inserts the certificate. created is false when a row with the
	// same serial number already exists.
	Create(ctx context.Context, cert *Certificate) (created bool, err error)
	Revoke(ctx context.Context, serial string, reason RevocationReason, at time.Time) error
	GetBySerial(ctx context.Context, serial string) (*Certificate, error)
	// ListByAccount returns one page of the account's certificates and the
	// account's total count.
	ListByAccount(ctx context.Context, account string, listing CertificateListing) ([]Certificate, int64, error)
}
