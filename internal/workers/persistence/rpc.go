package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/rpc"
)

const (
	ServiceName = "certificates"

	MethodGetCertificate      = "get_certificate"
	MethodAccountCertificates = "account_certificates"
)

// Backend answers certificate reads from the store the worker writes to.
type Backend struct {
	repo   domain.CertificateRepository
	logger logging.Logger
}

func NewBackend(repo domain.CertificateRepository, logger logging.Logger) *Backend {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Backend{repo: repo, logger: logger}
}

func (b *Backend) Register(s *rpc.Server) {
	s.Handle(MethodGetCertificate, b.GetCertificate)
	s.Handle(MethodAccountCertificates, b.AccountCertificates)
}

// GetCertificate takes (account, serial). A certificate owned by another
// account is reported as missing.
func (b *Backend) GetCertificate(ctx context.Context, args rpc.Args) (any, error) {
	var account, serial string
	if err := args.Decode(0, &account); err != nil {
		return rpc.Respond(400, "Invalid arguments.", nil), nil
	}
	if err := args.Decode(1, &serial); err != nil {
		return rpc.Respond(400, "Invalid arguments.", nil), nil
	}
	if strings.TrimSpace(account) == "" || strings.TrimSpace(serial) == "" {
		return rpc.Respond(400, "Account and serial number are required.", nil), nil
	}

	cert, err := b.repo.GetBySerial(ctx, serial)
	switch {
	case errors.Is(err, domain.ErrCertificateNotFound):
		return rpc.Respond(404, "Certificate not found.", nil), nil
	case err != nil:
		b.logger.Error(logging.Postgres, logging.Query, "failed to load certificate", map[logging.ExtraKey]any{
			logging.SerialNumber: serial,
			logging.ErrorMessage: err.Error(),
		})
		return rpc.Respond(600, "Certificate could not be loaded.", nil), nil
	}
	if cert.AccountID != account {
		return rpc.Respond(404, "Certificate not found.", nil), nil
	}
	return rpc.Respond(200, "Certificate found.", certificateData(cert, true)), nil
}

// AccountCertificates takes (account[, listing]).
func (b *Backend) AccountCertificates(ctx context.Context, args rpc.Args) (any, error) {
	var account string
	if err := args.Decode(0, &account); err != nil {
		return rpc.Respond(400, "Invalid arguments.", nil), nil
	}
	if strings.TrimSpace(account) == "" {
		return rpc.Respond(400, "Account is required.", nil), nil
	}
	var listing domain.CertificateListing
	if args.Len() > 1 {
		if err := args.Decode(1, &listing); err != nil {
			return rpc.Respond(400, "Invalid arguments.", nil), nil
		}
	}
	if err := listing.Normalize(); err != nil {
		resp := rpc.Respond(400, "Invalid listing.", nil)
		resp.Description = err.Error()
		return resp, nil
	}

	certs, total, err := b.repo.ListByAccount(ctx, account, listing)
	if err != nil {
		b.logger.Error(logging.Postgres, logging.Query, "failed to list certificates", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return rpc.Respond(600, "Certificates could not be listed.", nil), nil
	}

	items := make([]any, 0, len(certs))
	for i := range certs {
		items = append(items, certificateData(&certs[i], false))
	}
	return rpc.Respond(200, "Certificates listed.", map[string]any{
		"certificates": items,
		"total":        total,
		"offset":       listing.Offset,
		"limit":        listing.Limit,
	}), nil
}

// certificateData never carries the private key in listings.
func certificateData(c *domain.Certificate, withKey bool) map[string]any {
	data := map[string]any{
		"serial_number": c.SerialNumber,
		"fingerprint":   c.Fingerprint,
		"profile":       c.ProfileID,
		"account":       c.AccountID,
		"pem_cert":      string(c.PEMCert),
		"pem_chain":     string(c.PEMChain),
		"valid_from":    c.ValidFrom.UTC().Format(time.RFC3339),
		"valid_until":   c.ValidUntil.UTC().Format(time.RFC3339),
		"creation_date": c.CreationDate.UTC().Format(time.RFC3339),
		"revoked":       c.Revoked(),
	}
	if c.RevocationDate != nil {
		data["revocation_date"] = c.RevocationDate.UTC().Format(time.RFC3339)
	}
	if c.RevocationReason != nil {
		data["revocation_reason"] = string(*c.RevocationReason)
	}
	if withKey {
		data["pem_private_key"] = string(c.PEMPrivateKey)
	}
	return data
}
