package issuance

import (
	"context"
	"fmt"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/consumer"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
	"github.com/microfarm/microfarm/internal/pki"
)

const DefaultPasswordLength = 12

// Worker consumes pki.certificate.* and hands issued bundles to the
// persistence worker.
type Worker struct {
	issuer         pki.Issuer
	publisher      messaging.Publisher
	logger         logging.Logger
	passwordLength int
}

func NewWorker(issuer pki.Issuer, publisher messaging.Publisher, logger logging.Logger, passwordLength int) *Worker {
	if logger == nil {
		logger = logging.NewNop()
	}
	if passwordLength <= 0 {
		passwordLength = DefaultPasswordLength
	}
	return &Worker{
		issuer:         issuer,
		publisher:      publisher,
		logger:         logger,
		passwordLength: passwordLength,
	}
}

func (w *Worker) Kinds() []messaging.Kind {
	return []messaging.Kind{messaging.KindIssueCertificate, messaging.KindRevokeCertificate}
}

func (w *Worker) Dispatch(ctx context.Context, msg consumer.Message) error {
	switch msg.Kind {
	case messaging.KindIssueCertificate:
		return w.issue(ctx, msg)
	case messaging.KindRevokeCertificate:
		return w.revoke(ctx, msg)
	default:
		return fmt.Errorf("%w: %s", messaging.ErrUnknownRoutingKey, msg.RoutingKey)
	}
}

func (w *Worker) issue(ctx context.Context, msg consumer.Message) error {
	var req domain.CertificateIssuanceRequest
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	subject, err := pki.ParseSubject(req.SubjectIdentity)
	if err != nil {
		return err
	}

	bundle, err := w.issuer.Issue(ctx, subject)
	if err != nil {
		return err
	}

	password, err := pki.GeneratePassword(w.passwordLength)
	if err != nil {
		return err
	}
	key, err := bundle.EncryptedPrivateKey([]byte(password))
	if err != nil {
		return fmt.Errorf("%w: %w", pki.ErrSigning, err)
	}

	out := domain.CertificateBundle{
		Profile:       req.ProfileID,
		Account:       req.AccountID,
		SerialNumber:  bundle.SerialNumber(),
		Fingerprint:   bundle.Fingerprint(),
		PEMCert:       bundle.PEMCert(),
		PEMChain:      bundle.PEMChain(),
		PEMPrivateKey: key,
		ValidFrom:     bundle.Certificate.NotBefore.UTC(),
		ValidUntil:    bundle.Certificate.NotAfter.UTC(),
	}
	env, err := messaging.NewEnvelope(messaging.KindPersistCertificate, out)
	if err != nil {
		return err
	}
	if req.RequestID != "" {
		env.Headers["x-request-id"] = req.RequestID
	}
	if err := w.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish bundle %s: %w", out.SerialNumber, err)
	}

	w.logger.Info(logging.PKI, logging.Issue, "certificate issued", map[logging.ExtraKey]any{
		logging.SerialNumber: out.SerialNumber,
		logging.RoutingKey:   env.RoutingKey,
	})
	return nil
}

// revoke forwards the request; the revocation itself is a database update
// owned by the persistence worker.
func (w *Worker) revoke(ctx context.Context, msg consumer.Message) error {
	var req domain.RevocationRequest
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	env, err := messaging.NewEnvelope(messaging.KindPersistRevocation, req)
	if err != nil {
		return err
	}
	if err := w.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish revocation %s: %w", req.SerialNumber, err)
	}
	w.logger.Info(logging.PKI, logging.Revoke, "revocation forwarded", map[logging.ExtraKey]any{
		logging.SerialNumber: req.SerialNumber,
	})
	return nil
}
