package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/consumer"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
)

// Worker consumes persistence.certificate.* and writes to the relational
// store. Every write is its own transaction.
type Worker struct {
	repo      domain.CertificateRepository
	publisher messaging.Publisher
	audit     domain.AuditSink
	logger    logging.Logger
}

func NewWorker(repo domain.CertificateRepository, publisher messaging.Publisher, audit domain.AuditSink, logger logging.Logger) *Worker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Worker{
		repo:      repo,
		publisher: publisher,
		audit:     audit,
		logger:    logger,
	}
}

func (w *Worker) Kinds() []messaging.Kind {
	return []messaging.Kind{messaging.KindPersistCertificate, messaging.KindPersistRevocation}
}

func (w *Worker) Dispatch(ctx context.Context, msg consumer.Message) error {
	switch msg.Kind {
	case messaging.KindPersistCertificate:
		return w.create(ctx, msg)
	case messaging.KindPersistRevocation:
		return w.revoke(ctx, msg)
	default:
		return fmt.Errorf("%w: %s", messaging.ErrUnknownRoutingKey, msg.RoutingKey)
	}
}

func (w *Worker) create(ctx context.Context, msg consumer.Message) error {
	var bundle domain.CertificateBundle
	if err := msg.Decode(&bundle); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if err := bundle.Validate(); err != nil {
		return err
	}

	created, err := w.repo.Create(ctx, domain.NewCertificateFromBundle(bundle))
	if err != nil {
		return err
	}
	extra := map[logging.ExtraKey]any{
		logging.SerialNumber: bundle.SerialNumber,
		logging.RoutingKey:   msg.RoutingKey,
	}
	if !created {
		w.logger.Info(logging.Postgres, logging.Insert, "certificate already stored, skipping", extra)
		w.record(ctx, msg, domain.OutcomeDuplicate, nil, bundle.SerialNumber)
		return nil
	}
	w.logger.Info(logging.Postgres, logging.Insert, "certificate stored", extra)

	w.notify(ctx, domain.NewMailingNotification(domain.EventCertificateCreated, bundle.Account, bundle.SerialNumber))
	return nil
}

func (w *Worker) revoke(ctx context.Context, msg consumer.Message) error {
	var req domain.RevocationRequest
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	at := req.RequestedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	extra := map[logging.ExtraKey]any{
		logging.SerialNumber: req.SerialNumber,
		logging.RoutingKey:   msg.RoutingKey,
	}
	err := w.repo.Revoke(ctx, req.SerialNumber, req.Reason, at)
	switch {
	case errors.Is(err, domain.ErrCertificateNotFound):
		extra[logging.ErrorMessage] = err.Error()
		w.logger.Warn(logging.Postgres, logging.Update, "revocation of unknown certificate", extra)
		w.record(ctx, msg, domain.OutcomeNotFound, err, req.SerialNumber)
		return nil
	case errors.Is(err, domain.ErrAlreadyRevoked):
		extra[logging.ErrorMessage] = err.Error()
		w.logger.Warn(logging.Postgres, logging.Update, "certificate already revoked", extra)
		w.record(ctx, msg, domain.OutcomeAlreadyRevoked, err, req.SerialNumber)
		return nil
	case err != nil:
		return err
	}
	w.logger.Info(logging.Postgres, logging.Update, "certificate revoked", extra)

	w.notify(ctx, domain.NewMailingNotification(domain.EventCertificateRevoked, req.Account, req.SerialNumber))
	return nil
}

// notify runs after commit. A failed publish never undoes the write.
func (w *Worker) notify(ctx context.Context, n domain.MailingNotification) {
	extra := map[logging.ExtraKey]any{
		logging.SerialNumber: n.SerialNumber,
		logging.RoutingKey:   messaging.KindMailingNotifier.RoutingKey(),
	}
	env, err := messaging.NewEnvelope(messaging.KindMailingNotifier, n)
	if err == nil {
		err = w.publisher.Publish(ctx, env)
	}
	if err != nil {
		extra[logging.ErrorMessage] = err.Error()
		w.logger.Error(logging.RabbitMQ, logging.Publish, "failed to publish mailing notification", extra)
	}
}

func (w *Worker) record(ctx context.Context, msg consumer.Message, outcome domain.ProcessingOutcome, err error, serial string) {
	if w.audit == nil {
		return
	}
	entry := domain.NewProcessingAudit(msg.Queue, msg.RoutingKey, outcome, err)
	entry.Metadata = map[string]any{
		"message_id":    msg.MessageID,
		"serial_number": serial,
	}
	if auditErr := w.audit.Record(ctx, entry); auditErr != nil {
		w.logger.Warn(logging.MongoDB, logging.Insert, "failed to record processing audit", map[logging.ExtraKey]any{
			logging.SerialNumber: serial,
			logging.ErrorMessage: auditErr.Error(),
		})
	}
}
