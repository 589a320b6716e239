package issuance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
	"github.com/microfarm/microfarm/internal/infrastructure/rpc"
	"github.com/microfarm/microfarm/internal/pki"
)

const (
	MethodGenerateCertificate = "generate_certificate"
	MethodRevokeCertificate   = "revoke_certificate"
)

// Backend answers the pki RPC service by queueing work for the worker.
type Backend struct {
	publisher messaging.Publisher
	logger    logging.Logger
}

func NewBackend(publisher messaging.Publisher, logger logging.Logger) *Backend {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Backend{publisher: publisher, logger: logger}
}

func (b *Backend) Register(s *rpc.Server) {
	s.Handle(MethodGenerateCertificate, b.GenerateCertificate)
	s.Handle(MethodRevokeCertificate, b.RevokeCertificate)
}

// GenerateCertificate takes (account, identity[, profile]).
func (b *Backend) GenerateCertificate(ctx context.Context, args rpc.Args) (any, error) {
	var req domain.CertificateIssuanceRequest
	if err := args.Decode(0, &req.AccountID); err != nil {
		return rpc.Respond(400, "Invalid arguments.", nil), nil
	}
	if err := args.Decode(1, &req.SubjectIdentity); err != nil {
		return rpc.Respond(400, "Invalid arguments.", nil), nil
	}
	if args.Len() > 2 {
		if err := args.Decode(2, &req.ProfileID); err != nil {
			return rpc.Respond(400, "Invalid arguments.", nil), nil
		}
	}
	if err := req.Validate(); err != nil {
		return invalid(err), nil
	}
	if _, err := pki.ParseSubject(req.SubjectIdentity); err != nil {
		return invalid(err), nil
	}

	req.RequestID = uuid.NewString()
	env, err := messaging.NewEnvelope(messaging.KindIssueCertificate, req)
	if err != nil {
		return nil, err
	}
	env.MessageID = req.RequestID
	if err := b.publisher.Publish(ctx, env); err != nil {
		b.logger.Error(logging.RabbitMQ, logging.Publish, "failed to queue certificate request", map[logging.ExtraKey]any{
			logging.RoutingKey:   env.RoutingKey,
			logging.ErrorMessage: err.Error(),
		})
		return rpc.Respond(502, "Certificate request could not be queued.", nil), nil
	}
	return rpc.Respond(202, "Certificate request accepted.", map[string]any{
		"request": req.RequestID,
	}), nil
}

// RevokeCertificate takes (account, serial, reason).
func (b *Backend) RevokeCertificate(ctx context.Context, args rpc.Args) (any, error) {
	req := domain.RevocationRequest{
		Reason:      domain.ReasonUnspecified,
		RequestedAt: time.Now().UTC(),
	}
	if err := args.Decode(0, &req.Account); err != nil {
		return rpc.Respond(400, "Invalid arguments.", nil), nil
	}
	if err := args.Decode(1, &req.SerialNumber); err != nil {
		return rpc.Respond(400, "Invalid arguments.", nil), nil
	}
	if args.Len() > 2 {
		var reason string
		if err := args.Decode(2, &reason); err != nil {
			return rpc.Respond(400, "Invalid arguments.", nil), nil
		}
		if reason != "" {
			req.Reason = domain.RevocationReason(reason)
		}
	}
	if err := req.Validate(); err != nil {
		return invalid(err), nil
	}

	env, err := messaging.NewEnvelope(messaging.KindRevokeCertificate, req)
	if err != nil {
		return nil, err
	}
	if err := b.publisher.Publish(ctx, env); err != nil {
		b.logger.Error(logging.RabbitMQ, logging.Publish, "failed to queue revocation", map[logging.ExtraKey]any{
			logging.RoutingKey:   env.RoutingKey,
			logging.SerialNumber: req.SerialNumber,
			logging.ErrorMessage: err.Error(),
		})
		return rpc.Respond(502, "Revocation could not be queued.", nil), nil
	}
	return rpc.Respond(202, "Revocation accepted.", map[string]any{
		"serial_number": req.SerialNumber,
	}), nil
}

func invalid(err error) rpc.Response {
	resp := rpc.Respond(400, "Invalid request.", nil)
	if errors.Is(err, domain.ErrValidation) {
		resp.Description = err.Error()
	}
	return resp
}
