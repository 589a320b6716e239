package issuance

import (
	"context"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/configs"
	"github.com/microfarm/microfarm/internal/infrastructure/consumer"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging/memory"
	"github.com/microfarm/microfarm/internal/pki"
)

type failingIssuer struct{ calls int }

func (f *failingIssuer) Issue(context.Context, pkix.Name) (*pki.Bundle, error) {
	f.calls++
	return nil, pki.ErrSigning
}

func newAuthority(t *testing.T) *pki.Authority {
	t.Helper()
	dir := t.TempDir()
	ca, err := pki.LoadOrCreateAuthority(configs.PKIConfig{
		Root: configs.AuthorityConfig{
			CertPath: filepath.Join(dir, "root.pem"),
			KeyPath:  filepath.Join(dir, "root.key"),
			Password: "root",
			Subject:  "CN=Root",
		},
		Intermediate: configs.AuthorityConfig{
			CertPath: filepath.Join(dir, "inter.pem"),
			KeyPath:  filepath.Join(dir, "inter.key"),
			Password: "inter",
			Subject:  "CN=Intermediate",
		},
		LeafValidity: time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	return ca
}

func issueMessage(t *testing.T, req domain.CertificateIssuanceRequest) consumer.Message {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return consumer.Message{
		Kind:        messaging.KindIssueCertificate,
		Queue:       messaging.PKICertificateQueue,
		RoutingKey:  messaging.KindIssueCertificate.RoutingKey(),
		ContentType: messaging.ContentTypeJSON,
		Body:        body,
		Attempt:     1,
	}
}

func TestIssuePublishesEncryptedBundle(t *testing.T) {
	broker := memory.NewBroker()
	conn := broker.Connect()
	defer conn.Close()

	w := NewWorker(newAuthority(t), conn, nil, 12)
	msg := issueMessage(t, domain.CertificateIssuanceRequest{
		AccountID:       "a1",
		ProfileID:       "p1",
		SubjectIdentity: "CN=John Doe,O=Acme,1.2.840.113549.1.9.1=john@example.com",
	})
	if err := w.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	published := broker.Published(messaging.KindPersistCertificate.RoutingKey())
	if len(published) != 1 {
		t.Fatalf("expected one bundle, got %d", len(published))
	}
	env := published[0]
	if env.Exchange != messaging.PersistenceExchange || env.ContentType != messaging.ContentTypeMsgpack {
		t.Fatalf("unexpected envelope %s/%s", env.Exchange, env.ContentType)
	}
	var bundle domain.CertificateBundle
	if err := msgpack.Unmarshal(env.Body, &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if err := bundle.Validate(); err != nil {
		t.Fatalf("bundle invalid: %v", err)
	}
	if bundle.Account != "a1" || bundle.Profile != "p1" {
		t.Fatalf("account/profile = %q/%q", bundle.Account, bundle.Profile)
	}
	if _, err := pki.DecryptPrivateKey(bundle.PEMPrivateKey, nil); err == nil {
		t.Fatalf("private key should not decrypt without a password")
	}
}

func TestIssueRejectsMalformedInput(t *testing.T) {
	broker := memory.NewBroker()
	conn := broker.Connect()
	defer conn.Close()
	issuer := &failingIssuer{}
	w := NewWorker(issuer, conn, nil, 12)

	bad := issueMessage(t, domain.CertificateIssuanceRequest{AccountID: "a1", SubjectIdentity: "FOO=bar"})
	if err := w.Dispatch(context.Background(), bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	garbage := issueMessage(t, domain.CertificateIssuanceRequest{})
	garbage.Body = []byte("{not json")
	if err := w.Dispatch(context.Background(), garbage); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if issuer.calls != 0 {
		t.Fatalf("issuer should not be reached, got %d calls", issuer.calls)
	}
	if n := len(broker.Published("")); n != 0 {
		t.Fatalf("nothing should be published, got %d", n)
	}
}

func TestIssueSigningFailure(t *testing.T) {
	broker := memory.NewBroker()
	conn := broker.Connect()
	defer conn.Close()
	w := NewWorker(&failingIssuer{}, conn, nil, 12)

	msg := issueMessage(t, domain.CertificateIssuanceRequest{AccountID: "a1", SubjectIdentity: "CN=x"})
	if err := w.Dispatch(context.Background(), msg); !errors.Is(err, pki.ErrSigning) {
		t.Fatalf("expected ErrSigning, got %v", err)
	}
}

func TestIssuePublishFailureIsReported(t *testing.T) {
	broker := memory.NewBroker()
	conn := broker.Connect()
	defer conn.Close()
	broker.SetPublishError(messaging.KindPersistCertificate.RoutingKey(), errors.New("channel closed"))

	w := NewWorker(newAuthority(t), conn, nil, 12)
	msg := issueMessage(t, domain.CertificateIssuanceRequest{AccountID: "a1", SubjectIdentity: "CN=x"})
	if err := w.Dispatch(context.Background(), msg); err == nil {
		t.Fatalf("expected publish failure to surface")
	}
}

func TestRevokeIsForwarded(t *testing.T) {
	broker := memory.NewBroker()
	conn := broker.Connect()
	defer conn.Close()
	w := NewWorker(&failingIssuer{}, conn, nil, 12)

	body, _ := json.Marshal(domain.RevocationRequest{
		Account:      "a1",
		SerialNumber: "1234",
		Reason:       domain.ReasonKeyCompromise,
	})
	msg := consumer.Message{
		Kind:        messaging.KindRevokeCertificate,
		RoutingKey:  messaging.KindRevokeCertificate.RoutingKey(),
		ContentType: messaging.ContentTypeJSON,
		Body:        body,
	}
	if err := w.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	published := broker.Published(messaging.KindPersistRevocation.RoutingKey())
	if len(published) != 1 {
		t.Fatalf("expected one forwarded revocation, got %d", len(published))
	}
	var req domain.RevocationRequest
	if err := msgpack.Unmarshal(published[0].Body, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.SerialNumber != "1234" || req.Reason != domain.ReasonKeyCompromise {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	w := NewWorker(&failingIssuer{}, memory.NewBroker().Connect(), nil, 12)
	err := w.Dispatch(context.Background(), consumer.Message{Kind: messaging.KindMailingNotifier, RoutingKey: "mailing.notifier"})
	if !errors.Is(err, messaging.ErrUnknownRoutingKey) {
		t.Fatalf("expected ErrUnknownRoutingKey, got %v", err)
	}
}
