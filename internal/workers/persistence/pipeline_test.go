package persistence

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/configs"
	"github.com/microfarm/microfarm/internal/infrastructure/consumer"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
	"github.com/microfarm/microfarm/internal/pki"
	"github.com/microfarm/microfarm/internal/workers/issuance"
)

// startIssuance runs the issuance worker on the fixture's broker with a
// throwaway authority.
func startIssuance(t *testing.T, f *fixture) *pki.Authority {
	t.Helper()
	dir := t.TempDir()
	ca, err := pki.LoadOrCreateAuthority(configs.PKIConfig{
		Root: configs.AuthorityConfig{
			CertPath: filepath.Join(dir, "root.pem"),
			KeyPath:  filepath.Join(dir, "root.key"),
			Subject:  "CN=Pipeline Root",
		},
		Intermediate: configs.AuthorityConfig{
			CertPath: filepath.Join(dir, "inter.pem"),
			KeyPath:  filepath.Join(dir, "inter.key"),
			Subject:  "CN=Pipeline Intermediate",
		},
		LeafValidity: time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("authority: %v", err)
	}

	conn := f.broker.Connect()
	engine, err := consumer.New(conn, issuance.NewWorker(ca, conn, nil, issuance.DefaultPasswordLength), consumer.Options{
		Queue:             messaging.PKICertificateQueue,
		Topology:          messaging.DefaultTopology(false),
		InactivityTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ca
}

func TestIssuedCertificateIsStoredOnce(t *testing.T) {
	f := start(t)
	ca := startIssuance(t, f)
	persistKey := messaging.KindPersistCertificate.RoutingKey()

	f.publish(t, messaging.KindIssueCertificate, domain.CertificateIssuanceRequest{
		RequestID:       "req-1",
		AccountID:       "a1",
		ProfileID:       "p1",
		SubjectIdentity: "CN=Jane Roe,O=Acme,1.2.840.113549.1.9.1=jane@example.com",
	})

	waitFor(t, func() bool { return f.broker.Acked(persistKey) == 1 })

	bundles := f.broker.Published(persistKey)
	if len(bundles) != 1 {
		t.Fatalf("expected one bundle, got %d", len(bundles))
	}
	var bundle domain.CertificateBundle
	if err := msgpack.Unmarshal(bundles[0].Body, &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}

	stored, err := f.repo.GetBySerial(context.Background(), bundle.SerialNumber)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.AccountID != "a1" || stored.ProfileID != "p1" || stored.Fingerprint != bundle.Fingerprint {
		t.Fatalf("unexpected row %+v", stored)
	}

	block, _ := pem.Decode(stored.PEMCert)
	if block == nil {
		t.Fatalf("stored certificate is not PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.Root())
	inters := x509.NewCertPool()
	inters.AddCert(ca.Intermediate())
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inters,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Fatalf("stored certificate does not chain to the authority: %v", err)
	}
	if block, _ := pem.Decode(stored.PEMPrivateKey); block == nil || block.Type != "ENCRYPTED PRIVATE KEY" {
		t.Fatalf("stored private key is not encrypted")
	}

	// A redelivered bundle must not create a second row.
	if err := f.pub.Publish(context.Background(), bundles[0]); err != nil {
		t.Fatalf("republish: %v", err)
	}
	waitFor(t, func() bool { return f.broker.Acked(persistKey) == 2 })

	_, n, err := f.repo.ListByAccount(context.Background(), bundle.Account, domain.CertificateListing{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one row after replay, got %d", n)
	}
	if !f.audit.has(domain.OutcomeDuplicate) {
		t.Fatalf("replay was not audited as a duplicate")
	}
	if got := len(f.broker.Published(messaging.KindMailingNotifier.RoutingKey())); got != 1 {
		t.Fatalf("expected one notification, got %d", got)
	}
}
