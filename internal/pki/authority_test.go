package pki

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/microfarm/microfarm/internal/infrastructure/configs"
)

func testPKIConfig(t *testing.T) configs.PKIConfig {
	t.Helper()
	dir := t.TempDir()
	return configs.PKIConfig{
		Root: configs.AuthorityConfig{
			CertPath: filepath.Join(dir, "root.pem"),
			KeyPath:  filepath.Join(dir, "root.key"),
			Password: "root-secret",
			Subject:  "CN=Test Root,O=Microfarm",
		},
		Intermediate: configs.AuthorityConfig{
			CertPath: filepath.Join(dir, "intermediate.pem"),
			KeyPath:  filepath.Join(dir, "intermediate.key"),
			Password: "intermediate-secret",
			Subject:  "CN=Test Intermediate,O=Microfarm",
		},
		LeafValidity:   24 * time.Hour,
		PasswordLength: 12,
	}
}

func TestAuthorityCreatesAndReloads(t *testing.T) {
	cfg := testPKIConfig(t)
	first, err := LoadOrCreateAuthority(cfg, nil)
	if err != nil {
		t.Fatalf("create authority: %v", err)
	}
	for _, p := range []string{cfg.Root.CertPath, cfg.Root.KeyPath, cfg.Intermediate.CertPath, cfg.Intermediate.KeyPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}
	keyPEM, _ := os.ReadFile(cfg.Intermediate.KeyPath)
	if block, _ := pem.Decode(keyPEM); block == nil || block.Type != "ENCRYPTED PRIVATE KEY" {
		t.Fatalf("intermediate key is not encrypted")
	}

	second, err := LoadOrCreateAuthority(cfg, nil)
	if err != nil {
		t.Fatalf("reload authority: %v", err)
	}
	if second.Intermediate().SerialNumber.Cmp(first.Intermediate().SerialNumber) != 0 {
		t.Fatalf("reload created a new intermediate")
	}
}

func TestAuthorityRecreatesIntermediateUnderExistingRoot(t *testing.T) {
	cfg := testPKIConfig(t)
	first, err := LoadOrCreateAuthority(cfg, nil)
	if err != nil {
		t.Fatalf("create authority: %v", err)
	}
	_ = os.Remove(cfg.Intermediate.CertPath)
	_ = os.Remove(cfg.Intermediate.KeyPath)

	second, err := LoadOrCreateAuthority(cfg, nil)
	if err != nil {
		t.Fatalf("recreate intermediate: %v", err)
	}
	if second.Root().SerialNumber.Cmp(first.Root().SerialNumber) != 0 {
		t.Fatalf("root should have been reused")
	}
	if second.Intermediate().SerialNumber.Cmp(first.Intermediate().SerialNumber) == 0 {
		t.Fatalf("intermediate should have been recreated")
	}
}

func TestAuthorityMissingMaterial(t *testing.T) {
	t.Run("intermediate key", func(t *testing.T) {
		cfg := testPKIConfig(t)
		if _, err := LoadOrCreateAuthority(cfg, nil); err != nil {
			t.Fatalf("create authority: %v", err)
		}
		_ = os.Remove(cfg.Intermediate.KeyPath)
		if _, err := LoadOrCreateAuthority(cfg, nil); !errors.Is(err, ErrAuthorityMissing) {
			t.Fatalf("expected ErrAuthorityMissing, got %v", err)
		}
	})
	t.Run("half a root", func(t *testing.T) {
		cfg := testPKIConfig(t)
		if _, err := LoadOrCreateAuthority(cfg, nil); err != nil {
			t.Fatalf("create authority: %v", err)
		}
		_ = os.Remove(cfg.Intermediate.CertPath)
		_ = os.Remove(cfg.Intermediate.KeyPath)
		_ = os.Remove(cfg.Root.KeyPath)
		if _, err := LoadOrCreateAuthority(cfg, nil); !errors.Is(err, ErrAuthorityMissing) {
			t.Fatalf("expected ErrAuthorityMissing, got %v", err)
		}
	})
}

func TestAuthorityWrongPassword(t *testing.T) {
	cfg := testPKIConfig(t)
	if _, err := LoadOrCreateAuthority(cfg, nil); err != nil {
		t.Fatalf("create authority: %v", err)
	}
	cfg.Intermediate.Password = "wrong"
	if _, err := LoadOrCreateAuthority(cfg, nil); err == nil {
		t.Fatalf("expected an error with a wrong key password")
	}
}

func TestIssueVerifiesAgainstChain(t *testing.T) {
	cfg := testPKIConfig(t)
	ca, err := LoadOrCreateAuthority(cfg, nil)
	if err != nil {
		t.Fatalf("create authority: %v", err)
	}
	subject, err := ParseSubject("CN=Alice,O=Microfarm,1.2.840.113549.1.9.1=alice@example.com")
	if err != nil {
		t.Fatalf("ParseSubject: %v", err)
	}
	bundle, err := ca.Issue(context.Background(), subject)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.Root())
	inters := x509.NewCertPool()
	inters.AddCert(ca.Intermediate())
	if _, err := bundle.Certificate.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inters,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Fatalf("verify leaf: %v", err)
	}

	if bundle.Certificate.Subject.CommonName != "Alice" {
		t.Fatalf("subject CN = %q", bundle.Certificate.Subject.CommonName)
	}
	if got := bundle.Certificate.EmailAddresses; len(got) != 1 || got[0] != "alice@example.com" {
		t.Fatalf("email SAN = %v", got)
	}
	if bundle.SerialNumber() == "" || len(bundle.Fingerprint()) != 64 {
		t.Fatalf("serial %q fingerprint %q", bundle.SerialNumber(), bundle.Fingerprint())
	}
	if len(bundle.Chain) != 2 {
		t.Fatalf("chain length = %d", len(bundle.Chain))
	}
	rest := bundle.PEMChain()
	var count int
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("PEM chain holds %d certificates", count)
	}
}

func TestIssueClampsToIntermediate(t *testing.T) {
	cfg := testPKIConfig(t)
	cfg.LeafValidity = 100 * 365 * 24 * time.Hour
	ca, err := LoadOrCreateAuthority(cfg, nil)
	if err != nil {
		t.Fatalf("create authority: %v", err)
	}
	subject, _ := ParseSubject("CN=Bob")
	bundle, err := ca.Issue(context.Background(), subject)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if bundle.Certificate.NotAfter.After(ca.Intermediate().NotAfter) {
		t.Fatalf("leaf outlives intermediate: %s > %s", bundle.Certificate.NotAfter, ca.Intermediate().NotAfter)
	}
}

func TestEncryptedPrivateKeyRoundTrip(t *testing.T) {
	cfg := testPKIConfig(t)
	ca, err := LoadOrCreateAuthority(cfg, nil)
	if err != nil {
		t.Fatalf("create authority: %v", err)
	}
	subject, _ := ParseSubject("CN=Carol")
	bundle, err := ca.Issue(context.Background(), subject)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	enc, err := bundle.EncryptedPrivateKey([]byte("ABCDEFGH2345"))
	if err != nil {
		t.Fatalf("EncryptedPrivateKey: %v", err)
	}
	key, err := DecryptPrivateKey(enc, []byte("ABCDEFGH2345"))
	if err != nil {
		t.Fatalf("DecryptPrivateKey: %v", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		t.Fatalf("unexpected key type %T", key)
	}
	if !priv.Public().(ed25519.PublicKey).Equal(bundle.Certificate.PublicKey) {
		t.Fatalf("decrypted key does not match certificate")
	}
	if _, err := DecryptPrivateKey(enc, []byte("WRONGPASS")); err == nil {
		t.Fatalf("expected decryption with the wrong password to fail")
	}
}

func TestIssueCancelledContext(t *testing.T) {
	cfg := testPKIConfig(t)
	ca, err := LoadOrCreateAuthority(cfg, nil)
	if err != nil {
		t.Fatalf("create authority: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ca.Issue(ctx, ca.Root().Subject); !errors.Is(err, ErrSigning) {
		t.Fatalf("expected ErrSigning, got %v", err)
	}
}
