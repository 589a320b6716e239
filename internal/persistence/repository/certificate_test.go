package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/configs"
	"github.com/microfarm/microfarm/internal/persistence/db"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, configs.DatabaseConfig{
		Driver: db.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "app.db"),
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })
	if err := db.Migrate(ctx, database, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func testCertificate(serial string) *domain.Certificate {
	now := time.Now().UTC()
	return &domain.Certificate{
		SerialNumber: serial,
		Fingerprint:  "fp-" + serial,
		ProfileID:    "p1",
		AccountID:    "a1",
		PEMCert:      []byte("cert"),
		ValidFrom:    now,
		ValidUntil:   now.Add(time.Hour),
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	repo := NewCertificateRepository(openTestDB(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, testCertificate("100"))
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	created, err = repo.Create(ctx, testCertificate("100"))
	if err != nil {
		t.Fatalf("replayed insert: %v", err)
	}
	if created {
		t.Fatalf("replayed insert should not create a row")
	}
	_, count, err := repo.ListByAccount(ctx, "a1", domain.CertificateListing{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestRevoke(t *testing.T) {
	repo := NewCertificateRepository(openTestDB(t))
	ctx := context.Background()
	if _, err := repo.Create(ctx, testCertificate("200")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := repo.Revoke(ctx, "200", domain.ReasonKeyCompromise, at); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	cert, err := repo.GetBySerial(ctx, "200")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cert.Revoked() || cert.RevocationReason == nil || *cert.RevocationReason != domain.ReasonKeyCompromise {
		t.Fatalf("certificate not revoked: %+v", cert)
	}

	if err := repo.Revoke(ctx, "200", domain.ReasonSuperseded, at); !errors.Is(err, domain.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	if err := repo.Revoke(ctx, "missing", domain.ReasonSuperseded, at); !errors.Is(err, domain.ErrCertificateNotFound) {
		t.Fatalf("expected ErrCertificateNotFound, got %v", err)
	}
}

func TestGetBySerialNotFound(t *testing.T) {
	repo := NewCertificateRepository(openTestDB(t))
	if _, err := repo.GetBySerial(context.Background(), "nope"); !errors.Is(err, domain.ErrCertificateNotFound) {
		t.Fatalf("expected ErrCertificateNotFound, got %v", err)
	}
}

func TestListByAccount(t *testing.T) {
	repo := NewCertificateRepository(openTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i, serial := range []string{"301", "302", "303"} {
		cert := testCertificate(serial)
		cert.ValidUntil = base.Add(time.Duration(3-i) * time.Hour)
		if _, err := repo.Create(ctx, cert); err != nil {
			t.Fatalf("insert %s: %v", serial, err)
		}
	}
	other := testCertificate("400")
	other.AccountID = "a2"
	if _, err := repo.Create(ctx, other); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	certs, total, err := repo.ListByAccount(ctx, "a1", domain.CertificateListing{
		Limit:  2,
		SortBy: []domain.FieldOrdering{{Key: "valid_until", Order: "asc"}},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(certs) != 2 || certs[0].SerialNumber != "303" || certs[1].SerialNumber != "302" {
		t.Fatalf("unexpected first page %+v", serials(certs))
	}

	certs, _, err = repo.ListByAccount(ctx, "a1", domain.CertificateListing{
		Offset: 2,
		Limit:  2,
		SortBy: []domain.FieldOrdering{{Key: "valid_until", Order: "asc"}},
	})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(certs) != 1 || certs[0].SerialNumber != "301" {
		t.Fatalf("unexpected second page %+v", serials(certs))
	}

	if _, _, err := repo.ListByAccount(ctx, "a1", domain.CertificateListing{
		SortBy: []domain.FieldOrdering{{Key: "pem_private_key", Order: "asc"}},
	}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for an unknown sort key, got %v", err)
	}
}

func serials(certs []domain.Certificate) []string {
	out := make([]string, 0, len(certs))
	for _, c := range certs {
		out = append(out, c.SerialNumber)
	}
	return out
}
