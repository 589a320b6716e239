package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/microfarm/microfarm/internal/domain"
)

type certificateRepository struct {
	db *gorm.DB
}

func NewCertificateRepository(db *gorm.DB) domain.CertificateRepository {
	return &certificateRepository{db: db}
}

// Create inserts the certificate inside its own transaction. A replay of a
// known serial number is not an error: the insert is skipped and created
// is false.
func (r *certificateRepository) Create(ctx context.Context, cert *domain.Certificate) (bool, error) {
	var created bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "serial_number"}},
			DoNothing: true,
		}).Create(cert)
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert certificate %s: %w", cert.SerialNumber, err)
	}
	return created, nil
}

func (r *certificateRepository) Revoke(ctx context.Context, serial string, reason domain.RevocationReason, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Certificate{}).
			Where("serial_number = ? AND revocation_date IS NULL", serial).
			Updates(map[string]any{
				"revocation_date":   at.UTC(),
				"revocation_reason": reason,
			})
		if result.Error != nil {
			return fmt.Errorf("revoke certificate %s: %w", serial, result.Error)
		}
		if result.RowsAffected > 0 {
			return nil
		}

		var count int64
		if err := tx.Model(&domain.Certificate{}).Where("serial_number = ?", serial).Count(&count).Error; err != nil {
			return fmt.Errorf("revoke certificate %s: %w", serial, err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", domain.ErrCertificateNotFound, serial)
		}
		return fmt.Errorf("%w: %s", domain.ErrAlreadyRevoked, serial)
	})
}

func (r *certificateRepository) GetBySerial(ctx context.Context, serial string) (*domain.Certificate, error) {
	var cert domain.Certificate
	err := r.db.WithContext(ctx).Where("serial_number = ?", serial).First(&cert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCertificateNotFound, serial)
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// ListByAccount pages with the listing as given; callers normalize it first.
// Rows tie-break on serial number so pages are stable.
func (r *certificateRepository) ListByAccount(ctx context.Context, account string, listing domain.CertificateListing) ([]domain.Certificate, int64, error) {
	owned := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&domain.Certificate{}).Where("account_id = ?", account)
	}

	var total int64
	if err := owned().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count certificates of %s: %w", account, err)
	}

	query := owned()
	for _, o := range listing.SortBy {
		column, ok := domain.CertificateSortKeys[o.Key]
		if !ok {
			return nil, 0, fmt.Errorf("%w: cannot sort by %q", domain.ErrValidation, o.Key)
		}
		query = query.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: o.Order == "desc"})
	}
	query = query.Order(clause.OrderByColumn{Column: clause.Column{Name: "serial_number"}})

	var certs []domain.Certificate
	if listing.Limit > 0 {
		query = query.Limit(listing.Limit)
	}
	if err := query.Offset(listing.Offset).Find(&certs).Error; err != nil {
		return nil, 0, fmt.Errorf("list certificates of %s: %w", account, err)
	}
	return certs, total, nil
}
