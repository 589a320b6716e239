package certificates

import (
	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/validate"
)

type createCertificateRequest struct {
	Account  string `json:"account" validate:"required,notblank,max=64"`
	Identity string `json:"identity" validate:"required,notblank,max=1024"`
	Profile  string `json:"profile,omitempty" validate:"omitempty,max=64"`
}

func (r createCertificateRequest) validate() error {
	return validate.Struct(r)
}

type revokeCertificateRequest struct {
	Account string `json:"account" validate:"required,notblank,max=64"`
	Reason  string `json:"reason,omitempty" validate:"omitempty,max=32"`
}

func (r revokeCertificateRequest) validate() error {
	return validate.Struct(r)
}

type sortField struct {
	Key   string `json:"key" validate:"required,notblank,max=32"`
	Order string `json:"order" validate:"required,oneof=asc desc"`
}

type listCertificatesRequest struct {
	Offset int         `json:"offset" validate:"min=0"`
	Limit  int         `json:"limit" validate:"min=0,max=500"`
	SortBy []sortField `json:"sort_by" validate:"max=8,dive"`
}

func (r listCertificatesRequest) validate() error {
	return validate.Struct(r)
}

func (r listCertificatesRequest) listing() domain.CertificateListing {
	listing := domain.CertificateListing{Offset: r.Offset, Limit: r.Limit}
	for _, f := range r.SortBy {
		listing.SortBy = append(listing.SortBy, domain.FieldOrdering{Key: f.Key, Order: f.Order})
	}
	return listing
}
