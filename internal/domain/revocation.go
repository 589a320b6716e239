package domain

import "fmt"

// RevocationReason mirrors the X.509 CRL reason flags.
type RevocationReason string

const (
	ReasonUnspecified          RevocationReason = "unspecified"
	ReasonKeyCompromise        RevocationReason = "key_compromise"
	ReasonCACompromise         RevocationReason = "ca_compromise"
	ReasonAffiliationChanged   RevocationReason = "affiliation_changed"
	ReasonSuperseded           RevocationReason = "superseded"
	ReasonCessationOfOperation RevocationReason = "cessation_of_operation"
	ReasonCertificateHold      RevocationReason = "certificate_hold"
	ReasonPrivilegeWithdrawn   RevocationReason = "privilege_withdrawn"
	ReasonAACompromise         RevocationReason = "aa_compromise"
	ReasonRemoveFromCRL        RevocationReason = "remove_from_crl"
)

var revocationReasons = map[RevocationReason]struct{}{
	ReasonUnspecified:          {},
	ReasonKeyCompromise:        {},
	ReasonCACompromise:         {},
	ReasonAffiliationChanged:   {},
	ReasonSuperseded:           {},
	ReasonCessationOfOperation: {},
	ReasonCertificateHold:      {},
	ReasonPrivilegeWithdrawn:   {},
	ReasonAACompromise:         {},
	ReasonRemoveFromCRL:        {},
}

func (r RevocationReason) Validate() error {
	if _, ok := revocationReasons[r]; !ok {
		return fmt.Errorf("%w: unknown revocation reason %q", ErrValidation, string(r))
	}
	return nil
}
