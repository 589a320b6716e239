package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/microfarm/microfarm/internal/domain"
)

var (
	oidCommonName          = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidSurname             = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidSerialNumber        = asn1.ObjectIdentifier{2, 5, 4, 5}
	oidCountry             = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidLocality            = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidProvince            = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidStreetAddress       = asn1.ObjectIdentifier{2, 5, 4, 9}
	oidOrganization        = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit  = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidTitle               = asn1.ObjectIdentifier{2, 5, 4, 12}
	oidBusinessCategory    = asn1.ObjectIdentifier{2, 5, 4, 15}
	oidPostalAddress       = asn1.ObjectIdentifier{2, 5, 4, 16}
	oidPostalCode          = asn1.ObjectIdentifier{2, 5, 4, 17}
	oidGivenName           = asn1.ObjectIdentifier{2, 5, 4, 42}
	oidGenerationQualifier = asn1.ObjectIdentifier{2, 5, 4, 44}
	oidDNQualifier         = asn1.ObjectIdentifier{2, 5, 4, 46}
	oidPseudonym           = asn1.ObjectIdentifier{2, 5, 4, 65}
	oidUserID              = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	oidDomainComponent     = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
	oidEmailAddress        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

var attributeTypes = map[string]asn1.ObjectIdentifier{
	"CN":                  oidCommonName,
	"COMMONNAME":          oidCommonName,
	"SN":                  oidSurname,
	"SURNAME":             oidSurname,
	"SERIALNUMBER":        oidSerialNumber,
	"C":                   oidCountry,
	"L":                   oidLocality,
	"ST":                  oidProvince,
	"STREET":              oidStreetAddress,
	"O":                   oidOrganization,
	"OU":                  oidOrganizationalUnit,
	"TITLE":               oidTitle,
	"BUSINESSCATEGORY":    oidBusinessCategory,
	"POSTALADDRESS":       oidPostalAddress,
	"POSTALCODE":          oidPostalCode,
	"GN":                  oidGivenName,
	"GIVENNAME":           oidGivenName,
	"GENERATIONQUALIFIER": oidGenerationQualifier,
	"DNQUALIFIER":         oidDNQualifier,
	"PSEUDONYM":           oidPseudonym,
	"UID":                 oidUserID,
	"DC":                  oidDomainComponent,
	"E":                   oidEmailAddress,
	"EMAIL":               oidEmailAddress,
	"EMAILADDRESS":        oidEmailAddress,
}

// pkix.Name fills these itself; anything else goes to ExtraNames.
var standardAttributes = []asn1.ObjectIdentifier{
	oidCommonName, oidSerialNumber, oidCountry, oidLocality, oidProvince,
	oidStreetAddress, oidOrganization, oidOrganizationalUnit, oidPostalCode,
}

// ParseSubject parses an RFC 4514 distinguished name such as
// "CN=John Doe,O=Acme,1.2.840.113549.1.9.1=john@example.com".
func ParseSubject(dn string) (pkix.Name, error) {
	if strings.TrimSpace(dn) == "" {
		return pkix.Name{}, fmt.Errorf("%w: empty distinguished name", domain.ErrValidation)
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return pkix.Name{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	// RFC 4514 lists the most specific RDN first.
	seq := make(pkix.RDNSequence, 0, len(parsed.RDNs))
	for i := len(parsed.RDNs) - 1; i >= 0; i-- {
		var set pkix.RelativeDistinguishedNameSET
		for _, attr := range parsed.RDNs[i].Attributes {
			oid, err := attributeOID(attr.Type)
			if err != nil {
				return pkix.Name{}, err
			}
			set = append(set, pkix.AttributeTypeAndValue{Type: oid, Value: attr.Value})
		}
		seq = append(seq, set)
	}

	var name pkix.Name
	name.FillFromRDNSequence(&seq)
	for _, atv := range name.Names {
		if !isStandard(atv.Type) {
			name.ExtraNames = append(name.ExtraNames, atv)
		}
	}
	if len(name.Names) == 0 {
		return pkix.Name{}, fmt.Errorf("%w: distinguished name has no attributes", domain.ErrValidation)
	}
	return name, nil
}

// EmailAddresses returns the emailAddress attributes of a subject.
func EmailAddresses(name pkix.Name) []string {
	var out []string
	for _, atv := range name.Names {
		if atv.Type.Equal(oidEmailAddress) {
			if s, ok := atv.Value.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func attributeOID(t string) (asn1.ObjectIdentifier, error) {
	if oid, ok := attributeTypes[strings.ToUpper(t)]; ok {
		return oid, nil
	}
	parts := strings.Split(t, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: unknown attribute type %q", domain.ErrValidation, t)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: unknown attribute type %q", domain.ErrValidation, t)
		}
		oid[i] = n
	}
	return oid, nil
}

func isStandard(oid asn1.ObjectIdentifier) bool {
	for _, s := range standardAttributes {
		if oid.Equal(s) {
			return true
		}
	}
	return false
}
