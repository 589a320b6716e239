package pki

import (
	"errors"
	"testing"

	"github.com/microfarm/microfarm/internal/domain"
)

func TestParseSubject(t *testing.T) {
	name, err := ParseSubject("CN=John Doe,OU=Farming,O=Microfarm,L=Paris,C=FR,1.2.840.113549.1.9.1=john@example.com")
	if err != nil {
		t.Fatalf("ParseSubject: %v", err)
	}
	if name.CommonName != "John Doe" {
		t.Fatalf("common name = %q", name.CommonName)
	}
	if len(name.Organization) != 1 || name.Organization[0] != "Microfarm" {
		t.Fatalf("organization = %v", name.Organization)
	}
	if len(name.OrganizationalUnit) != 1 || name.OrganizationalUnit[0] != "Farming" {
		t.Fatalf("organizational unit = %v", name.OrganizationalUnit)
	}
	if len(name.Country) != 1 || name.Country[0] != "FR" {
		t.Fatalf("country = %v", name.Country)
	}
	emails := EmailAddresses(name)
	if len(emails) != 1 || emails[0] != "john@example.com" {
		t.Fatalf("emails = %v", emails)
	}
	if len(name.ExtraNames) != 1 || !name.ExtraNames[0].Type.Equal(oidEmailAddress) {
		t.Fatalf("extra names = %v", name.ExtraNames)
	}
}

func TestParseSubjectNamedAttributes(t *testing.T) {
	name, err := ParseSubject("CN=Jane,GIVENNAME=Jane,SN=Doe,emailAddress=jane@example.com,DC=example,DC=com")
	if err != nil {
		t.Fatalf("ParseSubject: %v", err)
	}
	if got := EmailAddresses(name); len(got) != 1 || got[0] != "jane@example.com" {
		t.Fatalf("emails = %v", got)
	}
	// GN, SN, email and two DC values.
	if len(name.ExtraNames) != 5 {
		t.Fatalf("expected 5 extra names, got %d", len(name.ExtraNames))
	}
}

func TestParseSubjectRejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"not a dn",
		"FOO=bar",
		"CN=ok,=missing",
	}
	for _, dn := range cases {
		if _, err := ParseSubject(dn); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("ParseSubject(%q): expected validation error, got %v", dn, err)
		}
	}
}
