package pki

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/youmark/pkcs8"
)

var (
	// ErrSigning is the only error kind an Issuer reports.
	ErrSigning = errors.New("pki: signing failed")
	// ErrAuthorityMissing means the root or intermediate material is
	// incomplete; the issuance worker must not start without it.
	ErrAuthorityMissing = errors.New("pki: certificate authority material missing")
)

// Issuer turns a subject into a signed certificate bundle.
type Issuer interface {
	Issue(ctx context.Context, subject pkix.Name) (*Bundle, error)
}

// Bundle is everything produced by one issuance.
type Bundle struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	Chain       []*x509.Certificate
}

// SerialNumber is the decimal form of the certificate serial.
func (b *Bundle) SerialNumber() string { return b.Certificate.SerialNumber.String() }

// Fingerprint is the hex SHA-256 of the DER certificate.
func (b *Bundle) Fingerprint() string {
	sum := sha256.Sum256(b.Certificate.Raw)
	return hex.EncodeToString(sum[:])
}

func (b *Bundle) PEMCert() []byte { return encodeCertificate(b.Certificate) }

func (b *Bundle) PEMChain() []byte {
	var buf bytes.Buffer
	for _, c := range b.Chain {
		buf.Write(encodeCertificate(c))
	}
	return buf.Bytes()
}

// EncryptedPrivateKey returns the private key as a PKCS#8
// "ENCRYPTED PRIVATE KEY" PEM block protected by password.
func (b *Bundle) EncryptedPrivateKey(password []byte) ([]byte, error) {
	return EncryptPrivateKey(b.PrivateKey, password)
}

func EncryptPrivateKey(key crypto.PrivateKey, password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("pki: empty private key password")
	}
	der, err := pkcs8.MarshalPrivateKey(key, password, nil)
	if err != nil {
		return nil, fmt.Errorf("pki: encrypt private key: %w", err)
	}
	return pemEncode("ENCRYPTED PRIVATE KEY", der), nil
}

func DecryptPrivateKey(data, password []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("pki: no PEM block in private key")
	}
	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
		if err != nil {
			return nil, fmt.Errorf("pki: decrypt private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("pki: parse private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("pki: unexpected PEM block %q", block.Type)
	}
}

func encodeCertificate(c *x509.Certificate) []byte { return pemEncode("CERTIFICATE", c.Raw) }

func pemEncode(typ string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
}

func decodeCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("pki: no certificate PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}
