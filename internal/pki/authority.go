package pki

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/microfarm/microfarm/internal/infrastructure/configs"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
)

const (
	RootValidity         = 10 * 365 * 24 * time.Hour
	IntermediateValidity = 3 * 365 * 24 * time.Hour
	DefaultLeafValidity  = 365 * 24 * time.Hour

	// backdate absorbs clock skew between the CA host and verifiers.
	backdate = time.Hour
)

// Authority is a local two-level certificate authority: a self-signed root
// and an intermediate that signs every leaf.
type Authority struct {
	root            *x509.Certificate
	intermediate    *x509.Certificate
	intermediateKey crypto.Signer
	leafValidity    time.Duration
	now             func() time.Time
}

// LoadOrCreateAuthority loads the intermediate CA from disk. When the
// intermediate is missing it is created, signed by the root, and the root
// itself is created if neither its certificate nor its key exist. Any other
// partial state is reported as ErrAuthorityMissing.
func LoadOrCreateAuthority(cfg configs.PKIConfig, logger logging.Logger) (*Authority, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	leafValidity := cfg.LeafValidity
	if leafValidity <= 0 {
		leafValidity = DefaultLeafValidity
	}

	rootCertExists := exists(cfg.Root.CertPath)
	rootKeyExists := exists(cfg.Root.KeyPath)
	interCertExists := exists(cfg.Intermediate.CertPath)
	interKeyExists := exists(cfg.Intermediate.KeyPath)

	var root *x509.Certificate
	var inter *x509.Certificate
	var interKey crypto.Signer

	switch {
	case interCertExists:
		if !interKeyExists {
			return nil, fmt.Errorf("%w: intermediate key %s", ErrAuthorityMissing, cfg.Intermediate.KeyPath)
		}
		if !rootCertExists {
			return nil, fmt.Errorf("%w: root certificate %s", ErrAuthorityMissing, cfg.Root.CertPath)
		}
		var err error
		if root, err = readCertificate(cfg.Root.CertPath); err != nil {
			return nil, err
		}
		if inter, err = readCertificate(cfg.Intermediate.CertPath); err != nil {
			return nil, err
		}
		if interKey, err = readSigner(cfg.Intermediate.KeyPath, cfg.Intermediate.Password); err != nil {
			return nil, err
		}
		logger.Info(logging.PKI, logging.Authority, "loaded intermediate authority", map[logging.ExtraKey]any{
			logging.SerialNumber: inter.SerialNumber.String(),
		})

	default:
		var rootKey crypto.Signer
		var err error
		switch {
		case rootCertExists && rootKeyExists:
			if root, err = readCertificate(cfg.Root.CertPath); err != nil {
				return nil, err
			}
			if rootKey, err = readSigner(cfg.Root.KeyPath, cfg.Root.Password); err != nil {
				return nil, err
			}
		case rootCertExists || rootKeyExists:
			return nil, fmt.Errorf("%w: root certificate and key must both exist", ErrAuthorityMissing)
		default:
			if root, rootKey, err = createRoot(cfg.Root); err != nil {
				return nil, err
			}
			logger.Info(logging.PKI, logging.Authority, "created root authority", map[logging.ExtraKey]any{
				logging.SerialNumber: root.SerialNumber.String(),
			})
		}
		if inter, interKey, err = createIntermediate(cfg.Intermediate, root, rootKey); err != nil {
			return nil, err
		}
		logger.Info(logging.PKI, logging.Authority, "created intermediate authority", map[logging.ExtraKey]any{
			logging.SerialNumber: inter.SerialNumber.String(),
		})
	}

	if err := inter.CheckSignatureFrom(root); err != nil {
		return nil, fmt.Errorf("%w: intermediate is not signed by root: %v", ErrAuthorityMissing, err)
	}

	return &Authority{
		root:            root,
		intermediate:    inter,
		intermediateKey: interKey,
		leafValidity:    leafValidity,
		now:             time.Now,
	}, nil
}

func (a *Authority) Root() *x509.Certificate { return a.root }

func (a *Authority) Intermediate() *x509.Certificate { return a.intermediate }

// Issue signs a fresh ed25519 leaf for subject. The leaf never outlives the
// intermediate.
func (a *Authority) Issue(ctx context.Context, subject pkix.Name) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate ed25519 key: %v", ErrSigning, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	now := a.now()
	notAfter := now.Add(a.leafValidity)
	if notAfter.After(a.intermediate.NotAfter) {
		notAfter = a.intermediate.NotAfter
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-backdate),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
		EmailAddresses:        EmailAddresses(subject),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.intermediate, pub, a.intermediateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: create certificate: %v", ErrSigning, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", ErrSigning, err)
	}
	return &Bundle{
		Certificate: cert,
		PrivateKey:  priv,
		Chain:       []*x509.Certificate{a.intermediate, a.root},
	}, nil
}

func createRoot(cfg configs.AuthorityConfig) (*x509.Certificate, crypto.Signer, error) {
	subject, err := ParseSubject(cfg.Subject)
	if err != nil {
		return nil, nil, fmt.Errorf("root subject: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(RootValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}
	cert, err := signAndStore(cfg, tmpl, tmpl, pub, priv, priv)
	if err != nil {
		return nil, nil, err
	}
	return cert, priv, nil
}

func createIntermediate(cfg configs.AuthorityConfig, root *x509.Certificate, rootKey crypto.Signer) (*x509.Certificate, crypto.Signer, error) {
	subject, err := ParseSubject(cfg.Subject)
	if err != nil {
		return nil, nil, fmt.Errorf("intermediate subject: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	notAfter := now.Add(IntermediateValidity)
	if notAfter.After(root.NotAfter) {
		notAfter = root.NotAfter
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-backdate),
		NotAfter:              notAfter,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	cert, err := signAndStore(cfg, tmpl, root, pub, priv, rootKey)
	if err != nil {
		return nil, nil, err
	}
	return cert, priv, nil
}

func signAndStore(cfg configs.AuthorityConfig, tmpl, parent *x509.Certificate, pub crypto.PublicKey, priv crypto.PrivateKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	var keyPEM []byte
	if cfg.Password != "" {
		keyPEM, err = EncryptPrivateKey(priv, []byte(cfg.Password))
	} else {
		keyPEM, err = marshalPlainKey(priv)
	}
	if err != nil {
		return nil, err
	}
	if err := writeFile(cfg.KeyPath, keyPEM, 0o600); err != nil {
		return nil, err
	}
	if err := writeFile(cfg.CertPath, encodeCertificate(cert), 0o644); err != nil {
		return nil, err
	}
	return cert, nil
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate %s: %w", path, err)
	}
	cert, err := decodeCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}

func readSigner(path, password string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	key, err := DecryptPrivateKey(data, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s: key of type %T cannot sign", path, key)
	}
	return signer, nil
}

func marshalPlainKey(priv crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pemEncode("PRIVATE KEY", der), nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial.Add(serial, big.NewInt(1)), nil
}
