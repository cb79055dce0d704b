package certs

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/adamscao/nodetrust/pkg/certutil"
	"github.com/pkg/errors"
)

// Subdirectories of an instance certificate store
const (
	PendingDir     = "pending"
	CertsDir       = "certs"
	PrivateDir     = "private"
	CADBDir        = "ca_db"
	RemoteCertsDir = "remote_certs"
)

// CADBFileName is the name of the CA database inside CADBDir
const CADBFileName = "ca.db"

const (
	defaultCAValidity   = 10 * 365 * 24 * time.Hour
	defaultCertValidity = 365 * 24 * time.Hour
)

// Index records issued certificates in the CA database
type Index interface {
	Create(cert *models.CertificateRecord) error
	SerialExists(serial string) (bool, error)
	RevokeByIdentity(identity string) (int64, error)
}

// Options configures a Store
type Options struct {
	Root         string
	InstanceName string
	KeyBits      int
	CAValidity   time.Duration
	CertValidity time.Duration
	// Index is optional; when nil issued certificates are only kept on disk
	Index Index
}

// Store is the on-disk certificate repository of one platform instance.
//
// The store performs plain read-modify-write on its files and does not lock
// across processes: concurrent writers to the same identity are last-writer-wins.
type Store struct {
	root         string
	instanceName string
	keyBits      int
	caValidity   time.Duration
	certValidity time.Duration
	index        Index
}

// CARecord describes the instance root CA
type CARecord struct {
	Name    string
	Cert    *x509.Certificate
	CertPEM []byte
}

// New creates the store and its directory layout under opts.Root
func New(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.Wrap(errs.ErrConfiguration, "certificate store root is required")
	}
	if opts.InstanceName == "" {
		return nil, errors.Wrap(errs.ErrConfiguration, "instance name is required")
	}

	s := &Store{
		root:         opts.Root,
		instanceName: opts.InstanceName,
		keyBits:      opts.KeyBits,
		caValidity:   opts.CAValidity,
		certValidity: opts.CertValidity,
		index:        opts.Index,
	}
	// Apply defaults
	if s.keyBits <= 0 {
		s.keyBits = defaultKeyBits
	}
	if s.caValidity <= 0 {
		s.caValidity = defaultCAValidity
	}
	if s.certValidity <= 0 {
		s.certValidity = defaultCertValidity
	}

	// Create directory layout
	for _, dir := range []string{PendingDir, CertsDir, PrivateDir, CADBDir, RemoteCertsDir} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create %s directory", dir)
		}
	}
	// keys never leave the private directory
	if err := os.Chmod(filepath.Join(s.root, PrivateDir), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to restrict private directory")
	}

	return s, nil
}

// Root returns the store root directory
func (s *Store) Root() string { return s.root }

// InstanceName returns the name of the instance that owns the store
func (s *Store) InstanceName() string { return s.instanceName }

// RootCAName returns the file name of the instance root CA
func (s *Store) RootCAName() string { return s.instanceName + "-root-ca" }

// Dir returns the absolute path of a store subdirectory
func (s *Store) Dir(name string) string { return filepath.Join(s.root, name) }

// CertFile returns the path of the certificate for name
func (s *Store) CertFile(name string) string {
	return filepath.Join(s.root, CertsDir, name+".crt")
}

// PrivateKeyFile returns the path of the private key for name
func (s *Store) PrivateKeyFile(name string) string {
	return filepath.Join(s.root, PrivateDir, name+".pem")
}

// CADBFile returns the path of the CA database
func (s *Store) CADBFile() string {
	return filepath.Join(s.root, CADBDir, CADBFileName)
}

// CertExists reports whether a certificate is stored for name
func (s *Store) CertExists(name string) bool {
	_, err := os.Stat(s.CertFile(name))
	return err == nil
}

// CAExists reports whether the root CA has been created
func (s *Store) CAExists() bool {
	return s.CertExists(s.RootCAName()) && fileExists(s.PrivateKeyFile(s.RootCAName()))
}

// CreateRootCA generates and persists a self-signed root CA
func (s *Store) CreateRootCA(data CertificateData) (*CARecord, error) {
	name := s.RootCAName()
	if s.CAExists() {
		return nil, errors.Wrapf(errs.ErrAlreadyExists, "root ca %s", name)
	}

	if data.CommonName == "" {
		data.CommonName = s.instanceName + "-root-ca"
	}

	// Generate CA key
	key, _, err := loadOrGenerateKey(s.PrivateKeyFile(name), s.keyBits)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	// Self-sign
	tmpl := rootTemplate(data.name(), serial, s.caValidity)
	cert, certPEM, err := signCertificate(tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(s.CertFile(name), certPEM, 0o644); err != nil {
		return nil, errors.Wrap(err, "failed to write root ca certificate")
	}

	return &CARecord{Name: name, Cert: cert, CertPEM: certPEM}, nil
}

// CACertificate returns the PEM encoded root CA certificate
func (s *Store) CACertificate() ([]byte, error) {
	return s.Cert(s.RootCAName())
}

// Cert returns the stored PEM certificate for name
func (s *Store) Cert(name string) ([]byte, error) {
	data, err := os.ReadFile(s.CertFile(name))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(errs.ErrNotFound, "certificate %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read certificate %s", name)
	}
	return data, nil
}

// CreateSignedCert returns the certificate and private key for identity,
// issuing them from caName on first use. Existing pairs are never regenerated.
func (s *Store) CreateSignedCert(identity, caName string) ([]byte, []byte, error) {
	if err := validateName(identity); err != nil {
		return nil, nil, err
	}

	// Return the existing pair as is
	if s.CertExists(identity) && fileExists(s.PrivateKeyFile(identity)) {
		certPEM, err := s.Cert(identity)
		if err != nil {
			return nil, nil, err
		}
		_, keyPEM, err := loadKey(s.PrivateKeyFile(identity))
		if err != nil {
			return nil, nil, err
		}
		return certPEM, keyPEM, nil
	}

	// Load CA
	caCert, caKey, err := s.loadCA(caName)
	if err != nil {
		return nil, nil, err
	}

	key, keyPEM, err := loadOrGenerateKey(s.PrivateKeyFile(identity), s.keyBits)
	if err != nil {
		return nil, nil, err
	}

	subject := caCert.Subject
	subject.CommonName = identity
	certPEM, err := s.issue(identity, caName, subject, key.Public(), caCert, caKey)
	if err != nil {
		return nil, nil, err
	}

	return certPEM, keyPEM, nil
}

// VerifyCert checks that certPEM chains to the instance root CA
func (s *Store) VerifyCert(certPEM []byte) error {
	caPEM, err := s.CACertificate()
	if err != nil {
		return err
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return errors.New("failed to load root ca certificate")
	}

	cert, err := certutil.ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// SaveRemoteCert stores the certificate of a remote peer instance. A different
// certificate already stored under name is only replaced when replace is set.
func (s *Store) SaveRemoteCert(name string, certPEM []byte, replace bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, err := certutil.ParseCertificatePEM(certPEM); err != nil {
		return err
	}

	// Compare against the stored certificate
	existing, err := s.RemoteCert(name)
	switch {
	case err == nil:
		same, err := certutil.FingerprintMatches(existing, certPEM)
		if err != nil {
			return err
		}
		if same {
			return nil
		}
		if !replace {
			return errors.Wrapf(errs.ErrAlreadyExists, "a different certificate is stored for remote %s", name)
		}
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}

	path := filepath.Join(s.root, RemoteCertsDir, name+".crt")
	return errors.Wrap(writeFileAtomic(path, certPEM, 0o644), "failed to write remote certificate")
}

// RemoteCert returns the stored certificate of a remote peer instance
func (s *Store) RemoteCert(name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, RemoteCertsDir, name+".crt"))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(errs.ErrNotFound, "remote certificate %s", name)
	}
	return data, errors.Wrap(err, "failed to read remote certificate")
}

func (s *Store) loadCA(caName string) (*x509.Certificate, crypto.Signer, error) {
	if !s.CertExists(caName) || !fileExists(s.PrivateKeyFile(caName)) {
		return nil, nil, errors.Wrapf(errs.ErrNotFound, "ca %s", caName)
	}

	caPEM, err := s.Cert(caName)
	if err != nil {
		return nil, nil, err
	}
	caCert, err := certutil.ParseCertificatePEM(caPEM)
	if err != nil {
		return nil, nil, err
	}

	// Load CA private key
	caKey, _, err := loadKey(s.PrivateKeyFile(caName))
	if err != nil {
		return nil, nil, err
	}

	return caCert, caKey, nil
}

// issue signs a leaf certificate for identity, writes it to the certs
// directory and records it in the CA index
func (s *Store) issue(identity, caName string, subject pkix.Name, pub crypto.PublicKey, caCert *x509.Certificate, caKey crypto.Signer) ([]byte, error) {
	serial, err := s.uniqueSerial()
	if err != nil {
		return nil, err
	}

	// Sign certificate
	cert, certPEM, err := signCertificate(leafTemplate(subject, serial, s.certValidity), caCert, pub, caKey)
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(s.CertFile(identity), certPEM, 0o644); err != nil {
		return nil, errors.Wrap(err, "failed to write certificate")
	}

	// Record the serial in the CA database
	if s.index != nil {
		err := s.index.Create(&models.CertificateRecord{
			SerialNumber: cert.SerialNumber.Text(16),
			Identity:     identity,
			CAName:       caName,
			Fingerprint:  certutil.Fingerprint(cert),
			ValidFrom:    cert.NotBefore,
			ValidTo:      cert.NotAfter,
		})
		if err != nil {
			os.Remove(s.CertFile(identity))
			return nil, errors.Wrap(err, "failed to index certificate")
		}
	}

	return certPEM, nil
}

// discardCert removes the certificate file of identity and revokes it in the
// CA index. Failures are ignored; the caller is already returning an error.
func (s *Store) discardCert(identity string) {
	os.Remove(s.CertFile(identity))
	if s.index != nil {
		s.index.RevokeByIdentity(identity)
	}
}

func (s *Store) uniqueSerial() (*big.Int, error) {
	for i := 0; i < 3; i++ {
		serial, err := randomSerial()
		if err != nil {
			return nil, err
		}
		// Without an index, 128 random bits are enough
		if s.index == nil {
			return serial, nil
		}
		exists, err := s.index.SerialExists(serial.Text(16))
		if err != nil {
			return nil, err
		}
		if !exists {
			return serial, nil
		}
	}
	return nil, errors.Wrap(errs.ErrInternal, "failed to allocate a unique serial number")
}

// validateName rejects identities that cannot be used as a file name
func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return errors.Wrapf(errs.ErrIdentityMismatch, "invalid identity %q", name)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeFileAtomic replaces path with data through a temporary file in the same
// directory so readers never observe a partial write
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
