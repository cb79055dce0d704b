package certs

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/pkg/errors"
)

// CSRFile returns the path of the raw pending CSR for identity
func (s *Store) CSRFile(identity string) string {
	return filepath.Join(s.root, PendingDir, identity+".csr")
}

// CSRMetaFile returns the path of the CSR metadata record for identity
func (s *Store) CSRMetaFile(identity string) string {
	return filepath.Join(s.root, PendingDir, identity+".json")
}

// CreateCSR builds a CSR for identity addressed to the CA of remoteInstanceName.
// The identity key pair is generated on first use and reused afterwards.
func (s *Store) CreateCSR(identity, remoteInstanceName string) ([]byte, error) {
	if err := validateName(identity); err != nil {
		return nil, err
	}

	// Load or generate identity key
	key, _, err := loadOrGenerateKey(s.PrivateKeyFile(identity), s.keyBits)
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{CommonName: identity}
	if remoteInstanceName != "" {
		subject.OrganizationalUnit = []string{remoteInstanceName}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: []string{identity},
	}, key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create certificate request")
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// SavePendingCSR records csr for identity with status PENDING and returns the
// path of the raw CSR file. The first submitted bytes are kept on resubmission;
// records that already left PENDING keep their status.
func (s *Store) SavePendingCSR(remoteAddr, identity string, csr []byte) (string, error) {
	if err := validateName(identity); err != nil {
		return "", err
	}

	// Keep the first submission
	csrFile := s.CSRFile(identity)
	if !fileExists(csrFile) {
		if err := writeFileAtomic(csrFile, csr, 0o644); err != nil {
			return "", errors.Wrap(err, "failed to write pending csr")
		}
	}

	rec, err := s.readRecord(identity)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return "", err
	}

	now := time.Now().UTC()
	if rec == nil {
		raw, err := os.ReadFile(csrFile)
		if err != nil {
			return "", errors.Wrap(err, "failed to read pending csr")
		}
		rec = &models.CSRRecord{
			Identity:  identity,
			CSR:       string(raw),
			Status:    models.StatusUnknown,
			CreatedAt: now,
		}
	}

	// Denied and approved records stay as they are
	if !models.CanTransition(rec.Status, models.StatusPending) {
		return csrFile, nil
	}

	rec.Status = models.StatusPending
	rec.RemoteAddr = remoteAddr
	rec.UpdatedAt = now

	if err := s.writeRecord(rec); err != nil {
		return "", err
	}

	return csrFile, nil
}

// ApproveCSR signs the pending CSR of identity with the instance root CA and
// returns the PEM certificate. Approving an approved record returns its cert.
func (s *Store) ApproveCSR(identity string) ([]byte, error) {
	rec, err := s.readRecord(identity)
	if err != nil {
		return nil, err
	}

	if rec.Status == models.StatusApproved {
		return s.GetCertFromCSR(identity)
	}
	if !models.CanTransition(rec.Status, models.StatusApproved) {
		return nil, errors.Wrapf(errs.ErrInvalidTransition, "%s is %s", identity, rec.Status)
	}

	// Parse CSR
	raw, err := os.ReadFile(s.CSRFile(identity))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pending csr")
	}

	csr, err := ParseCSR(raw)
	if err != nil {
		return nil, err
	}

	// Load CA
	caName := s.RootCAName()
	caCert, caKey, err := s.loadCA(caName)
	if err != nil {
		return nil, err
	}

	// Keep the requested subject but pin the common name to the identity
	subject := csr.Subject
	subject.CommonName = identity
	certPEM, err := s.issue(identity, caName, subject, csr.PublicKey, caCert, caKey)
	if err != nil {
		return nil, err
	}

	// The record is written last; a failure undoes the issued certificate so
	// the request stays PENDING with nothing valid behind it
	rec.Status = models.StatusApproved
	rec.Cert = string(certPEM)
	rec.UpdatedAt = time.Now().UTC()
	if err := s.writeRecord(rec); err != nil {
		s.discardCert(identity)
		return nil, err
	}

	return certPEM, nil
}

// DenyCSR marks the CSR of identity as DENIED. The raw CSR stays on disk.
func (s *Store) DenyCSR(identity string) error {
	rec, err := s.readRecord(identity)
	if err != nil {
		return err
	}

	if rec.Status == models.StatusDenied {
		return nil
	}
	if !models.CanTransition(rec.Status, models.StatusDenied) {
		return errors.Wrapf(errs.ErrInvalidTransition, "%s is %s", identity, rec.Status)
	}

	rec.Status = models.StatusDenied
	rec.UpdatedAt = time.Now().UTC()
	return s.writeRecord(rec)
}

// DeleteCSR removes the raw CSR and its metadata. When the record was
// APPROVED the certificate issued for it is removed and revoked in the CA
// index as well. Certificates that were not issued from a CSR, the root CA
// among them, are never touched.
func (s *Store) DeleteCSR(identity string) error {
	if err := validateName(identity); err != nil {
		return err
	}

	// Look up the record before anything is removed
	rec, err := s.readRecord(identity)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	issued := rec != nil && rec.Status == models.StatusApproved && identity != s.RootCAName()

	paths := []string{s.CSRFile(identity), s.CSRMetaFile(identity)}
	if issued {
		paths = append(paths, s.CertFile(identity))
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %s", filepath.Base(path))
		}
	}

	if issued && s.index != nil {
		if _, err := s.index.RevokeByIdentity(identity); err != nil {
			return err
		}
	}

	return nil
}

// GetStatus returns the CSR status of identity, StatusUnknown when no record exists
func (s *Store) GetStatus(identity string) (models.CSRStatus, error) {
	rec, err := s.readRecord(identity)
	if errors.Is(err, errs.ErrNotFound) {
		return models.StatusUnknown, nil
	}
	if err != nil {
		return models.StatusUnknown, err
	}
	return rec.Status, nil
}

// GetCSR returns the metadata record of identity
func (s *Store) GetCSR(identity string) (*models.CSRRecord, error) {
	return s.readRecord(identity)
}

// GetCertFromCSR returns the certificate issued for an approved CSR
func (s *Store) GetCertFromCSR(identity string) ([]byte, error) {
	rec, err := s.readRecord(identity)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusApproved {
		return nil, errors.Wrapf(errs.ErrNotFound, "no certificate for %s csr", rec.Status)
	}
	if rec.Cert != "" {
		return []byte(rec.Cert), nil
	}
	return s.Cert(identity)
}

// ListCSRs returns every CSR metadata record, sorted by identity
func (s *Store) ListCSRs() ([]*models.CSRRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, PendingDir))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending directory")
	}

	var records []*models.CSRRecord
	for _, entry := range entries {
		name := entry.Name()
		// Skip temp files and raw CSRs
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.readRecord(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Identity < records[j].Identity })
	return records, nil
}

func (s *Store) readRecord(identity string) (*models.CSRRecord, error) {
	if err := validateName(identity); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.CSRMetaFile(identity))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(errs.ErrNotFound, "csr %s", identity)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read csr metadata")
	}

	var rec models.CSRRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "failed to parse csr metadata for %s", identity)
	}
	return &rec, nil
}

func (s *Store) writeRecord(rec *models.CSRRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal csr metadata")
	}
	return errors.Wrap(writeFileAtomic(s.CSRMetaFile(rec.Identity), data, 0o644), "failed to write csr metadata")
}
