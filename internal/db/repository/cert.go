package repository

import (
	"database/sql"
	"time"

	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/pkg/errors"
)

// CertRepository indexes issued certificates in the CA database
type CertRepository struct {
	db *sql.DB
}

// NewCertRepository creates a new certificate repository
func NewCertRepository(db *sql.DB) *CertRepository {
	return &CertRepository{db: db}
}

const certColumns = `id, serial_number, identity, ca_name, fingerprint, status, valid_from, valid_to, issued_at`

// Create records a newly issued certificate
func (r *CertRepository) Create(cert *models.CertificateRecord) error {
	// New certificates start out valid
	if cert.Status == "" {
		cert.Status = models.CertStatusValid
	}

	result, err := r.db.Exec(`
		INSERT INTO certificates (serial_number, identity, ca_name, fingerprint, status, valid_from, valid_to)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		cert.SerialNumber,
		cert.Identity,
		cert.CAName,
		cert.Fingerprint,
		cert.Status,
		cert.ValidFrom,
		cert.ValidTo,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create certificate record")
	}

	// Copy the generated fields back
	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}

	cert.ID = id
	cert.IssuedAt = time.Now()

	return nil
}

// GetBySerialNumber retrieves a certificate by serial number
func (r *CertRepository) GetBySerialNumber(serial string) (*models.CertificateRecord, error) {
	row := r.db.QueryRow(`SELECT `+certColumns+` FROM certificates WHERE serial_number = ?`, serial)

	cert, err := scanCert(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errs.ErrNotFound, "certificate %s", serial)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get certificate")
	}

	return cert, nil
}

// SerialExists reports whether a serial number has already been issued
func (r *CertRepository) SerialExists(serial string) (bool, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM certificates WHERE serial_number = ?`, serial).Scan(&count); err != nil {
		return false, errors.Wrap(err, "failed to check serial number")
	}
	return count > 0, nil
}

// ListByIdentity lists every certificate issued to identity, newest first
func (r *CertRepository) ListByIdentity(identity string) ([]*models.CertificateRecord, error) {
	return r.list(`SELECT `+certColumns+` FROM certificates WHERE identity = ? ORDER BY issued_at DESC`, identity)
}

// List lists every indexed certificate, newest first
func (r *CertRepository) List(limit int) ([]*models.CertificateRecord, error) {
	return r.list(`SELECT `+certColumns+` FROM certificates ORDER BY issued_at DESC LIMIT ?`, limit)
}

// RevokeByIdentity marks every valid certificate of identity as revoked
func (r *CertRepository) RevokeByIdentity(identity string) (int64, error) {
	// Already revoked rows are left alone
	result, err := r.db.Exec(`
		UPDATE certificates SET status = ?
		WHERE identity = ? AND status = ?
	`, models.CertStatusRevoked, identity, models.CertStatusValid)
	if err != nil {
		return 0, errors.Wrap(err, "failed to revoke certificates")
	}

	return result.RowsAffected()
}

func (r *CertRepository) list(query string, args ...interface{}) ([]*models.CertificateRecord, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list certificates")
	}
	defer rows.Close()

	var certs []*models.CertificateRecord
	for rows.Next() {
		cert, err := scanCert(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan certificate")
		}
		certs = append(certs, cert)
	}

	return certs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCert(s scanner) (*models.CertificateRecord, error) {
	cert := &models.CertificateRecord{}
	err := s.Scan(
		&cert.ID,
		&cert.SerialNumber,
		&cert.Identity,
		&cert.CAName,
		&cert.Fingerprint,
		&cert.Status,
		&cert.ValidFrom,
		&cert.ValidTo,
		&cert.IssuedAt,
	)
	if err != nil {
		return nil, err
	}
	return cert, nil
}
