package models

import "time"

// Issued certificate status values in the CA database
const (
	CertStatusValid   = "valid"
	CertStatusRevoked = "revoked"
)

// CertificateRecord is an issued certificate as indexed in the CA database
type CertificateRecord struct {
	ID           int64     `json:"id"`
	SerialNumber string    `json:"serial_number"`
	Identity     string    `json:"identity"`
	CAName       string    `json:"ca_name"`
	Fingerprint  string    `json:"fingerprint"`
	Status       string    `json:"status"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidTo      time.Time `json:"valid_to"`
	IssuedAt     time.Time `json:"issued_at"`
}
