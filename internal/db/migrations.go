package db

import (
	"database/sql"

	"github.com/pkg/errors"
)

const schemaVersion = 1

// RunMigrations creates the CA database schema on first use
func RunMigrations(db *DB) error {
	// Look for the version table
	var tableExists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)
	if err != nil {
		return errors.Wrap(err, "failed to check schema_version table")
	}

	// Fresh database
	if !tableExists {
		if err := initializeSchema(db); err != nil {
			return errors.Wrap(err, "failed to initialize schema")
		}
		return nil
	}

	// Read the applied version
	var currentVersion int
	err = db.QueryRow(`
		SELECT version FROM schema_version
		ORDER BY applied_at DESC LIMIT 1
	`).Scan(&currentVersion)
	if err != nil {
		return errors.Wrap(err, "failed to get current schema version")
	}

	// Only version 1 exists so far
	if currentVersion < 1 || currentVersion > schemaVersion {
		return errors.Errorf("invalid schema version: %d", currentVersion)
	}

	return nil
}

// initializeSchema creates every table of a new database
func initializeSchema(db *DB) error {
	tx, err := db.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		schemaVersionTable,
		certificatesTable,
		certificatesIndexes,
		auditLogsTable,
		auditLogsIndexes,
	} {
		if err := execSQL(tx, stmt); err != nil {
			return err
		}
	}

	// Record the schema version
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return err
	}

	return tx.Commit()
}

func execSQL(tx *sql.Tx, query string) error {
	_, err := tx.Exec(query)
	return err
}

// Schema definitions
const (
	schemaVersionTable = `
CREATE TABLE schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

	certificatesTable = `
CREATE TABLE certificates (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    serial_number TEXT NOT NULL UNIQUE,
    identity      TEXT NOT NULL,
    ca_name       TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'valid',
    valid_from    DATETIME NOT NULL,
    valid_to      DATETIME NOT NULL,
    issued_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

	certificatesIndexes = `
CREATE INDEX idx_certs_identity ON certificates(identity);
CREATE INDEX idx_certs_fingerprint ON certificates(fingerprint);
CREATE INDEX idx_certs_valid_to ON certificates(valid_to)`

	auditLogsTable = `
CREATE TABLE audit_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    action      TEXT NOT NULL,
    subject     TEXT,
    client_ip   TEXT NOT NULL,
    success     INTEGER NOT NULL,
    error_msg   TEXT,
    details     TEXT
)`

	auditLogsIndexes = `
CREATE INDEX idx_audit_timestamp ON audit_logs(timestamp);
CREATE INDEX idx_audit_action ON audit_logs(action);
CREATE INDEX idx_audit_subject ON audit_logs(subject)`
)
