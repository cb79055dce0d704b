package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/adamscao/nodetrust/internal/models"
	"github.com/pkg/errors"
)

// AuditRepository handles audit log data access
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create creates a new audit log entry
func (r *AuditRepository) Create(log *models.AuditLog) error {
	// SQLite has no boolean type
	success := 0
	if log.Success {
		success = 1
	}

	result, err := r.db.Exec(`
		INSERT INTO audit_logs (action, subject, client_ip, success, error_msg, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		log.Action,
		log.Subject,
		log.ClientIP,
		success,
		log.ErrorMsg,
		log.Details,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create audit log")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}

	log.ID = id
	log.Timestamp = time.Now()

	return nil
}

// Record is a convenience wrapper around Create that marshals details to JSON
func (r *AuditRepository) Record(action, subject, clientIP string, cause error, details map[string]interface{}) error {
	entry := &models.AuditLog{
		Action:   action,
		Subject:  subject,
		ClientIP: clientIP,
		Success:  cause == nil,
	}
	if cause != nil {
		entry.ErrorMsg = cause.Error()
	}
	// Details are stored as a JSON document
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return errors.Wrap(err, "failed to marshal audit details")
		}
		entry.Details = string(data)
	}
	return r.Create(entry)
}

// List lists audit logs with optional filters
func (r *AuditRepository) List(subject string, action string, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT id, timestamp, action, subject, client_ip, success, error_msg, details
		FROM audit_logs
		WHERE 1=1
	`
	args := []interface{}{}

	// Add filters
	if subject != "" {
		query += " AND subject = ?"
		args = append(args, subject)
	}

	if action != "" {
		query += " AND action = ?"
		args = append(args, action)
	}

	// Newest entries first
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit logs")
	}
	defer rows.Close()

	var logs []*models.AuditLog

	for rows.Next() {
		log := &models.AuditLog{}
		var success int
		var subject, errorMsg, details sql.NullString

		err := rows.Scan(
			&log.ID,
			&log.Timestamp,
			&log.Action,
			&subject,
			&log.ClientIP,
			&success,
			&errorMsg,
			&details,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit log")
		}

		// Convert nullable columns
		log.Success = success == 1
		log.Subject = subject.String
		log.ErrorMsg = errorMsg.String
		log.Details = details.String

		logs = append(logs, log)
	}

	return logs, rows.Err()
}

// DeleteOld deletes audit logs older than the given date
func (r *AuditRepository) DeleteOld(before time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM audit_logs WHERE timestamp < ?`, before)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old audit logs")
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return count, nil
}
