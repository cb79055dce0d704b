package models

import "time"

// AuditLog represents an audit log entry
type AuditLog struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject,omitempty"`
	ClientIP  string    `json:"client_ip"`
	Success   bool      `json:"success"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	Details   string    `json:"details,omitempty"` // JSON
}

// Audit action constants
const (
	ActionCSRSubmit      = "csr_submit"
	ActionCSRApprove     = "csr_approve"
	ActionCSRDeny        = "csr_deny"
	ActionCSRDelete      = "csr_delete"
	ActionProvision      = "msgbus_provision"
	ActionDeprovision    = "msgbus_deprovision"
	ActionTokenIssue     = "token_issue"
	ActionTokenRefresh   = "token_refresh"
	ActionTokenRevokeAll = "token_revoke_all"
	ActionAuthFailed     = "auth_failed"
	ActionAdminPassword  = "admin_set_password"
)
