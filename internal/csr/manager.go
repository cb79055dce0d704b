package csr

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adamscao/nodetrust/internal/certs"
	"github.com/adamscao/nodetrust/internal/metrics"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/adamscao/nodetrust/internal/msgbus"
	"github.com/adamscao/nodetrust/internal/policy"
	"go.uber.org/zap"
)

// Response statuses beyond the CSR record states
const (
	StatusSuccessful = "SUCCESSFUL"
	StatusError      = "ERROR"
)

// Messages returned alongside non-terminal or refused statuses
const (
	MessagePending = "The request is pending administrator approval."
	MessageDenied  = "The request has been denied by the administrator."
	messageUnknown = "An unknown common name was specified to the server %s"
)

// DefaultProvisionTimeout bounds the message bus call made on auto-approval
const DefaultProvisionTimeout = 10 * time.Second

// Auditor records lifecycle events
type Auditor interface {
	Record(action, subject, clientIP string, cause error, details map[string]interface{}) error
}

// Result is the outcome of a CSR submission
type Result struct {
	Status  string `json:"status"`
	Cert    string `json:"cert,omitempty"`
	Message string `json:"message,omitempty"`
	// ProvisionErr is set when the certificate was issued but the message
	// bus user could not be created. The approval is not rolled back.
	ProvisionErr error `json:"-"`
}

// ProvisioningError reports a message bus failure that happened after a
// lifecycle change was committed. The change itself stands.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return e.Op + ", but message bus provisioning failed: " + e.Err.Error()
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ErrorResult renders err as an ERROR result
func ErrorResult(err error) *Result {
	return &Result{Status: StatusError, Message: err.Error()}
}

// Config configures a Manager
type Config struct {
	AutoAllow        bool
	ProvisionTimeout time.Duration
	Provisioner      msgbus.Provisioner
	Auditor          Auditor
	Metrics          *metrics.Recorder
	Logger           *zap.Logger
}

// Manager drives CSRs through PENDING, APPROVED and DENIED.
//
// Work on one identity is serialized inside the process. The underlying store
// is plain files, so two processes sharing an instance root are still
// last-writer-wins.
type Manager struct {
	store       *certs.Store
	validator   *policy.Validator
	provisioner msgbus.Provisioner
	auditor     Auditor
	metrics     *metrics.Recorder
	logger      *zap.Logger
	timeout     time.Duration

	autoAllow atomic.Bool
	locks     *keyedMutex
}

// NewManager creates a lifecycle manager over store
func NewManager(store *certs.Store, cfg Config) *Manager {
	m := &Manager{
		store:       store,
		validator:   policy.NewValidator(store.InstanceName()),
		provisioner: cfg.Provisioner,
		auditor:     cfg.Auditor,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		timeout:     cfg.ProvisionTimeout,
		locks:       newKeyedMutex(),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.timeout <= 0 {
		m.timeout = DefaultProvisionTimeout
	}
	m.autoAllow.Store(cfg.AutoAllow)
	return m
}

// SetAutoAllow switches automatic approval of valid CSRs on or off
func (m *Manager) SetAutoAllow(allow bool) {
	m.autoAllow.Store(allow)
	m.logger.Info("csr auto-allow changed", zap.Bool("auto_allow", allow))
}

// AutoAllow reports whether valid CSRs are approved on intake
func (m *Manager) AutoAllow() bool {
	return m.autoAllow.Load()
}

// HandleNewCSR records a CSR submitted from remoteAddr and reports its status.
// With auto-allow on, a new request is approved and provisioned immediately.
func (m *Manager) HandleNewCSR(ctx context.Context, remoteAddr string, csrPEM []byte) (*Result, error) {
	identity, err := m.validator.ValidateCSR(csrPEM)
	if err != nil {
		m.logger.Warn("csr rejected", zap.String("identity", identity), zap.String("remote_addr", remoteAddr), zap.Error(err))
		m.audit(models.ActionCSRSubmit, identity, remoteAddr, err, nil)
		m.metrics.CSRRequest(StatusError)
		return nil, err
	}

	unlock := m.locks.Lock(identity)
	defer unlock()

	if _, err := m.store.SavePendingCSR(remoteAddr, identity, csrPEM); err != nil {
		m.audit(models.ActionCSRSubmit, identity, remoteAddr, err, nil)
		m.metrics.CSRRequest(StatusError)
		return nil, err
	}
	m.audit(models.ActionCSRSubmit, identity, remoteAddr, nil, nil)

	var result *Result
	if m.AutoAllow() {
		result, err = m.autoApprove(ctx, identity, remoteAddr)
	} else {
		result, err = m.statusResult(identity)
	}
	if err != nil {
		m.metrics.CSRRequest(StatusError)
		return nil, err
	}

	m.logger.Debug("csr handled", zap.String("identity", identity), zap.String("status", result.Status))
	m.metrics.CSRRequest(result.Status)
	return result, nil
}

func (m *Manager) autoApprove(ctx context.Context, identity, remoteAddr string) (*Result, error) {
	status, err := m.store.GetStatus(identity)
	if err != nil {
		return nil, err
	}

	switch status {
	case models.StatusApproved:
		return m.statusResult(identity)
	case models.StatusDenied:
		// an administrator decision outranks the policy
		return m.statusResult(identity)
	}

	m.logger.Debug("auto-approving csr", zap.String("identity", identity))
	cert, err := m.store.ApproveCSR(identity)
	m.audit(models.ActionCSRApprove, identity, remoteAddr, err, map[string]interface{}{"auto": true})
	if err != nil {
		return nil, err
	}

	result := &Result{Status: StatusSuccessful, Cert: string(cert)}
	if err := m.provision(ctx, identity, remoteAddr); err != nil {
		result.ProvisionErr = err
		result.Message = fmt.Sprintf("certificate issued but message bus provisioning failed: %v", err)
	}
	return result, nil
}

// provision creates the message bus user for identity. The call is bounded
// by the manager timeout on top of any deadline already on ctx.
func (m *Manager) provision(ctx context.Context, identity, remoteAddr string) error {
	if m.provisioner == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.provisioner.CreateUserWithPermissions(ctx, identity, msgbus.FullPermissions(), true)
	m.audit(models.ActionProvision, identity, remoteAddr, err, nil)
	m.metrics.Provisioning(err)
	if err != nil {
		m.logger.Error("message bus provisioning failed", zap.String("identity", identity), zap.Error(err))
	}
	return err
}

// deprovision removes the message bus user of identity under the same timeout
func (m *Manager) deprovision(ctx context.Context, identity string) error {
	if m.provisioner == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.provisioner.DeleteUser(ctx, identity)
	m.audit(models.ActionDeprovision, identity, "", err, nil)
	m.metrics.Provisioning(err)
	if err != nil {
		m.logger.Error("message bus user removal failed", zap.String("identity", identity), zap.Error(err))
	}
	return err
}

func (m *Manager) statusResult(identity string) (*Result, error) {
	status, err := m.store.GetStatus(identity)
	if err != nil {
		return nil, err
	}

	result := &Result{Status: status.String()}
	switch status {
	case models.StatusApproved:
		cert, err := m.store.GetCertFromCSR(identity)
		if err != nil {
			return nil, err
		}
		result.Cert = string(cert)
	case models.StatusPending:
		result.Message = MessagePending
	case models.StatusDenied:
		result.Message = MessageDenied
	default:
		result.Message = fmt.Sprintf(messageUnknown, identity)
	}
	return result, nil
}

// Approve signs the CSR of identity on behalf of an administrator and
// provisions its message bus user. A provisioning failure is returned as a
// *ProvisioningError together with the committed certificate.
func (m *Manager) Approve(ctx context.Context, identity string) ([]byte, error) {
	if err := m.checkIdentity(models.ActionCSRApprove, "approve", identity); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(identity)
	defer unlock()

	cert, err := m.store.ApproveCSR(identity)
	m.audit(models.ActionCSRApprove, identity, "", err, nil)
	m.metrics.CSRTransition("approve", err)
	if err != nil {
		return nil, err
	}

	m.logger.Info("csr approved", zap.String("identity", identity))

	if err := m.provision(ctx, identity, ""); err != nil {
		return cert, &ProvisioningError{Op: "approved", Err: err}
	}
	return cert, nil
}

// Deny refuses the CSR of identity. The request stays on disk.
func (m *Manager) Deny(identity string) error {
	if err := m.checkIdentity(models.ActionCSRDeny, "deny", identity); err != nil {
		return err
	}

	unlock := m.locks.Lock(identity)
	defer unlock()

	err := m.store.DenyCSR(identity)
	m.audit(models.ActionCSRDeny, identity, "", err, nil)
	m.metrics.CSRTransition("deny", err)
	if err == nil {
		m.logger.Info("csr denied", zap.String("identity", identity))
	}
	return err
}

// Delete removes the CSR of identity. An approved identity also loses its
// certificate and its message bus user; a failure to remove the user is
// returned as a *ProvisioningError after the deletion has been committed.
func (m *Manager) Delete(ctx context.Context, identity string) error {
	if err := m.checkIdentity(models.ActionCSRDelete, "delete", identity); err != nil {
		return err
	}

	unlock := m.locks.Lock(identity)
	defer unlock()

	status, err := m.store.GetStatus(identity)
	if err != nil {
		return err
	}

	err = m.store.DeleteCSR(identity)
	m.audit(models.ActionCSRDelete, identity, "", err, nil)
	m.metrics.CSRTransition("delete", err)
	if err != nil {
		return err
	}

	m.logger.Info("csr deleted", zap.String("identity", identity))

	if status == models.StatusApproved {
		if err := m.deprovision(ctx, identity); err != nil {
			return &ProvisioningError{Op: "deleted", Err: err}
		}
	}
	return nil
}

// checkIdentity keeps names outside the instance namespace away from the store
func (m *Manager) checkIdentity(action, transition, identity string) error {
	err := m.validator.ValidateIdentity(identity)
	if err != nil {
		m.audit(action, identity, "", err, nil)
		m.metrics.CSRTransition(transition, err)
	}
	return err
}

// Status returns the CSR status of identity
func (m *Manager) Status(identity string) (models.CSRStatus, error) {
	return m.store.GetStatus(identity)
}

// Get returns the CSR record of identity
func (m *Manager) Get(identity string) (*models.CSRRecord, error) {
	return m.store.GetCSR(identity)
}

// List returns every CSR record
func (m *Manager) List() ([]*models.CSRRecord, error) {
	return m.store.ListCSRs()
}

func (m *Manager) audit(action, identity, remoteAddr string, cause error, details map[string]interface{}) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.Record(action, identity, remoteAddr, cause, details); err != nil {
		m.logger.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
