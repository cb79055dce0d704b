package handlers

import (
	"net/http"

	"github.com/adamscao/nodetrust/internal/api/middleware"
	"github.com/adamscao/nodetrust/internal/auth"
	"github.com/adamscao/nodetrust/internal/csr"
	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/adamscao/nodetrust/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Admin page templates
const (
	FirstPageTemplate = "first.html"
	LoginPageTemplate = "login.html"
)

// AdminGroup is the group granted to the first administrator
const AdminGroup = "admin"

// AdminHandler handles administrative operations
type AdminHandler struct {
	users   *users.Store
	manager *csr.Manager
	tokens  *auth.TokenManager
	auditor csr.Auditor
	logger  *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(userStore *users.Store, manager *csr.Manager, tokens *auth.TokenManager, auditor csr.Auditor, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		users:   userStore,
		manager: manager,
		tokens:  tokens,
		auditor: auditor,
		logger:  logger,
	}
}

// SetPasswordPage renders the initial administrator form
// GET /admin/setpassword
func (h *AdminHandler) SetPasswordPage(c *gin.Context) {
	if !h.allowSetup(c) {
		return
	}
	c.HTML(http.StatusOK, FirstPageTemplate, gin.H{})
}

// SetPassword creates the first administrator. It is only available while
// no user exists.
// POST /admin/setpassword
func (h *AdminHandler) SetPassword(c *gin.Context) {
	if !h.allowSetup(c) {
		return
	}

	username := c.PostForm("username")
	password1 := c.PostForm("password1")
	password2 := c.PostForm("password2")

	if username == "" || password1 == "" || password1 != password2 {
		c.HTML(http.StatusOK, FirstPageTemplate, gin.H{
			"Error":    "Both passwords must be given and must match.",
			"Username": username,
		})
		return
	}

	// The store re-checks that no user exists while it holds its lock
	err := h.users.AddFirstUser(username, password1, []string{AdminGroup})
	h.record(models.ActionAdminPassword, username, c.ClientIP(), err)
	if errors.Is(err, errs.ErrAlreadyExists) {
		setupClosed(c)
		return
	}
	if err != nil {
		RespondError(c, err)
		return
	}

	h.logger.Info("administrator created", zap.String("username", username))
	c.Redirect(http.StatusFound, "/admin/login.html")
}

// LoginPage renders the administrator login form
// GET /admin/login.html
func (h *AdminHandler) LoginPage(c *gin.Context) {
	c.HTML(http.StatusOK, LoginPageTemplate, gin.H{})
}

func (h *AdminHandler) allowSetup(c *gin.Context) bool {
	count, err := h.users.Count()
	if err != nil {
		RespondError(c, err)
		return false
	}
	if count > 0 {
		setupClosed(c)
		return false
	}
	return true
}

func setupClosed(c *gin.Context) {
	c.JSON(http.StatusForbidden, ErrorResponse{
		Error:   "forbidden",
		Message: "the administrator password has already been set",
	})
}

// ListCSRs returns every CSR record
// GET /admin/api/csrs
func (h *AdminHandler) ListCSRs(c *gin.Context) {
	records, err := h.manager.List()
	if err != nil {
		RespondError(c, err)
		return
	}
	if records == nil {
		records = []*models.CSRRecord{}
	}
	RespondSuccess(c, records)
}

// GetCSR returns one CSR record
// GET /admin/api/csrs/:identity
func (h *AdminHandler) GetCSR(c *gin.Context) {
	record, err := h.manager.Get(c.Param("identity"))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondSuccess(c, record)
}

// ApproveCSR signs a pending CSR
// POST /admin/api/csrs/:identity/approve
func (h *AdminHandler) ApproveCSR(c *gin.Context) {
	identity := c.Param("identity")

	cert, err := h.manager.Approve(c.Request.Context(), identity)
	if err != nil && cert == nil {
		RespondError(c, err)
		return
	}

	result := &csr.Result{Status: models.StatusApproved.String(), Cert: string(cert)}
	if err != nil {
		// approved, provisioning failed
		_ = c.Error(err)
		result.Message = err.Error()
	}
	RespondSuccess(c, result)
}

// DenyCSR refuses a pending CSR
// POST /admin/api/csrs/:identity/deny
func (h *AdminHandler) DenyCSR(c *gin.Context) {
	if err := h.manager.Deny(c.Param("identity")); err != nil {
		RespondError(c, err)
		return
	}
	RespondSuccess(c, &csr.Result{Status: models.StatusDenied.String()})
}

// DeleteCSR removes a CSR, and for an approved one its certificate and
// message bus user
// DELETE /admin/api/csrs/:identity
func (h *AdminHandler) DeleteCSR(c *gin.Context) {
	err := h.manager.Delete(c.Request.Context(), c.Param("identity"))

	var perr *csr.ProvisioningError
	if errors.As(err, &perr) {
		// deleted, broker cleanup failed
		_ = c.Error(err)
		RespondSuccess(c, gin.H{"status": "DELETED", "message": err.Error()})
		return
	}
	if err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AutoAllowRequest toggles CSR auto-approval
type AutoAllowRequest struct {
	AutoAllow *bool `json:"auto_allow" binding:"required"`
}

// GetAutoAllow reports the CSR auto-approval policy
// GET /admin/api/csr/auto_allow
func (h *AdminHandler) GetAutoAllow(c *gin.Context) {
	RespondSuccess(c, gin.H{"auto_allow": h.manager.AutoAllow()})
}

// SetAutoAllow changes the CSR auto-approval policy
// PUT /admin/api/csr/auto_allow
func (h *AdminHandler) SetAutoAllow(c *gin.Context) {
	var req AutoAllowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Invalid request body"})
		return
	}

	h.manager.SetAutoAllow(*req.AutoAllow)
	RespondSuccess(c, gin.H{"auto_allow": *req.AutoAllow})
}

// ListUsers returns the usernames of the credential store
// GET /admin/api/users
func (h *AdminHandler) ListUsers(c *gin.Context) {
	names, err := h.users.List()
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondSuccess(c, names)
}

// RevokeAllTokens replaces the token signing material with a fresh random
// secret, logging out every session. The configured material is used again
// after a restart; rotate it in the configuration for a durable change.
// POST /admin/api/auth/revoke_all
func (h *AdminHandler) RevokeAllTokens(c *gin.Context) {
	secret, err := auth.GenerateSecretKey()
	if err != nil {
		RespondError(c, err)
		return
	}

	if err := h.tokens.RevokeAll(secret, nil); err != nil {
		RespondError(c, err)
		return
	}

	subject := ""
	if claims := middleware.Claims(c); claims != nil {
		subject = claims.Subject
	}
	h.record(models.ActionTokenRevokeAll, subject, c.ClientIP(), nil)
	h.logger.Warn("all tokens revoked", zap.String("by", subject))
	RespondSuccess(c, gin.H{"status": "revoked"})
}

// NotFound answers unknown admin API routes once the caller is authenticated
func (h *AdminHandler) NotFound(c *gin.Context) {
	RespondError(c, errors.Wrapf(errs.ErrNotFound, "no such endpoint %s", c.Request.URL.Path))
}

func (h *AdminHandler) record(action, subject, clientIP string, cause error) {
	if h.auditor == nil {
		return
	}
	if err := h.auditor.Record(action, subject, clientIP, cause, nil); err != nil {
		h.logger.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
