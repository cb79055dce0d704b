package handlers

import (
	"net/http"

	"github.com/adamscao/nodetrust/internal/api/middleware"
	"github.com/adamscao/nodetrust/internal/auth"
	"github.com/adamscao/nodetrust/internal/csr"
	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/adamscao/nodetrust/internal/metrics"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AuthHandler serves the token endpoint
type AuthHandler struct {
	tokens  *auth.TokenManager
	auditor csr.Auditor
	metrics *metrics.Recorder
	logger  *zap.Logger
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(tokens *auth.TokenManager, auditor csr.Auditor, recorder *metrics.Recorder, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{tokens: tokens, auditor: auditor, metrics: recorder, logger: logger}
}

// AccessTokenResponse is the body of a successful refresh
type AccessTokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Authenticate routes on the request method: POST logs in, PUT refreshes
// the access token, GET and DELETE are refused.
// /authenticate
func (h *AuthHandler) Authenticate(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodPost:
		h.issue(c)
	case http.MethodPut:
		h.refresh(c)
	case http.MethodDelete:
		RespondError(c, errors.Wrap(errs.ErrNotImplemented, "logout is not supported by stateless tokens"))
	default:
		RespondError(c, errors.Wrapf(errs.ErrMethodNotAllowed, "%s /authenticate", c.Request.Method))
	}
}

func (h *AuthHandler) issue(c *gin.Context) {
	username := c.PostForm("username")
	clientIP := c.ClientIP()

	pair, err := h.tokens.Issue(username, c.PostForm("password"), c.PostForm("totp"))
	h.metrics.Token("issue", err)
	if err != nil {
		h.record(models.ActionAuthFailed, username, clientIP, err)
		RespondError(c, err)
		return
	}

	h.record(models.ActionTokenIssue, username, clientIP, nil)
	RespondSuccess(c, pair)
}

func (h *AuthHandler) refresh(c *gin.Context) {
	token := middleware.BearerToken(c)
	if token == "" {
		h.metrics.Token("refresh", errs.ErrUnauthorized)
		RespondError(c, errors.Wrap(errs.ErrUnauthorized, "missing bearer refresh token"))
		return
	}

	access, err := h.tokens.Refresh(token)
	h.metrics.Token("refresh", err)
	if err != nil {
		h.record(models.ActionAuthFailed, "", c.ClientIP(), err)
		RespondError(c, err)
		return
	}

	subject := ""
	if claims, err := h.tokens.ValidateAccess(access); err == nil {
		subject = claims.Subject
	}
	h.record(models.ActionTokenRefresh, subject, c.ClientIP(), nil)
	RespondSuccess(c, AccessTokenResponse{AccessToken: access})
}

func (h *AuthHandler) record(action, subject, clientIP string, cause error) {
	if h.auditor == nil {
		return
	}
	if err := h.auditor.Record(action, subject, clientIP, cause, nil); err != nil {
		h.logger.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
