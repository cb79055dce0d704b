package handlers

import (
	"net/http"

	"github.com/adamscao/nodetrust/internal/csr"
	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CSRHandler accepts certificate signing requests from joining nodes
type CSRHandler struct {
	manager *csr.Manager
	logger  *zap.Logger
}

// NewCSRHandler creates a new CSR handler
func NewCSRHandler(manager *csr.Manager, logger *zap.Logger) *CSRHandler {
	return &CSRHandler{manager: manager, logger: logger}
}

// NewCSRRequest represents a CSR submission
type NewCSRRequest struct {
	CSR string `json:"csr" binding:"required"`
}

// RequestNew handles a CSR submission
// POST /csr/request_new
func (h *CSRHandler) RequestNew(c *gin.Context) {
	var req NewCSRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, csr.ErrorResult(errors.New("Invalid data for csr request. Must be json with a csr field")))
		return
	}

	result, err := h.manager.HandleNewCSR(c.Request.Context(), c.ClientIP(), []byte(req.CSR))
	if err != nil {
		_ = c.Error(err)
		status := errs.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("csr request failed", zap.Error(err))
			c.JSON(status, csr.ErrorResult(errors.New("An unknown error has occurred during the response phase")))
			return
		}
		c.JSON(status, csr.ErrorResult(err))
		return
	}

	c.JSON(http.StatusOK, result)
}
