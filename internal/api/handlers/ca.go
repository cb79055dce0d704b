package handlers

import (
	"net/http"

	"github.com/adamscao/nodetrust/internal/certs"
	"github.com/gin-gonic/gin"
)

// CAHandler handles CA-related requests
type CAHandler struct {
	store *certs.Store
}

// NewCAHandler creates a new CA handler
func NewCAHandler(store *certs.Store) *CAHandler {
	return &CAHandler{store: store}
}

// GetCACertificate returns the instance root CA certificate
// GET /ca/certificate
func (h *CAHandler) GetCACertificate(c *gin.Context) {
	certPEM, err := h.store.CACertificate()
	if err != nil {
		RespondError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/x-pem-file", certPEM)
}
