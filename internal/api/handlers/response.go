package handlers

import (
	"net/http"

	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/gin-gonic/gin"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RespondError maps err onto its HTTP status and error code. Internal
// failures are not described to the client.
func RespondError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}

	_ = c.Error(err)
	c.JSON(status, ErrorResponse{
		Error:   errs.Code(err),
		Message: message,
	})
}

// RespondSuccess sends a success response
func RespondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}
