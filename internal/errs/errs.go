package errs

import (
	"net/http"

	"github.com/pkg/errors"
)

// Error taxonomy shared by the stores, the lifecycle manager and the token manager
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrIdentityMismatch  = errors.New("identity mismatch")
	ErrAlreadyExists     = errors.New("already exists")
	ErrNotFound          = errors.New("not found")
	ErrConfiguration     = errors.New("configuration error")
	ErrMethodNotAllowed  = errors.New("method not allowed")
	ErrNotImplemented    = errors.New("not implemented")
	ErrInternal          = errors.New("internal error")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Expired tokens are Unauthorized, but callers need to tell a stale access
// token (retry with the refresh token) from a stale refresh token (log in again)
var (
	ErrAccessTokenExpired  = &unauthorized{msg: "access token expired"}
	ErrRefreshTokenExpired = &unauthorized{msg: "refresh token expired, login required"}
)

type unauthorized struct {
	msg string
}

func (e *unauthorized) Error() string { return e.msg }

// Is lets errors.Is(err, ErrUnauthorized) match both expiry variants
func (e *unauthorized) Is(target error) bool {
	return target == ErrUnauthorized
}

// HTTPStatus maps an error from the core onto an HTTP status code
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrIdentityMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the short machine-readable error code used in JSON error bodies
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAccessTokenExpired):
		return "access_token_expired"
	case errors.Is(err, ErrRefreshTokenExpired):
		return "refresh_token_expired"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrMethodNotAllowed):
		return "method_not_allowed"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	default:
		return "internal_error"
	}
}
