package middleware

import (
	"net/http"
	"strings"

	"github.com/adamscao/nodetrust/internal/auth"
	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding the validated access token claims
const ClaimsKey = "claims"

// AccessTokenCookie is the cookie the admin pages keep the access token in
const AccessTokenCookie = "access_token"

// TokenValidator validates access tokens
type TokenValidator interface {
	ValidateAccess(token string) (*auth.Claims, error)
}

// BearerToken extracts the token of an "Authorization: Bearer" header
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// RequireGroup only lets requests carrying a valid access token of a member
// of group through. The token is read from the Authorization header, then
// from the access token cookie.
func RequireGroup(tokens TokenValidator, group string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			token, _ = c.Cookie(AccessTokenCookie)
		}

		if token == "" {
			unauthorized(c, "unauthorized")
			return
		}

		claims, err := tokens.ValidateAccess(token)
		if err != nil {
			unauthorized(c, errs.Code(err))
			return
		}

		if !hasGroup(claims.Groups, group) {
			unauthorized(c, "unauthorized")
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// Claims returns the claims stored by RequireGroup
func Claims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

func unauthorized(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   code,
		"message": "Unauthorized User",
	})
}

func hasGroup(groups []string, group string) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}
