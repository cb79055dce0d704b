package auth

import (
	"fmt"
	"net/url"

	"github.com/pkg/errors"
	"github.com/pquerna/otp/totp"
)

const (
	totpIssuer = "nodetrust"
)

// GenerateTOTPSecret generates a new TOTP secret for accountName
func GenerateTOTPSecret(accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to generate TOTP secret")
	}

	return key.Secret(), nil
}

// GenerateQRCodeURL generates an otpauth URL for TOTP setup
func GenerateQRCodeURL(secret, username, issuer string) string {
	if issuer == "" {
		issuer = totpIssuer
	}

	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s",
		url.QueryEscape(issuer),
		url.QueryEscape(username),
		secret,
		url.QueryEscape(issuer))
}

// ValidateTOTP validates a TOTP code against a secret.
// totp.Validate accepts one period of clock skew either side.
func ValidateTOTP(secret, code string) bool {
	return totp.Validate(code, secret)
}
