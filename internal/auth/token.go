package auth

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
)

const (
	secretKeyLength = 32 // 32 bytes = 256 bits
)

// GenerateSecretKey generates a random HMAC signing secret
func GenerateSecretKey() (string, error) {
	bytes := make([]byte, secretKeyLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrap(err, "failed to generate secret key")
	}

	// Encode to base64 for easier storage in config files
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
