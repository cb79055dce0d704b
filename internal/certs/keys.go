package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

const defaultKeyBits = 2048

// loadOrGenerateKey loads the PEM private key at path, generating and saving
// a new RSA key when the file does not exist
func loadOrGenerateKey(path string, bits int) (crypto.Signer, []byte, error) {
	// Reuse an existing key
	if _, err := os.Stat(path); err == nil {
		return loadKey(path)
	}

	// Generate key
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate RSA key")
	}

	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, nil, err
	}

	// Private keys are readable by the owner only
	if err := writeFileAtomic(path, keyPEM, 0o600); err != nil {
		return nil, nil, errors.Wrap(err, "failed to write private key")
	}

	return key, keyPEM, nil
}

// loadKey reads a PKCS#8 or PKCS#1 PEM private key
func loadKey(path string) (crypto.Signer, []byte, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read private key")
	}

	signer, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, err
	}

	return signer, keyPEM, nil
}

// ParsePrivateKeyPEM parses a PEM encoded PKCS#8, PKCS#1 or EC private key
func ParsePrivateKeyPEM(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no private key PEM block found")
	}

	// Try PKCS#8 first, then the legacy formats
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	return nil, errors.New("failed to parse private key")
}

func encodeKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
