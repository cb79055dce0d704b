package certutil

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// ParseCertificatePEM decodes the first CERTIFICATE block of pemBytes
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block found")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

// Fingerprint calculates the SHA256 fingerprint of a certificate's DER encoding
func Fingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return fmt.Sprintf("SHA256:%s", base64.RawStdEncoding.EncodeToString(hash[:]))
}

// FingerprintPEM calculates the SHA256 fingerprint of a PEM encoded certificate
func FingerprintPEM(pemBytes []byte) (string, error) {
	cert, err := ParseCertificatePEM(pemBytes)
	if err != nil {
		return "", err
	}
	return Fingerprint(cert), nil
}

// FingerprintMatches checks if two PEM certificates have the same fingerprint
func FingerprintMatches(cert1, cert2 []byte) (bool, error) {
	fp1, err := FingerprintPEM(cert1)
	if err != nil {
		return false, err
	}

	fp2, err := FingerprintPEM(cert2)
	if err != nil {
		return false, err
	}

	return fp1 == fp2, nil
}
