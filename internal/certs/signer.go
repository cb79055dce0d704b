package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// CertificateData holds the subject fields of a certificate
type CertificateData struct {
	Country            string `yaml:"country"`
	State              string `yaml:"state"`
	Location           string `yaml:"location"`
	Organization       string `yaml:"organization"`
	OrganizationalUnit string `yaml:"organizational_unit"`
	CommonName         string `yaml:"common_name"`
}

func (d CertificateData) name() pkix.Name {
	var n pkix.Name
	if d.Country != "" {
		n.Country = []string{d.Country}
	}
	if d.State != "" {
		n.Province = []string{d.State}
	}
	if d.Location != "" {
		n.Locality = []string{d.Location}
	}
	if d.Organization != "" {
		n.Organization = []string{d.Organization}
	}
	if d.OrganizationalUnit != "" {
		n.OrganizationalUnit = []string{d.OrganizationalUnit}
	}
	n.CommonName = d.CommonName
	return n
}

// serialLimit bounds random serial numbers to 128 bits
var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}
	return serial, nil
}

// rootTemplate builds the template of a self-signed root CA certificate
func rootTemplate(subject pkix.Name, serial *big.Int, validity time.Duration) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		// Backdate to tolerate clock skew
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

// leafTemplate builds the template of a certificate usable for both server and
// client authentication on the message bus
func leafTemplate(subject pkix.Name, serial *big.Int, validity time.Duration) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{subject.CommonName},
	}
}

// signCertificate signs tmpl with the parent certificate and key and returns the
// parsed certificate along with its PEM encoding
func signCertificate(tmpl, parent *x509.Certificate, pub crypto.PublicKey, parentKey crypto.Signer) (*x509.Certificate, []byte, error) {
	// Sign certificate
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, parentKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to sign certificate")
	}

	// Parse it back for the caller
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse signed certificate")
	}

	return cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// ParseCSR decodes and verifies the self-signature of a PEM encoded CSR
func ParseCSR(csrPEM []byte) (*x509.CertificateRequest, error) {
	// Decode PEM
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, errors.New("no certificate request PEM block found")
	}

	// Parse CSR
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse certificate request")
	}

	// Verify CSR signature
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Wrap(err, "invalid certificate request signature")
	}

	return csr, nil
}

// CommonName returns the subject common name embedded in a PEM encoded CSR
func CommonName(csrPEM []byte) (string, error) {
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	return csr.Subject.CommonName, nil
}
