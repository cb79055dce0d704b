package config

import (
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/adamscao/nodetrust/internal/certs"
	"github.com/pkg/errors"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Instance  InstanceConfig  `yaml:"instance"`
	CA        CAConfig        `yaml:"ca"`
	CSR       CSRConfig       `yaml:"csr"`
	Auth      AuthConfig      `yaml:"auth"`
	Messaging MessagingConfig `yaml:"messaging"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// TrustedProxies lists the proxy addresses or CIDRs whose forwarding
	// headers are believed. Empty means the peer address is always used.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// InstanceConfig names the platform instance and its home directory
type InstanceConfig struct {
	Name string `yaml:"name"`
	Home string `yaml:"home"`
}

// CAConfig contains the root CA subject and key parameters
type CAConfig struct {
	Certificate  certs.CertificateData `yaml:"certificate"`
	KeyBits      int                   `yaml:"key_bits"`
	Validity     string                `yaml:"validity"`
	CertValidity string                `yaml:"cert_validity"`
}

// CSRConfig contains the CSR intake policy
type CSRConfig struct {
	AutoAllow bool `yaml:"auto_allow"`
}

// AuthConfig contains the token signing material and lifetimes
type AuthConfig struct {
	SecretKey     string `yaml:"secret_key"`
	TLSPrivateKey string `yaml:"tls_private_key"`
	AccessTTL     string `yaml:"access_ttl"`
	RefreshTTL    string `yaml:"refresh_ttl"`
	Issuer        string `yaml:"issuer"`
}

// MessagingConfig contains the message bus management API settings. Leaving
// management_url empty disables provisioning.
type MessagingConfig struct {
	ManagementURL   string `yaml:"management_url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	VHost           string `yaml:"vhost"`
	DefaultPassword string `yaml:"default_password"`
	Timeout         string `yaml:"timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every optional field filled in
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8443"},
		CA: CAConfig{
			KeyBits:      2048,
			Validity:     "3650d",
			CertValidity: "365d",
		},
		Auth: AuthConfig{
			AccessTTL:  "15m",
			RefreshTTL: "4h",
			Issuer:     "nodetrust",
		},
		Messaging: MessagingConfig{
			VHost:   "/",
			Timeout: "10s",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	for _, proxy := range c.Server.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return errors.Errorf("server.trusted_proxies: %q is not an IP address or CIDR", proxy)
			}
		}
	}

	if c.Instance.Name == "" {
		return errors.New("instance.name is required")
	}
	if c.Instance.Home == "" {
		return errors.New("instance.home is required")
	}

	if c.CA.KeyBits != 0 && c.CA.KeyBits < 2048 {
		return errors.New("ca.key_bits must be at least 2048")
	}
	if _, err := ParseDuration(c.CA.Validity); err != nil {
		return errors.Wrap(err, "ca.validity is invalid")
	}
	if _, err := ParseDuration(c.CA.CertValidity); err != nil {
		return errors.Wrap(err, "ca.cert_validity is invalid")
	}

	// the token manager reports the same condition, but failing here keeps a
	// bad config from getting as far as opening stores
	if c.Auth.SecretKey == "" && c.Auth.TLSPrivateKey == "" {
		return errors.New("auth: must have either a tls private key or a web secret key specified")
	}
	if c.Auth.SecretKey != "" && c.Auth.TLSPrivateKey != "" {
		return errors.New("auth: must use either a tls private key or a web secret key, not both")
	}
	if _, err := ParseDuration(c.Auth.AccessTTL); err != nil {
		return errors.Wrap(err, "auth.access_ttl is invalid")
	}
	if _, err := ParseDuration(c.Auth.RefreshTTL); err != nil {
		return errors.Wrap(err, "auth.refresh_ttl is invalid")
	}
	if c.GetAccessTTL() >= c.GetRefreshTTL() {
		return errors.New("auth.access_ttl must be shorter than auth.refresh_ttl")
	}

	if _, err := ParseDuration(c.Messaging.Timeout); err != nil {
		return errors.Wrap(err, "messaging.timeout is invalid")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return errors.New("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return errors.New("logging.format must be 'json' or 'text'")
	}

	return nil
}

// GetCAValidity returns the root CA validity as time.Duration
func (c *Config) GetCAValidity() time.Duration {
	d, _ := ParseDuration(c.CA.Validity)
	return d
}

// GetCertValidity returns the issued certificate validity as time.Duration
func (c *Config) GetCertValidity() time.Duration {
	d, _ := ParseDuration(c.CA.CertValidity)
	return d
}

// GetAccessTTL returns the access token lifetime
func (c *Config) GetAccessTTL() time.Duration {
	d, _ := ParseDuration(c.Auth.AccessTTL)
	return d
}

// GetRefreshTTL returns the refresh token lifetime
func (c *Config) GetRefreshTTL() time.Duration {
	d, _ := ParseDuration(c.Auth.RefreshTTL)
	return d
}

// GetMessagingTimeout returns the bound on message bus provisioning calls
func (c *Config) GetMessagingTimeout() time.Duration {
	d, _ := ParseDuration(c.Messaging.Timeout)
	return d
}

// CertsRoot returns the certificate store root under the instance home
func (c *Config) CertsRoot() string {
	return filepath.Join(c.Instance.Home, "certificates")
}

// ParseDuration parses a duration with support for days (e.g., "90d")
func ParseDuration(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		days := s[:len(s)-1]
		var d int
		if _, err := fmt.Sscanf(days, "%d", &d); err != nil {
			return 0, err
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
