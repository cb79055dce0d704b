package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings
const (
	EnvListenAddr    = "NODETRUST_LISTEN_ADDR"
	EnvInstanceName  = "NODETRUST_INSTANCE_NAME"
	EnvHome          = "NODETRUST_HOME"
	EnvAutoAllow     = "NODETRUST_AUTO_ALLOW_CSR"
	EnvSecretKey     = "NODETRUST_SECRET_KEY"
	EnvTLSPrivateKey = "NODETRUST_TLS_PRIVATE_KEY"
	EnvMessagingURL  = "NODETRUST_MESSAGING_URL"
	EnvMessagingPass = "NODETRUST_MESSAGING_PASSWORD"
	EnvLogLevel      = "NODETRUST_LOG_LEVEL"
)

// Load loads configuration from a YAML file on top of Default
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

// LoadWithEnv loads configuration from a file and applies environment variable overrides
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration after env overrides")
	}

	return cfg, nil
}

func read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	overrides := map[string]*string{
		EnvListenAddr:    &cfg.Server.ListenAddr,
		EnvInstanceName:  &cfg.Instance.Name,
		EnvHome:          &cfg.Instance.Home,
		EnvSecretKey:     &cfg.Auth.SecretKey,
		EnvTLSPrivateKey: &cfg.Auth.TLSPrivateKey,
		EnvMessagingURL:  &cfg.Messaging.ManagementURL,
		EnvMessagingPass: &cfg.Messaging.Password,
		EnvLogLevel:      &cfg.Logging.Level,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	if v := os.Getenv(EnvAutoAllow); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%s is invalid", EnvAutoAllow)
		}
		cfg.CSR.AutoAllow = allow
	}

	return nil
}

// Save writes cfg to path as YAML
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o600), "failed to write config file")
}
