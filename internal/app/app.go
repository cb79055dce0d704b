package app

import (
	"crypto"
	"os"
	"path/filepath"

	"github.com/adamscao/nodetrust/internal/auth"
	"github.com/adamscao/nodetrust/internal/certs"
	"github.com/adamscao/nodetrust/internal/config"
	"github.com/adamscao/nodetrust/internal/csr"
	"github.com/adamscao/nodetrust/internal/db"
	"github.com/adamscao/nodetrust/internal/db/repository"
	"github.com/adamscao/nodetrust/internal/metrics"
	"github.com/adamscao/nodetrust/internal/msgbus"
	"github.com/adamscao/nodetrust/internal/users"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// App holds the stores and managers of one instance
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *db.DB
	Certs    *certs.Store
	CertRepo *repository.CertRepository
	Audit    *repository.AuditRepository
	Users    *users.Store
	Tokens   *auth.TokenManager
	CSR      *csr.Manager
	Metrics  *metrics.Recorder
}

// Open wires every component of the instance described by cfg
func Open(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{Config: cfg, Logger: logger, Metrics: metrics.NewRecorder()}

	dbPath := filepath.Join(cfg.CertsRoot(), certs.CADBDir, certs.CADBFileName)
	logger.Debug("opening ca database", zap.String("path", dbPath))
	database, err := db.New(dbPath)
	if err != nil {
		return nil, err
	}
	a.DB = database

	if err := db.RunMigrations(database); err != nil {
		a.Close()
		return nil, err
	}

	a.CertRepo = repository.NewCertRepository(database.DB)
	a.Audit = repository.NewAuditRepository(database.DB)

	a.Certs, err = certs.New(certs.Options{
		Root:         cfg.CertsRoot(),
		InstanceName: cfg.Instance.Name,
		KeyBits:      cfg.CA.KeyBits,
		CAValidity:   cfg.GetCAValidity(),
		CertValidity: cfg.GetCertValidity(),
		Index:        a.CertRepo,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Users, err = users.New(cfg.Instance.Home)
	if err != nil {
		a.Close()
		return nil, err
	}

	signer, err := loadSigningKey(cfg.Auth.TLSPrivateKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Tokens, err = auth.NewTokenManager(a.Users, auth.TokenConfig{
		Secret:     cfg.Auth.SecretKey,
		PrivateKey: signer,
		AccessTTL:  cfg.GetAccessTTL(),
		RefreshTTL: cfg.GetRefreshTTL(),
		Issuer:     cfg.Auth.Issuer,
		Logger:     logger.Named("auth"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var provisioner msgbus.Provisioner
	if cfg.Messaging.ManagementURL != "" {
		provisioner, err = msgbus.NewClient(msgbus.Config{
			URL:             cfg.Messaging.ManagementURL,
			Username:        cfg.Messaging.Username,
			Password:        cfg.Messaging.Password,
			VHost:           cfg.Messaging.VHost,
			DefaultPassword: cfg.Messaging.DefaultPassword,
			Timeout:         cfg.GetMessagingTimeout(),
		}, logger.Named("msgbus"))
		if err != nil {
			a.Close()
			return nil, err
		}
	} else {
		logger.Warn("messaging.management_url not set, approved nodes will not be provisioned on the message bus")
	}

	a.CSR = csr.NewManager(a.Certs, csr.Config{
		AutoAllow:        cfg.CSR.AutoAllow,
		ProvisionTimeout: cfg.GetMessagingTimeout(),
		Provisioner:      provisioner,
		Auditor:          a.Audit,
		Metrics:          a.Metrics,
		Logger:           logger.Named("csr"),
	})

	return a, nil
}

// EnsureRootCA creates the instance root CA unless it already exists
func (a *App) EnsureRootCA() error {
	if a.Certs.CAExists() {
		return nil
	}

	ca, err := a.Certs.CreateRootCA(a.Config.CA.Certificate)
	if err != nil {
		return err
	}

	a.Logger.Info("created root ca", zap.String("name", ca.Name), zap.Time("not_after", ca.Cert.NotAfter))
	return nil
}

// Close releases the CA database
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func loadSigningKey(path string) (crypto.Signer, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read auth.tls_private_key")
	}
	return certs.ParsePrivateKeyPEM(data)
}
