package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamscao/nodetrust/internal/api"
	"github.com/adamscao/nodetrust/internal/app"
	"github.com/adamscao/nodetrust/internal/config"
	"github.com/adamscao/nodetrust/internal/logging"
	"go.uber.org/zap"
)

var (
	// Version information (set via ldflags)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "/etc/nodetrust/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nodetrust server\n")
		fmt.Printf("Version:    %s\n", Version)
		fmt.Printf("Commit:     %s\n", Commit)
		fmt.Printf("Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting nodetrust server",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("instance", cfg.Instance.Name),
		zap.Bool("auto_allow_csr", cfg.CSR.AutoAllow),
	)

	instance, err := app.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer instance.Close()

	if err := instance.EnsureRootCA(); err != nil {
		return err
	}

	count, err := instance.Users.Count()
	if err != nil {
		return err
	}
	if count == 0 {
		logger.Warn("no web users configured, visit /admin/setpassword to create the administrator")
	}

	server, err := api.NewServer(api.Deps{
		Store:          instance.Certs,
		CSR:            instance.CSR,
		Users:          instance.Users,
		Tokens:         instance.Tokens,
		Auditor:        instance.Audit,
		Metrics:        instance.Metrics,
		Logger:         logger,
		Debug:          cfg.Logging.Level == "debug",
		TrustedProxies: cfg.Server.TrustedProxies,
	})
	if err != nil {
		return err
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg.Server.ListenAddr); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
