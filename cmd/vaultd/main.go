package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/etcr-vault/internal/api"
	"github.com/kenneth/etcr-vault/internal/audit"
	"github.com/kenneth/etcr-vault/internal/config"
	"github.com/kenneth/etcr-vault/internal/container"
	"github.com/kenneth/etcr-vault/internal/keystore"
	"github.com/kenneth/etcr-vault/internal/metrics"
	"github.com/kenneth/etcr-vault/internal/middleware"
	"github.com/kenneth/etcr-vault/internal/remote"
	"github.com/kenneth/etcr-vault/internal/tracing"
	"github.com/kenneth/etcr-vault/internal/vault"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("ETCR_CONFIG")
	}
	if *configPath == "" {
		*configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level and format from config
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.WithFields(logrus.Fields{
		"version": buildVersion,
		"commit":  buildCommit,
	}).Info("Starting ETCR vault server")

	// Initialize tracing
	ctx := context.Background()
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up tracing")
	}

	// Initialize metrics
	version.Version = buildVersion
	version.Revision = buildCommit
	m := metrics.NewMetrics()
	m.MustRegister(versioncollector.NewCollector("etcr_vaultd"))
	m.StartSystemMetricsCollector()

	// Open the key store
	keys, err := keystore.Open(cfg.Keystore.Dir, keystore.Options{
		Logger:         logger,
		Watch:          cfg.Keystore.Watch,
		KDFConcurrency: cfg.Keystore.KDFConcurrency,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to open key store")
	}
	defer keys.Close()
	logger.WithFields(logrus.Fields{
		"dir":  cfg.Keystore.Dir,
		"keys": keys.Count(),
	}).Info("Key store opened")

	defaultAlg, err := container.ParseAlgorithm(cfg.Vault.DefaultAlgorithm)
	if err != nil {
		logger.WithError(err).Fatal("Invalid default algorithm")
	}

	// Initialize audit logger if enabled
	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, nil)
		logger.WithFields(logrus.Fields{
			"max_events": cfg.Audit.MaxEvents,
		}).Info("Audit logging enabled")
	}

	// Initialize remote replication if enabled
	var replicator *remote.Service
	if cfg.Remote.Enabled {
		userID, err := config.EnsureUserID(cfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to resolve remote user id")
		}

		var store remote.ObjectStore
		switch cfg.Remote.Backend {
		case "s3":
			store, err = remote.NewS3Store(ctx, remote.S3Config{
				Bucket:    cfg.Remote.S3.Bucket,
				Region:    cfg.Remote.S3.Region,
				Endpoint:  cfg.Remote.S3.Endpoint,
				AccessKey: cfg.Remote.S3.AccessKey,
				SecretKey: cfg.Remote.S3.SecretKey,
				PathStyle: cfg.Remote.S3.UsePathStyle,
			})
		case "drive":
			store, err = remote.NewDriveStore(ctx, remote.DriveConfig{
				CredentialsFile: cfg.Remote.Drive.CredentialsFile,
				TokenFile:       cfg.Remote.Drive.TokenFile,
				RootFolderID:    cfg.Remote.Drive.RootFolderID,
				FolderCacheTTL:  cfg.Remote.Drive.FolderCacheTTL,
			})
		default:
			logger.WithField("backend", cfg.Remote.Backend).Fatal("Unknown remote backend")
		}
		if err != nil {
			logger.WithError(err).Fatal("Failed to create remote store")
		}

		replicator, err = remote.New(remote.Config{
			Store:         store,
			UserID:        userID,
			Keys:          keys,
			KeyPassphrase: cfg.Remote.KeyPassphrase,
			Logger:        logger,
			Workers:       cfg.Remote.Workers,
			QueueSize:     cfg.Remote.QueueSize,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to start replication service")
		}
		go consumeUploadEvents(replicator, m, auditLogger)

		logger.WithFields(logrus.Fields{
			"backend": cfg.Remote.Backend,
			"user_id": userID,
			"workers": cfg.Remote.Workers,
		}).Info("Remote replication enabled")
	}

	// Initialize the vault
	vaultCfg := vault.Config{
		Dir:              cfg.Vault.Dir,
		Keys:             keys,
		Logger:           logger,
		DefaultAlgorithm: defaultAlg,
	}
	if replicator != nil {
		vaultCfg.Replicator = replicator
		vaultCfg.Fetcher = replicator
	}
	v, err := vault.New(vaultCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open vault")
	}
	logger.WithField("dir", cfg.Vault.Dir).Info("Vault opened")

	// Load file policies
	var policies *config.PolicyManager
	if len(cfg.Policies) > 0 {
		policies = config.NewPolicyManager()
		if err := policies.LoadPolicies(cfg.Policies); err != nil {
			logger.WithError(err).Fatal("Failed to load file policies")
		}
		logger.WithField("patterns", cfg.Policies).Info("File policies loaded")
	}

	// Initialize API handler
	handler := api.NewHandler(v, keys, cfg, logger, m, policies, auditLogger)

	// Setup router and middleware
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.RequestIDMiddleware())
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	}
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware(m))
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		router.Use(middleware.RateLimitMiddleware(rateLimiter))
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	handler.RegisterRoutes(router)

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if replicator != nil {
		if err := replicator.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Replication queue not fully drained")
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Tracer shutdown failed")
	}
	logger.Info("Server stopped gracefully")
}

// consumeUploadEvents feeds replication outcomes into metrics and the
// audit log until the service closes its event channel.
func consumeUploadEvents(svc *remote.Service, m *metrics.Metrics, auditLogger audit.Logger) {
	for result := range svc.Events() {
		outcome := "ok"
		if result.Err != nil {
			outcome = "error"
		}
		m.RecordUpload(outcome, result.Elapsed)
		m.SetUploadQueueDepth(svc.QueueDepth())
		if auditLogger != nil {
			auditLogger.LogUpload(result.Item.EncryptedFilename, result.Err == nil, result.Err, result.Elapsed)
		}
	}
}
