// cmd/reportsd/main.go
// Package main implements the entry point for the reports service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/attachment"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/blob"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/category"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/config"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/event"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/proximity"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/report"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/server"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/workflow"
)

const serviceName = "reports-service"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.OTelEnabled {
		if _, err := telemetry.InitTracer(ctx, serviceName, version); err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.ShutdownTracer(shutdownCtx, logger)
		}()
	}

	m := metrics.NewMetrics()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	store = storage.Instrument(store, m)
	logger.Info("storage ready", slog.String("backend", cfg.Storage))

	blobs, mediaDir, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}

	var gwOpts []attachment.Option
	gwOpts = append(gwOpts, attachment.WithMetrics(m))
	if cfg.ImageMaxDimension > 0 {
		gwOpts = append(gwOpts, attachment.WithMaxDimension(cfg.ImageMaxDimension))
	}
	gateway := attachment.NewGateway(blobs, logger, gwOpts...)

	var cache category.Cache = category.NoopCache{}
	if cfg.RedisAddr != "" {
		client, err := category.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Warn("category cache disabled", slog.String("error", err.Error()))
		} else {
			defer client.Close()
			cache = category.NewRedisCache(client)
		}
	}
	registry := category.NewRegistry(store, cache, cfg.CategoryCacheTTL, m, logger)
	if _, err := registry.Seed(ctx, category.Defaults); err != nil {
		return fmt.Errorf("seed categories: %w", err)
	}

	pub := event.NewPublisher(cfg.NATSURL, m, logger)
	defer pub.Close()

	schemas, err := schema.NewValidator(m)
	if err != nil {
		return fmt.Errorf("init schema validator: %w", err)
	}

	var jwksClient *jwks.Client
	if cfg.JWKSURL != "" {
		jwksClient = jwks.NewClient(cfg.JWKSURL)
	} else {
		logger.Warn("REPORTS_JWKS_URL not set, accepting unverified tokens")
		jwksClient = jwks.NewTestClient()
	}

	srv := server.New(server.Deps{
		Store:       store,
		Reports:     report.NewService(store, gateway, pub, logger, report.WithMetrics(m)),
		Workflow:    workflow.NewEngine(store, pub, m, logger),
		Nearby:      proximity.NewService(store, gateway, m),
		Categories:  registry,
		Attachments: gateway,
		Schemas:     schemas,
		Auth:        jwks.NewAuthenticator(jwksClient, cfg.JWTIssuer, cfg.JWTAudience, cfg.ReviewerIDs),
		Metrics:     m,
		Logger:      logger,
		MediaDir:    mediaDir,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimitRPS,
		RateBurst:   cfg.RateLimitBurst,
	})

	logger.Info("server starting", slog.String("port", cfg.Port), slog.String("env", cfg.Env))
	return srv.Run(ctx, ":"+cfg.Port)
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		s, err := storage.NewPostgres(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres storage: %w", err)
		}
		return s, nil
	case config.StorageSQLite:
		s, err := storage.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite storage: %w", err)
		}
		return s, nil
	default:
		return storage.NewMemory(), nil
	}
}

// openBlobs returns the blob store and, for the local backend, the directory
// the server should expose under /media.
func openBlobs(ctx context.Context, cfg config.Config) (blob.Store, string, error) {
	if cfg.BlobBackend == config.BlobS3 {
		s, err := blob.NewS3(ctx, blob.S3Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			Bucket:        cfg.S3Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PublicBaseURL: cfg.BlobPublicURL,
			PresignTTL:    15 * time.Minute,
		})
		if err != nil {
			return nil, "", fmt.Errorf("init s3 blob store: %w", err)
		}
		return s, "", nil
	}
	s, err := blob.NewLocal(cfg.BlobDir, cfg.BlobPublicURL)
	if err != nil {
		return nil, "", fmt.Errorf("init local blob store: %w", err)
	}
	return s, s.Dir(), nil
}
