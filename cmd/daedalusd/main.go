// daedalusd is the render worker: it provisions the engine workspace,
// launches the headless render engine, and serves the HTTP render API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/assets"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/inject"
	"github.com/wehubfusion/Daedalus/pkg/provision"
	"github.com/wehubfusion/Daedalus/pkg/service"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg := service.LoadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dsn := os.Getenv("DAEDALUS_SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("DAEDALUS_ENVIRONMENT"),
		}); err != nil {
			logger.Fatal("Failed to initialize sentry", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	if endpoint := os.Getenv("DAEDALUS_OTLP_ENDPOINT"); endpoint != "" {
		tcfg := tracing.DefaultConfig("daedalusd")
		tcfg.OTLPEndpoint = endpoint
		if env := os.Getenv("DAEDALUS_ENVIRONMENT"); env != "" {
			tcfg.Environment = env
		}
		shutdown, err := tracing.Setup(ctx, tcfg, logger)
		if err != nil {
			logger.Fatal("Failed to set up tracing", zap.Error(err))
		}
		defer tracing.Shutdown(shutdown, logger)
	}

	blob := buildBlobClient(logger)
	resolver := assets.NewResolver(assets.DefaultConfig(), blob,
		os.Getenv("DAEDALUS_BLOB_HOST"), logger)

	comfyDir := getEnv("DAEDALUS_COMFY_DIR", "/root/ComfyUI")
	if getEnv("DAEDALUS_PROVISION", "") == "true" {
		prov := provision.NewProvisioner(
			provision.DefaultConfig(cfg.WorkspaceRoot, cfg.DataDir, comfyDir),
			resolver, logger)
		if err := prov.Downloads(ctx); err != nil {
			logger.Fatal("Failed to provision downloads", zap.Error(err))
		}
		if err := prov.InstallNodes(ctx); err != nil {
			logger.Fatal("Failed to install custom nodes", zap.Error(err))
		}
	}

	publisher := buildPublisher(ctx, logger)

	eng := engine.New(engine.DefaultConfig(comfyDir), logger)
	if err := eng.Launch(ctx); err != nil {
		logger.Fatal("Failed to launch render engine", zap.Error(err))
	}

	assetDir := filepath.Join(cfg.DataDir, "inputs")
	if err := os.MkdirAll(assetDir, 0o755); err != nil {
		logger.Fatal("Failed to create asset directory", zap.Error(err))
	}
	injector := inject.NewEngine(resolver, assetDir, logger)

	server := service.NewServer(cfg, injector, eng, publisher, blob, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}

	go func() {
		logger.Info("Render worker listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	logger.Info("Render worker stopped")
}

// buildBlobClient returns nil when no connection string is configured; the
// worker then serves HTTP-only asset references.
func buildBlobClient(logger *zap.Logger) storage.BlobClient {
	connStr := os.Getenv("DAEDALUS_BLOB_CONNECTION_STRING")
	if connStr == "" {
		return nil
	}
	container := getEnv("DAEDALUS_BLOB_CONTAINER", "assets")
	client, err := storage.NewAzureBlobClient(connStr, container, logger)
	if err != nil {
		logger.Fatal("Failed to create blob client", zap.Error(err))
	}
	return client
}

// buildPublisher returns nil when no NATS URL is configured; lifecycle events
// are then skipped.
func buildPublisher(ctx context.Context, logger *zap.Logger) *events.Publisher {
	url := os.Getenv("DAEDALUS_NATS_URL")
	if url == "" {
		return nil
	}
	conn, err := internalnats.Connect(ctx, internalnats.DefaultConnectionConfig(url), logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	publisher, err := events.NewPublisher(conn, logger)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	return publisher
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
