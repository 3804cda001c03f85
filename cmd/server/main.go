package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drop/internal/server/api"
	"drop/internal/server/config"
	"drop/internal/server/database"
	"drop/internal/server/ident"
	"drop/internal/server/metrics"
	"drop/internal/server/service"
	"drop/internal/server/storage"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"max_file_size", cfg.MaxFileSize,
		"id_length", cfg.IDLength,
		"strict_class_prefix", cfg.StrictClassPrefix,
		"ledger", cfg.DatabaseURL != "",
	)

	ctx := context.Background()

	// Initialize storage
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Optional upload ledger
	var (
		db     *database.DB
		ledger service.Ledger
	)
	if cfg.DatabaseURL != "" {
		db, err = database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.RunMigrations(); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		ledger = database.NewRepository(db)
	}

	alloc, err := ident.NewAllocator(cfg.IDLength)
	if err != nil {
		slog.Error("invalid identifier length", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	svc := service.NewUploadService(store, alloc, ledger, m, service.Options{
		MaxFileSize:       cfg.MaxFileSize,
		MaxAttempts:       cfg.IDMaxAttempts,
		StrictClassPrefix: cfg.StrictClassPrefix,
	})

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	if cleanup != nil {
		cleanup.Start(cleanupCtx)
	}

	// Setup HTTP router
	handler := api.NewHandler(svc, db, cfg.PublicBaseURL)
	e := api.SetupRouter(handler, cfg, m)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "public_base_url", cfg.PublicBaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	cleanupCancel()
	if cleanup != nil {
		cleanup.Wait()
	}

	slog.Info("server exited cleanly")
}

// openStore builds the configured backend. Only the filesystem backend
// stages uploads locally, so it alone gets a cleanup service.
func openStore(ctx context.Context, cfg *config.Config) (storage.Backend, *storage.CleanupService, error) {
	switch cfg.StorageBackend {
	case config.BackendFS:
		store := storage.NewFileSystemStore(cfg.StoragePath)
		if err := store.EnsureDir(); err != nil {
			return nil, nil, err
		}
		slog.Info("file storage initialized", "path", cfg.StoragePath)
		return store, storage.NewCleanupService(store, cfg.SweepInterval, cfg.StaleUpload), nil

	case config.BackendMemory:
		slog.Warn("using in-memory storage, uploads are lost on restart")
		return storage.NewMemoryStore(), nil, nil

	case config.BackendS3:
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("object storage initialized", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
		return store, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
