// Package main provides the document extraction API server entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/blob"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/cache"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/config"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/conversion"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/language"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/storage"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/vision"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Str("cache", cfg.Cache.Driver).
		Bool("auth", cfg.Auth.Enabled).
		Msg("Starting document extraction API")
	if cfg.IsDevelopment() {
		logger.Warn().Str("default_owner", cfg.Auth.DefaultOwner).Msg("Auth disabled, caller identity taken from X-User-ID")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	db, err := storage.Open(startCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := storage.NewMigrationManager(db, cfg.Database.Driver).Migrate(startCtx)
	if err != nil {
		return err
	}
	logger.Info().Int("applied", applied).Msg("Database migrations complete")

	kv, err := cache.New(cfg.Cache)
	if err != nil {
		return err
	}
	defer kv.Close()

	blobs, err := blob.NewLocalFS(cfg.Blob.Root)
	if err != nil {
		return err
	}

	converter, err := conversion.NewClient(cfg.Conversion, conversion.WithLogger(logger))
	if err != nil {
		return err
	}

	flags := extraction.NewCancelFlags(kv, cfg.Cache.FlagTTL)
	deps := extraction.Dependencies{
		Store:     storage.NewJobRepository(db),
		Blobs:     blobs,
		Converter: converter,
		Analyzer:  vision.NewClient(cfg.Vision, vision.WithLogger(logger)),
		Flags:     flags,
		Logger:    logger,
	}
	if cfg.Extraction.DetectLanguage {
		deps.Detector = language.NewDetector()
	}

	orch := extraction.NewOrchestrator(deps, extraction.PipelineConfig{
		PollInterval:      cfg.Conversion.PollInterval,
		ConversionTimeout: cfg.Conversion.Timeout,
		BatchSize:         cfg.Vision.BatchSize,
		AnalysisTimeout:   cfg.Vision.RequestTimeout * time.Duration(max(cfg.Vision.MaxAttempts, 1)),
	})
	dispatcher := extraction.NewDispatcher(orch, logger,
		extraction.WithWorkers(cfg.Extraction.MaxConcurrentJobs),
		extraction.WithQueueSize(cfg.Extraction.QueueSize),
		extraction.WithJobTimeout(cfg.Extraction.JobTimeout),
	)
	controller := extraction.NewController(deps.Store, blobs, flags, dispatcher, logger, nil)
	service := extraction.NewService(deps.Store, blobs, dispatcher, controller, extraction.ServiceConfig{
		DefaultMaxRetries: cfg.Extraction.DefaultMaxRetries,
		DefaultMaxImages:  cfg.Extraction.DefaultMaxImages,
		MaxImagesLimit:    cfg.Extraction.MaxImagesLimit,
	}, logger, nil)

	requeued, failed, err := service.RecoverInterrupted(startCtx)
	if err != nil {
		logger.Error().Err(err).Msg("Recovering interrupted jobs failed")
	} else if requeued+failed > 0 {
		logger.Info().Int("requeued", requeued).Int("failed", failed).Msg("Recovered interrupted jobs")
	}

	router := NewRouter(logger, cfg, service, readiness{
		"database": db.PingContext,
		"cache":    kv.Ping,
		"blob":     blobs.Ping,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case serveErr = <-serverErrors:
		logger.Error().Err(serveErr).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}
	// In-flight jobs still running at the deadline are cancelled and picked
	// up by RecoverInterrupted on the next start.
	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Extraction workers did not drain")
	}

	logger.Info().Msg("Server stopped")
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}
