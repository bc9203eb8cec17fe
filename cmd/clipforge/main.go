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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/jo-hoe/clipforge/internal/artifact"
	"github.com/jo-hoe/clipforge/internal/artifact/local"
	"github.com/jo-hoe/clipforge/internal/artifact/objectstore"
	appcfg "github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/logging"
	"github.com/jo-hoe/clipforge/internal/pipeline"
	"github.com/jo-hoe/clipforge/internal/server"
	"github.com/jo-hoe/clipforge/internal/service"
	"github.com/jo-hoe/clipforge/internal/source"
	"github.com/jo-hoe/clipforge/internal/transcode"
)

func main() {
	// A missing .env is fine; the environment may be set directly.
	envErr := godotenv.Load()

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	level, err := logging.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		slog.Error("parse log level", "err", err)
		os.Exit(1)
	}
	logger := logging.New(level, os.Stdout)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no .env file loaded", "err", envErr)
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	profiles, err := cfg.ProfileTable()
	if err != nil {
		logger.Error("build profile table", "err", err)
		os.Exit(1)
	}
	logger.Info("profiles loaded", "platforms", profiles.Names())

	// Job state
	store, err := openStore(rootCtx, cfg.State)
	if err != nil {
		logger.Error("open job store", "driver", cfg.State.Driver, "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Artifact storage
	artifacts, clipsDir, err := openArtifacts(rootCtx, cfg.Storage)
	if err != nil {
		logger.Error("open artifact store", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}

	// Pipeline
	fetcher, err := source.New(logger, cfg.Source, nil)
	if err != nil {
		logger.Error("init source fetcher", "err", err)
		os.Exit(1)
	}
	limiter := jobs.NewLimiter(cfg.Pipeline.WorkerCount)
	orchestrator, err := pipeline.New(logger, pipeline.Deps{
		Store:      store,
		Fetcher:    fetcher,
		Transcoder: transcode.New(logger, cfg.Transcode, nil),
		Artifacts:  artifacts,
		Profiles:   profiles,
		Limiter:    limiter,
		Policies: pipeline.Policies{
			Fetch:     cfg.Pipeline.Fetch.Policy(),
			Transcode: cfg.Pipeline.Transcode.Policy(),
			Upload:    cfg.Pipeline.Store.Policy(),
		},
		TempDir:  cfg.Pipeline.TempDir,
		Notifier: pipeline.NewHTTPNotifier(logger, cfg.Pipeline.Callback.Policy(), cfg.Pipeline.CallbackTimeout),
	})
	if err != nil {
		logger.Error("init pipeline", "err", err)
		os.Exit(1)
	}

	// Queue. It is not tied to the signal context: Shutdown decides when
	// in-flight jobs are cancelled.
	queue := jobs.NewQueue(logger, cfg.Pipeline.QueueCapacity, cfg.Pipeline.MaxInFlight)
	if err := queue.Start(context.Background(), orchestrator); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	jobSvc := &service.Service{
		Log:        logger,
		Store:      store,
		Queue:      queue,
		References: fetcher,
		Profiles:   profiles,
		Aborter:    orchestrator,
		Discarder:  orchestrator,
	}
	requeued, failed, err := jobSvc.Recover(rootCtx)
	if err != nil {
		logger.Error("recover unfinished jobs", "err", err)
		os.Exit(1)
	}
	if requeued+failed > 0 {
		logger.Info("recovered unfinished jobs", "requeued", requeued, "failed", failed)
	}

	// HTTP server
	svc := &server.Service{
		Log:      logger,
		Cfg:      cfg,
		Jobs:     jobSvc,
		ClipsDir: clipsDir,
	}
	httpSrv := server.NewHTTPServer(svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr,
			"state", cfg.State.Driver, "storage", cfg.Storage.Driver,
			"stage_slots", limiter.Capacity(), "max_in_flight", cfg.Pipeline.MaxInFlight)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
		cancel()
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Jobs still running after the grace period are cancelled and recorded
	// failed; queued ones are failed without being started.
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg appcfg.StateConfig) (jobs.Store, error) {
	switch cfg.Driver {
	case appcfg.StateSQLite:
		return jobs.NewSQLiteStore(cfg.SQLitePath)
	case appcfg.StateRedis:
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return jobs.NewRedisStore(pingCtx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.KeyPrefix)
	case appcfg.StateMemory:
		return jobs.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported state driver %q", cfg.Driver)
	}
}

// openArtifacts returns the configured store and, for the local driver, the
// directory the HTTP server should expose.
func openArtifacts(ctx context.Context, cfg appcfg.StorageConfig) (artifact.Store, string, error) {
	switch cfg.Driver {
	case appcfg.StorageLocal:
		s, err := local.New(cfg.Local.Dir, cfg.Local.PublicBaseURL)
		if err != nil {
			return nil, "", err
		}
		return s, s.Dir(), nil
	case appcfg.StorageMinIO:
		s, err := objectstore.New(ctx, cfg.MinIO)
		if err != nil {
			return nil, "", err
		}
		return s, "", nil
	default:
		return nil, "", fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
