// Command server runs the export orchestrator: HTTP API, progress WebSockets,
// and the in-process worker pool sharing one binary.
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

	"github.com/matchcut/export-orchestrator/internal/adapter/blob/fsstore"
	"github.com/matchcut/export-orchestrator/internal/adapter/blob/gcs"
	"github.com/matchcut/export-orchestrator/internal/adapter/encoder/ffmpeg"
	"github.com/matchcut/export-orchestrator/internal/adapter/gpu"
	"github.com/matchcut/export-orchestrator/internal/adapter/httpserver"
	"github.com/matchcut/export-orchestrator/internal/adapter/notify"
	"github.com/matchcut/export-orchestrator/internal/adapter/observability"
	"github.com/matchcut/export-orchestrator/internal/adapter/repo/postgres"
	"github.com/matchcut/export-orchestrator/internal/app"
	"github.com/matchcut/export-orchestrator/internal/config"
	"github.com/matchcut/export-orchestrator/internal/domain"
	"github.com/matchcut/export-orchestrator/internal/hub"
	"github.com/matchcut/export-orchestrator/internal/pipeline"
	"github.com/matchcut/export-orchestrator/internal/scheduler"
	"github.com/matchcut/export-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobs := postgres.NewJobRepo(pool)

	blob, closeBlob, err := buildBlobStore(ctx, cfg)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBlob()

	notifier := buildNotifier(cfg)
	defer func() { _ = notifier.Close() }()

	progressHub := hub.New(hub.Options{
		QueueCapacity: cfg.SubscriberQueueCapacity,
		Keepalive:     cfg.WebsocketKeepalive(),
	})

	drivers, err := buildDrivers(cfg, blob, logger)
	if err != nil {
		slog.Error("pipeline init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Reconcile orphans before any worker claims.
	if err := scheduler.RecoverOrphans(ctx, jobs, logger); err != nil {
		slog.Error("startup recovery failed", slog.Any("error", err))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	sched := scheduler.New(jobs, drivers, progressHub, notifier, logger, scheduler.Options{
		Concurrency:        cfg.WorkerConcurrency,
		PollInterval:       cfg.ClaimPollInterval(),
		PollMax:            cfg.ClaimPollMax(),
		CancelPollInterval: cfg.CancelPollInterval(),
		WorkerPrefix:       hostname,
	})
	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	exports := usecase.NewExportService(jobs, blob, domain.AllowAll{}, notifier, progressHub, logger, cfg.PresignedTTL)
	srv := httpserver.NewServer(exports, progressHub, app.BuildReadinessChecks(pool))
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting",
			slog.Int("port", cfg.Port),
			slog.String("backend", cfg.BackendMode),
			slog.Int("workers", cfg.WorkerConcurrency))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	stopSched()
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		slog.Warn("scheduler did not drain before shutdown deadline")
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (domain.BlobStore, func(), error) {
	if cfg.BlobBucket != "" {
		store, err := gcs.New(ctx, cfg.BlobBucket)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	store, err := fsstore.New(cfg.BlobLocalDir)
	if err != nil {
		return nil, nil, err
	}
	slog.Warn("no blob bucket configured; using local filesystem store",
		slog.String("root", store.Root()))
	return store, func() {}, nil
}

func buildNotifier(cfg config.Config) domain.Notifier {
	if cfg.RedisAddr == "" {
		return notify.NewLocal()
	}
	n, err := notify.NewRedis(cfg.RedisAddr)
	if err != nil {
		// The claim backoff covers missing notifications; degrade loudly.
		slog.Error("redis notifier unavailable; falling back to in-process wake-up",
			slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
		return notify.NewLocal()
	}
	return n
}

func buildDrivers(cfg config.Config, blob domain.BlobStore, logger *slog.Logger) (map[domain.JobKind]pipeline.Driver, error) {
	if cfg.BackendMode == config.BackendRemoteGPU {
		client := gpu.NewClient(gpu.Options{
			BaseURL:         cfg.GPUBaseURL,
			APIKey:          cfg.GPUAPIKey,
			SubmitTimeout:   cfg.GPUSubmitTimeout,
			PollInterval:    cfg.GPUPollInterval,
			PhaseTimeout:    cfg.GPUPhaseTimeout,
			TransferTimeout: cfg.GPUTransferTimeout,
			// Margin keeps source URLs alive past the expected render time.
			PresignTTL: cfg.PresignedTTL + cfg.PresignedMargin,
		})
		return gpu.NewRegistry(client, blob, logger), nil
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	enc := ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath, logger)
	return pipeline.NewLocalRegistry(pipeline.Deps{
		Blob:    blob,
		Encoder: enc,
		WorkDir: workDir,
		Logger:  logger,
	}), nil
}
