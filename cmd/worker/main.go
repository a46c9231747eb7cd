// Command worker runs a headless worker pool against the shared job store.
// It serves only health and metrics endpoints; the API and progress
// WebSockets live in cmd/server.
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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matchcut/export-orchestrator/internal/adapter/blob/fsstore"
	"github.com/matchcut/export-orchestrator/internal/adapter/blob/gcs"
	"github.com/matchcut/export-orchestrator/internal/adapter/encoder/ffmpeg"
	"github.com/matchcut/export-orchestrator/internal/adapter/gpu"
	"github.com/matchcut/export-orchestrator/internal/adapter/notify"
	"github.com/matchcut/export-orchestrator/internal/adapter/observability"
	"github.com/matchcut/export-orchestrator/internal/adapter/repo/postgres"
	"github.com/matchcut/export-orchestrator/internal/config"
	"github.com/matchcut/export-orchestrator/internal/domain"
	"github.com/matchcut/export-orchestrator/internal/hub"
	"github.com/matchcut/export-orchestrator/internal/pipeline"
	"github.com/matchcut/export-orchestrator/internal/scheduler"
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

	drivers, err := buildDrivers(cfg, blob, logger)
	if err != nil {
		slog.Error("pipeline init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Worker fleets restart together with the API; recovery is safe to run
	// from any member because it precedes the first claim.
	if err := scheduler.RecoverOrphans(ctx, jobs, logger); err != nil {
		slog.Error("startup recovery failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Progress published here has no subscribers; live progress is served by
	// cmd/server. The store remains authoritative either way.
	localHub := hub.New(hub.Options{
		QueueCapacity: cfg.SubscriberQueueCapacity,
		Keepalive:     cfg.WebsocketKeepalive(),
	})

	hostname, _ := os.Hostname()
	sched := scheduler.New(jobs, drivers, localHub, notifier, logger, scheduler.Options{
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

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		probeCtx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(probeCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		promhttp.Handler().ServeHTTP(w, req)
	})

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting",
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
