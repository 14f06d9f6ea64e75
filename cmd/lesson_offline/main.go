package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/lesson_offline/internal/config"
	"github.com/italolelis/lesson_offline/internal/connectivity"
	"github.com/italolelis/lesson_offline/internal/download"
	"github.com/italolelis/lesson_offline/internal/http/rest"
	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/notifier"
	"github.com/italolelis/lesson_offline/internal/orchestrator"
	"github.com/italolelis/lesson_offline/internal/progress"
	"github.com/italolelis/lesson_offline/internal/quota"
	"github.com/italolelis/lesson_offline/internal/remote"
	"github.com/italolelis/lesson_offline/internal/storage"
	"github.com/italolelis/lesson_offline/internal/storage/memory"
	"github.com/italolelis/lesson_offline/internal/storage/redis"
	"github.com/italolelis/lesson_offline/internal/storage/sqlite"
	"github.com/italolelis/lesson_offline/internal/syncer"
	"github.com/italolelis/lesson_offline/internal/telemetry"
	"github.com/italolelis/lesson_offline/internal/transport"
)

const (
	serviceName   = "lesson_offline"
	apiTimeout    = 30 * time.Second
	redisKeySpace = "lesson_offline"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewCorrelationHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("lesson offline engine starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Storage
	store, err := buildStore(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build store: %w", err)
	}
	defer store.Close()

	// =========================================================================
	// Start Remote Clients
	apiClient := transport.NewHTTPClient(cfg.RemoteToken, apiTimeout)
	mediaClient := transport.NewHTTPClient(cfg.RemoteToken, 0)

	rc := remote.NewClient(cfg.RemoteBaseURL, apiClient, tel)
	media := transport.NewInstrumentedSource(transport.NewHTTPTransport(cfg.RemoteBaseURL, mediaClient), tel)

	// =========================================================================
	// Start Engine
	clock := clockwork.NewRealClock()

	quotaOpts := []quota.Option{quota.WithTelemetry(tel)}
	if cfg.QuotaBytes > 0 {
		quotaOpts = append(quotaOpts, quota.WithCeiling(cfg.QuotaBytes))
	}

	q := quota.New(store, cfg.MediaDir, quotaOpts...)

	downloads := download.New(ctx, store, media, q, download.Config{
		MediaDir:    cfg.MediaDir,
		MaxParallel: cfg.MaxParallel,
		Limiter:     transport.NewLimiter(cfg.MaxDownloadRate),
	}, download.WithClock(clock), download.WithTelemetry(tel))

	engine := progress.New(store, progress.Config{
		CompletionThreshold: cfg.CompletionThreshold,
		ResumeThreshold:     cfg.ResumeThreshold,
		ChapterSnapWindow:   cfg.ChapterSnapWindow,
		WatchCapFactor:      cfg.WatchCapFactor,
	}, clock)

	monitor := connectivity.New(clock, cfg.ConnectivityDebounce, false)

	coordinator := syncer.New(engine, rc, monitor, clock, syncer.Config{
		Interval:    cfg.SyncInterval,
		BaseDelay:   cfg.SyncBaseDelay,
		MaxRetries:  cfg.SyncMaxRetries,
		BatchSize:   cfg.SyncBatchSize,
		SettleDelay: cfg.SyncSettle,
	}, syncer.WithTelemetry(tel))

	orch := orchestrator.New(orchestrator.Config{
		UserID:              cfg.UserID,
		OptimizeTargetUsage: cfg.OptimizeTargetUsage,
		KeepDownloadedFor:   cfg.KeepDownloadedFor,
	}, orchestrator.Deps{
		Store:     store,
		Downloads: downloads,
		Quota:     q,
		Progress:  engine,
		Sync:      coordinator,
		Monitor:   monitor,
		Catalog:   rc,
		Clock:     clock,
	})

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, orch, coordinator, cfg)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Close()

	// =========================================================================
	// Start Connectivity Prober
	prober := connectivity.NewProber(monitor, rc, clock, cfg.ProbeInterval)
	go prober.Run(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orch, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("ready to serve lessons offline",
		"media_dir", cfg.MediaDir,
		"store", cfg.DBDriver,
		"max_parallel", cfg.MaxParallel,
		"sync_interval", cfg.SyncInterval.String(),
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, orch, cfg)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// buildStore is an abstract factory for the key-value store.
func buildStore(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (storage.Store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		database, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, err
		}

		return sqlite.NewInstrumentedStore(sqlite.NewStore(database), tel), nil
	case config.DriverRedis:
		return redis.Dial(ctx, cfg.RedisAddr, redisKeySpace+":"+cfg.UserID)
	case config.DriverMemory:
		return memory.New(), nil
	}

	return nil, fmt.Errorf("invalid store driver: %s", cfg.DBDriver)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, orch *orchestrator.Orchestrator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	lHandler := rest.NewLessonHandler(orch, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(rest.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", lHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, serviceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupNotifications(ctx context.Context, orch *orchestrator.Orchestrator, coordinator *syncer.Coordinator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL, nil)
	}

	notify := func(content string) {
		if notif == nil {
			return
		}

		if err := notif.Notify(ctx, content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	events, unsubscribe := orch.Subscribe(64)

	go func() {
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}

				switch event.Status {
				case download.StatusCompleted:
					logger.Info("lesson download finished", "task_id", event.TaskID, "lesson_id", event.LessonID)
					notify(fmt.Sprintf("✅ Lesson %s downloaded (%s, %s)", event.LessonID, event.Quality, humanize.Bytes(uint64(max(event.Total, 0)))))
				case download.StatusFailed:
					logger.Error("lesson download failed", "task_id", event.TaskID, "lesson_id", event.LessonID, "err", event.Err)
					notify(fmt.Sprintf("❌ Download failed for lesson %s: %s", event.LessonID, event.Err))
				}
			}
		}
	}()

	coordinator.OnChange(func(info syncer.Info) {
		if info.Status != syncer.StatusFailed {
			return
		}

		logger.Warn("progress sync failing", "pending", info.PendingItems, "retries", info.RetryCount, "err", info.Error)

		go notify(fmt.Sprintf("⚠️ Progress sync failing with %d pending records: %s", info.PendingItems, info.Error))
	})
}

func setupCleanup(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.CleanupInterval <= 0 {
		return
	}

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				report, err := orch.OptimizeStorage(ctx)
				if err != nil {
					if errors.Is(err, quota.ErrQuotaExceeded) {
						logger.Warn("storage still blocks queued downloads", "err", err)

						continue
					}

					logger.Error("failed to optimize storage", "err", err)

					continue
				}

				logger.Debug("storage optimized", "expired", report.Expired.Removed, "evicted", len(report.Evicted.Lessons))
			}
		}
	}()
}
