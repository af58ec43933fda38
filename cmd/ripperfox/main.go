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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	slogmulti "github.com/samber/slog-multi"

	"github.com/ripperfox/ripperfox/internal/cleanup"
	"github.com/ripperfox/ripperfox/internal/config"
	"github.com/ripperfox/ripperfox/internal/downloader"
	"github.com/ripperfox/ripperfox/internal/http/rest"
	"github.com/ripperfox/ripperfox/internal/jobs"
	"github.com/ripperfox/ripperfox/internal/logctx"
	"github.com/ripperfox/ripperfox/internal/notifier"
	"github.com/ripperfox/ripperfox/internal/settings"
	"github.com/ripperfox/ripperfox/internal/telemetry"
	"github.com/ripperfox/ripperfox/internal/updater"
)

const (
	serviceName    = "ripperfox"
	webhookTimeout = 10 * time.Second

	streamHeaderTimeout = 30 * time.Second
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		slog.Error("logger error", "err", err)
		os.Exit(1)
	}
	defer closeLog()

	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Restore default signal handling once shutdown starts so a second
	// signal terminates the process.
	context.AfterFunc(ctx, stop)

	logger.Info("ripperfox backend starting...", "version", version, "log_level", cfg.LogLevel, "base_dir", cfg.BaseDir)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		closeLog()
		os.Exit(1)
	}
}

// newLogger writes JSON records to stdout and, when LOG_FILE is set, to that
// file as well. The tray log window tails the file.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)

	closeFn := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}

		handler = slogmulti.Fanout(handler, slog.NewJSONHandler(f, opts))
		closeFn = func() { _ = f.Close() }
	}

	return slog.New(logctx.NewTraceHandler(handler)), closeFn, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Settings
	store, err := settings.Open(ctx, cfg.BaseDir, cfg.SettingsFile, settings.WithBundleDir(cfg.BundleDir))
	if err != nil {
		return fmt.Errorf("failed to open settings: %w", err)
	}

	logger.Info("settings loaded", "path", store.Path(), "default_dir", store.Runtime().DefaultDir)

	// =========================================================================
	// Start Notification
	notif := setupNotifier(cfg, store)

	// =========================================================================
	// Start Updater
	ghClient := updater.NewGitHubClient(cfg.GithubToken, 0)

	binary := updater.NewBinary(updater.BinaryConfig{
		Dir:            cfg.BaseDir,
		BundleDir:      cfg.BundleDir,
		DownloadURL:    cfg.BinaryDownloadURL,
		VersionTimeout: cfg.VersionTimeout,
		Retries:        cfg.DownloadRetries,
	}, ghClient, tel)

	releases := updater.NewReleaseChecker(ghClient, cfg.ReleaseAPIURL, tel)

	orchestrator := updater.NewOrchestrator(binary, tel, updater.WithFinishHook(
		func(ctx context.Context, job updater.UpdateJob) {
			notify(ctx, notif, "yt-dlp update", job.Message)
		},
	))

	checker := updater.NewPeriodicChecker(binary, releases, cfg.UpdateCheckInterval, tel,
		func(ctx context.Context, current string, latest updater.Release) {
			notify(ctx, notif, "yt-dlp update available", fmt.Sprintf("%s -> %s", current, latest.Version()))
		},
	)

	go checker.Run(ctx)

	// =========================================================================
	// Start Dispatcher
	tracker := jobs.New(cfg.JobHistoryLimit)

	strategies := []downloader.Strategy{
		downloader.NewBinaryStrategy(binary, cfg.BinaryTimeout, cfg.BundleDir),
		downloader.NewLibraryStrategy(telemetry.NewStreamingHTTPClient(streamHeaderTimeout), cfg.StreamIdleTimeout),
	}

	dispatcher := downloader.NewDispatcher(store, tracker, strategies, int64(cfg.MaxActiveJobs), tel,
		downloader.WithFinishHook(func(ctx context.Context, job jobs.Job) {
			if job.Status == jobs.StatusCompleted {
				notify(ctx, notif, "Download complete", job.URL)
				return
			}

			notify(ctx, notif, "Download failed", job.URL)
		}),
		downloader.WithJobTimeout(cfg.JobTimeout),
	)

	// =========================================================================
	// Start Cleanup
	go setupCleanup(ctx, cfg, store)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, rest.NewHandler(store, orchestrator, dispatcher, tracker))

	go func() {
		logger.Info("initializing API support", "host", cfg.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		logger.Info("waiting for running downloads and updates")

		drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancelDrain()

		if err := dispatcher.Shutdown(drainCtx); err != nil {
			logger.Error("download jobs did not finish in time", "err", err)
		}

		if err := orchestrator.Shutdown(drainCtx); err != nil {
			logger.Error("yt-dlp update did not finish in time", "err", err)
		}

		return ctx.Err()
	}
}

func setupNotifier(cfg *config.Config, store *settings.Store) notifier.Notifier {
	var webhook notifier.Notifier
	if cfg.NotifyWebhookURL != "" {
		webhook = &notifier.WebhookNotifier{URL: cfg.NotifyWebhookURL, Client: telemetry.NewHTTPClient(webhookTimeout)}
	}

	return notifier.NewToggle(webhook, func() bool {
		return store.Runtime().ShowToasts
	})
}

func notify(ctx context.Context, n notifier.Notifier, title, message string) {
	if err := n.Notify(ctx, title, message); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "title", title, "err", err)
	}
}

// setupServer prepares the handlers and middleware of the local API server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, api *rest.Handler) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", telemetry.RequestIDHeader},
		ExposedHeaders: []string{telemetry.RequestIDHeader},
		MaxAge:         300,
	}))
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", api.Routes())

	return &http.Server{
		Addr:         cfg.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// setupCleanup sweeps stale partial downloads and temp files at startup and
// then every CLEANUP_INTERVAL until ctx is done.
func setupCleanup(ctx context.Context, cfg *config.Config, store *settings.Store) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		runtime := store.Runtime()
		downloadDirs := append([]string{runtime.DefaultDir}, siteDirs(runtime)...)

		n, err := cleanup.DeleteStaleFiles(ctx, []string{cfg.BaseDir}, cleanup.StateLeftoverPatterns, cfg.PartFileRetention)
		if err != nil {
			logger.Error("failed to delete stale state files", "err", err)
		}

		m, err := cleanup.DeleteStaleFiles(ctx, downloadDirs, cleanup.DownloadLeftoverPatterns, cfg.PartFileRetention)
		if err != nil {
			logger.Error("failed to delete stale partial downloads", "err", err)
		}

		if n+m > 0 {
			logger.Info("cleanup finished", "removed", n+m)
		}

		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return
		case <-ticker.C:
		}
	}
}

func siteDirs(s settings.Settings) []string {
	var dirs []string

	s.DownloadDirs.Each(func(_ string, cfg settings.SiteConfig) bool {
		if cfg.Dir != "" {
			dirs = append(dirs, cfg.Dir)
		}

		return true
	})

	return dirs
}
