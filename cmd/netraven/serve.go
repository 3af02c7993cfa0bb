package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/netraven/netraven/internal/config"
	"github.com/netraven/netraven/pkg/controlapi"
	"github.com/netraven/netraven/pkg/credentials"
	"github.com/netraven/netraven/pkg/dispatcher"
	"github.com/netraven/netraven/pkg/handlers"
	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/logstream"
	"github.com/netraven/netraven/pkg/metrics"
	"github.com/netraven/netraven/pkg/notify"
	"github.com/netraven/netraven/pkg/redact"
	"github.com/netraven/netraven/pkg/scheduler"
	"github.com/netraven/netraven/pkg/secretbox"
	"github.com/netraven/netraven/pkg/session"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/storage/boltstore"
	"github.com/netraven/netraven/pkg/storage/pgstore"
	"github.com/netraven/netraven/pkg/tracing"
	"github.com/netraven/netraven/pkg/types"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, dispatcher, and control API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "Listen address for the /metrics, /healthz, /readyz, and /livez endpoints")
}

// openStorage opens the Repository backend named by cfg, decoding the
// hex-encoded encryption key used for credential secrets. Artifact
// blobs are stored unencrypted.
func openStorage(cfg *config.Config) (storage.Repository, error) {
	key, err := hex.DecodeString(cfg.Credentials.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("credentials.encryption_key is not valid hex: %w", err)
	}
	if len(key) != secretbox.KeySize {
		return nil, fmt.Errorf("credentials.encryption_key must decode to %d bytes, got %d", secretbox.KeySize, len(key))
	}

	switch cfg.Storage.Backend {
	case "", "bolt":
		return boltstore.Open(cfg.Storage.BoltPath, key)
	case "postgres":
		if err := pgstore.Migrate(cfg.Storage.PgDSN); err != nil {
			return nil, fmt.Errorf("running postgres migrations: %w", err)
		}
		return pgstore.Open(cfg.Storage.PgDSN, key)
	default:
		return nil, fmt.Errorf("unknown storage.backend %q", cfg.Storage.Backend)
	}
}

func logLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func notifyMinLevel(s string) types.LogLevel {
	switch s {
	case "debug":
		return types.LogDebug
	case "info":
		return types.LogInfo
	case "warning":
		return types.LogWarning
	case "error":
		return types.LogError
	default:
		return types.LogCritical
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := log.Init(log.Config{
		Level:             logLevel(cfg.Log.Level),
		JSONOutput:        cfg.Log.JSONOutput,
		RedactionPatterns: cfg.Log.RedactionPatterns,
	}); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logger := log.WithComponent("serve")

	ctx := context.Background()
	tracingShutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}

	metrics.SetVersion(Version)

	repo, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	metrics.RegisterComponent("storage", true, "")
	type closer interface{ Close() error }
	var storageCloser closer
	if c, ok := repo.(closer); ok {
		storageCloser = c
	}

	hubFilter, err := redact.New(cfg.Log.RedactionPatterns)
	if err != nil {
		return fmt.Errorf("building log stream redaction filter: %w", err)
	}
	hub := logstream.NewHub(hubFilter)
	if cfg.Storage.Backend == "postgres" {
		// Multi-instance deployments fan log entries out over Redis so
		// every control-API replica's subscribers see the same stream.
		if addr := os.Getenv("NOTIFY_REDIS_ADDR"); addr != "" {
			hub.AddPublisher(logstream.NewRedisPublisher(redis.NewClient(&redis.Options{Addr: addr}), logstream.DefaultChannel))
		}
	}
	hub.Start()

	sessionCfg := session.Config{
		ConnectTimeout: time.Duration(cfg.Session.ConnectTimeoutSeconds) * time.Second,
		CommandTimeout: time.Duration(cfg.Session.CommandTimeoutSeconds) * time.Second,
		ICMPTimeout:    time.Duration(cfg.Reachability.ICMPTimeoutMS) * time.Millisecond,
		ControlPort:    22,
		ManagementPort: 443,
	}

	registry := session.NewRegistry()
	sshDriver := session.NewSSHDriver(sessionCfg.CommandTimeout)
	for _, family := range []string{"ios", "iosxe", "nxos", "junos", "eos"} {
		registry.Register(family, sshDriver)
	}
	opener := session.NewOpener(registry, sessionCfg)

	credResolver := credentials.NewResolver(repo)

	handlerRegistry := handlers.NewRegistry()
	handlerRegistry.Register("backup", handlers.NewBackupHandler(repo, "show running-config"))
	handlerRegistry.Register(handlers.ReachabilityType, handlers.NewReachabilityHandler(sessionCfg))
	handlerRegistry.Register("command_run", handlers.NewCommandRunHandler())

	disp := dispatcher.New(repo, handlerRegistry, opener, credResolver, hub, dispatcher.Config{
		MaxConcurrentDevices: cfg.Dispatcher.MaxConcurrentDevices,
	})
	metrics.RegisterComponent("dispatcher", true, "")

	sched := scheduler.New(repo, disp, hub, scheduler.Config{
		MaxConcurrentJobRuns: cfg.Scheduler.MaxConcurrentJobRuns,
	})
	if err := sched.Start(ctx); err != nil {
		metrics.RegisterComponent("scheduler", false, err.Error())
		return fmt.Errorf("starting scheduler: %w", err)
	}
	metrics.RegisterComponent("scheduler", true, "")

	var notifier *notify.Notifier
	if cfg.Notify.SlackToken != "" {
		notifier = notify.New(notify.Config{
			Token:    cfg.Notify.SlackToken,
			Channel:  cfg.Notify.SlackChannel,
			MinLevel: notifyMinLevel(cfg.Notify.MinLevel),
		}, hub)
		notifier.Start()
	}

	apiServer := controlapi.NewServer(cfg.ControlAPI.Addr, repo, sched, disp, controlapi.Config{
		AllowedOrigins: cfg.ControlAPI.AllowedOrigins,
	})
	apiErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ControlAPI.Addr).Msg("control API listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			apiErrCh <- err
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/healthz", metrics.HealthHandler())
	metricsMux.Handle("/readyz", metrics.ReadyHandler())
	metricsMux.Handle("/livez", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	metricsErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metricsErrCh <- err
		}
	}()

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(reloaded *config.Config) {
			if err := log.SetRedactionPatterns(reloaded.Log.RedactionPatterns); err != nil {
				logger.Error().Err(err).Msg("applying reloaded redaction patterns")
			}
			if err := hubFilter.SetExtraPatterns(reloaded.Log.RedactionPatterns); err != nil {
				logger.Error().Err(err).Msg("applying reloaded redaction patterns to the log stream")
			}
			logger.Info().Msg("configuration reloaded")
		})
		if err != nil {
			logger.Error().Err(err).Msg("starting config watcher, continuing without hot reload")
		} else {
			watcher.Start()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-apiErrCh:
		logger.Error().Err(err).Msg("control API server failed")
	case err := <-metricsErrCh:
		logger.Error().Err(err).Msg("metrics server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("stopping config watcher")
		}
	}
	if notifier != nil {
		notifier.Stop()
	}
	metrics.UpdateComponent("scheduler", false, "shutting down")
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutting down scheduler")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutting down control API server")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutting down metrics server")
	}
	hub.Stop()
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutting down tracing")
	}
	if storageCloser != nil {
		if err := storageCloser.Close(); err != nil {
			logger.Error().Err(err).Msg("closing storage")
		}
	}

	return nil
}
