package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/api"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/config"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/eventbus"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobstore"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/pipeline"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/queue"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/scheduler"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "repack-server",
		Short: "Dify plugin repackaging service",
		Long: `repack-server rebuilds Dify plugin packages for offline installation.
It fetches a .difypkg from a URL, the marketplace or a direct upload,
downloads the plugin's Python dependencies as wheels for a target platform,
rewrites the package to install from the bundled wheels, and repacks it.
Jobs run in the background; progress streams over WebSocket and finished
packages stay downloadable until their retention TTL expires.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.ListenAddr, "listen", envOrDefault("REPACK_LISTEN", cfg.ListenAddr), "HTTP and WebSocket listen address")
	f.StringVar(&cfg.RedisAddr, "redis", envOrDefault("REPACK_REDIS_ADDR", cfg.RedisAddr), "Redis address for job records, queue and events")
	f.StringVar(&cfg.DataRoot, "data-root", envOrDefault("REPACK_DATA_ROOT", cfg.DataRoot), "Directory for workspaces and finished packages")
	f.IntVar(&cfg.Workers, "workers", envIntOrDefault("REPACK_WORKERS", cfg.Workers), "Concurrent repackaging pipelines (0 = NumCPU)")
	f.IntVar(&cfg.QueueHighWater, "queue-high-water", envIntOrDefault("REPACK_QUEUE_HIGH_WATER", cfg.QueueHighWater), "Reject new tasks once this many wait unclaimed")
	f.Int64Var(&cfg.MaxDownloadBytes, "max-download-bytes", envInt64OrDefault("REPACK_MAX_DOWNLOAD_BYTES", cfg.MaxDownloadBytes), "Size cap for fetched and uploaded packages")
	f.DurationVar(&cfg.DownloadTimeout, "download-timeout", envDurationOrDefault("REPACK_DOWNLOAD_TIMEOUT", cfg.DownloadTimeout), "Total-duration cap for the fetch stage")
	f.DurationVar(&cfg.StageTimeout, "stage-timeout", envDurationOrDefault("REPACK_STAGE_TIMEOUT", cfg.StageTimeout), "Deadline for each pipeline stage")
	f.DurationVar(&cfg.RetentionTTL, "retention-ttl", envDurationOrDefault("REPACK_RETENTION_TTL", cfg.RetentionTTL), "How long job records and outputs are kept")
	f.IntVar(&cfg.EventRetention, "event-retention", envIntOrDefault("REPACK_EVENT_RETENTION", cfg.EventRetention), "Replayable progress events kept per task")
	f.DurationVar(&cfg.Heartbeat, "heartbeat-interval", envDurationOrDefault("REPACK_HEARTBEAT_INTERVAL", cfg.Heartbeat), "WebSocket heartbeat interval")
	f.DurationVar(&cfg.KillGrace, "kill-grace", envDurationOrDefault("REPACK_KILL_GRACE", cfg.KillGrace), "Delay between TERM and KILL for cancelled tools")
	f.StringVar(&cfg.PipMirrorURL, "pip-mirror", envOrDefault("REPACK_PIP_MIRROR", cfg.PipMirrorURL), "Package index passed to pip download")
	f.StringVar(&cfg.MarketplaceURL, "marketplace-url", envOrDefault("REPACK_MARKETPLACE_URL", cfg.MarketplaceURL), "Base URL for marketplace downloads")
	f.StringVar(&cfg.PipPath, "pip-path", envOrDefault("REPACK_PIP_PATH", cfg.PipPath), "pip executable")
	f.StringVar(&cfg.PackagerPath, "packager-path", envOrDefault("REPACK_PACKAGER_PATH", cfg.PackagerPath), "Plugin packager executable (empty = dify-plugin-<os>-<arch>)")
	f.Int64Var(&cfg.MinFreeBytes, "min-free-bytes", envInt64OrDefault("REPACK_MIN_FREE_BYTES", cfg.MinFreeBytes), "Refuse new workspaces below this much free disk (0 = off)")
	f.StringVar(&cfg.LogLevel, "log-level", envOrDefault("REPACK_LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("repack-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("starting repack server",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("redis", cfg.RedisAddr),
		zap.String("data_root", cfg.DataRoot),
		zap.Int("workers", cfg.WorkerCount()),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close() //nolint:errcheck

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
	}

	bus := eventbus.New(rdb, eventbus.Options{
		Retention: cfg.EventRetention,
		TTL:       cfg.RetentionTTL,
	}, logger.Named("events"))

	store := jobstore.New(rdb, bus, cfg.RetentionTTL, logger.Named("jobstore"))

	files, err := artifacts.New(cfg.DataRoot, cfg.RetentionTTL, cfg.MinFreeBytes, logger.Named("artifacts"))
	if err != nil {
		return fmt.Errorf("prepare data root: %w", err)
	}

	q := queue.New(rdb, logger.Named("queue"))

	pipe := pipeline.New(store, bus, files, logger.Named("pipeline"), pipeline.Options{
		MarketplaceBase:  cfg.MarketplaceURL,
		MirrorURL:        cfg.PipMirrorURL,
		PipPath:          cfg.PipPath,
		PackagerPath:     cfg.ResolvePackagerPath(),
		MaxDownloadBytes: cfg.MaxDownloadBytes,
		DownloadTimeout:  cfg.DownloadTimeout,
		StageTimeout:     cfg.StageTimeout,
		KillGrace:        cfg.KillGrace,
	})

	registry := worker.NewRegistry()
	pool := worker.NewPool(cfg.WorkerCount(), worker.DefaultRetryConfig, worker.Deps{
		Queue:    q,
		Store:    store,
		Runner:   pipe,
		Files:    files,
		Events:   bus,
		Registry: registry,
		Logger:   logger.Named("worker"),
	})

	sched, err := scheduler.New(files, store, 0, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.RouterConfig{
			Store:          store,
			Queue:          q,
			Bus:            bus,
			Files:          files,
			Registry:       registry,
			Redis:          rdb,
			Logger:         logger,
			QueueHighWater: int64(cfg.QueueHighWater),
			MaxUploadBytes: cfg.MaxDownloadBytes,
			Heartbeat:      cfg.Heartbeat,
			Version:        version,
		}),
		// Read and write timeouts stay unset: uploads, downloads and
		// WebSocket sessions are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		// Close the bus before the server: live WebSocket sessions would
		// otherwise hold Shutdown open until its deadline.
		bus.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if serr := sched.Stop(); serr != nil && err == nil {
		err = serr
	}
	logger.Info("repack server stopped")
	return err
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envInt64OrDefault(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
