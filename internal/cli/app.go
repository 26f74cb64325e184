package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/allocsync/internal/archive"
	"github.com/JonMunkholm/allocsync/internal/config"
	"github.com/JonMunkholm/allocsync/internal/core"
	"github.com/JonMunkholm/allocsync/internal/database"
	"github.com/JonMunkholm/allocsync/internal/database/sqlite"
	"github.com/JonMunkholm/allocsync/internal/fetch"
	"github.com/JonMunkholm/allocsync/internal/logging"
	"github.com/JonMunkholm/allocsync/internal/memstore"
	"github.com/JonMunkholm/allocsync/internal/metrics"
)

// app holds the collaborators shared by commands. close releases them in
// reverse order of acquisition.
type app struct {
	cfg     *config.Config
	store   core.Store
	cache   core.RegionCache
	closers []func()
}

// loadConfig reads configuration and sets up logging. --verbose forces
// debug level.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	level := cfg.Logging.Level
	if opts.Verbose {
		level = "debug"
	}
	// stdout carries command output; logs go to stderr.
	logging.Setup(cmd.ErrOrStderr(), level, cfg.Logging.Format)
	slog.Debug("configuration loaded", "config", cfg.String())
	return cfg, nil
}

// newApp opens the configured store and, when REDIS_URL is set, the shared
// region cache. With dryRun the store is in-memory and nothing persists.
func newApp(ctx context.Context, cfg *config.Config, dryRun bool) (*app, error) {
	a := &app{cfg: cfg}

	if dryRun {
		a.store = memstore.New()
		slog.Info("dry run: using in-memory store")
	} else if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	if cfg.Cache.RedisURL != "" && !dryRun {
		redisOpts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			a.close()
			return nil, WrapExitError(ExitCommandError, "invalid REDIS_URL", err)
		}
		client := redis.NewClient(redisOpts)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, WrapExitError(ExitCommandError, "failed to reach redis", err)
		}
		a.cache = core.NewRedisRegionCache(client, cfg.Cache.TTL)
		slog.Info("region cache: redis", "ttl", cfg.Cache.TTL)
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "sqlite":
		st, err := sqlite.Open(a.cfg.Database.URL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open sqlite database", err)
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		a.store = st
		slog.Info("connected to database", "driver", "sqlite", "path", a.cfg.Database.URL)
	default:
		pool, err := database.Open(ctx, a.cfg.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to database", err)
		}
		a.closers = append(a.closers, pool.Close)
		if a.cfg.Database.MigrateOnStart {
			if err := database.Migrate(ctx, pool); err != nil {
				return WrapExitError(ExitCommandError, "failed to migrate database", err)
			}
		}
		a.store = database.NewStore(pool)
		slog.Info("connected to database", "driver", "postgres")
	}
	return nil
}

// coordinator wires the fetcher, archiver and metrics around the store.
func (a *app) coordinator(ctx context.Context, reg prometheus.Registerer) (*core.Coordinator, error) {
	archiver, err := archive.New(ctx, a.cfg.Archive)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up archive", err)
	}

	fetcher := fetch.New(fetch.Options{
		Timeout:           a.cfg.Fetch.Timeout,
		UserAgent:         a.cfg.Fetch.UserAgent,
		MaxBodyBytes:      a.cfg.Fetch.MaxBodyBytes,
		RequestsPerSecond: a.cfg.Fetch.RequestsPerSecond,
		Burst:             a.cfg.Fetch.Burst,
	})

	coord, err := core.NewCoordinator(core.CoordinatorDeps{
		Store:       a.store,
		Fetcher:     fetcher,
		Archiver:    archiver,
		Metrics:     metrics.New(reg),
		Cache:       a.cache,
		DownloadDir: a.cfg.Fetch.DownloadDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	return coord, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
