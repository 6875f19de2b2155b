package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"memevault/internal/config"
	"memevault/internal/db"
	"memevault/internal/engine"
	"memevault/internal/lock"
	"memevault/internal/messaging"
	"memevault/internal/metrics"
	"memevault/internal/migrate"
	"memevault/internal/payment"
	"memevault/internal/scheduler"
)

const redisKeyPrefix = "memevault:"

// Options locate the workspace and its config. ConfigPath and DBPath override
// the workspace defaults when set.
type Options struct {
	Workspace  string
	ConfigPath string
	DBPath     string
	Log        zerolog.Logger
}

// App is a migrated database and an engine wired to the configured adapters.
type App struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Redis   *redis.Client
	Log     zerolog.Logger
}

// LoadConfig reads the explicit config path if given, else the workspace
// config, else the defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Open loads config, opens and migrates the database and wires the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg, opts)
}

// Build wires an engine for cfg. The caller owns the returned App and must
// Close it.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{DB: conn, Config: cfg, Metrics: metrics.New(), Log: opts.Log}
	e := engine.New(conn, cfg)
	e.Log = opts.Log.With().Str("component", "engine").Logger()
	e.Metrics = a.Metrics
	e.Locks.Log = opts.Log.With().Str("component", "lock").Logger()
	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			// locks fail open, so an unreachable redis is not fatal
			opts.Log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
		}
		e.Locks.Store = lock.NewRedisStore(a.Redis, redisKeyPrefix)
	}
	e.Payments = payment.NewOxaPay(cfg.Payment.BaseURL, cfg.Payment.MerchantKey, cfg.Payment.PayoutKey,
		cfg.Payment.Timeout, opts.Log.With().Str("component", "payment").Logger())
	e.Messenger = messaging.NewTelegram(cfg.Telegram.APIURL, cfg.Telegram.Token,
		cfg.Telegram.Timeout, opts.Log.With().Str("component", "telegram").Logger())
	a.Engine = e
	return a, nil
}

// Scheduler returns the periodic sweeps for the wired engine.
func (a *App) Scheduler() *scheduler.Scheduler {
	s := scheduler.New(a.Engine)
	s.Log = a.Log.With().Str("component", "scheduler").Logger()
	return s
}

func (a *App) Close() error {
	var result *multierror.Error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.DB.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
