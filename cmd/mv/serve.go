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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"memevault/internal/app"
	"memevault/internal/config"
	"memevault/internal/db"
	"memevault/internal/migrate"
	"memevault/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, allowDevLogin, noSweeps bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and periodic sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        cfg.Server.JWTSecret,
				AllowActorHeader: allowActorHeader,
				AllowDevLogin:    allowDevLogin,
				Log:              a.Log.With().Str("component", "auth").Logger(),
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("MEMEVAULT_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
			}

			sched := a.Scheduler()
			handler, err := server.New(server.Config{Engine: a.Engine, Scheduler: sched, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if !noSweeps {
				go func() {
					if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						a.Log.Error().Err(err).Msg("scheduler stopped")
					}
				}()
			}
			if hooks := server.NewWebhookDispatcher(a.Engine.Repo, cfg.Webhooks, a.Log); hooks != nil {
				go hooks.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Log.Info().Str("addr", addr).Str("base_path", basePath).Bool("sweeps", !noSweeps).Msg("serving memevault api")
			fmt.Printf("Serving Memevault API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&allowDevLogin, "allow-dev-login", false, "expose /auth/dev/login (local use only)")
	cmd.Flags().BoolVar(&noSweeps, "no-sweeps", false, "do not run the periodic sweeps in this process")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Path: viper.GetString("db")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": applied})
			}
			fmt.Printf("applied %d migration(s)\n", applied)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect and scaffold memevault.yml",
		Long:  "Config holds funding backoff, sweep intervals, finalization thresholds, payout retries and adapter credentials. Secrets may also come from MEMEVAULT_* environment variables or a .env file in the workspace.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default memevault.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			for _, s := range []*string{&redacted.Payment.MerchantKey, &redacted.Payment.PayoutKey, &redacted.Telegram.Token, &redacted.Server.JWTSecret, &redacted.Redis.Password} {
				if *s != "" {
					*s = "***"
				}
			}
			redacted.Webhooks = append([]config.WebhookConfig(nil), cfg.Webhooks...)
			for i := range redacted.Webhooks {
				if redacted.Webhooks[i].Secret != "" {
					redacted.Webhooks[i].Secret = "***"
				}
			}
			return printJSON(redacted)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				err = cfg.Validate()
			}
			if err == nil {
				_, err = app.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}
