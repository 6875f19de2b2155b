package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"memevault/internal/app"
	"memevault/internal/config"
	"memevault/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "mv",
	Short: "Memevault challenge orchestrator",
	Long: `Memevault runs crypto-prize challenges inside group chats.
Lifecycle:
- Create: the creator picks a prize, a currency and an end date; a deposit wallet is provisioned.
- Funding: the wallet is polled with backoff until it holds the prize pool.
- Activation: the creator announces the challenge to the group.
- Submissions: members post entries until the end date.
- Voting: members vote on a shuffled ballot, or the creator picks the winner.
- Finalization: the winner is committed once and may claim the prize net of fees.
Workspace: the .memevault directory holds the SQLite database; memevault.yml holds config.
Event log: every transition is recorded, view it with 'mv log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MEMEVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/memevault.yml)")
	rootCmd.PersistentFlags().String("db", "", "database file (default <workspace>/.memevault/memevault.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "user acting on challenges")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides log.level)")
	rootCmd.PersistentFlags().String("log-format", "", "console or json (overrides log.format)")
	for _, name := range []string{"workspace", "config", "db", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(challengeCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(payoutCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadDotEnv reads <workspace>/.env when present. Variables already set in the
// environment win.
func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the config file and layers MEMEVAULT_* secrets on top.
func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"redis-addr":           &cfg.Redis.Addr,
		"redis-password":       &cfg.Redis.Password,
		"payment-base-url":     &cfg.Payment.BaseURL,
		"payment-merchant-key": &cfg.Payment.MerchantKey,
		"payment-payout-key":   &cfg.Payment.PayoutKey,
		"telegram-api-url":     &cfg.Telegram.APIURL,
		"telegram-token":       &cfg.Telegram.Token,
		"jwt-secret":           &cfg.Server.JWTSecret,
		"log-level":            &cfg.Log.Level,
		"log-format":           &cfg.Log.Format,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	return cfg, nil
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := app.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, app.Options{
		Workspace: viper.GetString("workspace"),
		DBPath:    viper.GetString("db"),
		Log:       log,
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", fmt.Errorf("--actor-id (or MEMEVAULT_ACTOR_ID) is required")
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
