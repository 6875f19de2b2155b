package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"memevault/internal/app"
	"memevault/internal/domain"
	"memevault/internal/messaging"
	"memevault/internal/repo"
	"memevault/internal/scheduler"
	"memevault/internal/server"
)

func sweepCmd() *cobra.Command {
	sw := &cobra.Command{
		Use:   "sweep",
		Short: "Run periodic sweeps by hand",
		Long:  "Sweeps scan for work needing attention: funding checks, voting-phase notices and reminders, finalization, and resuming pending payouts. Each sweep holds a lock so concurrent runs skip.",
	}
	sw.AddCommand(sweepRunCmd())
	return sw
}

func sweepRunCmd() *cobra.Command {
	var recoverFirst bool
	cmd := &cobra.Command{
		Use:       "run <funding|voting|finalization|payouts>",
		Short:     "Run one sweep",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{scheduler.JobFunding, scheduler.JobVotingPhase, scheduler.JobFinalization, scheduler.JobPayouts},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s := a.Scheduler()
				if recoverFirst {
					if err := s.Recover(ctx); err != nil {
						return err
					}
				}
				ran, err := s.RunOnce(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": args[0], "ran": ran})
				}
				if !ran {
					fmt.Printf("%s sweep skipped: another run holds the lock\n", args[0])
					return nil
				}
				fmt.Printf("%s sweep done\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&recoverFirst, "recover", false, "run the startup recovery sweeps first")
	return cmd
}

func payoutCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "payout",
		Short: "Inspect and retry prize payouts",
		Long:  "A payout is pending while automatic transfer attempts run, paid once a transfer succeeds, and manual when attempts are exhausted.",
	}
	p.AddCommand(payoutListCmd())
	p.AddCommand(payoutRetryCmd())
	return p
}

func payoutListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListPayouts(ctx, domain.PayoutStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Challenge", "Amount", "Address", "Status", "Attempts", "Tx", "Last error"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.ChallengeID, p.Amount, p.Address, p.Status, p.Attempts, p.TxID, p.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, paid or manual")
	return cmd
}

func payoutRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <payout-id>",
		Short: "Retry a payout that needs manual attention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.RetryPayout(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func groupCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "group",
		Short: "Manage group administrators",
		Long:  "Group administrators may not submit entries to challenges hosted in their group.",
	}
	g.AddCommand(groupAdminsCmd())
	g.AddCommand(groupSetAdminsCmd())
	g.AddCommand(groupSyncAdminsCmd())
	return g
}

func groupAdminsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admins <group-id>",
		Short: "List recorded group administrators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ids, err := a.Engine.Repo.GroupAdmins(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"group_id": args[0], "user_ids": ids})
			})
		},
	}
}

func groupSetAdminsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-admins <group-id> [user-id...]",
		Short: "Replace the recorded group administrators",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return setGroupAdmins(ctx, a, args[0], args[1:])
			})
		},
	}
}

func groupSyncAdminsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-admins <group-id>",
		Short: "Fetch administrators from the chat platform and record them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lister, ok := a.Engine.Messenger.(messaging.AdminLister)
				if !ok {
					return fmt.Errorf("chat gateway cannot list administrators")
				}
				ids, err := lister.Administrators(ctx, args[0])
				if err != nil {
					return err
				}
				return setGroupAdmins(ctx, a, args[0], ids)
			})
		},
	}
}

func setGroupAdmins(ctx context.Context, a *app.App, groupID string, ids []string) error {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := a.Engine.Repo.SetGroupAdmins(ctx, tx, groupID, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	fmt.Printf("recorded %d admin(s) for %s\n", len(ids), groupID)
	return nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every lifecycle transition, vote and payout attempt is recorded with its actor.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "challenge, submission or payout")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for service clients",
		Long:  "API keys authenticate service clients such as the chat front end through the X-Api-Key header.",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "mv_" + hex.EncodeToString(raw)
			key := domain.APIKey{ID: uuid.NewString(), Name: strings.TrimSpace(name), KeyHash: repo.HashAPIKey(secret)}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				fmt.Println("store the key now; it cannot be shown again")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "expires_in": ttl.String()})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (client or user id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "granted role, e.g. operator (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
