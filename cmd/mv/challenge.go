package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"memevault/internal/app"
	"memevault/internal/domain"
	"memevault/internal/engine"
	"memevault/internal/repo"
)

func challengeCmd() *cobra.Command {
	ch := &cobra.Command{
		Use:   "challenge",
		Short: "Manage challenges",
		Long:  "A challenge moves awaiting_funding -> awaiting_activation -> open -> awaiting_resolution -> completed. Creators may cancel before activation.",
	}
	ch.AddCommand(challengeListCmd())
	ch.AddCommand(challengeShowCmd())
	ch.AddCommand(challengeCreateCmd())
	ch.AddCommand(challengeCheckFundingCmd())
	ch.AddCommand(challengeActivateCmd())
	ch.AddCommand(challengeCancelCmd())
	ch.AddCommand(challengeFinalizeCmd())
	ch.AddCommand(challengeSubmissionsCmd())
	return ch
}

func challengeListCmd() *cobra.Command {
	var f repo.ChallengeFilters
	var phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListChallenges(ctx, f)
				if err != nil {
					return err
				}
				now := time.Now()
				var out []domain.Challenge
				for _, c := range items {
					if phase == "" || c.Phase(now) == phase {
						out = append(out, c)
					}
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Group", "Prize", "Method", "Phase", "Ends"})
				for _, c := range out {
					tw.AppendRow(table.Row{c.ID, c.Title, c.GroupID, c.PrizePool + " " + c.Currency, c.VotingMethod, c.Phase(now), c.EndDate.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.GroupID, "group-id", "", "group filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator-id", "", "creator filter")
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func challengeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.GetChallenge(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"challenge": c, "phase": c.Phase(time.Now())})
			})
		},
	}
}

func challengeCreateCmd() *cobra.Command {
	var opts engine.CreateChallengeOptions
	var method, end string
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a challenge and provision its deposit wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			opts.CreatorID = actor
			opts.VotingMethod = domain.VotingMethod(method)
			switch {
			case end != "":
				t, err := time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
				opts.EndDate = t
			case duration > 0:
				opts.EndDate = time.Now().Add(duration)
			default:
				return fmt.Errorf("--end or --duration is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.CreateChallenge(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("created %s: send %s %s to %s\n", c.ID, c.PrizePool, c.Currency, c.WalletAddress)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.GroupID, "group-id", "", "group chat id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "challenge title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "challenge description")
	cmd.Flags().StringVar(&opts.Currency, "currency", "Solana", "prize currency")
	cmd.Flags().StringVar(&opts.PrizePool, "prize", "", "prize pool amount")
	cmd.Flags().StringVar(&method, "voting-method", string(domain.VotingCommunity), "admin or community")
	cmd.Flags().IntVar(&opts.EntriesPerUser, "entries-per-user", 1, "entries allowed per user")
	cmd.Flags().IntVar(&opts.MaxEntries, "max-entries", 0, "total entry cap (0 = unlimited)")
	cmd.Flags().StringVar(&end, "end", "", "end date (RFC3339)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "submission period length (alternative to --end)")
	_ = cmd.MarkFlagRequired("group-id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("prize")
	return cmd
}

func challengeCheckFundingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-funding <id>",
		Short: "Run the funding check now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CheckFunding(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func challengeActivateCmd() *cobra.Command {
	return replyCmd("activate <id>", "Announce a funded challenge to its group", func(ctx context.Context, e engine.Engine, actor, id string) (engine.Reply, error) {
		return e.Activate(ctx, actor, id)
	})
}

func challengeCancelCmd() *cobra.Command {
	return replyCmd("cancel <id>", "Cancel a challenge that has not been activated", func(ctx context.Context, e engine.Engine, actor, id string) (engine.Reply, error) {
		return e.CancelChallenge(ctx, actor, id)
	})
}

func challengeFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <id>",
		Short: "Resolve an ended challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Finalize(ctx, args[0], strings.TrimSpace(viper.GetString("actor-id")))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func challengeSubmissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submissions <id>",
		Short: "List entries with vote counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				subs, err := a.Engine.Repo.ListSubmissions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Votes", "Caption", "Submitted"})
				for _, s := range subs {
					tw.AppendRow(table.Row{s.ID, s.DisplayName(), s.Votes, s.Caption, s.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func actionCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "action <data>",
		Short: "Dispatch an inline action such as activate_<id> or vote_<submission>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reply, err := a.Engine.Dispatch(ctx, engine.ActionRequest{ActorID: actor, Data: args[0], Input: input})
				if err != nil {
					return err
				}
				return printReply(reply)
			})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "free-text input, e.g. a wallet address for claim")
	return cmd
}

func replyCmd(use, short string, fn func(context.Context, engine.Engine, string, string) (engine.Reply, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reply, err := fn(ctx, a.Engine, actor, args[0])
				if err != nil {
					return err
				}
				return printReply(reply)
			})
		},
	}
}

func printReply(r engine.Reply) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Println(r.Text)
	for _, act := range r.Actions {
		fmt.Printf("  [%s] %s\n", act.Text, act.Data)
	}
	return nil
}
