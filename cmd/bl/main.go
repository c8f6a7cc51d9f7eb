package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
	"bountyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline runs research bounties from draft to payout.
- Bounty: a funded research request with a milestone plan; it moves through review, funding, bidding, research and payout.
- Escrow: the budget plus the platform fee, locked on a payment rail and released milestone by milestone.
- Proposals: labs bid while a bounty is bidding; the funder selects one and its stake is locked.
- Disputes: either side can escalate; an admin or arbitrator resolves them.
- Event log: every change is recorded; view it with 'bl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// Values already present in the environment win over the workspace .env.
	_ = godotenv.Load(envPath(viper.GetString("workspace")))
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(bountyCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(depositCmd())
	rootCmd.AddCommand(refundCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func bountyCmd() *cobra.Command {
	b := &cobra.Command{Use: "bounty", Short: "Manage bounties"}
	b.AddCommand(bountyCreateCmd())
	b.AddCommand(bountyListCmd())
	b.AddCommand(bountyShowCmd())
	b.AddCommand(bountyApplyCmd())
	b.AddCommand(bountyEventsCmd())
	b.AddCommand(bountyHistoryCmd())
	b.AddCommand(bountyDeleteCmd())
	return b
}

func bountyCreateCmd() *cobra.Command {
	var id, title, desc, currency string
	var budget int64
	var milestones []string
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a bounty in drafting",
		Example: `bl bounty create --title "Enzyme kinetics" --budget 100000 --milestone "Assay:60" --milestone "Report:40"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := parseMilestones(milestones)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				agg, err := c.Engine.CreateBounty(ctx, engine.CreateBountyOptions{
					ID:          id,
					Actor:       actor,
					Title:       title,
					Description: desc,
					TotalBudget: budget,
					Currency:    currency,
					Milestones:  plan,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agg)
				}
				fmt.Printf("created bounty %s (%s)\n", agg.Bounty.ID, agg.Bounty.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "bounty id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "research protocol description")
	cmd.Flags().Int64Var(&budget, "budget", 0, "total budget in minor currency units")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code (defaults to platform.currency)")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone as title:percentage, repeat in sequence order")
	return cmd
}

// parseMilestones reads "title:percentage" pairs. The title may contain colons.
func parseMilestones(in []string) ([]engine.MilestoneInput, error) {
	out := make([]engine.MilestoneInput, 0, len(in))
	for i, raw := range in {
		idx := strings.LastIndex(raw, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("milestone %q must be title:percentage", raw)
		}
		pct, err := strconv.ParseFloat(strings.TrimSpace(raw[idx+1:]), 64)
		if err != nil {
			return nil, fmt.Errorf("milestone %q: invalid percentage", raw)
		}
		out = append(out, engine.MilestoneInput{
			Sequence:         i + 1,
			Title:            strings.TrimSpace(raw[:idx]),
			PayoutPercentage: pct,
		})
	}
	return out, nil
}

func bountyListCmd() *cobra.Command {
	var state, funder string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bounties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListBounties(ctx, repo.BountyFilters{State: state, FunderID: funder, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Budget", "Funder", "Updated"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.Title, b.State, formatAmount(b.TotalBudget, b.Currency), b.FunderID, b.UpdatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&funder, "funder", "", "filter by funder id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func bountyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <bounty-id>",
		Short: "Show a bounty with milestones, proposals and escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				agg, err := c.Engine.GetAggregate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agg)
				}
				printAggregate(agg)
				return nil
			})
		},
	}
	return cmd
}

func printAggregate(agg domain.Aggregate) {
	b := agg.Bounty
	fmt.Printf("%s  %s\n", b.ID, b.Title)
	fmt.Printf("state: %s  version: %d  funder: %s\n", b.State, b.Version, b.FunderID)
	fmt.Printf("budget: %s", formatAmount(b.TotalBudget, b.Currency))
	if b.ScreeningDecision != "" {
		fmt.Printf("  screening: %s", b.ScreeningDecision)
	}
	if b.LabOwnerID != nil {
		fmt.Printf("  lab owner: %s", *b.LabOwnerID)
	}
	fmt.Println()

	ms := newTable()
	ms.SetTitle("Milestones")
	ms.AppendHeader(table.Row{"#", "ID", "Title", "%", "Status", "Evidence"})
	for _, m := range agg.Milestones {
		ms.AppendRow(table.Row{m.Sequence, m.ID, m.Title, m.PayoutPercentage, m.Status, deref(m.EvidenceRef)})
	}
	fmt.Println(ms.Render())

	if len(agg.Proposals) > 0 {
		ps := newTable()
		ps.SetTitle("Proposals")
		ps.AppendHeader(table.Row{"ID", "Lab", "Owner", "Bid", "Stake", "Status"})
		for _, p := range agg.Proposals {
			ps.AppendRow(table.Row{p.ID, p.LabID, p.LabOwnerID, p.BidAmount, p.StakedAmount, p.Status})
		}
		fmt.Println(ps.Render())
	}

	if e := agg.Escrow; e != nil {
		es := newTable()
		es.SetTitle("Escrow")
		es.AppendHeader(table.Row{"Rail", "Status", "Total", "Fee", "Released", "Refunded", "Deposit"})
		es.AppendRow(table.Row{e.Rail, e.Status, e.TotalAmount, e.FeeAmount, e.ReleasedAmount, e.RefundedAmount, e.DepositAddress})
		fmt.Println(es.Render())
	}

	for _, d := range agg.Disputes {
		resolution := "-"
		if d.Resolution != nil {
			resolution = string(*d.Resolution)
		}
		fmt.Printf("dispute %s by %s: %s (%s, resolution %s)\n", d.ID, d.InitiatorID, d.Reason, d.Status, resolution)
	}
}

func bountyApplyCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "apply <bounty-id> <EVENT>",
		Short: "Apply a lifecycle event",
		Long:  "Apply one lifecycle event, e.g. SUBMIT_DRAFT or APPROVE_MILESTONE. Event data is passed as a JSON object with --data.",
		Example: `bl bounty apply b-1 SELECT_LAB --data '{"proposal_id":"p-1"}'
bl bounty apply b-1 RESOLVE_DISPUTE --data '{"resolution":"partial_refund","notes":"split"}' --actor-id arb-1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := domain.Event(strings.ToUpper(strings.TrimSpace(args[1])))
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				payload, err := c.Engine.DecodeEvent(ctx, args[0], event, json.RawMessage(data))
				if err != nil {
					return withLegalEvents(err)
				}
				res, err := c.Engine.Apply(ctx, engine.Command{BountyID: args[0], Actor: actor, Payload: payload})
				if err != nil {
					return withLegalEvents(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s\n", event, res.PreviousState, res.NewState)
				if res.ReleasedAmount > 0 {
					fmt.Printf("released %s\n", formatAmount(res.ReleasedAmount, res.Aggregate.Bounty.Currency))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "event data as a JSON object")
	return cmd
}

func bountyEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <bounty-id>",
		Short: "List events legal in the bounty's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := r.GetBounty(ctx, args[0])
				if err != nil {
					return err
				}
				legal := engine.LegalEvents(b.State)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"state": b.State, "events": legal})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Event", "Permitted"})
				for _, evt := range legal {
					classes := engine.PermittedClasses(b.State, evt)
					names := make([]string, len(classes))
					for i, c := range classes {
						names[i] = string(c)
					}
					tw.AppendRow(table.Row{evt, strings.Join(names, ", ")})
				}
				fmt.Printf("state: %s\n", b.State)
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func bountyHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <bounty-id>",
		Short: "Show state history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				entries, err := c.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "State", "Action", "Actor", "Reason"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.TS, h.State, h.Action, h.Actor, h.Reason})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func bountyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <bounty-id>",
		Short: "Delete a bounty that is still drafting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				if err := c.Engine.DeleteBounty(ctx, args[0], actor); err != nil {
					return err
				}
				fmt.Printf("deleted bounty %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{Use: "proposal", Short: "Submit and withdraw lab proposals"}
	p.AddCommand(proposalSubmitCmd())
	p.AddCommand(proposalWithdrawCmd())
	return p
}

func proposalSubmitCmd() *cobra.Command {
	var labID, payout string
	var bid, stake int64
	cmd := &cobra.Command{
		Use:   "submit <bounty-id>",
		Short: "Submit a proposal while the bounty is bidding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				p, err := c.Engine.SubmitProposal(ctx, engine.SubmitProposalOptions{
					BountyID:      args[0],
					Actor:         actor,
					LabID:         labID,
					BidAmount:     bid,
					StakedAmount:  stake,
					PayoutAddress: payout,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("submitted proposal %s\n", p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&labID, "lab", "", "lab id (defaults to the actor)")
	cmd.Flags().Int64Var(&bid, "bid", 0, "bid amount")
	cmd.Flags().Int64Var(&stake, "stake", 0, "stake locked on selection")
	cmd.Flags().StringVar(&payout, "payout-address", "", "where milestone releases are sent")
	return cmd
}

func proposalWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <bounty-id> <proposal-id>",
		Short: "Withdraw a pending proposal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				p, err := c.Engine.WithdrawProposal(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func depositCmd() *cobra.Command {
	d := &cobra.Command{Use: "deposit", Short: "Escrow deposits"}
	d.AddCommand(&cobra.Command{
		Use:   "confirm <bounty-id> <tx-ref>",
		Short: "Verify the escrow deposit on its rail and lock the escrow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				escrow, err := c.Engine.ConfirmDeposit(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(escrow)
			})
		},
	})
	return d
}

func refundCmd() *cobra.Command {
	r := &cobra.Command{Use: "refund", Short: "Escrow refunds"}
	var txRef string
	record := &cobra.Command{
		Use:   "record <bounty-id> <amount>",
		Short: "Record a refund to the funder (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				item, err := c.Engine.RecordRefund(ctx, args[0], amount, txRef, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	record.Flags().StringVar(&txRef, "tx-ref", "", "rail transaction reference")
	r.AddCommand(record)
	return r
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "bountyline.yml sets the platform fee, payment rails, intake screening terms, webhooks and auth options.",
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
		Short: "Write a default bountyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			return enc.Encode(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate bountyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every transition, deposit, refund and role change is appended to the event log.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, bountyID string
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, repo.EventFilters{BountyID: bountyID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				// Newest first from the repo; print oldest first.
				for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
					items[i], items[j] = items[j], items[i]
				}
				if !follow {
					return printEvents(items)
				}
				var cursor int64
				if len(items) > 0 {
					cursor = items[len(items)-1].ID
				}
				if err := printEvents(items); err != nil {
					return err
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						next, err := r.EventsAfter(ctx, 100, cursor, bountyID)
						if err != nil {
							return err
						}
						if len(next) == 0 {
							continue
						}
						cursor = next[len(next)-1].ID
						if err := printEvents(next); err != nil {
							return err
						}
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&bountyID, "bounty", "", "bounty id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func printEvents(items []domain.EventRecord) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		for _, evt := range items {
			if err := enc.Encode(evt); err != nil {
				return err
			}
		}
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Bounty", "Actor", "Payload"})
	for _, evt := range items {
		tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.BountyID, evt.ActorID, evt.Payload})
	}
	fmt.Println(tw.Render())
	return nil
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Platform roles (admin, arbitrator)",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacRoleCmd("grant", "Grant role to actor", true))
	cmd.AddCommand(rbacRoleCmd("revoke", "Revoke role from actor", false))
	cmd.AddCommand(rbacBootstrapCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor and roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				return printJSONOrTable(actor)
			})
		},
	}
	return cmd
}

func rbacRoleCmd(use, short string, grant bool) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				if grant {
					return c.Engine.GrantRole(ctx, actor, target, role)
				}
				return c.Engine.RevokeRole(ctx, actor, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role (admin or arbitrator)")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant a role without RBAC checks (first admin of a workspace)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return app.Bootstrap(ctx, r, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", domain.RoleAdmin, "role")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}

	var owner, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				key, secret, err := c.Engine.CreateAPIKey(ctx, actor, owner, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("api key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "actor the key authenticates as (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")

	var listOwner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				if !cmd.Flags().Changed("owner") {
					listOwner = actor.ID
				}
				keys, err := c.Engine.ListAPIKeys(ctx, actor, listOwner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&listOwner, "owner", "", "owner filter; empty lists all keys (admin)")

	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, c *app.Context, actor domain.Actor) error {
				return c.Engine.DeleteAPIKey(ctx, actor, args[0])
			})
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actor", Short: "Workspace actor identity"}
	cmd.AddCommand(&cobra.Command{
		Use:   "use <actor-id>",
		Short: "Store the default --actor-id in the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := envPath(viper.GetString("workspace"))
			env, err := godotenv.Read(path)
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			if env == nil {
				env = map[string]string{}
			}
			env["BOUNTYLINE_ACTOR_ID"] = args[0]
			if err := godotenv.Write(env, path); err != nil {
				return err
			}
			fmt.Printf("default actor set to %s in %s\n", args[0], path)
			return nil
		},
	})
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx := cmd.Context()
			if err := migrate.Migrate(ctx, conn); err != nil {
				return err
			}
			version, err := migrate.Current(ctx, conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"version": version})
			}
			fmt.Printf("schema at version %d\n", version)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var cors []string
	var devLogin, pretty bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Setup(viper.GetString("log-level"), pretty)
			metrics.Init()
			c, err := app.Open(cmd.Context(), viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer c.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("BOUNTYLINE_JWT_SECRET"),
				AllowLegacyActorHeader: c.Config.Auth.AllowLegacyActorHeader,
				DevLogin:               devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BOUNTYLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:      c.Engine,
				BasePath:    basePath,
				Auth:        authCfg,
				Log:         logger,
				CORSOrigins: cors,
				Metrics:     true,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Bountyline API (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringSliceVar(&cors, "cors-origin", nil, "allowed CORS origin (repeatable)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (never in production)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "human-readable console logs")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	c, err := app.Open(ctx, viper.GetString("workspace"), cliLogger())
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func withActor(ctx context.Context, fn func(context.Context, *app.Context, domain.Actor) error) error {
	return withApp(ctx, func(ctx context.Context, c *app.Context) error {
		actor, err := c.ResolveActor(ctx, viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, c, actor)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func cliLogger() zerolog.Logger {
	return logging.Setup(viper.GetString("log-level"), true)
}

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func formatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%d %s", amount, currency)
}

func withLegalEvents(err error) error {
	var de *domain.Error
	if errors.As(err, &de) && len(de.LegalEvents) > 0 {
		return fmt.Errorf("%w (legal events: %s)", err, joinEvents(de.LegalEvents))
	}
	return err
}

func joinEvents(events []domain.Event) string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = string(e)
	}
	return strings.Join(names, ", ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
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
