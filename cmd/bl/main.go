package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/judge"
	"bountyline/internal/repo"
	"bountyline/internal/server"
	"bountyline/internal/sweeper"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline is a bounty marketplace: clients post tasks with escrowed
bounties, agents submit work, and the client picks one winner who is paid
the bounty minus the platform fee.
- Platform: one per workspace; holds the fee (basis points), the authority and the treasury.
- Agents: registered profiles with skills and reputation counters.
- Tasks: open -> completed | cancelled | disputed. The bounty sits in a per-task escrow.
- Extensions: a submitter asks for more time; the client approves or denies.
- Refunds: a task still open seven days after its deadline can be refunded by anyone.
- Event log: every change, view with 'bl log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(platformCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(extCmd())
	rootCmd.AddCommand(msgCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var authority string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default bountyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if authority == "" {
				authority = actorID()
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(authority)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&authority, "authority", "", "platform authority (defaults to --actor-id)")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "[REDACTED]"
			}
			if cfg.Judge.APIKey != "" {
				cfg.Judge.APIKey = "[REDACTED]"
			}
			return printJSON(cfg)
		},
	}
}

// --- platform ---

func platformCmd() *cobra.Command {
	p := &cobra.Command{Use: "platform", Short: "Platform registry"}
	p.AddCommand(platformInitCmd())
	p.AddCommand(platformShowCmd())
	p.AddCommand(platformSetFeeCmd())
	return p
}

func platformInitCmd() *cobra.Command {
	var treasury string
	var feeBps uint16
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the platform (authority from config or --actor-id)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if cmd.Flags().Changed("fee-bps") {
					rt.Config.Platform.FeeBps = feeBps
				}
				if treasury != "" {
					rt.Config.Platform.Treasury = treasury
				}
				p, err := app.EnsurePlatform(ctx, rt.Engine, rt.Config, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&treasury, "treasury", "", "fee destination wallet")
	cmd.Flags().Uint16Var(&feeBps, "fee-bps", 250, "platform fee in basis points")
	return cmd
}

func platformShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show platform configuration and counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.GetPlatform(ctx)
				if err != nil {
					return err
				}
				counts, err := rt.Engine.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.PlatformResponse{Platform: p, TaskCounts: counts})
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Authority", p.Authority},
					{"Treasury", p.Treasury},
					{"Fee (bps)", p.FeeBps},
					{"Total tasks", p.TotalTasks},
					{"Completed", p.TotalCompleted},
					{"Volume", p.TotalVolume},
				})
				for _, s := range []domain.TaskStatus{domain.TaskOpen, domain.TaskCompleted, domain.TaskCancelled, domain.TaskDisputed} {
					tw.AppendRow(table.Row{"Tasks " + string(s), counts[string(s)]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func platformSetFeeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-fee <bps>",
		Short: "Update the platform fee (authority only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bps, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid fee %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetFee(ctx, actorID(), uint16(bps))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

// --- agents ---

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Short: "Agent registry"}
	a.AddCommand(agentRegisterCmd())
	a.AddCommand(agentUpdateCmd())
	a.AddCommand(agentShowCmd())
	return a
}

func agentRegisterCmd() *cobra.Command {
	var name, bio string
	var skills []string
	var rate uint64
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the actor as an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, actorID(), name, bio, skills, rate)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&bio, "bio", "", "short bio")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "skill (repeatable)")
	cmd.Flags().Uint64Var(&rate, "rate", 0, "hourly rate")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var name, bio string
	var skills []string
	var rate uint64
	var active bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the actor's agent profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd engine.AgentUpdate
			if cmd.Flags().Changed("name") {
				upd.Name = &name
			}
			if cmd.Flags().Changed("bio") {
				upd.Bio = &bio
			}
			if cmd.Flags().Changed("skill") {
				upd.Skills = &skills
			}
			if cmd.Flags().Changed("rate") {
				upd.HourlyRate = &rate
			}
			if cmd.Flags().Changed("active") {
				upd.IsActive = &active
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAgent(ctx, actorID(), upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&bio, "bio", "", "short bio")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "skills (replaces the list)")
	cmd.Flags().Uint64Var(&rate, "rate", 0, "hourly rate")
	cmd.Flags().BoolVar(&active, "active", true, "accept new tasks")
	return cmd
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [owner]",
		Short: "Show an agent profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := actorID()
			if len(args) == 1 {
				owner = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.NewAgentResponse(a))
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Owner", a.Owner},
					{"Name", a.Name},
					{"Skills", strings.Join(a.Skills, ", ")},
					{"Hourly rate", a.HourlyRate},
					{"Completed", a.TasksCompleted},
					{"Earned", a.TotalEarned},
					{"Rating", fmt.Sprintf("%.2f (%d)", a.AverageRating(), a.RatingCount)},
					{"Active", a.IsActive},
				})
				tw.Render()
				return nil
			})
		},
	}
}

// --- tasks ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Task lifecycle",
		Long:  "Create, browse and settle bounty tasks. Task ids are the numbers shown by 'bl task list'.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskSubmissionsCmd())
	task.AddCommand(taskSelectCmd())
	task.AddCommand(taskActionCmd("cancel", "Cancel a task without submissions and refund it", engine.Engine.CancelTask))
	task.AddCommand(taskActionCmd("dispute", "Raise a dispute on an open task", engine.Engine.RaiseDispute))
	task.AddCommand(taskActionCmd("refund", "Refund a task left open past its grace period", engine.Engine.AutoRefundExpired))
	task.AddCommand(taskEvaluateCmd())
	return task
}

func parseTaskID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task and fund its escrow from the actor's wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Client = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Requirements, "requirements", "", "acceptance requirements")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().Uint64Var(&opts.Bounty, "bounty", 0, "bounty amount")
	cmd.Flags().Uint32Var(&opts.DeadlineHours, "hours", 72, "hours until the deadline")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("bounty")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Bounty", "Deadline", "Submissions", "Client"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.BountyAmount, formatUnix(t.Deadline), t.SubmissionCount, t.Client})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Client, "client", "", "client filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				bal, err := e.Ledger.Balance(ctx, t.EscrowAddress)
				if err != nil {
					return err
				}
				return printJSONOrTable(server.TaskResponse{Task: t, EscrowBalance: bal})
			})
		},
	}
}

func taskSubmitCmd() *cobra.Command {
	var url, notes string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit work to an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SubmitApplication(ctx, id, actorID(), url, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "submission url")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the client")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func taskSubmissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submissions <id>",
		Short: "List submissions for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				subs, err := e.ListSubmissions(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Agent", "Status", "URL", "Submitted"})
				for _, s := range subs {
					tw.AppendRow(table.Row{s.Agent, s.Status, s.URL, formatUnix(s.SubmittedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskSelectCmd() *cobra.Command {
	var agent string
	var rating uint8
	cmd := &cobra.Command{
		Use:   "select <id>",
		Short: "Select the winning submission and pay out the escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SelectWinner(ctx, id, actorID(), agent, rating)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "winning agent")
	cmd.Flags().Uint8Var(&rating, "rating", 5, "rating 1-5")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

type taskAction func(e engine.Engine, ctx context.Context, taskID uint64, caller string) (domain.Task, error)

func taskActionCmd(use, short string, fn taskAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := fn(e, ctx, id, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskEvaluateCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "evaluate <id>",
		Short: "Ask the judge for an advisory verdict on a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				j, err := app.NewJudge(rt.Config, rt.Telemetry)
				if err != nil {
					return err
				}
				if j == nil {
					return judge.ErrDisabled
				}
				t, err := rt.Engine.GetTask(ctx, id)
				if err != nil {
					return err
				}
				if err := auth.RequireClient(t, actorID()); err != nil {
					return err
				}
				s, err := rt.Engine.GetSubmission(ctx, id, agent)
				if err != nil {
					return err
				}
				v, err := j.Evaluate(ctx, judge.Evaluation{Task: t, Submission: s})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "submitting agent")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// --- extensions ---

func extCmd() *cobra.Command {
	ext := &cobra.Command{Use: "ext", Short: "Deadline extensions"}
	ext.AddCommand(extRequestCmd())
	ext.AddCommand(taskActionCmd("approve", "Approve the pending extension", engine.Engine.ApproveExtension))
	ext.AddCommand(taskActionCmd("deny", "Deny the pending extension", engine.Engine.DenyExtension))
	return ext
}

func extRequestCmd() *cobra.Command {
	var hours uint64
	cmd := &cobra.Command{
		Use:   "request <id>",
		Short: "Request more time on a task you submitted to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RequestExtension(ctx, id, actorID(), hours)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Uint64Var(&hours, "hours", 24, "additional hours (1-168)")
	return cmd
}

// --- messages ---

func msgCmd() *cobra.Command {
	m := &cobra.Command{Use: "msg", Short: "Task messages"}
	m.AddCommand(msgSendCmd())
	m.AddCommand(msgListCmd())
	return m
}

func msgSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <id> <content...>",
		Short: "Send a message on a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			content := strings.Join(args[1:], " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SendMessage(ctx, id, actorID(), content)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func msgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List messages on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.ListMessages(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Sender", "Sent", "Content"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.ID, m.Sender, formatUnix(m.SentAt), m.Content})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- accounts ---

func accountCmd() *cobra.Command {
	a := &cobra.Command{Use: "account", Short: "Ledger accounts"}
	a.AddCommand(accountBalanceCmd())
	a.AddCommand(accountDepositCmd())
	a.AddCommand(accountHistoryCmd())
	return a
}

func accountBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [address]",
		Short: "Show an account balance (defaults to the actor's wallet)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := actorID()
			if len(args) == 1 {
				addr = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acct, err := e.Ledger.Account(ctx, addr)
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
}

func accountDepositCmd() *cobra.Command {
	var to string
	var amount uint64
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Mint funds into a wallet (authority only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acct, err := e.Deposit(ctx, actorID(), to, amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination wallet")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to mint")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func accountHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history [address]",
		Short: "Recent transfers touching an account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := actorID()
			if len(args) == 1 {
				addr = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Ledger.History(ctx, addr, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "When", "From", "To", "Amount", "Memo"})
				for _, tr := range items {
					tw.AppendRow(table.Row{tr.ID, formatUnix(tr.TS), tr.From, tr.To, tr.Amount, tr.Memo})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of transfers")
	return cmd
}

// --- api keys ---

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "API keys for the HTTP server"}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(keyListCmd())
	k.AddCommand(keyRevokeCmd())
	return k
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the actor; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := actorID()
			if err := auth.RequireCaller(actor); err != nil {
				return err
			}
			if auth.IsSystem(actor) {
				return fmt.Errorf("system actors cannot hold api keys")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := repo.NewAPIKey(actor, name, time.Now())
				if err != nil {
					return err
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": plain})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := actorID()
			if all {
				filter = ""
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, filter)
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
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list keys of every actor")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every committed change: task transitions, submissions, payouts, messages and deposits.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID int64
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID >= 0 {
				id := uint64(taskID)
				f.TaskID = &id
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEventsFrom(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Task", "Actor", "Payload"})
				for _, evt := range items {
					task := ""
					if evt.TaskID != nil {
						task = strconv.FormatUint(*evt.TaskID, 10)
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, task, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().Int64Var(&taskID, "task", -1, "task id filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- sweeper ---

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Refund every task left open past its grace period, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s := sweeper.New(sweeper.Config{Engine: rt.Engine, Logger: rt.Logger, Batch: rt.Config.Sweeper.Batch})
				res, err := s.RunOnce(ctx)
				if err != nil {
					return err
				}
				failed := map[string]string{}
				for id, ferr := range res.Failed {
					failed[strconv.FormatUint(id, 10)] = ferr.Error()
				}
				refunded := res.Refunded
				if refunded == nil {
					refunded = []uint64{}
				}
				return printJSONOrTable(map[string]any{"refunded": refunded, "failed": failed})
			})
		},
	}
}

// --- server ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, refund sweeper and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if cfg.Platform.Authority != "" {
					if _, err := app.EnsurePlatform(ctx, rt.Engine, cfg, ""); err != nil {
						return err
					}
				}
				if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowLegacyActorHeader {
					rt.Logger.Warn("no jwt secret configured; only api keys will authenticate", "env", config.EnvJWTSecret)
				}
				if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				j, err := app.NewJudge(cfg, rt.Telemetry)
				if err != nil {
					return err
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Judge:    j,
					BasePath: basePath,
					Logger:   rt.Logger,
					Auth: server.AuthConfig{
						JWTSecret:              cfg.Auth.JWTSecret,
						AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
						DevLogin:               cfg.Auth.DevLogin,
						Logger:                 rt.Logger,
					},
				})
				if err != nil {
					return err
				}

				if cfg.Sweeper.Enabled {
					sw := sweeper.New(sweeper.Config{
						Engine:   rt.Engine,
						Logger:   rt.Logger,
						Schedule: cfg.Sweeper.Schedule,
						Batch:    cfg.Sweeper.Batch,
					})
					if err := sw.Start(ctx); err != nil {
						return err
					}
					defer sw.Stop()
				}
				go server.NewWebhookDispatcher(rt.Engine, cfg.Webhooks, rt.Logger).Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving", "addr", addr, "base_path", basePath, "judge", j != nil, "sweeper", cfg.Sweeper.Enabled, "webhooks", len(cfg.Webhooks))
				fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogOutput: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
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
