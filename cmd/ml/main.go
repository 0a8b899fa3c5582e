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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/executor"
	"missionline/internal/journal"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/server"
	"missionline/internal/timeline"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline orchestrates long-running agent missions against a budget,
a concurrency lock and a security envelope, producing a tamper-evident
journal of everything that happened.

- Workspace: the .missionline directory holding the database.
- Mission: one budgeted engagement made of ordered tasks.
- Task lifecycle: pending -> executing -> review -> approved, with
  repair_retry loops and failed_terminal/skipped as exits.
- Journal: a hash-chained ledger of step records and operation receipts;
  verify it with 'ml journal verify'.
- Backpressure: missions pause automatically when pending work piles up
  and resume once it drains.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(msgCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default missionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cfg
}

// --- missions ---

func missionCmd() *cobra.Command {
	mission := &cobra.Command{Use: "mission", Short: "Manage missions"}
	mission.AddCommand(missionInitCmd())
	mission.AddCommand(missionListCmd())
	mission.AddCommand(missionShowCmd())
	mission.AddCommand(missionChargeCmd())
	mission.AddCommand(missionCheckCmd())
	return mission
}

func missionInitCmd() *cobra.Command {
	var maxCost, repairBudget float64
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, maxCost, repairBudget)
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "mission budget cap in USD (0 = config default)")
	cmd.Flags().Float64Var(&repairBudget, "repair-budget", 0, "per-task repair budget cap in USD (0 = config default)")
	return cmd
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missions, err := e.Repo.ListMissions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Spent", "Max", "Failure"})
				for _, m := range missions {
					tw.AppendRow(table.Row{m.ID, m.Status,
						fmt.Sprintf("%.2f", m.SpentCostUSD), fmt.Sprintf("%.2f", m.MaxCostUSD),
						deref(m.FailureReason)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Mission detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
}

func missionChargeCmd() *cobra.Command {
	var taskID string
	var repair bool
	cmd := &cobra.Command{
		Use:   "charge <mission-id> <cost-usd>",
		Short: "Charge the mission budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cost, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid cost %q: %w", args[1], err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.ChargeBudget(ctx, args[0], taskID, cost, repair)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("rejected: budget exceeded")
					return nil
				}
				fmt.Println("charged")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id (required for repair charges)")
	cmd.Flags().BoolVar(&repair, "repair", false, "charge the task's repair sub-budget too")
	return cmd
}

func missionCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <mission-id>",
		Short: "Run the backpressure controller once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				action, err := e.CheckAndApply(ctx, args[0])
				if err != nil {
					return err
				}
				if action == engine.ActionNone {
					fmt.Println("no action")
					return nil
				}
				fmt.Println(action)
				return nil
			})
		},
	}
}

// --- tasks ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage mission tasks"}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskReviewCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRepairCmd())
	task.AddCommand(taskFailCmd())
	task.AddCommand(taskReclaimCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var required []string
	cmd := &cobra.Command{
		Use:   "add <mission-id> <description>",
		Short: "Add a task to a mission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTask(ctx, args[0], args[1], required)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringSliceVar(&required, "requires", nil, "required artifact ids (max 3)")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <mission-id>",
		Short: "List a mission's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Status", "Repairs", "Locked By", "Description"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.TaskOrder, t.ID, t.Status, t.RepairAttempt, deref(t.LockedBy), t.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	var worker, tokenizer string
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start a task, acquiring its lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if worker == "" {
				worker = strconv.Itoa(os.Getpid())
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartTask(ctx, args[0], worker, tokenizer)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker identity (defaults to this pid)")
	cmd.Flags().StringVar(&tokenizer, "tokenizer", "", "tokenizer model (recorded once, first start wins)")
	return cmd
}

func taskReviewCmd() *cobra.Command {
	var results []string
	cmd := &cobra.Command{
		Use:   "review <task-id>",
		Short: "Move a task to review, releasing its lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReviewTask(ctx, args[0], results)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringSliceVar(&results, "results", nil, "result artifact ids")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a reviewed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApproveTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair <task-id> <context>",
		Short: "Send a task back for another attempt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RepairRetryTask(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskFailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <task-id> <reason>",
		Short: "Fail a task terminally, failing its mission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.FailTaskTerminal(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskReclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim <task-id>",
		Short: "Reclaim a stale lock if its holder is conclusively dead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.AttemptReclaim(ctx, args[0], engine.ProcessOracle{})
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("not reclaimed (unlocked, fresh, or holder alive/unknown)")
					return nil
				}
				fmt.Println("reclaimed")
				return nil
			})
		},
	}
}

// --- artifacts ---

func artifactCmd() *cobra.Command {
	artifact := &cobra.Command{Use: "artifact", Short: "Manage mission artifacts"}
	var version int
	var hash string
	add := &cobra.Command{
		Use:   "add <mission-id> <path>",
		Short: "Register an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := e.AddArtifact(ctx, args[0], args[1], version, hash)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	add.Flags().IntVar(&version, "version", 1, "artifact version")
	add.Flags().StringVar(&hash, "hash", "", "content hash")
	artifact.AddCommand(add)
	return artifact
}

// --- messages ---

func msgCmd() *cobra.Command {
	msg := &cobra.Command{Use: "msg", Short: "Inter-agent messages"}
	msg.AddCommand(msgSendCmd())
	msg.AddCommand(msgDeliverCmd())
	msg.AddCommand(msgListCmd())
	return msg
}

func msgSendCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "send <mission-id> <from-role> <to-role>",
		Short: "Send a message through the routing guard",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, ok, err := e.SendMessage(ctx, args[0], args[1], args[2], payload)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Printf("dropped: route %s -> %s is not allowed\n", args[1], args[2])
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "message payload JSON")
	return cmd
}

func msgDeliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver <mission-id> <message-id>",
		Short: "Mark a message delivered",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.DeliverMessage(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("not delivered (unknown or already handled)")
					return nil
				}
				fmt.Println("delivered")
				return nil
			})
		},
	}
}

func msgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <mission-id>",
		Short: "List a mission's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.Repo.ListMessages(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(msgs)
			})
		},
	}
}

// --- timeline ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Timeline events"}
	var n int
	var taskID string
	tail := &cobra.Command{
		Use:   "tail <mission-id>",
		Short: "Show recent timeline events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var events []domain.TimelineEvent
				var err error
				if taskID != "" {
					events, err = e.Repo.ListTimelineByTask(ctx, taskID, n)
				} else {
					events, err = e.Repo.ListTimelineByMission(ctx, args[0], n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Type", "Task", "Metadata"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.CreatedAt, ev.EventType, ev.TaskID, ev.Metadata})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&taskID, "task", "", "filter by task id")
	log.AddCommand(tail)
	return log
}

// --- journal ---

func journalCmd() *cobra.Command {
	jl := &cobra.Command{Use: "journal", Short: "Hash-chained mission journal"}
	jl.AddCommand(&cobra.Command{
		Use:   "verify <mission-id>",
		Short: "Verify the mission's hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, j journal.Journal) error {
				ok, breaks, err := j.VerifyIntegrity(ctx, args[0])
				if err != nil {
					return err
				}
				if ok {
					fmt.Println("chain intact")
					return nil
				}
				for _, b := range breaks {
					fmt.Println("break:", b)
				}
				return fmt.Errorf("%d chain break(s) detected", len(breaks))
			})
		},
	})
	jl.AddCommand(&cobra.Command{
		Use:   "export <mission-id>",
		Short: "Export the journal bundle for external audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, j journal.Journal) error {
				bundle, err := j.ExportBundle(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(bundle)
			})
		},
	})
	return jl
}

// --- operations ---

func opCmd() *cobra.Command {
	op := &cobra.Command{Use: "op", Short: "Run operations through the executor"}
	var (
		opType, runID, stepID, command, dir string
		compType, compCommand               string
		tools, paths, allowPaths, affected  []string
	)
	run := &cobra.Command{
		Use:   "run <mission-id>",
		Short: "Execute one operation inside the envelope and journal a receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j := journal.Journal{DB: e.DB}
				if runID == "" {
					runID = uuid.NewString()
				}
				if stepID == "" {
					stepID = uuid.NewString()
				}
				params := map[string]any{}
				if command != "" {
					params["command"] = command
				}
				if dir != "" {
					params["dir"] = dir
				}
				if len(paths) > 0 {
					params["paths"] = paths
				}
				operation := domain.Operation{
					ID:     uuid.NewString(),
					Type:   opType,
					Params: params,
					Compensation: domain.Compensation{
						Type:    compType,
						Command: compCommand,
					},
				}
				env := domain.Envelope{
					AllowedPaths:   allowPaths,
					AllowedTools:   tools,
					RejectSymlinks: e.Config.Envelope.RejectSymlinks,
					TimeoutSeconds: e.Config.Envelope.TimeoutSeconds,
				}
				if _, err := j.RecordStep(ctx, args[0], stepID, opType, ""); err != nil {
					return err
				}
				exec := executor.New()
				result, err := exec.Execute(ctx, operation, executor.RunContext{
					RunID:     runID,
					StepID:    stepID,
					MissionID: args[0],
					Envelope:  env,
					Journal:   &j,
				}, affected)
				if err != nil {
					return err
				}
				stepStatus := domain.StepCompleted
				if result.Status == executor.ResultFailed {
					stepStatus = domain.StepFailed
				}
				if _, err := j.CompleteStep(ctx, args[0], stepID, stepStatus, result.PostStateHash, result.ErrorMessage, ""); err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	run.Flags().StringVar(&opType, "type", executor.OpRunTests, "operation type")
	run.Flags().StringVar(&runID, "run", "", "run id (defaults to a fresh id)")
	run.Flags().StringVar(&stepID, "step", "", "step id (defaults to a fresh id)")
	run.Flags().StringVar(&command, "command", "", "command for run_tests")
	run.Flags().StringVar(&dir, "dir", "", "working directory for run_tests")
	run.Flags().StringVar(&compType, "compensation", "none", "compensation type")
	run.Flags().StringVar(&compCommand, "compensation-command", "", "compensation command")
	run.Flags().StringSliceVar(&tools, "allow-tool", nil, "allowed tools")
	run.Flags().StringSliceVar(&paths, "path", nil, "paths the operation touches")
	run.Flags().StringSliceVar(&allowPaths, "allow-path", nil, "allowed path prefixes")
	run.Flags().StringSliceVar(&affected, "affected", nil, "affected paths to state-hash")
	op.AddCommand(run)
	return op
}

// --- api keys ---

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "API keys for the HTTP server"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := "mlk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				fmt.Println(secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "local-user", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)
	return key
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				secret := os.Getenv("MISSIONLINE_JWT_SECRET")
				if secret == "" {
					secret = e.Config.Server.JWTSecret
				}
				if secret == "" {
					return fmt.Errorf("MISSIONLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					Journal:  journal.Journal{DB: e.DB},
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Timeline: timeline.Writer{},
		Config:   cfg,
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withJournal(ctx context.Context, fn func(context.Context, journal.Journal) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, journal.Journal{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
