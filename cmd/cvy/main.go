package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"conveyor/internal/app"
	"conveyor/internal/config"
	"conveyor/internal/db"
	"conveyor/internal/domain"
	"conveyor/internal/engine"
	"conveyor/internal/migrate"
	"conveyor/internal/repo"
	"conveyor/internal/server"
	"conveyor/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "cvy",
	Short: "Conveyor CLI",
	Long: `Conveyor coordinates work items flowing through a staged pipeline,
shared by multiple agents working in parallel.
- Workspace: the .conveyor directory holding the database; the policy
  table lives in the DB and is imported from conveyor.yml explicitly.
- Pipeline: owns all work items and the policy table (WIP limits,
  recovery rules, rejection escalation).
- Stages: intake -> ready -> build/test -> review -> verify -> done,
  with blocked as the escalation parking lot.
- Claims: an exclusive "I'm working on this" binding between one item
  and one agent (cvy item claim/release).
- Dependencies: an item cannot start execution until everything it
  depends on is done; cycles and unordered output collisions are
  rejected up front.
- Work log: diary of every mutation, view with 'cvy log tail'.`,
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
	viper.SetEnvPrefix("CONVEYOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-agent", "agent identifier")
	rootCmd.PersistentFlags().String("pipeline", "", "pipeline id (overrides the workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
	_ = viper.BindPFlag("pipeline", rootCmd.PersistentFlags().Lookup("pipeline"))
}

func registerCommands() {
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Manage pipelines"}
	p.AddCommand(pipelineInitCmd())
	p.AddCommand(pipelineListCmd())
	p.AddCommand(pipelineShowCmd())
	p.AddCommand(pipelineConfigCmd())
	return p
}

func pipelineInitCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitPipeline(cmd.Context(), id, desc, viper.GetString("agent-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "pipeline id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func pipelineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				pipelines, err := r.ListPipelines(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(pipelines)
			})
		},
	}
}

func pipelineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPipeline(ctx, e.Config.Pipeline.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func pipelineConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the pipeline policy table",
		Long:  "The policy table (stored in DB) holds WIP limits, recovery rules, and rejection escalation. Import from conveyor.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configExportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded policy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored policy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate(e.Stages)
			})
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

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import conveyor.yml into the pipeline policy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if cfg.Pipeline.ID == "" {
					cfg.Pipeline.ID = e.Config.Pipeline.ID
				}
				if err := cfg.Validate(e.Stages); err != nil {
					return err
				}
				if err := e.Repo.UpsertPipelineConfig(ctx, cfg.Pipeline.ID, cfg); err != nil {
					return err
				}
				fmt.Printf("imported policy table for %s\n", cfg.Pipeline.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "conveyor.yml", "config file path")
	return cmd
}

func configExportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the policy table to conveyor.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				if file == "-" {
					fmt.Print(string(out))
					return nil
				}
				if err := os.WriteFile(file, out, 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", file)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "conveyor.yml", "output path, - for stdout")
	return cmd
}

func itemCmd() *cobra.Command {
	it := &cobra.Command{Use: "item", Short: "Manage work items"}
	it.AddCommand(itemCreateCmd())
	it.AddCommand(itemListCmd())
	it.AddCommand(itemShowCmd())
	it.AddCommand(itemArchiveCmd())
	it.AddCommand(itemClaimCmd())
	it.AddCommand(itemReleaseCmd())
	it.AddCommand(itemMoveCmd())
	it.AddCommand(itemRejectCmd())
	it.AddCommand(itemDepCmd())
	return it
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AgentID = viper.GetString("agent-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.PipelineID == "" {
					opts.PipelineID = e.Config.Pipeline.ID
				}
				t, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&opts.Type, "type", "feature", "item type")
	cmd.Flags().IntVar(&opts.Priority, "priority", 1, "priority 0..3, lower is more urgent")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&opts.Outputs, "output", []string{}, "declared output path (repeatable)")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", []string{}, "dependency item id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.PipelineID == "" {
					f.PipelineID = e.Config.Pipeline.ID
				}
				items, err := e.Repo.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Pri", "Agent", "Rejections"})
				for _, t := range items {
					agent := ""
					if t.AssignedAgent != nil {
						agent = *t.AssignedAgent
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Stage, t.Priority, agent, t.RejectionCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.AssignedAgent, "agent", "", "assigned agent filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived items")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				t.DependsOn, err = e.Repo.ListItemDeps(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func itemArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <item-id>",
		Short: "Archive a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ArchiveItem(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func itemClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <item-id>",
		Short: "Claim a work item exclusively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ClaimItem(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func itemReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <item-id>",
		Short: "Release a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReleaseItem(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func itemMoveCmd() *cobra.Command {
	var from, to string
	var force bool
	cmd := &cobra.Command{
		Use:   "move <item-id>",
		Short: "Move a work item between stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MoveItem(ctx, engine.MoveOptions{
					ItemID:    args[0],
					FromStage: stage.Stage(from),
					ToStage:   stage.Stage(to),
					AgentID:   viper.GetString("agent-id"),
					Force:     force,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current stage")
	cmd.Flags().StringVar(&to, "to", "", "target stage")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the transition matrix (never WIP or dependency checks)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func itemRejectCmd() *cobra.Command {
	var reason, sendBackTo string
	cmd := &cobra.Command{
		Use:   "reject <item-id>",
		Short: "Reject a work item under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RejectItem(ctx, args[0], reason, viper.GetString("agent-id"), stage.Stage(sendBackTo))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cmd.Flags().StringVar(&sendBackTo, "send-back-to", "", "execution stage to send the item back to")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func itemDepCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage item dependencies"}
	dep.AddCommand(depAddCmd())
	dep.AddCommand(depRemoveCmd())
	dep.AddCommand(depCheckCmd())
	return dep
}

func depAddCmd() *cobra.Command {
	var deps []string
	cmd := &cobra.Command{
		Use:   "add <item-id>",
		Short: "Add dependencies to an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddDependencies(ctx, args[0], deps, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringArrayVar(&deps, "on", []string{}, "dependency item id (repeatable)")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func depRemoveCmd() *cobra.Command {
	var deps []string
	cmd := &cobra.Command{
		Use:   "remove <item-id>",
		Short: "Remove dependencies from an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RemoveDependencies(ctx, args[0], deps, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringArrayVar(&deps, "on", []string{}, "dependency item id (repeatable)")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func depCheckCmd() *cobra.Command {
	var edges []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Dry-run proposed edges against the persisted graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			var proposed []domain.DependencyEdge
			for _, raw := range edges {
				parts := strings.SplitN(raw, "->", 2)
				if len(parts) != 2 {
					return fmt.Errorf("edge %q must look like ITEM->DEP", raw)
				}
				proposed = append(proposed, domain.DependencyEdge{
					ItemID:    strings.TrimSpace(parts[0]),
					DependsOn: strings.TrimSpace(parts[1]),
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.CheckDependencyGraph(ctx, e.Config.Pipeline.ID, proposed)
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
	cmd.Flags().StringArrayVar(&edges, "edge", []string{}, "proposed edge ITEM->DEP (repeatable)")
	_ = cmd.MarkFlagRequired("edge")
	return cmd
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Stage occupancy for the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountItemsByStage(ctx, e.Config.Pipeline.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Items", "WIP limit"})
				for _, s := range stage.All {
					limit := ""
					if l, ok := e.Config.Wip.Limits[string(s)]; ok && l > 0 {
						limit = fmt.Sprint(l)
					}
					tw.AppendRow(table.Row{string(s), counts[string(s)], limit})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func readyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Items ready to start versus dependency-blocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				set, err := e.ComputeReadySet(ctx, e.Config.Pipeline.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(set)
				}
				for _, t := range set.Ready {
					fmt.Printf("ready    %s  %s\n", t.ID, t.Title)
				}
				for _, b := range set.Blocked {
					fmt.Printf("blocked  %s  %s (waiting on %s)\n", b.Item.ID, b.Item.Title, strings.Join(b.BlockedBy, ", "))
				}
				return nil
			})
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "Active agents derived from claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				statuses, err := e.AgentStatuses(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(statuses)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Items"})
				for _, s := range statuses {
					items := append([]string(nil), s.Items...)
					sort.Strings(items)
					tw.AppendRow(table.Row{s.AgentID, strings.Join(items, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func recoverCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "recover",
		Short: "Recover from an interrupted session",
		Long:  "After a crash, items stranded in active stages get one canonical action each from the recovery rules: stay where they are for idempotent re-claim, or move back for fresh pickup.",
	}
	rec.AddCommand(recoverPlanCmd())
	rec.AddCommand(recoverApplyCmd())
	return rec
}

func recoverPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the recovery plan without mutating anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.PlanRecovery(ctx, e.Config.Pipeline.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(plan)
			})
		},
	}
}

func recoverApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Apply the recovery plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.ApplyRecovery(ctx, e.Config.Pipeline.ID, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(plan)
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Work log",
		Long:  "The diary of everything that happened: moves, claims, rejections, recovery, and more.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var entryType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail work-log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.LatestLogEntries(ctx, repo.LogFilters{
					PipelineID: e.Config.Pipeline.ID,
					Type:       entryType,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&entryType, "type", "", "entry type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func keysCmd() *cobra.Command {
	k := &cobra.Command{Use: "keys", Short: "Manage agent API keys"}
	k.AddCommand(keysCreateCmd())
	k.AddCommand(keysListCmd())
	k.AddCommand(keysDeleteCmd())
	return k
}

func keysCreateCmd() *cobra.Command {
	var agentID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := fmt.Sprintf("cvy_%d", time.Now().UnixNano())
				key := domain.APIKey{
					ID:      fmt.Sprintf("key-%d", time.Now().Unix()),
					AgentID: agentID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// raw key is shown once and never stored
				return printJSONOrTable(map[string]string{"id": key.ID, "agent_id": key.AgentID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func keysListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an agent API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolvePipelineAndConfig(cmd.Context(), viper.GetString("pipeline"), viper.GetString("agent-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CONVEYOR_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CONVEYOR_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Conveyor API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolvePipelineAndConfig(ctx, viper.GetString("pipeline"), viper.GetString("agent-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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
