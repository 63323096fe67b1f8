package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewcall/internal/app"
	"crewcall/internal/config"
	"crewcall/internal/db"
	"crewcall/internal/domain"
	"crewcall/internal/engine"
	"crewcall/internal/migrate"
	"crewcall/internal/repo"
	"crewcall/internal/server"
)

// conflictRetries bounds how often a CLI command retries a lost versioned write.
const conflictRetries = 3

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Crewcall CLI",
	Long: `Crewcall runs the claim-and-verify lifecycle for band work items.
- Workspace: the .crewcall directory holding the database; band configs live in the DB.
- Band: the organization that owns members, tasks, and checklist items.
- Claiming: exactly one member holds an item; claiming is first-write-wins.
- Standing: members behind on dues cannot claim, submit, or complete work.
- Deliverable: the evidence record (summary, links, next steps) an item can demand.
- Verification: reviewers approve or reject submitted work; rejected work is retried.
- Event log: every transition is recorded, view with 'crew log tail'.`,
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
	viper.SetEnvPrefix("CREWCALL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("band", "", "band id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("band", rootCmd.PersistentFlags().Lookup("band"))
}

func registerCommands() {
	rootCmd.AddCommand(bandCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- band ---

func bandCmd() *cobra.Command {
	band := &cobra.Command{Use: "band", Short: "Manage bands"}
	band.AddCommand(bandCreateCmd())
	band.AddCommand(bandListCmd())
	band.AddCommand(bandShowCmd())
	band.AddCommand(bandConfigCmd())
	return band
}

func bandCreateCmd() *cobra.Command {
	var id, name, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a band",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRaw(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.InitBand(ctx, id, name, description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "band id")
	cmd.Flags().StringVar(&name, "name", "", "band name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func bandListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				bands, err := r.ListBands(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(bands)
			})
		},
	}
}

func bandShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active band",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBand(ctx, e.Config.Band.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func bandConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage band config"}
	cfg.AddCommand(bandConfigShowCmd())
	cfg.AddCommand(bandConfigImportCmd())
	cfg.AddCommand(bandConfigInitCmd())
	return cfg
}

func bandConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show band config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func bandConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import band config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			bandID := cfg.Band.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if bandID == "" {
					bandID = e.Config.Band.ID
				}
				if err := e.Repo.UpsertBandConfig(ctx, bandID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func bandConfigInitCmd() *cobra.Command {
	var bandID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default crewcall.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(bandID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&bandID, "band-id", "my-band", "band id for the generated config")
	return cmd
}

// --- member ---

func memberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage band members"}
	member.AddCommand(memberListCmd())
	member.AddCommand(memberAddCmd())
	member.AddCommand(memberStandingCmd())
	return member
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List band members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.Members.List(ctx, e.Config.Band.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Member", "Role", "Standing", "Reason"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.MemberID, m.Role, m.Standing, m.StandingReason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func memberAddCmd() *cobra.Command {
	var role, standing, reason string
	cmd := &cobra.Command{
		Use:   "add <member-id>",
		Short: "Add or update a band member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpsertMember(ctx, domain.Member{
					BandID:         e.Config.Band.ID,
					MemberID:       args[0],
					Role:           role,
					Standing:       standing,
					StandingReason: reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "member", "role in the hierarchy")
	cmd.Flags().StringVar(&standing, "standing", "good", "financial standing (good, lapsed)")
	cmd.Flags().StringVar(&reason, "reason", "", "standing reason")
	return cmd
}

func memberStandingCmd() *cobra.Command {
	var standing, reason string
	cmd := &cobra.Command{
		Use:   "standing <member-id>",
		Short: "Set a member's financial standing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetStanding(ctx, e.Config.Band.ID, args[0], standing, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&standing, "standing", "", "financial standing (good, lapsed)")
	cmd.Flags().StringVar(&reason, "reason", "", "standing reason")
	_ = cmd.MarkFlagRequired("standing")
	return cmd
}

// --- item ---

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemChecklistCmd())
	item.AddCommand(itemClaimCmd())
	item.AddCommand(itemUnclaimCmd())
	item.AddCommand(itemDeliverableCmd())
	item.AddCommand(itemSubmitCmd())
	item.AddCommand(itemRetryCmd())
	item.AddCommand(itemDoneCmd())
	item.AddCommand(itemApproveCmd())
	item.AddCommand(itemRejectCmd())
	item.AddCommand(itemBlockCmd())
	item.AddCommand(itemUnblockCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.BandID == "" {
					opts.BandID = e.Config.Band.ID
				}
				w, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.BandID, "band-id", "", "band id")
	cmd.Flags().StringVar(&opts.Kind, "kind", "task", "item kind (task, checklist_item)")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id (checklist items only)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.MinClaimRole, "min-claim-role", "", "minimum role required to claim")
	cmd.Flags().BoolVar(&opts.RequiresVerification, "requires-verification", false, "route completion through review")
	cmd.Flags().BoolVar(&opts.RequiresDeliverable, "requires-deliverable", false, "demand a deliverable before submission")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (RFC3339)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.BandID == "" {
					f.BandID = e.Config.Band.ID
				}
				items, err := e.Repo.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Assignee", "Verification"})
				for _, w := range items {
					assignee := ""
					if w.AssigneeID != nil {
						assignee = *w.AssigneeID
					}
					verification := ""
					if w.VerificationStatus != nil {
						verification = *w.VerificationStatus
					}
					tw.AppendRow(table.Row{w.ID, w.Kind, w.Title, w.Status, assignee, verification})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BandID, "band-id", "", "band id")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func itemChecklistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checklist <task-id>",
		Short: "List checklist items under a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListChecklist(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

// itemActionCmd builds the shared shape of the one-argument lifecycle commands.
func itemActionCmd(use, short string, fn func(e engine.Engine, ctx context.Context, actorID, itemID string) (domain.WorkItem, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := retryConflict(func() (domain.WorkItem, error) {
					return fn(e, ctx, actorID, args[0])
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func itemClaimCmd() *cobra.Command {
	return itemActionCmd("claim <id>", "Claim a work item", func(e engine.Engine, ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
		return e.Claim(ctx, actorID, itemID)
	})
}

func itemUnclaimCmd() *cobra.Command {
	return itemActionCmd("unclaim <id>", "Release a claimed work item", func(e engine.Engine, ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
		return e.Unclaim(ctx, actorID, itemID)
	})
}

func itemSubmitCmd() *cobra.Command {
	return itemActionCmd("submit <id>", "Submit a work item for verification", func(e engine.Engine, ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
		return e.SubmitForVerification(ctx, actorID, itemID)
	})
}

func itemRetryCmd() *cobra.Command {
	return itemActionCmd("retry <id>", "Resubmit a rejected work item", func(e engine.Engine, ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
		return e.Retry(ctx, actorID, itemID)
	})
}

func itemDoneCmd() *cobra.Command {
	return itemActionCmd("done <id>", "Complete a work item that needs no verification", func(e engine.Engine, ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
		return e.MarkComplete(ctx, actorID, itemID)
	})
}

func itemApproveCmd() *cobra.Command {
	return itemActionCmd("approve <id>", "Approve a work item in review", func(e engine.Engine, ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
		return e.Approve(ctx, actorID, itemID)
	})
}

func itemBlockCmd() *cobra.Command {
	return itemActionCmd("block <id>", "Block an in-progress task", func(e engine.Engine, ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
		return e.Block(ctx, actorID, itemID)
	})
}

func itemUnblockCmd() *cobra.Command {
	return itemActionCmd("unblock <id>", "Unblock a blocked task", func(e engine.Engine, ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
		return e.Unblock(ctx, actorID, itemID)
	})
}

func itemRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a work item in review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := retryConflict(func() (domain.WorkItem, error) {
					return e.Reject(ctx, actorID, args[0], reason)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the work is insufficient")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func itemDeliverableCmd() *cobra.Command {
	var summary, nextSteps string
	var links []string
	cmd := &cobra.Command{
		Use:   "deliverable <id>",
		Short: "Set a work item's deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := domain.Deliverable{Summary: summary, NextSteps: nextSteps}
			for _, raw := range links {
				parts := strings.SplitN(raw, "|", 2)
				link := domain.DeliverableLink{URL: parts[0]}
				if len(parts) == 2 {
					link.Title = parts[1]
				}
				d.Links = append(d.Links, link)
			}
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := retryConflict(func() (domain.WorkItem, error) {
					return e.UpdateDeliverable(ctx, actorID, args[0], d)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "summary of work performed")
	cmd.Flags().StringArrayVar(&links, "link", []string{}, `evidence link as "URL|Title" (repeatable)`)
	cmd.Flags().StringVar(&nextSteps, "next-steps", "", "optional next steps")
	return cmd
}

// --- status / log ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show band status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBand(ctx, e.Config.Band.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountItemsByStatus(ctx, b.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"band_id":     b.ID,
					"status":      b.Status,
					"item_counts": counts,
				})
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, itemID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Band.ID, evtType, itemID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&itemID, "item-id", "", "item id filter")
	return cmd
}

// --- keys ---

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actorID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := domain.APIKey{
					ID:      fmt.Sprintf("key-%d", time.Now().UnixNano()),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				return printJSONOrTable(k)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "key-actor-id", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&key, "key", "", "plaintext key to hash and store")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "key-actor-id", "", "filter by actor")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveBandAndConfig(cmd.Context(), viper.GetString("band"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CREWCALL_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CREWCALL_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Crewcall API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveBandAndConfig(ctx, viper.GetString("band"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

// withEngineRaw opens the engine without resolving a band; band creation
// cannot require the band to already exist.
func withEngineRaw(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, nil)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// retryConflict re-runs a mutation that lost a versioned write. The engine
// re-reads state on every attempt, so retrying is safe.
func retryConflict(fn func() (domain.WorkItem, error)) (domain.WorkItem, error) {
	var w domain.WorkItem
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		w, err = fn()
		if !errors.Is(err, repo.ErrConflict) {
			return w, err
		}
	}
	return w, err
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
