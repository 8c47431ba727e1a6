package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"changeline/internal/app"
	"changeline/internal/config"
	"changeline/internal/db"
	"changeline/internal/engine"
	"changeline/internal/migrate"
	"changeline/internal/repo"
	"changeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Changeline CLI",
	Long: `Changeline tracks user stories, tasks and issues with versioned,
conflict-aware updates.
Core concepts:
- Workspace: your .changeline directory holding the database; project config
  lives in the DB and is imported explicitly.
- Entities: user stories, tasks and issues. Every accepted change bumps the
  entity version; an update against a stale version is reported as a conflict
  with the current state, never silently merged.
- Commit verbs: push a commit saying "fixes US#12" and the referenced story
  moves through the workflow. Configure verbs per project.
- Watchers: creating, commenting or voting subscribes you; watchers get a
  notification for every change they did not make themselves.
- Webhooks: inbound pushes from GitHub/GitLab/Bitbucket drive commit actions;
  outbound endpoints receive every change event with bounded retry.
- Event log: diary of changes, view with 'cl log tail'.`,
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
	viper.SetEnvPrefix("CHANGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(starCmd())
	rootCmd.AddCommand(unstarCmd())
	rootCmd.AddCommand(fansCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
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
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "CHANGELINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set CHANGELINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
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

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Manage entities",
		Long:  "Entities are the tracked work items (user stories, tasks, issues). Updates carry the version you last saw; a stale version is reported as a conflict with the current state.",
	}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityShowCmd())
	ent.AddCommand(entityUpdateCmd())
	ent.AddCommand(entityDeleteCmd())
	ent.AddCommand(entityWatchCmd())
	ent.AddCommand(entityUnwatchCmd())
	ent.AddCommand(entityWatchersCmd())
	ent.AddCommand(entityVoteCmd())
	ent.AddCommand(entityUnvoteCmd())
	ent.AddCommand(entityVotersCmd())
	ent.AddCommand(entityHistoryCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var customFields string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if customFields != "" {
				if err := json.Unmarshal([]byte(customFields), &opts.CustomFields); err != nil {
					return fmt.Errorf("invalid --custom-fields-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				out, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return renderOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "entity id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Kind, "kind", "task", "entity kind (userstory, task, issue)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (defaults to workflow default)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&customFields, "custom-fields-json", "", "custom fields JSON object")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func entityListCmd() *cobra.Command {
	var f repo.EntityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ref", "ID", "Subject", "Status", "Version", "Assignee"})
				for _, ent := range items {
					assignee := ""
					if ent.AssigneeID != nil {
						assignee = *ent.AssigneeID
					}
					tw.AppendRow(table.Row{fmt.Sprintf("%s#%d", ent.Kind, ent.Ref), ent.ID, ent.Subject, ent.Status, ent.Version, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include soft-deleted entities")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max entities")
	return cmd
}

func entityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.Repo.GetEntity(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	return cmd
}

func entityUpdateCmd() *cobra.Command {
	var version int64
	var subject, status, assign, customFields, comment string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update entity",
		Long:  "Applies a change against the version you pass with --version. If someone changed the entity since you read it, the command fails with the current version so you can re-read and retry.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if version <= 0 {
				return fmt.Errorf("--version is required and must be positive")
			}
			intent := engine.MutationIntent{
				EntityID:    args[0],
				BaseVersion: version,
				ActorID:     viper.GetString("actor-id"),
				Comment:     comment,
			}
			if cmd.Flags().Changed("subject") {
				intent.SetSubject = &subject
			}
			if cmd.Flags().Changed("status") {
				intent.SetStatus = &status
			}
			if cmd.Flags().Changed("assign") {
				intent.AssigneeProvided = true
				intent.Assignee = optionalString(assign)
			}
			if cmd.Flags().Changed("custom-fields-json") {
				intent.SetCustomFields = &customFields
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Apply(ctx, intent)
				if err != nil {
					return err
				}
				return renderOutcome(out)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "entity version the change is based on")
	cmd.Flags().StringVar(&subject, "subject", "", "new subject")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&assign, "assign", "", "set assignee id (empty clears)")
	cmd.Flags().StringVar(&customFields, "custom-fields-json", "", "set custom fields JSON")
	cmd.Flags().StringVar(&comment, "comment", "", "comment to attach")
	return cmd
}

func entityDeleteCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if version <= 0 {
				return fmt.Errorf("--version is required and must be positive")
			}
			intent := engine.MutationIntent{
				EntityID:    args[0],
				BaseVersion: version,
				ActorID:     viper.GetString("actor-id"),
				Delete:      true,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Apply(ctx, intent)
				if err != nil {
					return err
				}
				return renderOutcome(out)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "entity version the delete is based on")
	return cmd
}

func entityWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Watch entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Watch.AddWatcher(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func entityUnwatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unwatch <id>",
		Short: "Stop watching entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Watch.RemoveWatcher(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func entityWatchersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchers <id>",
		Short: "List watchers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actors, err := e.Watch.ListWatchers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(actors)
			})
		},
	}
	return cmd
}

func entityVoteCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "vote <id>",
		Short: "Vote on entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Watch.RecordVote(ctx, args[0], viper.GetString("actor-id"), direction)
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "vote direction (up, down)")
	return cmd
}

func entityUnvoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unvote <id>",
		Short: "Clear vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Watch.ClearVote(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func entityVotersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voters <id>",
		Short: "List voters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				votes, err := e.Watch.ListVoters(ctx, args[0])
				if err != nil {
					return err
				}
				count, err := e.Watch.VotesCount(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"votes": votes, "count": count})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Direction", "At"})
				for _, v := range votes {
					tw.AppendRow(table.Row{v.ActorID, v.Direction, v.CreatedAt})
				}
				tw.Render()
				fmt.Printf("Total: %d\n", count)
				return nil
			})
		},
	}
	return cmd
}

func entityHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show entity history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Type", "Actor", "Diff", "Comment"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.CreatedAt, h.Type, h.ActorID, h.DiffJSON, h.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func commitCmd() *cobra.Command {
	commit := &cobra.Command{
		Use:   "commit",
		Short: "Commit message actions",
	}
	commit.AddCommand(commitApplyCmd())
	return commit
}

func commitApplyCmd() *cobra.Command {
	var messages []string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply commit message actions",
		Long:  `Parses commit messages for verb-plus-reference phrases like "fixes US#12" or "closes Task#7" and applies the configured status moves. References that resolve to nothing are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(messages) == 0 {
				return fmt.Errorf("at least one --message is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcomes, err := e.ApplyCommitMessages(ctx, e.Config.Project.ID, viper.GetString("actor-id"), messages)
				if err != nil {
					return err
				}
				applied := 0
				for _, out := range outcomes {
					if out.Kind == engine.OutcomeApplied {
						applied++
					}
				}
				return printJSONOrTable(map[string]int{"actions": len(outcomes), "applied": applied})
			})
		},
	}
	cmd.Flags().StringArrayVarP(&messages, "message", "m", []string{}, "commit message (repeatable)")
	return cmd
}

func starCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "star",
		Short: "Star the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Watch.Star(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func unstarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unstar",
		Short: "Unstar the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Watch.Unstar(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func fansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fans",
		Short: "List project fans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actors, err := e.Watch.ListFans(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(actors)
			})
		},
	}
	return cmd
}

func notificationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotifications(ctx, viper.GetString("actor-id"), limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max notifications")
	return cmd
}

func deliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Outbound webhook deliveries",
		Long:  "Delivery state per endpoint and event. Deliveries that exhausted their retry budget stay visible with status failed and the last error, and can be retried by hand.",
	}
	cmd.AddCommand(deliveriesListCmd())
	cmd.AddCommand(deliveriesRetryCmd())
	return cmd
}

func deliveriesListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDeliveries(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Event", "Endpoint", "Status", "Attempts", "Next Attempt", "Last Error"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.EventID, d.Endpoint, d.Status, d.Attempts, d.NextAttemptAt, d.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, delivered, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max deliveries")
	return cmd
}

func deliveriesRetryCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Retry a failed delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m := server.NewEmitter(e, e.Config.Project.ID, e.Config.Webhooks)
				if err := m.Redeliver(ctx, endpoint, eventID); err != nil {
					return err
				}
				d, err := e.Repo.GetDelivery(ctx, endpoint, eventID)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "configured webhook URL")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: entity changes, deletes, and who made them.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Type", "Entity", "Status", "Actor", "Source"})
				for _, evt := range events {
					status := evt.NewStatus
					if evt.OldStatus != "" && evt.OldStatus != evt.NewStatus {
						status = fmt.Sprintf("%s -> %s", evt.OldStatus, evt.NewStatus)
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, status, evt.ActorID, evt.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), projectOverride(), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CHANGELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				fmt.Println("CHANGELINE_JWT_SECRET not set; bearer tokens will be rejected, anonymous reads still work")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartEmitter(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Changeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func projectOverride() string {
	if p := viper.GetString("project"); p != "" {
		return p
	}
	return viper.GetString("default-project")
}

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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, projectOverride(), r)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// renderOutcome prints an applied mutation and turns every other outcome
// into a command error the shell can act on.
func renderOutcome(out engine.MutationOutcome) error {
	switch out.Kind {
	case engine.OutcomeApplied:
		return printJSONOrTable(out.Entity)
	case engine.OutcomeConflict:
		return fmt.Errorf("version conflict: entity is now at version %d; re-read and retry", out.CurrentVersion)
	case engine.OutcomeThrottled:
		return fmt.Errorf("throttled; retry after %s", out.RetryAfter)
	case engine.OutcomeRejected:
		return fmt.Errorf("rejected: %s", out.Reason)
	}
	return fmt.Errorf("unexpected outcome %q", out.Kind)
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
