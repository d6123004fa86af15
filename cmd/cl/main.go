package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabline/internal/app"
	"collabline/internal/config"
	"collabline/internal/domain"
	"collabline/internal/engine"
	"collabline/internal/notify"
	"collabline/internal/repo"
	"collabline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Collabline CLI",
	Long: `Collabline runs a collaboration marketplace: people apply to join projects or
take on missions, owners accept or reject them, and every step lands in the
participants' notification inbox.

- Projects: owned by one user, personal or collaborative, public or private.
- Missions: units of work with at most one assignee, optionally linked to a project.
- Applications: a request to join a project or take a mission; a proposal
  is a mission application addressed to a chosen recipient.
- Notifications: the per-user inbox; request notifications can be decided
  directly from it.
- Event log: every transition, view with 'cl log tail'.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "user acting on the command")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log below warn level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(applicationsCmd())
	rootCmd.AddCommand(collaboratorCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- users ---

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(userAddCmd())
	cmd.AddCommand(userShowCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var name, image string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.UpsertUser(ctx, args[0], name, image)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&image, "image", "", "avatar URL")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

// --- projects ---

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	cmd.AddCommand(projectCreateCmd())
	cmd.AddCommand(projectShowCmd())
	cmd.AddCommand(projectListCmd())
	cmd.AddCommand(projectUpdateCmd())
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project owned by the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				opts.OwnerID = actor
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "project title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "project description")
	cmd.Flags().StringVar(&opts.Visibility, "visibility", domain.VisibilityPublic, "public or private")
	cmd.Flags().StringVar(&opts.ProjectType, "type", domain.ProjectCollaborative, "personal or collaborative")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				p, err := e.GetProject(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				items, err := e.ListProjects(ctx, f, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Owner", "Type", "Visibility", "Status", "Collaborators")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.OwnerID, p.ProjectType, p.Visibility, p.Status, len(p.Collaborators)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner-id", "", "owner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var title, description, visibility, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a project (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				p, err := e.UpdateProject(ctx, engine.ProjectUpdateOptions{
					ID:          args[0],
					ActorID:     actor,
					Title:       changedString(cmd, "title", title),
					Description: changedString(cmd, "description", description),
					Visibility:  changedString(cmd, "visibility", visibility),
					Status:      changedString(cmd, "status", status),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&visibility, "visibility", "", "public or private")
	cmd.Flags().StringVar(&status, "status", "", "active or archived")
	return cmd
}

// --- missions ---

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Manage missions"}
	cmd.AddCommand(missionCreateCmd())
	cmd.AddCommand(missionShowCmd())
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionUpdateCmd())
	return cmd
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				opts.CreatorID = actor
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "mission title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "mission description")
	cmd.Flags().StringVar(&opts.ProjectID, "project-id", "", "link to a project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				m, err := e.GetMission(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				items, err := e.ListMissions(ctx, f, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Creator", "Assignee", "Project", "Status")
				for _, m := range items {
					project := ""
					if m.ProjectID != nil {
						project = *m.ProjectID
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.CreatorID, m.Assignee(), project, m.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project-id", "", "project filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator-id", "", "creator filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func missionUpdateCmd() *cobra.Command {
	var title, description, status, projectID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a mission",
		Long:  "The creator and members of the linked project may change any field; the assignee may only change the status. Pass --project-id \"\" to unlink.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				m, err := e.UpdateMission(ctx, engine.MissionUpdateOptions{
					ID:          args[0],
					ActorID:     actor,
					Title:       changedString(cmd, "title", title),
					Description: changedString(cmd, "description", description),
					Status:      changedString(cmd, "status", status),
					ProjectID:   changedString(cmd, "project-id", projectID),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "todo, in_progress, in_review, done or cancelled")
	cmd.Flags().StringVar(&projectID, "project-id", "", "linked project")
	return cmd
}

// --- applications ---

func applyCmd() *cobra.Command {
	var message, kind, recipient string
	cmd := &cobra.Command{
		Use:   "apply <project|mission> <id>",
		Short: "Apply to a project or mission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				res, err := e.SubmitApplication(ctx, engine.SubmitOptions{
					TargetKind:  args[0],
					TargetID:    args[1],
					ApplicantID: actor,
					Message:     message,
					Kind:        kind,
					RecipientID: recipient,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Application)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "message to the decider")
	cmd.Flags().StringVar(&kind, "kind", domain.KindApplication, "application or proposal (missions only)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "proposal recipient")
	return cmd
}

func decideCmd() *cobra.Command {
	var applicationID, applicant string
	cmd := &cobra.Command{
		Use:   "decide <project|mission> <id> <accept|reject>",
		Short: "Accept or reject an application",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if applicationID == "" && applicant == "" {
				return fmt.Errorf("--application-id or --applicant required")
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				res, err := e.DecideApplication(ctx, engine.DecideOptions{
					TargetKind:    args[0],
					TargetID:      args[1],
					ApplicationID: applicationID,
					ApplicantID:   applicant,
					Action:        args[2],
					ActorID:       actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Application)
			})
		},
	}
	cmd.Flags().StringVar(&applicationID, "application-id", "", "application to decide")
	cmd.Flags().StringVar(&applicant, "applicant", "", "decide the applicant's latest application")
	return cmd
}

func applicationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "applications", Short: "Inspect and maintain applications"}
	cmd.AddCommand(applicationsListCmd())
	cmd.AddCommand(applicationsExpireCmd())
	return cmd
}

func applicationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project|mission> <id>",
		Short: "List applications to a target (owner or creator only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				apps, err := e.ListApplications(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(apps)
				}
				tw := newTable("ID", "Applicant", "Kind", "Status", "Created", "Decided by")
				for _, a := range apps {
					decidedBy := ""
					if a.DecidedBy != nil {
						decidedBy = *a.DecidedBy
					}
					tw.AppendRow(table.Row{a.ID, a.ApplicantID, a.Kind, a.Status, a.CreatedAt, decidedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func applicationsExpireCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Reject pending applications older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ttl := olderThan
				if ttl == 0 {
					ttl = e.Config.PendingTTL()
				}
				n, err := e.ExpirePending(ctx, ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"expired": n})
				}
				fmt.Printf("expired %d application(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "cutoff age (defaults to marketplace.applications.pending_ttl)")
	return cmd
}

func collaboratorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "collaborator", Short: "Manage project collaborators"}
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <project-id> <user-id>",
		Short: "Remove a collaborator, or leave a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				p, err := e.RemoveCollaborator(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return cmd
}

// --- notifications ---

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notifications", Aliases: []string{"inbox"}, Short: "Work with the actor's notification inbox"}
	cmd.AddCommand(notificationsListCmd())
	cmd.AddCommand(notificationsReconcileCmd())
	cmd.AddCommand(notificationsDecideCmd())
	cmd.AddCommand(notificationsMessageCmd())
	return cmd
}

func notificationsListCmd() *cobra.Command {
	var f notify.Filter
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications (pending only unless --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				f.PendingOnly = !all
				page, err := e.Notify.List(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable("ID", "Type", "From", "Title", "Status", "Read", "Created")
				for _, n := range page.Items {
					tw.AppendRow(table.Row{n.ID, n.Type, n.FromID, n.Title, n.Status, n.Read, n.CreatedAt})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("next cursor: %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include read and decided notifications")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "page cursor")
	return cmd
}

func notificationsReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <id> <read|accepted|rejected>",
		Short: "Record the actor's response to a notification",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				n, err := e.Notify.Reconcile(ctx, args[0], actor, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
}

func notificationsDecideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decide <id> <accept|reject>",
		Short: "Decide the application a request notification refers to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				res, err := e.DecideFromNotification(ctx, args[0], actor, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Application)
			})
		},
	}
}

func notificationsMessageCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "message <to-id> <text>",
		Short: "Record a new_message notification",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				n, err := e.SendMessage(ctx, actor, args[0], title, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "notification title")
	return cmd
}

// --- api keys ---

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage the actor's API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				plain, key, err := e.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor string) error {
				if err := e.RevokeAPIKey(ctx, args[0], actor); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in collabline.yml at the workspace root. Missing keys fall back to defaults; process settings such as the database DSN come from CL_* environment variables.",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default collabline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate collabline.yml",
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
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("TS", "Type", "Entity", "Actor", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ProjectID, "project-id", "", "project filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			log := app.NewLogger(env, nil)
			if env.JWTSecret == "" && !env.AllowDevHeader {
				return fmt.Errorf("CL_JWT_SECRET is required unless CL_ALLOW_DEV_HEADER is set")
			}
			if devLogin && env.JWTSecret == "" {
				return fmt.Errorf("--dev-login requires CL_JWT_SECRET")
			}
			ctx := cmd.Context()
			rt, err := app.Open(ctx, viper.GetString("workspace"), env, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg := rt.Config
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Log:      log,
				Auth: server.AuthConfig{
					JWTSecret:      env.JWTSecret,
					AllowDevHeader: env.AllowDevHeader,
					DevLogin:       devLogin,
				},
				RateLimit: server.RateLimitConfig{
					RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
					Burst:             cfg.RateLimit.Burst,
				},
				AllowedOrigins: origins,
			})
			if err != nil {
				return err
			}

			if ttl := cfg.PendingTTL(); ttl > 0 {
				sweeper, err := engine.NewSweeper(rt.Engine, cfg.Marketplace.Applications.SweepSchedule, ttl, log)
				if err != nil {
					return err
				}
				sweeper.Start()
				defer sweeper.Stop()
			}
			server.StartWebhookDispatcher(ctx, rt.Engine, cfg.Webhooks, log)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving collabline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (development only)")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origins")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	log := app.NewLogger(env, nil)
	if !viper.GetBool("verbose") {
		log = log.Level(zerolog.WarnLevel)
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), env, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func withActor(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	actor := strings.TrimSpace(viper.GetString("actor-id"))
	if actor == "" {
		return fmt.Errorf("--actor-id (or CL_ACTOR_ID) required")
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, actor)
	})
}

// changedString returns a pointer to value only when the flag was given, so
// that an explicit empty value can clear a field.
func changedString(cmd *cobra.Command, flag, value string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &value
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
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
