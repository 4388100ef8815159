package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/events"
	"flowline/internal/migrate"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline runs role-driven approval workflows.
Core concepts:
- Workspace: your .flowline directory holding only the database; workflow
  definitions are stored in the DB and imported explicitly.
- Workflow: an ordered list of steps, each offered to an abstract role.
- Instance: one running copy of a workflow; active, suspended, postponed
  or finished.
- Task invitation: the offer of the current step to a role's members;
  the first member to claim it becomes the instance's current actor.
- Role classes: groups of interchangeable roles; reassignment may only
  cross roles within one class.
- Event log: diary of everything that happened, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting principal")
	rootCmd.PersistentFlags().String("deployment", "", "deployment name (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("deployment", rootCmd.PersistentFlags().Lookup("deployment"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(invitationCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(permissionsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage deployment config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show deployment config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSON(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import workflow definitions from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
				cfg, err = config.Load(viper.GetString("workspace"))
			} else {
				var data []byte
				data, err = os.ReadFile(filePath)
				if err == nil {
					cfg, err = config.FromYAML(data)
				}
			}
			if err != nil {
				return err
			}
			name := viper.GetString("deployment")
			if name == "" {
				name = cfg.Deployment.Name
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(cmd.Context(), nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.UpsertDeploymentConfigTx(ctx, tx, name, cfg); err != nil {
					return err
				}
				w := events.Writer{DB: r.DB}
				if err := w.Append(ctx, tx, "config.imported", "deployment", name, viper.GetString("actor-id"), events.EventPayload{
					"file":      filePath,
					"workflows": len(cfg.Workflows),
				}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default: workspace flowline.yml)")
	return cmd
}

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default flowline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "default", "deployment name")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowStartCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config.Workflows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Title", "Steps"})
				for _, name := range e.Config.WorkflowNames() {
					wf := e.Config.Workflows[name]
					steps := make([]string, 0, len(wf.Steps))
					for _, s := range wf.Steps {
						steps = append(steps, fmt.Sprintf("%s(%s)", s.Name, s.Role))
					}
					tw.AppendRow(table.Row{name, wf.Title, strings.Join(steps, " -> ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wfi, inv, err := e.StartWorkflow(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"instance": wfi, "invitation": inv})
			})
		},
	}
	return cmd
}

func invitationCmd() *cobra.Command {
	inv := &cobra.Command{
		Use:   "invitation",
		Short: "Manage task invitations",
		Long:  "Task invitations offer the current step of an instance to a role. Claim one to become the instance's current actor.",
	}
	inv.AddCommand(invitationListCmd())
	inv.AddCommand(invitationShowCmd())
	inv.AddCommand(invitationActionCmd("claim", "Claim the invitation for yourself", engine.ActionAssignYourself))
	inv.AddCommand(invitationAssignCmd())
	inv.AddCommand(invitationActionCmd("suspend", "Suspend the invitation's workflow", engine.ActionSuspendWorkflow))
	inv.AddCommand(invitationPostponeCmd())
	inv.AddCommand(invitationActionCmd("release", "Give the claim back to the role pool", engine.ActionReleaseTask))
	inv.AddCommand(invitationActionCmd("complete", "Complete the invitation's step", engine.ActionCompleteStep))
	return inv
}

func invitationListCmd() *cobra.Command {
	var f repo.InvitationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task invitations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInvitations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Instance", "Step", "Role", "Title", "Created"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.InstanceID, i.StepName, i.Role, i.Title, i.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.InstanceID, "instance", "", "instance id filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().StringVar(&f.StepName, "step", "", "step filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func invitationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <invitation-id>",
		Short: "Show a task invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				inv, err := r.GetInvitation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(inv)
			})
		},
	}
	return cmd
}

func invitationActionCmd(use, short, action string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <invitation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Dispatch(ctx, engine.ActionRequest{
					Action:       action,
					Principal:    viper.GetString("actor-id"),
					InvitationID: args[0],
				})
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	return cmd
}

func invitationAssignCmd() *cobra.Command {
	var role, explanation string
	cmd := &cobra.Command{
		Use:   "assign <invitation-id>",
		Short: "Reassign the invitation to another role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Dispatch(ctx, engine.ActionRequest{
					Action:       engine.ActionAssignToRole,
					Principal:    viper.GetString("actor-id"),
					InvitationID: args[0],
					TargetRoleID: role,
					Explanation:  explanation,
				})
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "target role id")
	cmd.Flags().StringVar(&explanation, "explanation", "", "why the task is handed over")
	return cmd
}

func invitationPostponeCmd() *cobra.Command {
	var start, finish string
	cmd := &cobra.Command{
		Use:   "postpone <invitation-id>",
		Short: "Postpone the invitation's workflow (dates as DD.MM.YYYY)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if start == "" || finish == "" {
				return fmt.Errorf("--start and --finish required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Dispatch(ctx, engine.ActionRequest{
					Action:       engine.ActionPostponeWorkflow,
					Principal:    viper.GetString("actor-id"),
					InvitationID: args[0],
					StartDate:    start,
					FinishDate:   finish,
				})
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "resume window start (DD.MM.YYYY)")
	cmd.Flags().StringVar(&finish, "finish", "", "resume window finish (DD.MM.YYYY)")
	return cmd
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Manage workflow instances"}
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceShowCmd())
	inst.AddCommand(instanceResumeCmd())
	inst.AddCommand(instanceSweepCmd())
	return inst
}

func instanceListCmd() *cobra.Command {
	var f repo.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Workflow", "Step", "Status", "Actor", "Started"})
				for _, w := range items {
					actor := ""
					if w.CurrentActor != nil {
						actor = *w.CurrentActor
					}
					tw.AppendRow(table.Row{w.ID, w.WorkflowName, w.CurrentStep, w.Status, actor, w.StartDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowName, "workflow", "", "workflow filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CurrentActor, "actor", "", "current actor filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				wfi, err := r.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(wfi)
			})
		},
	}
	return cmd
}

func instanceResumeCmd() *cobra.Command {
	var operator bool
	cmd := &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Resume a suspended or postponed instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Dispatch(ctx, engine.ActionRequest{
					Action:     engine.ActionResumeWorkflow,
					Principal:  viper.GetString("actor-id"),
					InstanceID: args[0],
					Operator:   operator,
				})
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	cmd.Flags().BoolVar(&operator, "operator", false, "resume before the window opens")
	return cmd
}

func instanceSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resume every postponed instance whose window has opened",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{Status: domain.StatusPostponed})
				if err != nil {
					return err
				}
				resumed := 0
				for _, w := range items {
					if _, err := e.Resume(ctx, w.ID, viper.GetString("actor-id"), false); err != nil {
						if errors.Is(err, engine.ErrInvalidTransition) {
							continue
						}
						return err
					}
					resumed++
				}
				fmt.Printf("Resumed %d of %d postponed instances\n", resumed, len(items))
				return nil
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userShowCmd())
	return u
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id-or-username>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				user, err := r.GetUser(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					user, err = r.GetUserByUsername(ctx, args[0])
				}
				if err != nil {
					return err
				}
				roles, err := r.UserRoles(ctx, user.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"user": user, "roles": roles})
			})
		},
	}
	return cmd
}

func userCreateCmd() *cobra.Command {
	var username, password string
	var superuser bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				user := domain.User{
					ID:           uuid.New().String(),
					Username:     username,
					PasswordHash: repo.HashPassword(password),
					Superuser:    superuser,
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertUser(ctx, tx, user); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSON(user)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().BoolVar(&superuser, "superuser", false, "grant operator rights")
	return cmd
}

func roleCmd() *cobra.Command {
	r := &cobra.Command{Use: "role", Short: "Manage roles"}
	r.AddCommand(roleCreateCmd())
	r.AddCommand(roleAssignCmd())
	r.AddCommand(roleRevokeCmd())
	r.AddCommand(roleGrantCmd())
	return r
}

func roleGrantCmd() *cobra.Command {
	var role, perm string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a permission to a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || perm == "" {
				return fmt.Errorf("--role and --permission required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.AddRolePermission(ctx, tx, role, perm); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&perm, "permission", "", "permission id")
	return cmd
}

func roleCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertRole(ctx, tx, id, desc); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "role id")
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	return cmd
}

func roleAssignCmd() *cobra.Command {
	var role, user string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Add a user to a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || user == "" {
				return fmt.Errorf("--role and --user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, user); err != nil {
					return err
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.AddRoleMember(ctx, tx, role, user); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var role, user string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Remove a user from a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || user == "" {
				return fmt.Errorf("--role and --user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.RemoveRoleMember(ctx, tx, role, user); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyRevokeCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is printed once, only its hash is stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, user); err != nil {
					return err
				}
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				key := "flk_" + hex.EncodeToString(raw)
				rec := domain.APIKey{
					ID:      uuid.New().String(),
					UserID:  user,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				return printJSON(map[string]any{"id": rec.ID, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func permissionsCmd() *cobra.Command {
	p := &cobra.Command{Use: "permissions", Short: "Manage the permission catalog"}
	p.AddCommand(permissionsSyncCmd())
	return p
}

// permissionsSyncCmd rebuilds the permission catalog from the workflow
// definitions: one start permission per workflow and one per step, plus
// the fixed administrative permissions. Existing rows stay; new rows
// are reported.
func permissionsSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the permission catalog with the workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				perms := permissionCatalog(e.Config)
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				var added []string
				for _, p := range perms {
					isNew, err := e.Repo.UpsertPermission(ctx, tx, p)
					if err != nil {
						return err
					}
					if isNew {
						added = append(added, p.ID)
					}
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				total, err := e.Repo.CountPermissions(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Synced %d permissions, %d new, %d in catalog\n", len(perms), len(added), total)
				for _, id := range added {
					fmt.Println("  +", id)
				}
				return nil
			})
		},
	}
	return cmd
}

func permissionCatalog(cfg *config.Config) []domain.Permission {
	perms := []domain.Permission{
		{ID: "user.create", Name: "Create users"},
		{ID: "role.create", Name: "Create roles"},
		{ID: "role.assign", Name: "Manage role members"},
	}
	for name, wf := range cfg.Workflows {
		perms = append(perms, domain.Permission{
			ID:   fmt.Sprintf("workflow.%s.start", name),
			Name: fmt.Sprintf("Start %s", wf.Title),
		})
		for _, step := range wf.Steps {
			perms = append(perms, domain.Permission{
				ID:   fmt.Sprintf("workflow.%s.%s", name, step.Name),
				Name: fmt.Sprintf("%s: %s", wf.Title, step.Name),
			})
		}
	}
	return perms
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: starts, claims, reassignments, lifecycle changes.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
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
			_, cfg, err := app.ResolveDeploymentConfig(cmd.Context(), workspace, viper.GetString("deployment"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FLOWLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("FLOWLINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
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
	_, cfg, err := app.ResolveDeploymentConfig(ctx, workspace, viper.GetString("deployment"), r)
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

func printOutcome(out engine.Outcome) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"msgbox": out})
	}
	fmt.Printf("%s: %s\n", out.Title, out.Message)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
