package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"missionline/internal/app"
	"missionline/internal/audit"
	"missionline/internal/command"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/repo"
	"missionline/internal/server"
)

func advanceCmd() *cobra.Command {
	var all, queue bool
	var max int
	cmd := &cobra.Command{
		Use:   "advance <casefile-id>",
		Short: "Run the next orchestration step",
		Long: `Runs at most one step: plan a described mission, execute the first workflow,
or analyze the first execution result. --all repeats until nothing is left to do.
--queue hands the step to a running worker ('ml serve' or 'ml worker') instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				if queue {
					task, err := a.EnqueueAdvance(ctx, userID(), args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(task)
				}
				steps := 1
				if all {
					steps = max
				}
				var outcomes []map[string]any
				for i := 0; i < steps; i++ {
					res, err := a.Dispatch(ctx, userID(), command.AdvanceCasefile, cliSource, map[string]any{"casefile_id": args[0]})
					if err != nil {
						return err
					}
					outcomes = append(outcomes, res.Result)
					if res.Result["stage"] == "idle" {
						break
					}
				}
				if viper.GetBool("json") {
					return printJSON(outcomes)
				}
				rows := make([]table.Row, 0, len(outcomes))
				for _, o := range outcomes {
					rows = append(rows, table.Row{o["stage"], o["status"], o["artifact_id"], o["message"]})
				}
				renderTable(table.Row{"Stage", "Status", "Artifact", "Message"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "advance until idle")
	cmd.Flags().IntVar(&max, "max", 10, "step limit with --all")
	cmd.Flags().BoolVar(&queue, "queue", false, "enqueue as a background task")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Background tasks"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Queue.List(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				rows := make([]table.Row, 0, len(tasks))
				for _, t := range tasks {
					rows = append(rows, table.Row{t.ID, t.Name, t.Payload["casefile_id"], t.Status, t.Attempts, t.Error, t.UpdatedAt})
				}
				renderTable(table.Row{"ID", "Job", "Casefile", "Status", "Attempts", "Error", "Updated"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "queued, running, succeeded or failed")
	list.Flags().IntVar(&limit, "limit", 20, "number of tasks")
	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				t, err := a.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	task.AddCommand(list, show)
	return task
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Communication audit log"}
	var n int
	var direction string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, ap *app.App) error {
				entries, err := audit.List(ctx, ap.Repo, n, direction)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				rows := make([]table.Row, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, table.Row{e.ID, e.Timestamp, e.Direction, e.Message})
				}
				renderTable(table.Row{"ID", "Time", "Direction", "Message"}, rows)
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&direction, "direction", "", "direction filter, e.g. COMMAND_DISPATCH")
	a.AddCommand(tail)
	return a
}

func toolsCmd() *cobra.Command {
	t := &cobra.Command{Use: "tools", Short: "Workflow tools"}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				items := a.Tools.Describe()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.Name, it.Description})
				}
				renderTable(table.Row{"Name", "Description"}, rows)
				return nil
			})
		},
	})
	return t
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var user, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = userID()
			}
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				secret, err := repo.NewAPIKeySecret()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    user,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: domain.Timestamp(time.Now()),
				}
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "user_id": key.UserID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&user, "user", "", "owning user (defaults to --user-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliLogger(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "filter by user")
	k.AddCommand(create, list)
	return k
}

func tokenCmd() *cobra.Command {
	var user string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := cfg.JWTSecret()
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Auth.JWTSecretEnv)
			}
			if user == "" {
				user = userID()
			}
			token, err := server.SignToken(secret, user, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "token subject (defaults to --user-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default missionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate missionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config valid")
			return nil
		},
	}
	c.AddCommand(initCmd, show, validate)
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, log.Default(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:       a.Config.JWTSecret(),
					AllowUserHeader: a.Config.Server.AllowUserHeader,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowUserHeader {
					return fmt.Errorf("%s is required for bearer auth", a.Config.Auth.JWTSecretEnv)
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				log.Printf("[server] database %s", db.Path(viper.GetString("workspace")))
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.Run(ctx) })
				g.Go(func() error {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background tasks and webhook delivery without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, log.Default(), func(ctx context.Context, a *app.App) error {
				log.Printf("[worker] running jobs %v", a.Queue.Jobs())
				return a.Run(ctx)
			})
		},
	}
}
