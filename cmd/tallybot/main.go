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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tallybot/internal/config"
	"tallybot/internal/db"
	"tallybot/internal/domain"
	"tallybot/internal/engine"
	"tallybot/internal/gateway"
	"tallybot/internal/migrate"
	"tallybot/internal/router"
	"tallybot/internal/scoreboard"
	"tallybot/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tallybot",
	Short: "Tallybot CLI",
	Long: `Tallybot runs a chat bot that keeps a points ledger with peer approval.
Every change to the ledger starts as a request another user must approve by
replying yes or no. Delegated tasks escrow the offered points until a third
user certifies completion.`,
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
	viper.SetEnvPrefix("TALLYBOT")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(consoleCmd())
	rootCmd.AddCommand(scoreboardCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				cfg = config.Default()
			}
			token := cfg.Discord.Token
			if token == "" {
				token = viper.GetString("discord-token")
			}
			if token == "" {
				return fmt.Errorf("discord token is required (config discord.token or TALLYBOT_DISCORD_TOKEN)")
			}
			if cmd.Flags().Changed("addr") || cfg.HTTP.Addr == "" {
				cfg.HTTP.Addr = addr
			}

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			gw, err := gateway.NewDiscord(token)
			if err != nil {
				return err
			}
			gw.GuildID = cfg.Discord.Guild
			e := engine.New(conn, gw)
			rt := router.New(e, gw, gw)

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.HTTP.JWTSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 2)
			go func() { errc <- gw.Run(ctx, rt) }()
			go func() { errc <- srv.ListenAndServe() }()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Tallybot API on http://%s%s\n", cfg.HTTP.Addr, basePath)

			err = <-errc
			stop()
			if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func consoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run the bot against an interactive local console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineOutbox(cmd.Context(), func(ctx context.Context, mk func(engine.Outbox) engine.Engine) error {
				con := gateway.NewConsole(os.Stdin, os.Stdout)
				e := mk(con)
				rt := router.New(e, con, con)
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return con.Run(ctx, rt)
			})
		},
	}
	return cmd
}

func scoreboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scoreboard",
		Short: "Print the scoreboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Ledger.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				fmt.Println(scoreboard.Render(users))
				return nil
			})
		},
	}
	return cmd
}

func tasksCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Ledger.ListTasks(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Description", "Points", "Status"})
				for _, task := range tasks {
					t.AppendRow(table.Row{task.TaskID, task.Description, scoreboard.FormatPoints(task.Points), task.Status})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", domain.StatusApproved, "task status filter")
	return cmd
}

func pendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List open requests grouped by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				groups := map[string]any{}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Status", "Type", "Requester", "Approver", "Points", "Description"})
				for _, status := range []string{domain.StatusPending, domain.StatusOngoing, domain.StatusReview} {
					reqs, err := e.Requests.ListByStatus(ctx, status)
					if err != nil {
						return err
					}
					groups[status] = reqs
					for _, r := range reqs {
						t.AppendRow(table.Row{r.Status, r.Type, r.RequesterNickname, r.ApproverNickname,
							scoreboard.FormatPoints(r.Points), r.Description})
					}
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List user profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Ledger.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Discord ID", "Username", "Nickname", "Score"})
				for _, u := range users {
					t.AppendRow(table.Row{u.DiscordID, u.Username, u.Nickname, scoreboard.FormatPoints(u.Score)})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Events.List(ctx, n)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEngineOutbox(ctx, func(ctx context.Context, mk func(engine.Outbox) engine.Engine) error {
		return fn(ctx, mk(nil))
	})
}

func withEngineOutbox(ctx context.Context, fn func(context.Context, func(engine.Outbox) engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, func(out engine.Outbox) engine.Engine {
		return engine.New(conn, out)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
