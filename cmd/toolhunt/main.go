package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/toolhunt/toolhunt/internal/api"
	"github.com/toolhunt/toolhunt/internal/config"
	"github.com/toolhunt/toolhunt/internal/db"
	"github.com/toolhunt/toolhunt/internal/reconcile"
	"github.com/toolhunt/toolhunt/internal/schema"
	"github.com/toolhunt/toolhunt/internal/tasks"
	"github.com/toolhunt/toolhunt/internal/toolhub"
	"github.com/toolhunt/toolhunt/internal/vault"
)

type app struct {
	cfg    *config.Settings
	log    zerolog.Logger
	db     *gorm.DB
	client *toolhub.Client
	oauth  *toolhub.OAuth
	vault  *vault.Vault
	tasks  *tasks.Service
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	gdb, err := db.InitDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	client := toolhub.NewClient(cfg.ToolhubAPIBaseURL, cfg.UpstreamTimeout)
	oauth := toolhub.NewOAuth(toolhub.OAuthParams{
		AuthURL:      cfg.ToolhubAuthURL,
		TokenURL:     cfg.ToolhubTokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
	})
	v := vault.New(gdb, oauth, cfg.EncryptionSecret, log)
	svc := tasks.NewService(gdb, client, v, tasks.Options{
		Cooldown:         cfg.Cooldown,
		FilteredCooldown: cfg.FilteredCooldown,
		DevMode:          cfg.IsDev(),
		Annotations:      cfg.Annotations,
	}, log)

	return &app{
		cfg:    cfg,
		log:    log,
		db:     gdb,
		client: client,
		oauth:  oauth,
		vault:  v,
		tasks:  svc,
	}, nil
}

func main() {
	root := &cobra.Command{
		Use:           "toolhunt",
		Short:         "Toolhunt tracks missing tool annotations and hands them out as tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), syncCmd(), countCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.tasks.Wait()

			sch := schema.NewFetcher(a.cfg.ToolhubAPIBaseURL, a.cfg.UpstreamTimeout)
			server := api.NewServer(a.db, a.tasks, a.vault, a.oauth, a.client, sch, a.cfg, a.log)

			a.log.Info().Str("addr", a.cfg.ListenAddr).Str("environment", a.cfg.Environment).Msg("listening")
			return http.ListenAndServe(a.cfg.ListenAddr, server.Router())
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass against the upstream catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			engine := reconcile.New(a.db, a.client, a.cfg.Annotations, a.log)
			stats, err := engine.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("synced: %d tools kept of %d seen, %d tasks stamped, swept %d tools / %d tasks in %s\n",
				stats.ToolsKept, stats.ToolsSeen, stats.TasksStamped, stats.ToolsSwept, stats.TasksSwept, stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Probe the upstream catalog and print its tool count",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.UpstreamTimeout)
			defer cancel()
			n, err := a.client.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
}
