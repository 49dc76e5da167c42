package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mapthew/mapthew/pkg/config"
	"github.com/mapthew/mapthew/pkg/github"
	"github.com/mapthew/mapthew/pkg/jira"
	"github.com/mapthew/mapthew/pkg/log"
	"github.com/mapthew/mapthew/pkg/metrics"
	"github.com/mapthew/mapthew/pkg/queue"
	"github.com/mapthew/mapthew/pkg/store"
)

// app holds the process-wide dependencies shared by the subcommands.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	settings *config.Store
	queue    *queue.Queue
	jira     *jira.Site
	// github is nil when no token is configured.
	github  *github.Client
	metrics *metrics.Recorder
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configPath, cmd.Flags().Changed("config"))
}

// openApp loads configuration, opens the database and builds the clients.
// The caller must Close the returned app.
func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	settings, err := config.NewStore(ctx, db, cfg.Settings)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		settings: settings,
		queue:    queue.New(db, settings.Get().QueueName()),
		jira: &jira.Site{
			BaseURL: func() string { return settings.Get().JiraBaseURL },
			Email:   cfg.Jira.Email,
			Token:   cfg.Jira.APIToken,
		},
		metrics: metrics.New(prometheus.DefaultRegisterer),
	}

	a.github, err = github.NewClient(cfg.GitHub.Token)
	switch {
	case errors.Is(err, github.ErrNoToken):
		log.Debug("github token not configured; github replies disabled")
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("failed to create github client: %w", err)
	}
	if !a.jira.Configured() {
		log.Debug("jira credentials not configured; jira replies disabled")
	}
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
