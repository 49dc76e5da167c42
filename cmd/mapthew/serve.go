package main

import (
	"context"
	"errors"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mapthew/mapthew/pkg/log"
	"github.com/mapthew/mapthew/pkg/poller"
	"github.com/mapthew/mapthew/pkg/server"
	"github.com/mapthew/mapthew/pkg/trigger"
)

const settingsRefreshInterval = 30 * time.Second

var (
	servePort   int
	servePoller bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver",
	Long: `Run the HTTP server that receives Jira and GitHub webhooks, resolves them
into jobs and queues them for "mapthew worker".

Endpoints:
  POST /webhook/jira             Jira comment_created and jira:issue_updated
  POST /webhook/github           GitHub issue_comment
  POST /api/bulk/label-trigger   queue every open issue carrying a label
  GET  /api/config, PUT /api/config
  GET  /health, GET /metrics

With --poller (or poller.enabled in the config) the server also polls Jira for
new mention comments, for sites that cannot deliver webhooks.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		port := a.cfg.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		stateDir, err := filepath.Abs(a.cfg.StateDir)
		if err != nil {
			return err
		}

		srvCfg := server.Config{
			Port:                port,
			StateDir:            stateDir,
			Queue:               a.queue,
			Settings:            a.settings,
			Resolver:            &trigger.Resolver{},
			Jira:                a.jira,
			JiraWebhookSecret:   a.cfg.Jira.WebhookSecret,
			GitHubWebhookSecret: a.cfg.GitHub.WebhookSecret,
			Metrics:             a.metrics,
			Gatherer:            prometheus.DefaultGatherer,
		}
		if a.github != nil {
			srvCfg.Resolver.Branches = a.github
			srvCfg.GitHub = a.github
		}
		srv, err := server.New(srvCfg)
		if err != nil {
			return err
		}
		defer srv.Close()

		settings := a.settings.Get()
		log.Info("mapthew server starting",
			"port", port,
			"bot", settings.BotName,
			"queue", a.queue.Name(),
			"label_trigger", settings.TriggerLabel,
			"jira_configured", a.jira.Configured(),
			"github_configured", a.github != nil,
		)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Start(ctx) })
		if servePoller || a.cfg.Poller.Enabled {
			if len(a.cfg.Poller.Projects) == 0 {
				return errors.New("the poller needs poller.projects (or JIRA_PROJECTS) to be set")
			}
			p := &poller.Poller{
				Client:   a.jira,
				Queue:    a.queue,
				Seen:     poller.NewSQLSeen(a.db),
				Settings: a.settings,
				Metrics:  a.metrics,
				Projects: a.cfg.Poller.Projects,
				Interval: a.cfg.Poller.Interval,
			}
			g.Go(func() error { return p.Run(ctx) })
		}
		g.Go(func() error { return refreshSettings(ctx, a) })
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides config)")
	serveCmd.Flags().BoolVar(&servePoller, "poller", false, "Also poll Jira for mention comments")
	rootCmd.AddCommand(serveCmd)
}

// refreshSettings picks up settings saved by other processes sharing the
// database until ctx is cancelled.
func refreshSettings(ctx context.Context, a *app) error {
	ticker := time.NewTicker(settingsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.settings.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Warn("failed to refresh settings", "error", err)
			}
		}
	}
}
