package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mapthew/mapthew/pkg/agent"
	"github.com/mapthew/mapthew/pkg/config"
	"github.com/mapthew/mapthew/pkg/git"
	"github.com/mapthew/mapthew/pkg/log"
	"github.com/mapthew/mapthew/pkg/logs/redact"
	"github.com/mapthew/mapthew/pkg/preflight"
	"github.com/mapthew/mapthew/pkg/prompt"
	"github.com/mapthew/mapthew/pkg/queue"
	"github.com/mapthew/mapthew/pkg/runtime/docker"
	"github.com/mapthew/mapthew/pkg/session"
	"github.com/mapthew/mapthew/pkg/worker"
)

var (
	workerSkipPreflight bool
	workerConcurrency   int
	workerMetricsPort   int
	workerQuiet         bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued jobs with the coding agent",
	Long: `Consume the job queue and run the coding agent for each job in the session
workspace of its ticket or pull request. Follow-up jobs for the same ticket
continue the previous agent conversation.

The worker keeps at most maxSessions workspaces, evicting the least recently
used one when a new session is needed, and removes sessions idle for longer
than pruneThresholdDays every pruneIntervalDays.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		runner, pf, err := newRunner(a.cfg)
		if err != nil {
			return err
		}
		pf.Skip = workerSkipPreflight
		if err := preflight.NewChecker(pf).Run(ctx); err != nil {
			return err
		}

		sessions, err := session.NewManager(session.Options{
			Root:        a.cfg.WorkspacesDir,
			MaxSessions: a.cfg.MaxSessions,
			Store:       session.NewSQLStore(a.db),
			Metrics:     a.metrics,
		})
		if err != nil {
			return err
		}
		if err := sessions.Load(ctx); err != nil {
			return err
		}

		prompts, err := prompt.NewCompiler(a.cfg.Agent.InstructionsDir)
		if err != nil {
			return err
		}

		d := &worker.Dispatcher{
			Sessions:       sessions,
			Runner:         runner,
			Prompts:        prompts,
			Settings:       a.settings,
			Jira:           a.jira,
			Redactor:       newRedactor(a.cfg),
			Metrics:        a.metrics,
			MaxBufferBytes: a.cfg.MaxBufferBytes,
			GitAuthor: git.FromEnv(os.LookupEnv).Override(git.Identity{
				Name:  a.cfg.Agent.GitAuthorName,
				Email: a.cfg.Agent.GitAuthorEmail,
			}),
		}
		if a.github != nil {
			d.GitHub = a.github
		}

		concurrency := a.cfg.Concurrency
		if cmd.Flags().Changed("concurrency") {
			concurrency = workerConcurrency
		}
		w := a.queue.NewWorker(d.Handle, queue.WorkerOptions{Concurrency: concurrency})
		d.Register(w)

		pruner := session.NewPruner(sessions, a.cfg.PruneThreshold(), a.cfg.PruneInterval())
		pruner.Start(ctx)
		defer pruner.Stop()

		log.Info("mapthew worker starting",
			"queue", a.queue.Name(),
			"runtime", a.cfg.Agent.Runtime,
			"concurrency", concurrency,
			"workspaces", sessions.Root(),
			"sessions", sessions.SessionCount(),
			"max_sessions", sessions.MaxSessions(),
		)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return w.Run(ctx) })
		g.Go(func() error { return refreshSettings(ctx, a) })
		if workerMetricsPort > 0 {
			g.Go(func() error { return serveMetrics(ctx, workerMetricsPort) })
		}
		return g.Wait()
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerSkipPreflight, "skip-preflight", false, "Skip the startup environment checks")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 1, "Jobs processed in parallel (overrides config)")
	workerCmd.Flags().IntVar(&workerMetricsPort, "metrics-port", 0, "Serve /metrics on this port (0 disables)")
	workerCmd.Flags().BoolVarP(&workerQuiet, "quiet", "q", false, "Do not copy agent output to this process's stdout and stderr")
	rootCmd.AddCommand(workerCmd)
}

// newRunner builds the agent runner for the configured runtime together with
// the preflight checks that runtime needs.
func newRunner(cfg *config.Config) (agent.Runner, preflight.Config, error) {
	pf := preflight.Config{
		RequireAgentCredentials: true,
		Dirs:                    []string{cfg.StateDir, cfg.WorkspacesDir},
		MCPConfigPath:           cfg.Agent.MCPConfigPath,
	}

	switch cfg.Agent.Runtime {
	case config.RuntimeDocker:
		rt, err := docker.NewRuntime(cfg.Agent.DockerImage)
		if err != nil {
			return nil, pf, fmt.Errorf("failed to connect to docker: %w", err)
		}
		rt.Command = cfg.Agent.Command
		rt.MCPConfigPath = cfg.Agent.MCPConfigPath
		rt.PassEnv = cfg.Agent.PassEnv
		rt.Timeout = cfg.Agent.Timeout
		rt.Tee = !workerQuiet
		pf.DockerPing = rt.Ping
		return rt, pf, nil
	case config.RuntimeLocal, "":
		pf.AgentCommand = cfg.Agent.Command
		return &agent.ClaudeRunner{
			Command:       cfg.Agent.Command,
			MCPConfigPath: cfg.Agent.MCPConfigPath,
			Timeout:       cfg.Agent.Timeout,
			Tee:           !workerQuiet,
		}, pf, nil
	default:
		return nil, pf, fmt.Errorf("unknown agent runtime %q", cfg.Agent.Runtime)
	}
}

// newRedactor masks the configured credentials and the agent's API key in
// failure messages posted back to trackers.
func newRedactor(cfg *config.Config) *redact.Redactor {
	secrets := []string{cfg.Jira.APIToken, cfg.GitHub.Token, os.Getenv("ANTHROPIC_API_KEY")}
	return redact.New(redact.Config{Mode: redact.ModeBasic, Secrets: secrets})
}

func serveMetrics(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
