// Package server is the HTTP surface of mapthew: issue-tracker and code-host
// webhooks, the bulk label trigger, the settings API, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mapthew/mapthew/pkg/config"
	"github.com/mapthew/mapthew/pkg/job"
	"github.com/mapthew/mapthew/pkg/log"
	"github.com/mapthew/mapthew/pkg/metrics"
	"github.com/mapthew/mapthew/pkg/queue"
	"github.com/mapthew/mapthew/pkg/trigger"
)

const maxBodyBytes = 5 << 20

// Enqueuer adds jobs to the work queue.
type Enqueuer interface {
	Add(ctx context.Context, name string, j job.Job, opts queue.Options) (string, error)
}

// SettingsStore reads and replaces the runtime settings.
type SettingsStore interface {
	Get() config.Settings
	Save(ctx context.Context, next config.Settings) error
}

// JiraClient searches issues and posts comments on the configured Jira site.
// Calls return jira.ErrNotConfigured while credentials are missing.
type JiraClient interface {
	trigger.Searcher
	PostComment(ctx context.Context, issueKey, text string) error
}

// GitHubCommenter posts a comment on a pull request or issue.
type GitHubCommenter interface {
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
}

// Config configures a Server.
type Config struct {
	Port     int
	StateDir string
	Queue    Enqueuer
	Settings SettingsStore
	Resolver *trigger.Resolver
	Jira     JiraClient
	// GitHub is optional; without it queued code-host jobs are not acknowledged.
	GitHub GitHubCommenter

	JiraWebhookSecret   string
	GitHubWebhookSecret string

	Metrics  *metrics.Recorder
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

// Server serves the mapthew HTTP API.
type Server struct {
	cfg       Config
	router    chi.Router
	server    *http.Server
	decisions *ndjsonWriter
	now       func() time.Time
}

// DecisionRecord is one line of decisions.ndjson.
type DecisionRecord struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Event     string    `json:"event"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Target    string    `json:"target,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// New validates cfg, opens the decision log and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("settings store is required")
	}
	if cfg.Jira == nil {
		return nil, errors.New("jira client is required")
	}
	if cfg.StateDir == "" {
		return nil, errors.New("state dir is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = &trigger.Resolver{}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	decisions, err := newNDJSONWriter(filepath.Join(cfg.StateDir, "decisions.ndjson"))
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, decisions: decisions, now: cfg.Now}
	if s.now == nil {
		s.now = time.Now
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/webhook", func(r chi.Router) {
		r.Post("/jira", s.handleJiraWebhook)
		r.Post("/github", s.handleGitHubWebhook)
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/bulk/label-trigger", s.handleBulkLabelTrigger)
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		log.Info("http server stopped")
		return nil
	}
}

// Close releases the decision log.
func (s *Server) Close() error {
	return s.decisions.Close()
}

// record appends a decision to the log and the metrics. Failures to write the
// log never fail the request.
func (s *Server) record(rec DecisionRecord) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC()
	s.cfg.Metrics.ObserveDecision(rec.Source, rec.Status)
	if err := s.decisions.Write(rec); err != nil {
		log.Warn("failed to write decision log", "error", err)
	}
}

func (s *Server) enqueue(ctx context.Context, j job.Job) (string, error) {
	return s.cfg.Queue.Add(ctx, queue.JobName, j, queue.DefaultOptions())
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
