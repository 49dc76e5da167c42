// Package worker runs queued jobs: it picks the session workspace, builds the
// prompt, runs the agent with bounded output capture and reports failures back
// to where the job came from.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mapthew/mapthew/pkg/agent"
	"github.com/mapthew/mapthew/pkg/config"
	"github.com/mapthew/mapthew/pkg/git"
	"github.com/mapthew/mapthew/pkg/job"
	"github.com/mapthew/mapthew/pkg/log"
	"github.com/mapthew/mapthew/pkg/logs/redact"
	"github.com/mapthew/mapthew/pkg/metrics"
	"github.com/mapthew/mapthew/pkg/output"
	"github.com/mapthew/mapthew/pkg/queue"
	"github.com/mapthew/mapthew/pkg/session"
)

// FailurePrefix starts every failure comment.
const FailurePrefix = "🤓 Oops, I hit an error: "

// RunError is a non-zero agent exit.
type RunError struct {
	ExitCode int
	// Stderr is the captured tail of the agent's error stream.
	Stderr    string
	Truncated bool
}

func (e *RunError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return fmt.Sprintf("Process exited with code %d", e.ExitCode)
}

// Prompter renders the agent prompt for a job.
type Prompter interface {
	Build(j job.Job, s config.Settings) string
}

// SettingsSource returns the current runtime settings.
type SettingsSource interface {
	Get() config.Settings
}

// JiraCommenter posts a comment on an issue.
type JiraCommenter interface {
	PostComment(ctx context.Context, issueKey, text string) error
}

// GitHubCommenter posts a comment on a pull request or issue.
type GitHubCommenter interface {
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
}

// Dispatcher processes jobs. Jira and GitHub may be nil when the
// corresponding credentials are not configured.
type Dispatcher struct {
	Sessions *session.Manager
	Runner   agent.Runner
	Prompts  Prompter
	Settings SettingsSource

	Jira   JiraCommenter
	GitHub GitHubCommenter

	Redactor *redact.Redactor
	Metrics  *metrics.Recorder
	// MaxBufferBytes bounds each captured stream.
	MaxBufferBytes int
	// GitAuthor overrides fields of the bot's default commit identity.
	GitAuthor git.Identity
}

// Process runs the agent for j in its session workspace. The workspace is
// kept whatever the outcome.
func (d *Dispatcher) Process(ctx context.Context, j job.Job) (err error) {
	started := time.Now()
	defer func() {
		d.Metrics.ObserveJob(string(j.Source()), err == nil, time.Since(started))
	}()

	key := job.SessionKey(j)
	id := job.ReadableID(j)
	runID := uuid.NewString()
	logger := log.With("job", id, "session", key, "run_id", runID)
	logger.Infow("processing job", "instruction", j.Common().Instruction, "triggered_by", j.Common().TriggeredBy)

	lease, err := d.Sessions.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to prepare workspace: %w", err)
	}
	defer lease.Release()

	resume := session.HasExistingSession(lease.Path)
	if resume {
		logger.Infow("resuming existing agent session", "workspace", lease.Path)
	} else {
		logger.Infow("starting fresh agent session", "workspace", lease.Path, "created", lease.Created)
	}

	settings := d.Settings.Get()
	stdout := d.buffer("stdout", logger.Warnw)
	stderr := d.buffer("stderr", logger.Warnw)

	res, runErr := d.Runner.Run(ctx, agent.Invocation{
		RunID:   runID,
		Prompt:  d.Prompts.Build(j, settings),
		WorkDir: lease.Path,
		Resume:  resume,
		Model:   string(settings.ClaudeModel),
		Env:     d.commitIdentity(settings).Env(),
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if runErr != nil {
		logger.Errorw("agent run failed", "error", runErr)
		return runErr
	}
	if res.ExitCode != 0 {
		return &RunError{
			ExitCode:  res.ExitCode,
			Stderr:    strings.TrimSpace(stderr.String()),
			Truncated: stderr.Truncated(),
		}
	}

	logger.Infow("job completed", "duration", time.Since(started).Round(time.Millisecond), "stdout_bytes", stdout.Len())
	d.logRepositories(logger, lease.Path)
	return nil
}

// logRepositories records where the agent left each checkout in the workspace.
func (d *Dispatcher) logRepositories(logger *zap.SugaredLogger, dir string) {
	repos, err := git.Inspect(dir)
	if err != nil {
		logger.Debugw("failed to inspect workspace repositories", "error", err)
		return
	}
	for _, r := range repos {
		logger.Infow("workspace repository", "path", r.Path, "branch", r.Branch, "head", r.ShortHead(), "dirty", r.Dirty)
	}
}

// commitIdentity is the identity the agent commits as: the bot's own,
// with any configured override applied.
func (d *Dispatcher) commitIdentity(s config.Settings) git.Identity {
	return git.BotIdentity(s.DisplayName(), s.BranchPrefix()).Override(d.GitAuthor)
}

func (d *Dispatcher) buffer(stream string, warn func(string, ...interface{})) *output.BoundedBuffer {
	return output.NewBoundedBuffer(d.MaxBufferBytes).OnTruncate(func() {
		warn("agent output exceeded buffer, keeping the tail", "stream", stream, "max_bytes", d.MaxBufferBytes)
		d.Metrics.IncTruncated(stream)
	})
}

// Handle adapts Process to a queue handler.
func (d *Dispatcher) Handle(ctx context.Context, e *queue.Entry) error {
	return d.Process(ctx, e.Job)
}

// HandleFailure posts a redacted failure comment to the job's origin. Admin
// jobs have nowhere to post. Posting is best-effort; its error is logged and
// returned for tests.
func (d *Dispatcher) HandleFailure(ctx context.Context, j job.Job, cause error) error {
	msg := FailurePrefix + d.Redactor.String(cause.Error())

	err := job.Match(j,
		func(v *job.JiraJob) error {
			if d.Jira == nil {
				return errNoCommenter
			}
			return d.Jira.PostComment(ctx, v.IssueKey, msg)
		},
		func(v *job.GitHubJob) error {
			n, ok := v.Number()
			if !ok {
				return nil
			}
			if d.GitHub == nil {
				return errNoCommenter
			}
			return d.GitHub.PostComment(ctx, v.Owner, v.Repo, n, msg)
		},
		func(*job.AdminJob) error { return nil },
	)
	if err != nil {
		log.Warn("failed to post failure comment", "job", job.ReadableID(j), "error", err)
	}
	return err
}

var errNoCommenter = errors.New("no client configured for job source")

// Register wires the failure and completion hooks into w.
func (d *Dispatcher) Register(w *queue.Worker) {
	w.OnFailed(func(e *queue.Entry, err error) {
		log.Error("job failed", "job", job.ReadableID(e.Job), "attempt", e.AttemptsMade, "max_attempts", e.MaxAttempts, "error", d.Redactor.String(err.Error()))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = d.HandleFailure(ctx, e.Job, err)
	})
	w.OnCompleted(func(e *queue.Entry) {
		log.Info("job completed", "job", job.ReadableID(e.Job), "attempts", e.AttemptsMade)
	})
}
