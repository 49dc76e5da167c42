// Package poller finds bot mentions in recent issue comments for sites that
// cannot deliver webhooks.
package poller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mapthew/mapthew/pkg/config"
	"github.com/mapthew/mapthew/pkg/jira"
	"github.com/mapthew/mapthew/pkg/job"
	"github.com/mapthew/mapthew/pkg/log"
	"github.com/mapthew/mapthew/pkg/metrics"
	"github.com/mapthew/mapthew/pkg/queue"
	"github.com/mapthew/mapthew/pkg/trigger"
)

// seenRetention is how long processed comment ids are remembered. Comments
// older than the search window are skipped by creation time, so the ids only
// need to outlive the window.
const seenRetention = 7 * 24 * time.Hour

// Client is the issue-tracker surface the poller uses.
type Client interface {
	SearchRecentlyUpdated(ctx context.Context, projects []string, window time.Duration) ([]jira.Issue, error)
	IssueComments(ctx context.Context, issueKey string) ([]jira.Comment, error)
	PostComment(ctx context.Context, issueKey, text string) error
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	Add(ctx context.Context, name string, j job.Job, opts queue.Options) (string, error)
}

// SettingsSource returns the current runtime settings.
type SettingsSource interface {
	Get() config.Settings
}

// Seen remembers which comments were already handled.
type Seen interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
	Forget(ctx context.Context, before time.Time) (int64, error)
}

// Poller periodically scans recently updated issues.
type Poller struct {
	Client   Client
	Queue    Enqueuer
	Seen     Seen
	Settings SettingsSource
	Metrics  *metrics.Recorder

	Projects []string
	Interval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// window overlaps consecutive sweeps so slow index updates are not missed.
func (p *Poller) window() time.Duration {
	return 2*p.Interval + time.Minute
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Poll runs one sweep and returns the number of jobs queued. Comments created
// before the search window are skipped, so history is never replayed. Failures
// on individual issues are logged and skipped.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.window())
	issues, err := p.Client.SearchRecentlyUpdated(ctx, p.Projects, p.window())
	if err != nil {
		return 0, fmt.Errorf("failed to search recent issues: %w", err)
	}
	settings := p.Settings.Get()
	pattern := settings.TriggerPattern()

	queued := 0
	for _, issue := range issues {
		comments, err := p.Client.IssueComments(ctx, issue.Key)
		if err != nil {
			log.Warn("failed to fetch comments", "issue", issue.Key, "error", err)
			continue
		}
		for _, c := range comments {
			if created, ok := c.CreatedAt(); ok && created.Before(cutoff) {
				continue
			}
			id := issue.Key + ":" + c.ID
			seen, err := p.Seen.Seen(ctx, id)
			if err != nil {
				return queued, err
			}
			if seen {
				continue
			}

			instruction, ok := trigger.ExtractInstruction(c.Text(), pattern)
			if !ok {
				if err := p.Seen.Mark(ctx, id); err != nil {
					return queued, err
				}
				continue
			}

			j := &job.JiraJob{
				Base:       job.Base{Instruction: instruction, TriggeredBy: c.Author.DisplayName},
				IssueKey:   issue.Key,
				ProjectKey: job.ProjectKey(issue.Key),
			}
			if _, err := p.Queue.Add(ctx, queue.JobName, j, queue.DefaultOptions()); err != nil {
				// Not marked, so the next sweep retries it.
				log.Error("failed to queue job", "issue", issue.Key, "comment", c.ID, "error", err)
				continue
			}
			if err := p.Seen.Mark(ctx, id); err != nil {
				return queued, err
			}
			queued++
			p.Metrics.ObserveDecision(string(job.SourceJira), "queued")
			log.Info("job queued from poll", "issue", issue.Key, "comment", c.ID, "instruction", instruction)

			if err := p.Client.PostComment(ctx, issue.Key, trigger.AckComment); err != nil {
				log.Warn("failed to post acknowledgement", "issue", issue.Key, "error", err)
			}
		}
	}
	return queued, nil
}

// Run polls every Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if p.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	log.Info("poller started", "projects", p.Projects, "interval", p.Interval)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		if n, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("poll failed", "error", err)
		} else if n > 0 {
			log.Info("poll complete", "queued", n)
		}
		if n, err := p.Seen.Forget(ctx, time.Now().Add(-seenRetention)); err != nil {
			log.Warn("failed to expire seen comments", "error", err)
		} else if n > 0 {
			log.Debug("expired seen comments", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SQLSeen stores seen comment ids in the seen_comments table.
type SQLSeen struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLSeen(db *sql.DB) *SQLSeen {
	return &SQLSeen{db: db, now: time.Now}
}

func (s *SQLSeen) Seen(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen_comments WHERE comment_id = ?`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to query seen comment: %w", err)
	}
	return true, nil
}

func (s *SQLSeen) Mark(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_comments (comment_id, seen_at) VALUES (?, ?) ON CONFLICT(comment_id) DO NOTHING`,
		id, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark comment seen: %w", err)
	}
	return nil
}

func (s *SQLSeen) Forget(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_comments WHERE seen_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to expire seen comments: %w", err)
	}
	return res.RowsAffected()
}
