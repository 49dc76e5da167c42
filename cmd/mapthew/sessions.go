package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mapthew/mapthew/pkg/github"
	"github.com/mapthew/mapthew/pkg/job"
	"github.com/mapthew/mapthew/pkg/session"
)

var sessionKeyBranch string

var sessionKeyCmd = &cobra.Command{
	Use:   "session-key <issue-key | owner/repo#number | admin>",
	Short: "Print the session key and workspace directory for a job target",
	Long: `Print the session key a job for the target would use, and the name of its
workspace directory under workspacesDir.

A pull request whose head branch names an issue (--branch feature/DXTR-12-x)
shares the issue's session.

Examples:
  mapthew session-key DXTR-123
  mapthew session-key mappedin/web#42 --branch dxtr-123-fix`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := jobForTarget(args[0], sessionKeyBranch)
		if err != nil {
			return err
		}
		key := job.SessionKey(j)
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, session.DirName(key))
		return nil
	},
}

// jobForTarget builds a job that identifies target the way a webhook would.
func jobForTarget(target, branch string) (job.Job, error) {
	target = strings.TrimSpace(target)
	if target == job.AdminSessionKey {
		return &job.AdminJob{}, nil
	}
	if !strings.Contains(target, "/") {
		return &job.JiraJob{IssueKey: target, ProjectKey: job.ProjectKey(target)}, nil
	}
	ref, err := github.ParseRef(target)
	if err != nil {
		return nil, err
	}
	j := &job.GitHubJob{Owner: ref.Owner, Repo: ref.Repo}
	switch ref.Kind {
	case github.RefTypePR:
		j.PRNumber = job.Int(ref.Number)
	case github.RefTypeIssue:
		j.IssueNumber = job.Int(ref.Number)
	}
	if branch != "" {
		j.BranchName = job.String(branch)
	}
	return j, nil
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List session workspaces, most recently used first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := session.NewSQLStore(a.db).List(ctx)
		if err != nil {
			return err
		}
		sort.Slice(records, func(i, j int) bool {
			return records[i].LastUsedAt.After(records[j].LastUsedAt)
		})
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tLAST USED\tRESUMABLE\tPATH")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.Key, r.LastUsedAt.Format(time.RFC3339), session.HasExistingSession(r.WorkspacePath), r.WorkspacePath)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d sessions\n", len(records), a.cfg.MaxSessions)
		return nil
	},
}

var pruneDays int

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove sessions idle for longer than the threshold",
	Long: `Run one inactivity sweep: delete every idle session workspace whose last use is
older than --days (pruneThresholdDays by default). Sessions used by a running
worker are only skipped by that worker; stop workers before pruning manually.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		days := a.cfg.PruneThresholdDays
		if cmd.Flags().Changed("days") {
			days = pruneDays
		}
		if days <= 0 {
			return fmt.Errorf("--days must be positive, got %d", days)
		}

		m, err := session.NewManager(session.Options{
			Root:        a.cfg.WorkspacesDir,
			MaxSessions: a.cfg.MaxSessions,
			Store:       session.NewSQLStore(a.db),
			Metrics:     a.metrics,
		})
		if err != nil {
			return err
		}
		if err := m.Load(ctx); err != nil {
			return err
		}
		n, err := m.PruneInactiveSessions(ctx, days)
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d sessions idle for more than %d days\n", n, days)
		return err
	},
}

func init() {
	sessionKeyCmd.Flags().StringVar(&sessionKeyBranch, "branch", "", "Pull request head branch")
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "Idle threshold in days (overrides config)")
	rootCmd.AddCommand(sessionKeyCmd, sessionsCmd, pruneCmd)
}
