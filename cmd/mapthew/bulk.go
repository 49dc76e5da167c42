package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mapthew/mapthew/pkg/jira"
	"github.com/mapthew/mapthew/pkg/queue"
	"github.com/mapthew/mapthew/pkg/trigger"
)

var bulkLabel string

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Queue a job for every open Jira issue carrying a label",
	Long: `Search Jira for open issues (status category not Done) carrying the label and
queue one job per issue, exactly like POST /api/bulk/label-trigger.

Without --label the configured trigger label is used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := trigger.ResolveBulk(ctx, bulkLabel, a.settings.Get(), a.jira)
		if err != nil {
			if errors.Is(err, trigger.ErrNoTriggerLabel) {
				return errors.New("no trigger label configured: set JIRA_LABEL_TRIGGER or pass --label")
			}
			if errors.Is(err, jira.ErrNotConfigured) {
				return err
			}
			return fmt.Errorf("JIRA search failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(res.Jobs) == 0 {
			fmt.Fprintf(out, "No open issues found with label %q\n", res.Label)
			return nil
		}
		for _, j := range res.Jobs {
			id, err := a.queue.Add(ctx, queue.JobName, j, queue.DefaultOptions())
			if err != nil {
				return fmt.Errorf("failed to queue %s: %w", j.IssueKey, err)
			}
			fmt.Fprintf(out, "queued %s (%s)\n", j.IssueKey, id)
		}
		fmt.Fprintf(out, "%d of %d issues queued for label %q\n", len(res.Jobs), res.Total, res.Label)
		return nil
	},
}

func init() {
	bulkCmd.Flags().StringVarP(&bulkLabel, "label", "l", "", "Label to search for (defaults to the trigger label)")
	rootCmd.AddCommand(bulkCmd)
}
