package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mapthew/mapthew/pkg/github"
	"github.com/mapthew/mapthew/pkg/job"
	"github.com/mapthew/mapthew/pkg/queue"
)

var (
	enqueueIssue string
	enqueueRepo  string
	enqueueAs    string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <instruction>",
	Short: "Queue an operator job",
	Long: `Queue an admin job with the given instruction. Admin jobs share a single
workspace and post no replies; --issue and --repo only add context to the
prompt.

Examples:
  mapthew enqueue "clean up stale branches"
  mapthew enqueue --issue DXTR-12 --repo mappedin/web "summarise the open review threads"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instruction := strings.TrimSpace(strings.Join(args, " "))
		if instruction == "" {
			return errors.New("instruction must not be empty")
		}

		j := &job.AdminJob{Base: job.Base{Instruction: instruction, TriggeredBy: enqueueAs}}
		if enqueueIssue != "" {
			j.JiraIssueKey = job.String(strings.ToUpper(enqueueIssue))
		}
		if enqueueRepo != "" {
			ref, err := github.ParseRef(enqueueRepo)
			if err != nil {
				return err
			}
			j.GitHubOwner = job.String(ref.Owner)
			j.GitHubRepo = job.String(ref.Repo)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.queue.Add(ctx, queue.JobName, j, queue.DefaultOptions())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueIssue, "issue", "", "Related Jira issue key")
	enqueueCmd.Flags().StringVar(&enqueueRepo, "repo", "", "Related GitHub repository (owner/repo)")
	enqueueCmd.Flags().StringVar(&enqueueAs, "as", "operator", "Name recorded as the requester")
	rootCmd.AddCommand(enqueueCmd)
}
