package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mapthew/mapthew/pkg/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts for the bot's queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.queue.Counts(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "queue: %s\n", a.queue.Name())
		for _, st := range []queue.Status{queue.StatusWaiting, queue.StatusActive, queue.StatusCompleted, queue.StatusFailed} {
			fmt.Fprintf(out, "%-10s %d\n", st, counts[st])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
