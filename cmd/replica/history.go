package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/replica/pkg/client"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View replication history",
	Long: `View files the daemon replicated or gave up on, most recent first.

History is kept in the daemon's database for history.retention_days.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "maximum number of entries to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	return withClient(10*time.Second, func(ctx context.Context, c *client.Client) error {
		h, err := c.History(ctx, historyLimit)
		if err != nil {
			return err
		}
		if getJSON() {
			return printJSON(cmd.OutOrStdout(), h)
		}
		renderHistory(cmd.OutOrStdout(), h)
		return nil
	})
}
