package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/replica/pkg/client"
	"github.com/jamesainslie/replica/pkg/replica/scheduler"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and detector status",
	Long:  `Show what replicad is copying, what is waiting, and what the detector is watching.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show combined daemon health",
	Long: `Show the worst of the scheduler and detector health levels with the issues
behind it. Exits non-zero when the daemon is unhealthy.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withClient(5*time.Second, func(ctx context.Context, c *client.Client) error {
		st, err := c.QueueStatus(ctx)
		if err != nil {
			return err
		}
		if getJSON() {
			return printJSON(cmd.OutOrStdout(), st)
		}
		renderStatus(cmd.OutOrStdout(), st)
		return nil
	})
}

func runHealth(cmd *cobra.Command, _ []string) error {
	return withClient(5*time.Second, func(ctx context.Context, c *client.Client) error {
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		if getJSON() {
			if err := printJSON(cmd.OutOrStdout(), h); err != nil {
				return err
			}
		} else {
			renderHealth(cmd.OutOrStdout(), h)
		}
		if h.Status == scheduler.Unhealthy {
			return fmt.Errorf("daemon is %s", h.Status)
		}
		return nil
	})
}
