package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/replica/pkg/replica/classify"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect quarantined files",
	Long: `Files that fail permanently or exhaust their retries are moved to the
quarantine directory next to a JSON error report. These commands read that
directory directly and work without a running daemon.`,
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined files with their error reports",
	Args:  cobra.NoArgs,
	RunE:  runQuarantineList,
}

func init() {
	quarantineCmd.AddCommand(quarantineListCmd)
	rootCmd.AddCommand(quarantineCmd)
}

func runQuarantineList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	printVerbose("quarantine root: %s", cfg.Errors.QuarantinePath)

	reports, err := classify.ListReports(cfg.Errors.QuarantinePath)
	if err != nil {
		return fmt.Errorf("failed to read quarantine: %w", err)
	}
	if getJSON() {
		return printJSON(cmd.OutOrStdout(), reports)
	}
	renderQuarantine(cmd.OutOrStdout(), reports)
	return nil
}
