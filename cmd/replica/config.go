package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/replica/pkg/replica/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage replica configuration settings.

Configuration is loaded from:
  1. --config (if given)
  2. $XDG_CONFIG_HOME/replica/config.yaml (if set)
  3. ~/.config/replica/config.yaml

Environment variables override file settings using the REPLICA_ prefix:
  REPLICA_SOURCE_PATH=/data/incoming
  REPLICA_PROCESSING_MAX_CONCURRENT=4`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration and whether it validates.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration file",
	Long:  `Create a default configuration file if one doesn't exist.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if getJSON() {
		return printJSON(cmd.OutOrStdout(), cfg)
	}

	w := cmd.OutOrStdout()
	if cfg.File != "" {
		fmt.Fprintf(w, "Config file: %s\n\n", cfg.File)
	} else {
		fmt.Fprintln(w, "Config file: (using defaults, no file found)")
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, titleStyle.Render("Pipeline"))
	field(w, "source.path", cfg.Source.Path)
	field(w, "destinations", strings.Join(cfg.Destinations, ", "))
	field(w, "recursive", cfg.Source.Recursive)
	field(w, "scan_existing", cfg.Source.ScanExisting)
	field(w, "check_interval", cfg.Stability.CheckInterval)
	field(w, "required_checks", cfg.Stability.RequiredChecks)
	field(w, "min_file_age", cfg.Stability.MinFileAge)
	field(w, "verification", fmt.Sprintf("%s (enabled %t)", cfg.Verification.Method, cfg.Verification.Enabled))
	field(w, "max_concurrent", autoInt(cfg.Processing.MaxConcurrent))
	field(w, "chunk_size", autoString(cfg.Copy.ChunkSize))
	field(w, "max_retries", cfg.Processing.MaxRetries)

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Paths"))
	field(w, "quarantine", cfg.Errors.QuarantinePath)
	field(w, "audit", cfg.Audit.Path)
	field(w, "history", cfg.History.Path)
	field(w, "socket", cfg.Daemon.SocketPath)
	field(w, "pid", cfg.Daemon.PIDPath)

	fmt.Fprintln(w)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(w, errorStyle.Render("invalid: ")+err.Error())
	} else {
		fmt.Fprintln(w, successStyle.Render("valid"))
	}
	return nil
}

func autoInt(n int) string {
	if n <= 0 {
		return "auto"
	}
	return fmt.Sprint(n)
}

func autoString(s string) string {
	if s == "" || s == "0" {
		return "auto"
	}
	return s
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path, written, err := config.WriteDefault(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if !written {
		printInfo("Config file already exists: %s", path)
		return nil
	}
	printInfo("Created default config file: %s", path)
	printInfo("Set source.path and destinations before starting the daemon.")
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		var err error
		if path, err = config.ConfigPath(); err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)

	if _, err := os.Stat(path); err == nil {
		printVerbose("File exists")
	} else if os.IsNotExist(err) {
		printVerbose("File does not exist (will use defaults)")
	}
	return nil
}
