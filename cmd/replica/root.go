package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/replica/pkg/client"
	"github.com/jamesainslie/replica/pkg/replica/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "replica",
		Short: "Inspect and control the replicad file replication daemon",
		Long: `Replica watches a source directory and copies every new file, once it has
stopped changing, to all configured destinations with verification.

This command talks to the replicad daemon over its control socket.

Examples:
  replica daemon start        # Start replicad in the background
  replica status              # Queue and detector snapshot
  replica health              # Combined health with issues
  replica history -l 50       # Recently replicated files
  replica quarantine list     # Files that exhausted their retries
  replica config init         # Write a default configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initFlags)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/replica/config.yaml)")
	rootCmd.PersistentFlags().String("socket", "", "daemon socket path (default from config)")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "output JSON format")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "minimal output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug output")

	_ = viper.BindPFlag("socket", rootCmd.PersistentFlags().Lookup("socket"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initFlags lets REPLICA_JSON, REPLICA_QUIET etc. stand in for the flags.
func initFlags() {
	viper.SetEnvPrefix("REPLICA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		return err
	}
	return nil
}

func getVerbose() bool { return viper.GetBool("verbose") }
func getQuiet() bool   { return viper.GetBool("quiet") }
func getJSON() bool    { return viper.GetBool("json") }

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if getVerbose() && !getQuiet() {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...interface{}) {
	if !getQuiet() {
		fmt.Printf(format+"\n", args...)
	}
}

// printError prints an error message to stderr.
func printError(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+fmt.Sprintf(format, args...))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig loads the configuration without validating it; the CLI only
// needs paths, and those have defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	printVerbose("config file: %s", cfg.File)
	return cfg, nil
}

// daemonPaths resolves the socket and PID paths, honoring --socket.
func daemonPaths() (client.DaemonPaths, error) {
	cfg, err := loadConfig()
	if err != nil {
		return client.DaemonPaths{}, err
	}
	paths := client.PathsFromConfig(cfg)
	if s := viper.GetString("socket"); s != "" {
		paths.Socket = s
	}
	return paths, nil
}

var errNotRunning = errors.New("daemon is not running (start with: replica daemon start)")

// connect opens a client to the running daemon.
func connect(ctx context.Context) (*client.Client, error) {
	paths, err := daemonPaths()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(paths.Socket); err != nil {
		return nil, errNotRunning
	}
	printVerbose("connecting to %s", paths.Socket)
	return client.ConnectWithContext(ctx, paths.Socket)
}

// withClient runs fn against the daemon with a bounded timeout.
func withClient(timeout time.Duration, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
