// Command replicad watches the configured source directory and replicates
// stable files to every destination. It serves the control API on a unix
// socket for the replica CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/replica/pkg/daemon"
	"github.com/jamesainslie/replica/pkg/replica/config"
	"github.com/jamesainslie/replica/pkg/replica/logging"
	"github.com/jamesainslie/replica/pkg/replica/tuner"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "replicad",
	Short:         "File replication daemon",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/replica/config.yaml)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "replicad: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	statusPath := daemon.StatusPath(cfg.Daemon.SocketPath)

	// Startup failures are also written to the status file so that
	// `replica daemon start` can report them.
	fail := func(err error) error {
		_ = daemon.WriteStatusError(statusPath, err)
		return err
	}

	if daemon.IsDaemonRunning(cfg.Daemon.PIDPath) {
		return fail(daemon.ErrDaemonAlreadyRunning)
	}
	if err := daemon.RecoverFromStaleDaemon(cfg.Daemon.PIDPath, cfg.Daemon.SocketPath, cfg.History.Path); err != nil {
		return fail(fmt.Errorf("recovering from stale daemon: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	resources, err := tuner.Detect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "replicad: resource detection incomplete: %v\n", err)
	}
	comps, err := cfg.Components(resources)
	if err != nil {
		return fail(err)
	}

	if err := logging.Init(comps.Logging); err != nil {
		return fail(fmt.Errorf("initializing logging: %w", err))
	}
	defer logging.Close()
	log := logging.Get("daemon")

	if err := daemon.WritePIDFile(cfg.Daemon.PIDPath); err != nil {
		return fail(fmt.Errorf("writing PID file: %w", err))
	}
	defer func() {
		if err := daemon.RemovePIDFile(cfg.Daemon.PIDPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove PID file", "error", err)
		}
	}()

	svc, err := daemon.NewService(cfg, comps)
	if err != nil {
		return fail(err)
	}
	// The pipeline outlives the signal context; Stop drains it below.
	if err := svc.Start(context.WithoutCancel(ctx)); err != nil {
		return fail(err)
	}

	srv, err := daemon.NewServer(daemon.Config{
		SocketPath:  cfg.Daemon.SocketPath,
		MetricsAddr: cfg.Daemon.MetricsAddr,
	}, svc)
	if err != nil {
		_ = svc.Stop(context.Background())
		return fail(fmt.Errorf("creating server: %w", err))
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	if err := daemon.WriteStatusReady(statusPath); err != nil {
		log.Warn("failed to write status file", "error", err)
	}
	defer func() { _ = daemon.RemoveStatus(statusPath) }()

	log.Info("replicad started",
		"socket", cfg.Daemon.SocketPath,
		"source", cfg.Source.Path,
		"destinations", len(cfg.Destinations),
		"concurrency", comps.Tuning.MaxConcurrent,
		"chunk_size", comps.Tuning.ChunkSize,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received signal, shutting down")
	case <-svc.ShutdownRequested():
		log.Info("shutdown requested over control socket")
	case err := <-serveErr:
		runErr = fmt.Errorf("server stopped: %w", err)
		log.Error("server stopped unexpectedly", "error", err)
	}

	// Active copies get the scheduler's own timeout; the margin covers
	// closing the detector and stores.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Processing.ShutdownTimeout+10*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("error during shutdown", "error", err)
		runErr = errors.Join(runErr, err)
	}
	if err := srv.Close(); err != nil {
		log.Warn("failed to close server", "error", err)
	}

	log.Info("replicad stopped")
	return runErr
}
