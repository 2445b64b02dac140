// Package client provides a client for connecting to the replicad daemon.
// It wraps the gRPC control and health services with typed methods.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	replicav1 "github.com/jamesainslie/replica/pkg/api/replica/v1"
	"github.com/jamesainslie/replica/pkg/daemon"
	"github.com/jamesainslie/replica/pkg/replica/config"
)

// Client connects to the replicad daemon via gRPC.
type Client struct {
	conn    *grpc.ClientConn
	control *replicav1.ControlClient
	health  healthpb.HealthClient
}

// DaemonPaths configures paths for daemon operations.
// Empty fields use defaults.
type DaemonPaths struct {
	Binary string // Path to replicad binary (auto-discovered if empty)
	Config string // Config file passed to replicad with --config
	Socket string // Unix socket path
	PID    string // PID file path
}

// withDefaults returns a copy with empty fields filled with defaults.
func (p DaemonPaths) withDefaults() DaemonPaths {
	if p.Socket == "" {
		p.Socket = config.DefaultSocketPath()
	}
	if p.PID == "" {
		p.PID = config.DefaultPIDPath()
	}
	return p
}

// PathsFromConfig returns the daemon paths configured in cfg.
func PathsFromConfig(cfg *config.Config) DaemonPaths {
	return DaemonPaths{
		Binary: cfg.Daemon.BinaryPath,
		Config: cfg.File,
		Socket: cfg.Daemon.SocketPath,
		PID:    cfg.Daemon.PIDPath,
	}
}

// Connect establishes a connection to the replicad daemon.
// Uses a default timeout of 5 seconds.
func Connect(socketPath string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ConnectWithContext(ctx, socketPath)
}

// ConnectWithContext establishes a connection and checks that the daemon
// answers health checks before ctx expires.
func ConnectWithContext(ctx context.Context, socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("daemon socket not found at %s", socketPath)
	}

	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	c := &Client{
		conn:    conn,
		control: replicav1.NewControlClient(conn),
		health:  healthpb.NewHealthClient(conn),
	}
	if _, err := c.Serving(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return c, nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Serving reports whether the daemon's health service says SERVING. An
// unhealthy pipeline answers NOT_SERVING without an error.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: replicav1.ServiceName}, grpc.WaitForReady(true))
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// QueueStatus returns the scheduler and detector snapshot.
func (c *Client) QueueStatus(ctx context.Context) (*replicav1.StatusReport, error) {
	var out replicav1.StatusReport
	if err := c.control.Call(ctx, replicav1.MethodGetQueueStatus, nil, &out); err != nil {
		return nil, fmt.Errorf("GetQueueStatus RPC failed: %w", err)
	}
	return &out, nil
}

// Health returns the combined health report.
func (c *Client) Health(ctx context.Context) (*replicav1.HealthReport, error) {
	var out replicav1.HealthReport
	if err := c.control.Call(ctx, replicav1.MethodGetHealthStatus, nil, &out); err != nil {
		return nil, fmt.Errorf("GetHealthStatus RPC failed: %w", err)
	}
	return &out, nil
}

// History returns up to limit replication records, newest first. limit <= 0
// uses the daemon's default.
func (c *Client) History(ctx context.Context, limit int) (*replicav1.HistoryResponse, error) {
	var out replicav1.HistoryResponse
	if err := c.control.Call(ctx, replicav1.MethodListHistory, replicav1.HistoryRequest{Limit: limit}, &out); err != nil {
		return nil, fmt.Errorf("ListHistory RPC failed: %w", err)
	}
	return &out, nil
}

// Shutdown requests the daemon to shut down gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	var out replicav1.ShutdownResponse
	if err := c.control.Call(ctx, replicav1.MethodShutdown, nil, &out); err != nil {
		return fmt.Errorf("Shutdown RPC failed: %w", err)
	}
	if !out.Success {
		return errors.New("shutdown request was not successful")
	}
	return nil
}

// StartDaemon starts replicad in the background.
// Idempotent: returns nil if daemon is already running.
func StartDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if IsDaemonRunning(paths.PID) {
		return nil
	}

	binary, err := resolveBinary(paths.Binary)
	if err != nil {
		return fmt.Errorf("find %s: %w", config.DaemonBinary, err)
	}

	statusPath := daemon.StatusPath(paths.Socket)
	_ = daemon.RemoveStatus(statusPath)

	var args []string
	if paths.Config != "" {
		args = append(args, "--config", paths.Config)
	}

	// exec.Command, not CommandContext: the daemon must outlive the caller
	cmd := exec.Command(binary, args...) //nolint:gosec // binary path is resolved above
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}

	for range 50 {
		time.Sleep(100 * time.Millisecond)

		if status, err := daemon.ReadStatus(statusPath); err == nil {
			switch status.Status {
			case "ready":
				return nil
			case "error":
				return fmt.Errorf("daemon failed to start: %s", status.Error)
			}
		}
		if _, err := os.Stat(paths.Socket); err == nil {
			return nil
		}
	}

	return errors.New("daemon did not become ready within timeout")
}

// StopDaemon stops the daemon gracefully via RPC.
// Idempotent: returns nil if daemon is not running.
func StopDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if !IsDaemonRunning(paths.PID) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := ConnectWithContext(ctx, paths.Socket)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer c.Close()

	if err := c.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown daemon: %w", err)
	}

	// Active copies may take up to the scheduler's shutdown timeout.
	for range 160 {
		time.Sleep(250 * time.Millisecond)
		if !IsDaemonRunning(paths.PID) {
			return nil
		}
	}

	return errors.New("daemon did not stop within timeout")
}

// resolveBinary finds the replicad binary path.
// Priority: configured path > same directory as executable > GOBIN/GOPATH > PATH.
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured binary not found: %s", configured)
		}
		return configured, nil
	}

	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), config.DaemonBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if goBinPath := config.DefaultBinaryPath(); goBinPath != "" {
		return goBinPath, nil
	}

	if path, err := exec.LookPath(config.DaemonBinary); err == nil {
		return path, nil
	}

	return "", errors.New("replicad not found")
}

// IsDaemonRunning checks if the daemon is running based on the PID file.
func IsDaemonRunning(pidPath string) bool {
	return daemon.IsDaemonRunning(pidPath)
}
