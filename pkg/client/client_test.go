package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	replicav1 "github.com/jamesainslie/replica/pkg/api/replica/v1"
	"github.com/jamesainslie/replica/pkg/replica/scheduler"
)

// mockControlServer implements replicav1.ControlServer for testing.
type mockControlServer struct {
	historyLimit  atomic.Int64
	shutdownCalls atomic.Int64
	refuse        bool
}

func (m *mockControlServer) GetQueueStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return replicav1.Encode(replicav1.StatusReport{
		Source:        "/data/in",
		Destinations:  []string{"/mnt/a", "/mnt/b"},
		UptimeSeconds: 100,
		Queue: scheduler.QueueStatus{
			Queued:   2,
			Active:   1,
			Counters: scheduler.Counters{Completed: 7},
		},
	})
}

func (m *mockControlServer) GetHealthStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return replicav1.Encode(replicav1.HealthReport{
		Status: scheduler.Degraded,
		Issues: []string{"queue backlog 120"},
	})
}

func (m *mockControlServer) ListHistory(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var r replicav1.HistoryRequest
	if err := replicav1.Decode(req, &r); err != nil {
		return nil, err
	}
	m.historyLimit.Store(int64(r.Limit))
	return replicav1.Encode(replicav1.HistoryResponse{
		Enabled: true,
		Records: []replicav1.HistoryRecord{
			{Path: "/data/in/scan-002.dat", State: "replicated", Attempts: 1},
			{Path: "/data/in/scan-001.dat", State: "failed", Attempts: 3, LastError: "no space left on device"},
		},
	})
}

func (m *mockControlServer) Shutdown(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	m.shutdownCalls.Add(1)
	return replicav1.Encode(replicav1.ShutdownResponse{Success: !m.refuse})
}

// setupTestServer creates a test gRPC server on a Unix socket.
func setupTestServer(t *testing.T, mock *mockControlServer) (string, *health.Server) {
	t.Helper()

	// Unix socket paths are length-limited, so keep the directory short.
	tmpDir, err := os.MkdirTemp("", "rc-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	socketPath := filepath.Join(tmpDir, "test.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create listener: %v", err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(replicav1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	replicav1.RegisterControlServer(srv, mock)

	go func() {
		_ = srv.Serve(listener)
	}()

	t.Cleanup(func() {
		srv.GracefulStop()
		_ = os.RemoveAll(tmpDir)
	})
	return socketPath, hs
}

func connect(t *testing.T, socketPath string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := ConnectWithContext(ctx, socketPath)
	if err != nil {
		t.Fatalf("ConnectWithContext() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnect(t *testing.T) {
	socketPath, _ := setupTestServer(t, &mockControlServer{})

	client, err := Connect(socketPath)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer client.Close()

	if client.conn == nil {
		t.Error("Connect() returned client with nil conn")
	}
}

func TestConnectInvalidSocket(t *testing.T) {
	_, err := Connect("/nonexistent/path/to/socket.sock")
	if err == nil {
		t.Error("Connect() should fail for nonexistent socket")
	}
}

func TestConnectTimesOutWithoutServer(t *testing.T) {
	dir, err := os.MkdirTemp("", "rc-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	// A plain file at the socket path never accepts connections.
	socketPath := filepath.Join(dir, "dead.sock")
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := ConnectWithContext(ctx, socketPath); err == nil {
		t.Error("ConnectWithContext() should fail when nothing listens")
	}
}

func TestServing(t *testing.T) {
	socketPath, hs := setupTestServer(t, &mockControlServer{})
	c := connect(t, socketPath)
	ctx := context.Background()

	ok, err := c.Serving(ctx)
	if err != nil || !ok {
		t.Fatalf("Serving() = %v, %v; want true, nil", ok, err)
	}

	hs.SetServingStatus(replicav1.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	ok, err = c.Serving(ctx)
	if err != nil {
		t.Fatalf("Serving() failed: %v", err)
	}
	if ok {
		t.Error("Serving() should be false after NOT_SERVING")
	}
}

func TestQueueStatus(t *testing.T) {
	socketPath, _ := setupTestServer(t, &mockControlServer{})
	c := connect(t, socketPath)

	status, err := c.QueueStatus(context.Background())
	if err != nil {
		t.Fatalf("QueueStatus() failed: %v", err)
	}
	if status.Source != "/data/in" {
		t.Errorf("Source = %q, want /data/in", status.Source)
	}
	if len(status.Destinations) != 2 {
		t.Errorf("Destinations = %v, want 2 entries", status.Destinations)
	}
	if status.Queue.Queued != 2 || status.Queue.Active != 1 {
		t.Errorf("Queue = %+v", status.Queue)
	}
	if status.Queue.Counters.Completed != 7 {
		t.Errorf("Counters.Completed = %d, want 7", status.Queue.Counters.Completed)
	}
	if status.UptimeSeconds != 100 {
		t.Errorf("UptimeSeconds = %d, want 100", status.UptimeSeconds)
	}
}

func TestHealth(t *testing.T) {
	socketPath, _ := setupTestServer(t, &mockControlServer{})
	c := connect(t, socketPath)

	report, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() failed: %v", err)
	}
	if report.Status != scheduler.Degraded {
		t.Errorf("Status = %q, want degraded", report.Status)
	}
	if len(report.Issues) != 1 || report.Issues[0] != "queue backlog 120" {
		t.Errorf("Issues = %v", report.Issues)
	}
}

func TestHistory(t *testing.T) {
	mock := &mockControlServer{}
	socketPath, _ := setupTestServer(t, mock)
	c := connect(t, socketPath)

	resp, err := c.History(context.Background(), 25)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if got := mock.historyLimit.Load(); got != 25 {
		t.Errorf("server saw limit %d, want 25", got)
	}
	if !resp.Enabled {
		t.Error("Enabled should be true")
	}
	if len(resp.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(resp.Records))
	}
	if resp.Records[1].LastError != "no space left on device" {
		t.Errorf("LastError = %q", resp.Records[1].LastError)
	}
}

func TestShutdown(t *testing.T) {
	mock := &mockControlServer{}
	socketPath, _ := setupTestServer(t, mock)
	c := connect(t, socketPath)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	if mock.shutdownCalls.Load() != 1 {
		t.Errorf("shutdown calls = %d, want 1", mock.shutdownCalls.Load())
	}
}

func TestShutdownRefused(t *testing.T) {
	socketPath, _ := setupTestServer(t, &mockControlServer{refuse: true})
	c := connect(t, socketPath)

	if err := c.Shutdown(context.Background()); err == nil {
		t.Error("Shutdown() should fail when the daemon reports no success")
	}
}

func TestClientClose(t *testing.T) {
	socketPath, _ := setupTestServer(t, &mockControlServer{})
	c, err := Connect(socketPath)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	empty := &Client{}
	if err := empty.Close(); err != nil {
		t.Errorf("Close() on empty client failed: %v", err)
	}
}

func TestIsDaemonRunning(t *testing.T) {
	dir := t.TempDir()

	if IsDaemonRunning(filepath.Join(dir, "missing.pid")) {
		t.Error("missing PID file should not be running")
	}

	self := filepath.Join(dir, "self.pid")
	if err := os.WriteFile(self, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsDaemonRunning(self) {
		t.Error("current process should be running")
	}

	bogus := filepath.Join(dir, "bogus.pid")
	if err := os.WriteFile(bogus, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if IsDaemonRunning(bogus) {
		t.Error("invalid PID file should not be running")
	}
}

func TestStartDaemonAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	pid := filepath.Join(dir, "replicad.pid")
	if err := os.WriteFile(pid, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	// No binary exists, so anything past the running check would fail.
	err := StartDaemon(DaemonPaths{
		Binary: filepath.Join(dir, "missing-replicad"),
		Socket: filepath.Join(dir, "replicad.sock"),
		PID:    pid,
	})
	if err != nil {
		t.Errorf("StartDaemon() = %v, want nil for a running daemon", err)
	}
}

func TestStartDaemonMissingBinary(t *testing.T) {
	dir := t.TempDir()
	err := StartDaemon(DaemonPaths{
		Binary: filepath.Join(dir, "missing-replicad"),
		Socket: filepath.Join(dir, "replicad.sock"),
		PID:    filepath.Join(dir, "replicad.pid"),
	})
	if err == nil {
		t.Error("StartDaemon() should fail when the binary does not exist")
	}
}

func TestStopDaemonNotRunning(t *testing.T) {
	dir := t.TempDir()
	err := StopDaemon(DaemonPaths{
		Socket: filepath.Join(dir, "replicad.sock"),
		PID:    filepath.Join(dir, "replicad.pid"),
	})
	if err != nil {
		t.Errorf("StopDaemon() = %v, want nil when not running", err)
	}
}

func TestResolveBinary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "replicad")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := resolveBinary(bin)
	if err != nil {
		t.Fatalf("resolveBinary() failed: %v", err)
	}
	if got != bin {
		t.Errorf("resolveBinary() = %q, want %q", got, bin)
	}

	if _, err := resolveBinary(filepath.Join(dir, "nope")); err == nil {
		t.Error("resolveBinary() should fail for a missing configured path")
	}
}

func TestDaemonPathsWithDefaults(t *testing.T) {
	p := DaemonPaths{}.withDefaults()
	if p.Socket == "" || p.PID == "" {
		t.Errorf("withDefaults() left empty paths: %+v", p)
	}
	if !filepath.IsAbs(p.Socket) {
		t.Errorf("default socket should be absolute, got %q", p.Socket)
	}

	custom := DaemonPaths{Socket: "/tmp/x.sock", PID: "/tmp/x.pid"}.withDefaults()
	if custom.Socket != "/tmp/x.sock" || custom.PID != "/tmp/x.pid" {
		t.Errorf("withDefaults() overrode explicit paths: %+v", custom)
	}
}
