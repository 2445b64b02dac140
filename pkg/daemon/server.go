package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	replicav1 "github.com/jamesainslie/replica/pkg/api/replica/v1"
	"github.com/jamesainslie/replica/pkg/replica/logging"
	"github.com/jamesainslie/replica/pkg/replica/scheduler"
)

// Config holds server configuration.
type Config struct {
	SocketPath string
	// MetricsAddr, when set, serves Prometheus metrics on /metrics.
	MetricsAddr string
}

// Server is the replicad gRPC server.
type Server struct {
	cfg      Config
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
	metrics  *http.Server
	log      *logging.Logger
}

// NewServer listens on the control socket and registers the health and
// Control services. svc may be nil, in which case only health is served.
func NewServer(cfg Config, svc *Service) (*Server, error) {
	// Remove stale socket if exists
	if err := os.RemoveAll(cfg.SocketPath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "unix", cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:      cfg,
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		listener: listener,
		log:      logging.Get("daemon"),
	}

	healthpb.RegisterHealthServer(srv.grpc, srv.health)
	srv.health.SetServingStatus(replicav1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if svc != nil {
		replicav1.RegisterControlServer(srv.grpc, svc)
		svc.OnHealthChange(srv.SetHealth)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv.metrics = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return srv, nil
}

// SetHealth maps a pipeline health level onto the gRPC health service.
// Degraded still serves; unhealthy does not.
func (s *Server) SetHealth(level scheduler.HealthLevel) {
	st := healthpb.HealthCheckResponse_SERVING
	if level == scheduler.Unhealthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(replicav1.ServiceName, st)
}

// Serve starts the gRPC server and the metrics listener. Blocks until stopped.
func (s *Server) Serve() error {
	if s.metrics != nil {
		go func() {
			s.log.Info("serving metrics", "addr", s.cfg.MetricsAddr)
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("metrics listener failed", "error", err)
			}
		}()
	}
	return s.grpc.Serve(s.listener)
}

// Close stops the server and cleans up.
func (s *Server) Close() error {
	s.health.Shutdown()
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metrics.Shutdown(ctx)
	}
	s.grpc.GracefulStop()
	return os.RemoveAll(s.cfg.SocketPath)
}
