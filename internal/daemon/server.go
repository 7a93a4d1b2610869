package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC server lifecycle.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer binds the gRPC listener and registers both services.
func NewServer(p Params, logger *zap.Logger, gw *api.GatewayService, push *api.PushService) (*Server, error) {
	listener, err := net.Listen("tcp", p.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", p.Listen, err)
	}

	srv := grpc.NewServer()
	srv.RegisterService(&wire.GatewayServiceDesc, gw)
	srv.RegisterService(&wire.PushServiceDesc, push)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		logger:     logger,
	}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("addr", s.Addr()))
	return s.grpcServer.Serve(s.listener)
}

// Stop drains in-flight calls, then force-closes push streams still open
// when ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// MetricsServer serves /metrics over HTTP.
type MetricsServer struct {
	http     *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer binds the metrics listener, or returns a no-op server when
// Params.MetricsListen is empty.
func NewMetricsServer(p Params, reg *prometheus.Registry, logger *zap.Logger) (*MetricsServer, error) {
	ms := &MetricsServer{logger: logger}
	if p.MetricsListen == "" {
		return ms, nil
	}
	listener, err := net.Listen("tcp", p.MetricsListen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", p.MetricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	ms.listener = listener
	ms.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return ms, nil
}

// Addr returns the bound address, or "" when disabled.
func (m *MetricsServer) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Start serves in the background.
func (m *MetricsServer) Start() {
	if m.http == nil {
		return
	}
	m.logger.Info("metrics server starting", zap.String("addr", m.Addr()))
	go func() {
		if err := m.http.Serve(m.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the HTTP server down.
func (m *MetricsServer) Stop(ctx context.Context) {
	if m.http == nil {
		return
	}
	if err := m.http.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
