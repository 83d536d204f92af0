package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/config"
)

const (
	defaultPath = "/metrics"

	readHeaderTimeout       = 5 * time.Second
	gracefulShutdownTimeout = 5 * time.Second
)

// Logger is the subset of the bridge logger the server uses.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Server serves a registry over HTTP.
type Server struct {
	cfg    config.MetricsConfig
	reg    *prometheus.Registry
	logger Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a stopped server for reg.
func NewServer(cfg config.MetricsConfig, reg *prometheus.Registry, logger Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	return &Server{cfg: cfg, reg: reg, logger: logger}
}

// Handler returns the HTTP handler for the metrics path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{
		Registry: s.reg,
	}))
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logError("metrics server error", err)
		}
	}()

	if s.logger != nil {
		s.logger.Info("metrics server listening", "address", ln.Addr().String(), "path", s.cfg.Path)
	}
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting briefly for in-flight scrapes.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}
	return nil
}

func (s *Server) logError(msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "error", err)
	}
}
