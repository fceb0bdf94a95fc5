package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server exposes liveness and status over HTTP on a dedicated
// goroutine so health answers never depend on the service's work loop.
// Handlers read only the in-memory State, never the broker.
type Server struct {
	state    *State
	listener net.Listener
	httpSrv  *http.Server
	logger   *slog.Logger
	metrics  http.Handler
}

// ServerOption configures the health server
type ServerOption func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsHandler mounts a handler at /metrics, typically promhttp.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer binds the listening socket and starts serving on its own
// goroutine. A port outside [1,65535] or a failed bind is a
// ConfigError; no socket is opened for an invalid port.
func NewServer(state *State, port int, opts ...ServerOption) (*Server, error) {
	if port < 1 || port > 65535 {
		return nil, &ConfigError{Op: "validate port", Port: port, Err: ErrPortOutOfRange}
	}
	if state == nil {
		return nil, &ConfigError{Op: "validate state", Port: port, Err: ErrNilState}
	}

	s := &Server{
		state:  state,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, &ConfigError{Op: "bind", Port: port, Err: err}
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server stopped", "error", err)
		}
	}()

	s.logger.Info("health server listening", "addr", ln.Addr().String())
	return s, nil
}

// NewNoAppServer starts a server backed by a permanently-ready state,
// for smoke-testing the health layer in isolation.
func NewNoAppServer(port int, opts ...ServerOption) (*Server, error) {
	return NewServer(NewNoAppState(), port, opts...)
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// State returns the readiness state the server reports on.
func (s *Server) State() *State {
	return s.state
}

// Close shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if s.state.Ready() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`{"status":"unavailable"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.state.Snapshot()); err != nil {
		s.logger.Error("failed to encode status response", "error", err)
	}
}
