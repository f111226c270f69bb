package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shoalstore/shoal/internal/logger"
)

// Config holds the HTTP-surface knobs. The caller maps these from the
// top-level server configuration.
type Config struct {
	// Port is the listen port.
	Port int `mapstructure:"port" yaml:"port"`

	// SocketTimeout bounds idle client connections and slow reads.
	SocketTimeout time.Duration `mapstructure:"socket_timeout" yaml:"socket_timeout"`

	// ShutdownTimeout bounds graceful drain on stop.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// MaxRequestAge rejects requests whose Date header lags more than
	// this. Zero disables the check.
	MaxRequestAge time.Duration `mapstructure:"max_request_age" yaml:"max_request_age"`
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Server is the client-facing HTTP server.
//
// It supports graceful shutdown: Start blocks until the context is
// cancelled, then drains in-flight requests for up to ShutdownTimeout.
type Server struct {
	server       *http.Server
	config       Config
	shutdownOnce sync.Once
}

// NewServer creates the server around an already-built Handler.
func NewServer(config Config, h *Handler) *Server {
	config.applyDefaults()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       config.SocketTimeout,
		// Read/Write timeouts stay unset: object streams legitimately
		// run for minutes and are bounded by the data-plane idle timer.
	}

	return &Server{server: server, config: config}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("server shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}
}

// Stop drains and stops the server. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			logger.Error("server shutdown error", logger.KeyError, err)
		} else {
			logger.Info("server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.config.Port
}
