package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	apperrors "github.com/turtacn/ic50bert/pkg/errors"
)

// Server runs the monitor endpoints next to a training job.
type Server struct {
	srv    *http.Server
	logger logging.Logger

	mu   sync.Mutex
	ln   net.Listener
	done chan struct{}
}

func NewServer(addr string, handler http.Handler, logger logging.Logger) *Server {
	return &Server{
		logger: logging.OrNop(logger).Named("monitor.http"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start binds the address and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return apperrors.Internal("monitor server already started")
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeServiceUnavailable, "listen "+s.srv.Addr)
	}
	s.ln = ln
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitor server stopped", logging.Err(err))
		}
	}()
	s.logger.Info("monitor server listening", logging.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.srv.Addr
}

// Stop drains in-flight requests for up to 10 seconds. Stopping a server
// that never started is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.ln != nil
	done := s.done
	s.mu.Unlock()
	if !started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "monitor server shutdown failed")
	}
	<-done
	return nil
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }
