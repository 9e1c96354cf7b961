package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/haasonsaas/orion/internal/audit"
)

const shutdownTimeout = 10 * time.Second

// Start runs the liveness monitor and the HTTP server, then blocks until ctx
// is done and shuts everything down.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// Listen starts the monitor and begins serving on the configured address
// without blocking.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already started")
	}

	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start liveness monitor: %w", err)
	}

	addr := s.config.Server.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.monitor.Stop()
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.Server.ReadTimeout,
		WriteTimeout:      s.config.Server.WriteTimeout,
	}
	s.httpServer = server
	s.httpListener = listener
	s.startTime = time.Now()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.audit.Lifecycle(ctx, audit.EventGatewayStartup, map[string]any{
		"addr":    listener.Addr().String(),
		"version": s.version,
	})
	s.logger.Info("orion core started", "addr", listener.Addr().String(), "version", s.version)
	return nil
}

// Addr returns the bound listen address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop shuts down the HTTP server, closes every device session and releases
// external collaborators. Calling Stop more than once is safe.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.httpListener = nil
	s.mu.Unlock()

	var errs []error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
			errs = append(errs, err)
		}
	}
	if err := s.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	s.monitor.Stop()

	if server != nil {
		s.audit.Lifecycle(ctx, audit.EventGatewayShutdown, map[string]any{
			"uptime_seconds": time.Since(s.startTime).Seconds(),
		})
	}
	s.shutdownCollaborators(ctx)
	s.logger.Info("orion core stopped")
	return errors.Join(errs...)
}
