// Package server owns process lifecycle: it runs the HTTP listener, reacts
// to platform signals and tears components down in order on the way out.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"
)

// ShutdownFunc shuts one component down gracefully.
type ShutdownFunc func(ctx context.Context) error

// Server wraps http.Server with graceful shutdown. Shutdown can be triggered
// by SIGINT/SIGTERM or programmatically via Stop, which is how the control
// channel's shutdown command reaches the run loop.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	shutdownFuncs []ShutdownFunc
	reloadFn      func()
}

// New creates a Server listening on port.
func New(handler http.Handler, port int, readTimeout, writeTimeout, shutdownTimeout time.Duration, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		stop:            make(chan struct{}),
	}
}

// OnShutdown registers a component to stop during graceful shutdown.
// Components stop in reverse registration order, after the HTTP server has
// drained: register early what must die late.
func (s *Server) OnShutdown(name string, fn ShutdownFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownFuncs = append(s.shutdownFuncs, func(ctx context.Context) error {
		s.logger.Info("shutting down component", "name", name)
		if err := fn(ctx); err != nil {
			s.logger.Error("component shutdown error", "name", name, "error", err)
			return err
		}
		s.logger.Info("component stopped", "name", name)
		return nil
	})
}

// OnReloadSignal registers the hook invoked when the platform reload signal
// (SIGUSR1 on Unix) arrives. The hook runs on its own goroutine so a slow
// reload never blocks signal handling.
func (s *Server) OnReloadSignal(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadFn = fn
}

// Stop asks the run loop to begin graceful shutdown. It is safe to call
// from any goroutine and more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run starts the HTTP server and blocks until a shutdown signal, a Stop
// call, or a listener error.
func (s *Server) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, notifiedSignals()...)
	defer signal.Stop(sigCh)

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	for {
		select {
		case err := <-serverErr:
			return fmt.Errorf("http server: %w", err)
		case <-s.stop:
			s.logger.Info("shutdown requested")
			return s.gracefulShutdown()
		case sig := <-sigCh:
			if isReloadSignal(sig) {
				s.handleReloadSignal()
				continue
			}
			s.logger.Info("shutdown signal received", "signal", sig.String())
			return s.gracefulShutdown()
		}
	}
}

func (s *Server) handleReloadSignal() {
	s.mu.Lock()
	fn := s.reloadFn
	s.mu.Unlock()

	if fn == nil {
		s.logger.Warn("reload signal received but no reload hook registered")
		return
	}
	s.logger.Info("reload signal received")
	go fn()
}

// gracefulShutdown drains the HTTP server, then stops registered components
// in reverse order under a shared deadline.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("stopping http server", "timeout", s.shutdownTimeout)
	s.httpServer.SetKeepAlivesEnabled(false)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
	}
	s.logger.Info("http server stopped")

	s.mu.Lock()
	funcs := s.shutdownFuncs
	s.mu.Unlock()

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		s.logger.Error("shutdown completed with errors", "error_count", len(errs))
		return errs[0]
	}

	s.logger.Info("server stopped gracefully")
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
