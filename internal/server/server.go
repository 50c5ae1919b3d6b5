package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/cdsgate/internal/config"
)

const defaultShutdownTimeout = 10 * time.Second

// Server owns the HTTP lifecycle and orchestrates graceful shutdown.
type Server struct {
	logger          *slog.Logger
	httpServer      *http.Server
	shutdownTimeout time.Duration
	once            sync.Once
}

// New binds handler to the configured listener. No write timeout is set
// because proxied responses may stream for as long as the backend does.
func New(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("agent", "lifecycle"))
	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(listen.Address, strconv.Itoa(listen.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		logger:          logger,
		httpServer:      httpSrv,
		shutdownTimeout: defaultShutdownTimeout,
	}, nil
}

// Run serves until ctx ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http listener starting", slog.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down", slog.Duration("timeout", s.shutdownTimeout))
		shutdownErr = s.httpServer.Shutdown(ctx)
	})
	return shutdownErr
}
