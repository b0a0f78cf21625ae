// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/notifyrelay/internal/app"
	"github.com/nfrund/notifyrelay/internal/middleware"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 10 * time.Second

// Server holds the echo instance and the services behind it.
type Server struct {
	E      *echo.Echo
	app    *app.App
	logger *slog.Logger
}

// New creates the HTTP server for a and registers its routes.
func New(a *app.App) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(a.Logger))
	e.Use(middleware.RequestLog())

	s := &Server{
		E:      e,
		app:    a,
		logger: a.Logger.With("component", "server"),
	}
	s.RegisterRoutes()
	return s
}

// Start serves on addr until ctx is canceled, then shuts down gracefully:
// the listener stops first, then client connections and queue
// subscriptions are released.
func (s *Server) Start(ctx context.Context, addr string) error {
	if err := s.app.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening", "addr", addr)
		if err := s.E.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down")
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("serve %s: %w", addr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := s.E.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown failed", "error", err)
	}
	if err := s.app.Close(shutdownCtx); err != nil {
		s.logger.Error("Service shutdown failed", "error", err)
	}
	return serveErr
}
