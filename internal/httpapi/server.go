// Package httpapi wires the HTTP surface (health, session exchange,
// telemetry, and the channel upgrade) onto one Echo application.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatforge/internal/handshake"
	"chatforge/internal/identityprovider"
	"chatforge/internal/ratelimit"
	"chatforge/internal/room"
	"chatforge/internal/session"
)

// Config holds the exchange/telemetry endpoints' tunables.
type Config struct {
	ExchangeRateWindowMs int64
	ExchangeRateMaxCount int
	MaxTrackedKeys       int

	ModeratorAccountIDs map[string]struct{}
}

// DefaultConfig returns the documented defaults (10 exchanges/min).
func DefaultConfig() Config {
	return Config{
		ExchangeRateWindowMs: 60_000,
		ExchangeRateMaxCount: 10,
		MaxTrackedKeys:       10_000,
		ModeratorAccountIDs:  map[string]struct{}{},
	}
}

// Server is the Echo application exposing /health, /auth/exchange,
// /telemetry, and /ws.
type Server struct {
	echo *echo.Echo

	cfg      Config
	identity identityprovider.Provider
	issuer   *session.Issuer
	room     *room.Room

	exchangeRate *ratelimit.Store
}

// New constructs the Echo application and registers all routes.
func New(cfg Config, identity identityprovider.Provider, issuer *session.Issuer, r *room.Room, wsHandshake *handshake.Server) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:         e,
		cfg:          cfg,
		identity:     identity,
		issuer:       issuer,
		room:         r,
		exchangeRate: ratelimit.NewStore(),
	}
	s.registerRoutes(wsHandshake)
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			path := req.URL.Path
			if path == "/ws" || path == "/health" {
				slog.Debug("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance, for tests and for Run.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes(wsHandshake *handshake.Server) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/auth/exchange", s.handleExchange)
	s.echo.POST("/telemetry", s.handleTelemetry)
	s.echo.GET("/ws", echo.WrapHandler(wsHandshake))
}

// Run starts Echo on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) isModerator(accountID string) bool {
	_, ok := s.cfg.ModeratorAccountIDs[accountID]
	return ok
}
