// Package httpapi provides the optional admin/status HTTP API. It runs on a
// separate TCP port from the chat listener and is read-only: health,
// operational status, channel listing, and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/server/internal/registry"
	"parley/server/internal/store"
)

// ClientCounter reports the number of live chat connections.
type ClientCounter interface {
	ClientCount() int
}

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	store   *store.Store
	reg     *registry.Registry
	clients ClientCounter
}

// New constructs the Echo app and registers all routes.
func New(st *store.Store, reg *registry.Registry, clients ClientCounter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, store: st, reg: reg, clients: clients}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/channels", s.handleChannels)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
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
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutCtx); err != nil {
			slog.Error("admin api shutdown", "err", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Clients  int                 `json:"clients"`
	Channels map[string][]string `json:"channels"`
	Storage  store.Stats         `json:"storage"`
}

func (s *Server) handleStatus(c echo.Context) error {
	stats, err := s.store.CollectStats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, statusResponse{
		Clients:  s.clients.ClientCount(),
		Channels: s.reg.Snapshot(),
		Storage:  stats,
	})
}

type channelResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Members     int    `json:"members"`
}

func (s *Server) handleChannels(c echo.Context) error {
	channels, err := s.store.ListChannels(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]channelResponse, len(channels))
	for i, ch := range channels {
		out[i] = channelResponse{
			ID:          ch.ID,
			Name:        ch.Name,
			Description: ch.Description,
			Members:     len(s.reg.Users(ch.Name)),
		}
	}
	return c.JSON(http.StatusOK, out)
}
