package server

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/ralph0830/stockcast/internal/config"
	"github.com/ralph0830/stockcast/internal/heartbeat"
	"github.com/ralph0830/stockcast/internal/ws"
)

// redisPinger is the minimal Redis surface the readiness probe needs.
type redisPinger interface {
	Ping(ctx context.Context) error
}

// subscriberStatus reports whether the upstream consumer loop is active.
type subscriberStatus interface {
	IsRunning() bool
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	manager   *ws.Manager
	heartbeat *heartbeat.Manager
	sub       subscriberStatus
	redis     redisPinger
	clock     clockwork.Clock
	startTime time.Time
}

func New(cfg *config.Config, manager *ws.Manager, hb *heartbeat.Manager, sub subscriberStatus, redis redisPinger, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		config:    cfg,
		manager:   manager,
		heartbeat: hb,
		sub:       sub,
		redis:     redis,
		clock:     clock,
		startTime: clock.Now(),
	}
	s.registerRoutes()
	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	return s.echo.Start(":" + s.config.Port)
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}
