package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/ralph0830/stockcast/internal/version"
)

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(200, version.Get())
}

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := s.clock.Since(s.startTime).Seconds()
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx); err != nil {
		return c.JSON(503, map[string]any{
			"status":       "unhealthy",
			"failed_check": "redis",
			"error":        err.Error(),
		})
	}
	if !s.sub.IsRunning() {
		return c.JSON(503, map[string]any{
			"status":       "unhealthy",
			"failed_check": "subscriber",
			"error":        "upstream subscriber not running",
		})
	}

	return c.JSON(200, map[string]any{
		"status":   "ready",
		"sessions": s.manager.Stats(),
	})
}
