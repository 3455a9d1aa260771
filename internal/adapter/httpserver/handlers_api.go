package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pricepulse/internal/adapter/websocket"
	"github.com/pscheid92/pricepulse/internal/broadcast"
)

type statsResponse struct {
	broadcast.Stats
	UptimeSeconds float64                `json:"uptime_seconds"`
	Limits        *websocket.LimitsStats `json:"limits,omitempty"`
}

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api")
	if s.deps.APILimiter != nil {
		api.Use(apiRateLimit(s.deps.APILimiter, s.deps.Clock.Now))
	}
	api.GET("/websocket/stats", s.handleWebSocketStats)
}

func (s *Server) handleWebSocketStats(c echo.Context) error {
	resp := statsResponse{
		Stats:         s.deps.Connections.Stats(),
		UptimeSeconds: s.deps.Clock.Since(s.startTime).Seconds(),
	}
	if s.deps.Limits != nil {
		l := s.deps.Limits.Stats()
		resp.Limits = &l
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write stats response: %w", err)
	}
	return nil
}
