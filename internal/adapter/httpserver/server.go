package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pricepulse/internal/adapter/metrics"
	"github.com/pscheid92/pricepulse/internal/adapter/websocket"
	"github.com/pscheid92/pricepulse/internal/broadcast"
	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/health"
	"github.com/pscheid92/pricepulse/internal/platform/config"
)

type connectionStats interface {
	Stats() broadcast.Stats
}

type limitStats interface {
	Stats() websocket.LimitsStats
}

type reportGenerator interface {
	Generate(ctx context.Context) health.Report
}

type apiLimiter interface {
	Check(ctx context.Context, identity string, limitType domain.LimitType) (bool, domain.RateLimitInfo)
}

// Deps are the collaborators behind the HTTP surface. Limits is optional.
type Deps struct {
	WebSocket    http.Handler
	Connections  connectionStats
	Limits       limitStats
	Reporter     reportGenerator
	APILimiter   apiLimiter
	Metrics      *metrics.Set
	HealthChecks []HealthCheck
	Clock        clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	deps   Deps

	startTime time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:      e,
		config:    cfg,
		deps:      deps,
		startTime: deps.Clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
