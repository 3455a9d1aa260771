package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/adapter/metrics"
	"github.com/pscheid92/pricepulse/internal/adapter/redis"
	"github.com/pscheid92/pricepulse/internal/adapter/upstream"
	"github.com/pscheid92/pricepulse/internal/broadcast"
	"github.com/pscheid92/pricepulse/internal/domain"
)

const (
	DefaultInterval        = 60 * time.Second
	DefaultStaleAfter      = 2 * time.Minute
	DefaultReferenceSymbol = "BTCUSDT"

	sectionTimeout = 3 * time.Second
)

// Alert thresholds.
const (
	cpuAlertPercent    = 80
	memoryAlertPercent = 85
	maxConnections     = 1000
	maxRedisClients    = 100
)

// Price stream statuses.
const (
	StreamHealthy = "healthy"
	StreamStale   = "stale"
	StreamNoData  = "no_data"
	StreamError   = "error"
)

type (
	ConnectionStats interface {
		Stats() broadcast.Stats
	}
	StoreInfo interface {
		Stats(ctx context.Context) (redis.ServerStats, error)
	}
	SourceHealth interface {
		Health() upstream.Health
	}
	MetricTotals interface {
		Totals() metrics.Totals
	}
	ReportSink interface {
		SaveReport(ctx context.Context, report any) error
	}
	// Leadership tells whether this instance is the one running the sources.
	Leadership interface {
		Leading() bool
	}
)

// Deps are the read-only views the reporter aggregates. Store, Cache and
// Sink may be nil.
type Deps struct {
	Probe       SystemProbe
	Store       StoreInfo
	Connections ConnectionStats
	Sources     SourceHealth
	Cache       domain.PriceCache
	Metrics     MetricTotals
	Sink        ReportSink
}

type Options struct {
	Interval        time.Duration
	StaleAfter      time.Duration
	ReferenceSymbol string
}

type SystemSection struct {
	SystemStats
	Error string `json:"error,omitempty"`
}

type StoreSection struct {
	Connected bool `json:"connected"`
	redis.ServerStats
	Error string `json:"error,omitempty"`
}

type WebSocketSection struct {
	broadcast.Stats
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Role values of an instance under leader election.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

type ApplicationSection struct {
	Status string `json:"status"`
	Role   string `json:"role,omitempty"`
	upstream.Health
}

type PriceStreamSection struct {
	Status             string     `json:"status"`
	Symbol             string     `json:"symbol"`
	LastUpdate         *time.Time `json:"last_update"`
	MinutesSinceUpdate float64    `json:"minutes_since_update,omitempty"`
	LastPrice          float64    `json:"last_price,omitempty"`
	Source             string     `json:"source,omitempty"`
	Error              string     `json:"error,omitempty"`
}

// Report is one point-in-time view of the whole service.
type Report struct {
	Timestamp   time.Time          `json:"timestamp"`
	System      SystemSection      `json:"system"`
	Redis       StoreSection       `json:"redis"`
	WebSocket   WebSocketSection   `json:"websocket"`
	Application ApplicationSection `json:"application"`
	PriceStream PriceStreamSection `json:"price_stream"`
	Metrics     metrics.Totals     `json:"prometheus"`
	Alerts      []string           `json:"alerts"`
	AlertCount  int                `json:"alert_count"`
}

// Reporter builds health reports on demand and on an interval. It only reads
// from its dependencies; the optional sink is the one place it writes.
type Reporter struct {
	deps       Deps
	leadership Leadership
	opts       Options
	clock      clockwork.Clock
	started    time.Time
}

func NewReporter(deps Deps, opts Options, clock clockwork.Clock) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.ReferenceSymbol == "" {
		opts.ReferenceSymbol = DefaultReferenceSymbol
	}
	return &Reporter{deps: deps, opts: opts, clock: clock, started: clock.Now()}
}

// Generate collects every section. A failing section is reported inside the
// report; Generate itself does not fail.
func (r *Reporter) Generate(ctx context.Context) Report {
	now := r.clock.Now()
	report := Report{
		Timestamp:   now.UTC(),
		System:      r.system(ctx),
		Redis:       r.store(ctx),
		WebSocket:   WebSocketSection{Stats: r.deps.Connections.Stats(), UptimeSeconds: now.Sub(r.started).Seconds()},
		Application: r.application(),
		PriceStream: r.priceStream(ctx, now),
		Metrics:     r.deps.Metrics.Totals(),
	}
	report.Alerts = Alerts(report)
	report.AlertCount = len(report.Alerts)
	return report
}

func (r *Reporter) system(ctx context.Context) SystemSection {
	ctx, cancel := context.WithTimeout(ctx, sectionTimeout)
	defer cancel()

	stats, err := r.deps.Probe.Sample(ctx)
	if err != nil {
		return SystemSection{SystemStats: stats, Error: err.Error()}
	}
	return SystemSection{SystemStats: stats}
}

func (r *Reporter) store(ctx context.Context) StoreSection {
	if r.deps.Store == nil {
		return StoreSection{Error: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, sectionTimeout)
	defer cancel()

	stats, err := r.deps.Store.Stats(ctx)
	if err != nil {
		return StoreSection{Error: err.Error()}
	}
	return StoreSection{Connected: true, ServerStats: stats}
}

// SetLeadership makes the report aware of leader election. It must be called
// before the reporter runs.
func (r *Reporter) SetLeadership(l Leadership) {
	r.leadership = l
}

// application rates the sources. A follower runs none by design, so only
// degraded sources count against it.
func (r *Reporter) application() ApplicationSection {
	h := r.deps.Sources.Health()
	section := ApplicationSection{Status: "healthy", Health: h}

	healthy := h.Healthy()
	if r.leadership != nil {
		section.Role = RoleLeader
		if !r.leadership.Leading() {
			section.Role = RoleFollower
			healthy = h.DegradedSources == 0
		}
	}
	if !healthy {
		section.Status = "degraded"
	}
	return section
}

func (r *Reporter) priceStream(ctx context.Context, now time.Time) PriceStreamSection {
	section := PriceStreamSection{Symbol: r.opts.ReferenceSymbol}
	if r.deps.Cache == nil {
		section.Status = StreamNoData
		return section
	}

	ctx, cancel := context.WithTimeout(ctx, sectionTimeout)
	defer cancel()

	tick, err := r.deps.Cache.Latest(ctx, r.opts.ReferenceSymbol)
	switch {
	case errors.Is(err, domain.ErrPriceNotCached):
		section.Status = StreamNoData
		return section
	case err != nil:
		section.Status = StreamError
		section.Error = err.Error()
		return section
	}

	age := now.Sub(tick.Timestamp)
	last := tick.Timestamp.UTC()
	section.LastUpdate = &last
	section.MinutesSinceUpdate = age.Minutes()
	section.LastPrice = tick.Price
	section.Source = tick.Source
	section.Status = StreamHealthy
	if age >= r.opts.StaleAfter {
		section.Status = StreamStale
	}
	return section
}

// Alerts derives the alert lines for a report.
func Alerts(r Report) []string {
	alerts := []string{}

	if r.System.CPUPercent > cpuAlertPercent {
		alerts = append(alerts, fmt.Sprintf("High CPU usage: %.1f%%", r.System.CPUPercent))
	}
	if r.System.MemoryPercent > memoryAlertPercent {
		alerts = append(alerts, fmt.Sprintf("High memory usage: %.1f%%", r.System.MemoryPercent))
	}

	switch conns := r.WebSocket.TotalConnections; {
	case conns > maxConnections:
		alerts = append(alerts, fmt.Sprintf("High WebSocket connections: %d", conns))
	case conns == 0:
		alerts = append(alerts, "No active WebSocket connections")
	}

	if r.Application.Status != "healthy" {
		alerts = append(alerts, "Application unhealthy: "+r.Application.Status)
	}

	if r.PriceStream.Status != StreamHealthy {
		alerts = append(alerts, "Price stream issue: "+r.PriceStream.Status)
	}

	if !r.Redis.Connected {
		alerts = append(alerts, "Redis unreachable")
	} else if r.Redis.ConnectedClients > maxRedisClients {
		alerts = append(alerts, fmt.Sprintf("High Redis connections: %d", r.Redis.ConnectedClients))
	}

	return alerts
}

// Run generates and stores a report every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	slog.Info("Health reporter started", "interval", r.opts.Interval, "reference_symbol", r.opts.ReferenceSymbol)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.tick(ctx)
		}
	}
}

func (r *Reporter) tick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Panic while generating health report", "panic", p)
		}
	}()

	report := r.Generate(ctx)
	if len(report.Alerts) > 0 {
		slog.Warn("Health alerts", "count", report.AlertCount, "alerts", report.Alerts)
	}

	if r.deps.Sink == nil {
		return
	}
	if err := r.deps.Sink.SaveReport(ctx, report); err != nil {
		slog.Warn("Failed to save health report", "error", err)
	}
}
