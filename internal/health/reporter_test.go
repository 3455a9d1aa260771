package health

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/adapter/metrics"
	"github.com/pscheid92/pricepulse/internal/adapter/redis"
	"github.com/pscheid92/pricepulse/internal/adapter/upstream"
	"github.com/pscheid92/pricepulse/internal/broadcast"
	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	stats SystemStats
	err   error
}

func (p fakeProbe) Sample(context.Context) (SystemStats, error) { return p.stats, p.err }

type fakeStore struct {
	stats redis.ServerStats
	err   error
}

func (s fakeStore) Stats(context.Context) (redis.ServerStats, error) { return s.stats, s.err }

type fakeConnections struct{ stats broadcast.Stats }

func (c fakeConnections) Stats() broadcast.Stats { return c.stats }

type fakeSources struct{ health upstream.Health }

func (s fakeSources) Health() upstream.Health { return s.health }

type fakeTotals struct{ totals metrics.Totals }

func (t fakeTotals) Totals() metrics.Totals { return t.totals }

type fakeCache struct {
	tick *domain.PriceTick
	err  error
}

func (c fakeCache) SetLatest(context.Context, domain.PriceTick) error { return nil }

func (c fakeCache) Latest(context.Context, string) (domain.PriceTick, error) {
	if c.err != nil {
		return domain.PriceTick{}, c.err
	}
	if c.tick == nil {
		return domain.PriceTick{}, domain.ErrPriceNotCached
	}
	return *c.tick, nil
}

func (c fakeCache) Snapshot(ctx context.Context, symbols []string) ([]domain.PriceTick, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.tick == nil {
		return nil, nil
	}
	return []domain.PriceTick{*c.tick}, nil
}

type fakeSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *fakeSink) SaveReport(_ context.Context, report any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report.(Report))
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

var reportNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func healthyDeps() Deps {
	tick := domain.PriceTick{Symbol: "BTCUSDT", Price: 43000, Source: "binance", Timestamp: reportNow.Add(-30 * time.Second)}
	return Deps{
		Probe:       fakeProbe{stats: SystemStats{CPUPercent: 12, MemoryPercent: 40, DiskPercent: 50}},
		Store:       fakeStore{stats: redis.ServerStats{ConnectedClients: 4, Version: "7.2.4"}},
		Connections: fakeConnections{stats: broadcast.Stats{TotalConnections: 3, ActiveSubscriptions: 5}},
		Sources:     fakeSources{health: upstream.Health{TotalSources: 2, RunningSources: 2}},
		Cache:       fakeCache{tick: &tick},
		Metrics:     fakeTotals{totals: metrics.Totals{ActiveConnections: 3, TotalMessages: 10}},
	}
}

func newTestReporter(deps Deps) (*Reporter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(reportNow)
	return NewReporter(deps, Options{Interval: time.Minute}, clock), clock
}

func TestGenerate_HealthyHasNoAlerts(t *testing.T) {
	r, _ := newTestReporter(healthyDeps())

	report := r.Generate(context.Background())

	assert.Empty(t, report.Alerts)
	assert.Zero(t, report.AlertCount)
	assert.Equal(t, StreamHealthy, report.PriceStream.Status)
	assert.InDelta(t, 0.5, report.PriceStream.MinutesSinceUpdate, 0.001)
	assert.Equal(t, 43000.0, report.PriceStream.LastPrice)
	assert.True(t, report.Redis.Connected)
	assert.Equal(t, "healthy", report.Application.Status)
	assert.Equal(t, 3, report.WebSocket.TotalConnections)
	assert.Equal(t, int64(10), report.Metrics.TotalMessages)
}

func TestGenerate_StalePrice(t *testing.T) {
	r, clock := newTestReporter(healthyDeps())

	clock.Advance(90 * time.Second)
	report := r.Generate(context.Background())
	assert.Equal(t, StreamStale, report.PriceStream.Status)
	assert.Contains(t, report.Alerts, "Price stream issue: stale")
}

func TestGenerate_NoDataAndErrors(t *testing.T) {
	deps := healthyDeps()
	deps.Cache = fakeCache{}
	r, _ := newTestReporter(deps)
	assert.Equal(t, StreamNoData, r.Generate(context.Background()).PriceStream.Status)

	deps.Cache = fakeCache{err: errors.New("redis down")}
	deps.Store = fakeStore{err: errors.New("redis down")}
	deps.Probe = fakeProbe{err: errors.New("no /proc")}
	r, _ = newTestReporter(deps)

	report := r.Generate(context.Background())
	assert.Equal(t, StreamError, report.PriceStream.Status)
	assert.Equal(t, "redis down", report.PriceStream.Error)
	assert.False(t, report.Redis.Connected)
	assert.Equal(t, "no /proc", report.System.Error)
	assert.Contains(t, report.Alerts, "Redis unreachable")
}

func TestAlerts_Thresholds(t *testing.T) {
	report := Report{
		System:      SystemSection{SystemStats: SystemStats{CPUPercent: 91.3, MemoryPercent: 85.5}},
		Redis:       StoreSection{Connected: true, ServerStats: redis.ServerStats{ConnectedClients: 101}},
		WebSocket:   WebSocketSection{Stats: broadcast.Stats{TotalConnections: 1001}},
		Application: ApplicationSection{Status: "degraded"},
		PriceStream: PriceStreamSection{Status: StreamNoData},
	}

	assert.Equal(t, []string{
		"High CPU usage: 91.3%",
		"High memory usage: 85.5%",
		"High WebSocket connections: 1001",
		"Application unhealthy: degraded",
		"Price stream issue: no_data",
		"High Redis connections: 101",
	}, Alerts(report))
}

func TestAlerts_ZeroConnections(t *testing.T) {
	report := Report{
		Redis:       StoreSection{Connected: true},
		Application: ApplicationSection{Status: "healthy"},
		PriceStream: PriceStreamSection{Status: StreamHealthy},
	}
	assert.Equal(t, []string{"No active WebSocket connections"}, Alerts(report))
}

func TestAlerts_BoundariesAreExclusive(t *testing.T) {
	report := Report{
		System:      SystemSection{SystemStats: SystemStats{CPUPercent: 80, MemoryPercent: 85}},
		Redis:       StoreSection{Connected: true, ServerStats: redis.ServerStats{ConnectedClients: 100}},
		WebSocket:   WebSocketSection{Stats: broadcast.Stats{TotalConnections: 1000}},
		Application: ApplicationSection{Status: "healthy"},
		PriceStream: PriceStreamSection{Status: StreamHealthy},
	}
	assert.Empty(t, Alerts(report))
}

func TestGenerate_DegradedSource(t *testing.T) {
	deps := healthyDeps()
	deps.Sources = fakeSources{health: upstream.Health{TotalSources: 2, RunningSources: 1, DegradedSources: 1}}
	r, _ := newTestReporter(deps)

	report := r.Generate(context.Background())
	assert.Equal(t, "degraded", report.Application.Status)
	assert.Contains(t, report.Alerts, "Application unhealthy: degraded")
}

type fakeLeadership bool

func (l fakeLeadership) Leading() bool { return bool(l) }

func TestGenerate_FollowerWithoutSourcesIsHealthy(t *testing.T) {
	deps := healthyDeps()
	deps.Sources = fakeSources{health: upstream.Health{TotalSources: 2}}
	r, _ := newTestReporter(deps)
	r.SetLeadership(fakeLeadership(false))

	report := r.Generate(context.Background())
	assert.Equal(t, "healthy", report.Application.Status)
	assert.Equal(t, RoleFollower, report.Application.Role)
	assert.NotContains(t, report.Alerts, "Application unhealthy: degraded")
}

func TestGenerate_Leadership(t *testing.T) {
	tests := []struct {
		name    string
		leading bool
		health  upstream.Health
		role    string
		status  string
	}{
		{"leader running", true, upstream.Health{TotalSources: 2, RunningSources: 2}, RoleLeader, "healthy"},
		{"leader without sources", true, upstream.Health{TotalSources: 2}, RoleLeader, "degraded"},
		{"follower with degraded source", false, upstream.Health{TotalSources: 2, DegradedSources: 1}, RoleFollower, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := healthyDeps()
			deps.Sources = fakeSources{health: tt.health}
			r, _ := newTestReporter(deps)
			r.SetLeadership(fakeLeadership(tt.leading))

			app := r.Generate(context.Background()).Application
			assert.Equal(t, tt.role, app.Role)
			assert.Equal(t, tt.status, app.Status)
		})
	}
}

func TestGenerate_WithoutLeadershipNoRole(t *testing.T) {
	r, _ := newTestReporter(healthyDeps())
	assert.Empty(t, r.Generate(context.Background()).Application.Role)
}

func TestReport_JSONShape(t *testing.T) {
	r, _ := newTestReporter(healthyDeps())
	raw, err := json.Marshal(r.Generate(context.Background()))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"timestamp", "system", "redis", "websocket", "application", "price_stream", "prometheus", "alerts", "alert_count"} {
		assert.Contains(t, doc, key)
	}
	assert.Equal(t, 3.0, doc["websocket"].(map[string]any)["total_connections"])
	assert.Equal(t, "7.2.4", doc["redis"].(map[string]any)["redis_version"])
}

func TestRun_SavesReportEveryInterval(t *testing.T) {
	deps := healthyDeps()
	sink := &fakeSink{}
	deps.Sink = sink
	r, clock := newTestReporter(deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
}
