package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/adapter/httpserver"
	"github.com/pscheid92/pricepulse/internal/adapter/metrics"
	natsbus "github.com/pscheid92/pricepulse/internal/adapter/nats"
	"github.com/pscheid92/pricepulse/internal/adapter/postgres"
	"github.com/pscheid92/pricepulse/internal/adapter/redis"
	"github.com/pscheid92/pricepulse/internal/adapter/upstream"
	"github.com/pscheid92/pricepulse/internal/adapter/websocket"
	"github.com/pscheid92/pricepulse/internal/app"
	"github.com/pscheid92/pricepulse/internal/broadcast"
	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/health"
	"github.com/pscheid92/pricepulse/internal/platform/config"
	"github.com/pscheid92/pricepulse/internal/platform/logging"
	"github.com/pscheid92/pricepulse/internal/platform/version"
	"github.com/pscheid92/pricepulse/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const setupTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config, set *metrics.Set) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL,
		redis.NewMetricsHook(set.Redis),
		redis.NewCircuitBreakerHook(set.Redis),
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// setupDB returns nil when no DATABASE_URL is configured; API keys are then
// not resolved.
func setupDB(cfg *config.Config, set *metrics.Set) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, API key identities disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.NewMetricsTracer(set.DB))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupBus(cfg *config.Config, rdb *goredis.Client, set *metrics.Set) domain.Bus {
	if cfg.BusBackend == "nats" {
		bus, err := natsbus.Connect(cfg.NATSURL, set.Collector)
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		slog.Info("Using NATS broadcast bus")
		return bus
	}

	slog.Info("Using Redis broadcast bus")
	return redis.NewBus(rdb, set.Collector)
}

func setupSources(cfg *config.Config, catalog *domain.SymbolCatalog, publisher domain.TickPublisher, set *metrics.Set, clock clockwork.Clock) *upstream.Manager {
	symbols := catalog.Names()
	var sources []upstream.Source

	if cfg.EnableBinanceStream {
		sources = append(sources, upstream.NewBinanceStream(upstream.BinanceStreamConfig{
			URL:            cfg.BinanceWSURL,
			Symbols:        symbols,
			ReconnectDelay: cfg.ReconnectDelay,
			MaxReconnects:  cfg.MaxReconnects,
			ReadTimeout:    cfg.StreamReadTimeout,
		}, ws.DefaultDialer, publisher, set.Collector, clock))
	}

	if cfg.EnableCoinGecko {
		fetcher := upstream.NewCoinGecko(cfg.CoinGeckoURL, catalog.CoinGeckoIDs(), nil, nil, clock)
		sources = append(sources, upstream.NewPoller(fetcher, cfg.CoinGeckoInterval, publisher, set.Collector, set.Upstream, clock))
	}

	if cfg.EnableBinanceREST {
		fetcher := upstream.NewBinanceREST(cfg.BinanceRESTURL, symbols, clock)
		sources = append(sources, upstream.NewPoller(fetcher, cfg.BinanceRESTInterval, publisher, set.Collector, set.Upstream, clock))
	}

	return upstream.NewManager(symbols, sources...)
}

func policies(cfg *config.Config) ratelimit.Policies {
	return ratelimit.Policies{
		domain.LimitWebSocketConnections: {Max: cfg.RateLimitWSConnections, Window: cfg.RateLimitWindow},
		domain.LimitPriceSubscriptions:   {Max: cfg.RateLimitSubscriptions, Window: cfg.RateLimitWindow},
		domain.LimitAPICalls:             {Max: cfg.RateLimitAPICalls, Window: cfg.RateLimitWindow},
	}
}

// limitStore keeps rate-limit windows in Redis unless RATE_LIMIT_STORE=memory,
// which only counts this instance's traffic.
func limitStore(cfg *config.Config, rdb *goredis.Client) ratelimit.Store {
	if cfg.RateLimitStore == "memory" {
		slog.Info("Using in-memory rate limit store")
		return ratelimit.NewMemoryStore()
	}
	return redis.NewSlidingWindowStore(rdb)
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func runGracefulShutdown(srv *httpserver.Server, svc *app.Service, timeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			slog.Info("Shutdown signal received, cleaning up...")
		case <-svc.Failed():
			slog.Error("Background service failed, shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Connections are closed by the service; the HTTP server only stops
		// accepting new ones here.
		if err := svc.Shutdown(shutdownCtx); err != nil {
			slog.Error("Service shutdown error", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	v := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", v.Version, "commit", v.Commit)

	set := metrics.NewSet()

	rdb := setupRedis(cfg, set)
	defer func() { _ = rdb.Close() }()

	pool := setupDB(cfg, set)
	if pool != nil {
		defer pool.Close()
	}

	catalog, err := config.LoadCatalog(cfg.SymbolsFile)
	if err != nil {
		slog.Error("Failed to load symbol catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Symbol catalog loaded", "symbols", catalog.Len())

	bus := setupBus(cfg, rdb, set)
	priceCache := redis.NewPriceCache(rdb, cfg.PriceCacheTTL)
	limiter := ratelimit.New(limitStore(cfg, rdb), policies(cfg), clock, set.Collector)

	manager := setupSources(cfg, catalog, broadcast.NewPublisher(bus), set, clock)

	registry := broadcast.NewRegistry(catalog, broadcast.DefaultMaxBatch)
	router := broadcast.NewRouter(registry, priceCache, set.Collector, clock)

	limits := websocket.NewLimits(websocket.LimitsConfig{
		MaxConnections: cfg.MaxWebSocketConnections,
		MaxPerIP:       cfg.MaxConnectionsPerIP,
		RatePerSecond:  websocket.DefaultLimitsConfig().RatePerSecond,
		Burst:          websocket.DefaultLimitsConfig().Burst,
	}, clock)

	var resolver domain.IdentityResolver
	if pool != nil {
		resolver = postgres.NewAPIKeyRepo(pool)
	}

	wsHandler := websocket.NewHandler(websocket.Config{
		AppURL:         cfg.AppURL,
		IsDevelopment:  cfg.IsDevelopment(),
		SendBufferSize: cfg.SendBufferSize,
	}, registry, limiter, limits, resolver, priceCache, set.Collector, clock)

	reporter := health.NewReporter(health.Deps{
		Probe:       health.NewHostProbe(),
		Store:       redis.NewServerInfo(rdb),
		Connections: registry,
		Sources:     manager,
		Cache:       priceCache,
		Metrics:     set.Collector,
		Sink:        redis.NewReportStore(rdb),
	}, health.Options{
		Interval:   cfg.HealthInterval,
		StaleAfter: cfg.StaleAfter,
	}, clock)

	deps := app.Deps{
		Bus:      bus,
		Router:   router,
		Sources:  manager,
		Reporter: reporter,
		Registry: registry,
		Sessions: wsHandler,
	}
	if cfg.LeaderElection {
		deps.Elector = app.NewLeaderElector(rdb, instanceID())
	}
	svc := app.NewService(deps, clock)
	if cfg.LeaderElection {
		reporter.SetLeadership(svc)
	}

	healthChecks := []httpserver.HealthCheck{
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}
	if pool != nil {
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	}

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		WebSocket:    wsHandler,
		Connections:  registry,
		Limits:       limits,
		Reporter:     reporter,
		APILimiter:   limiter,
		Metrics:      set,
		HealthChecks: healthChecks,
		Clock:        clock,
	})

	svc.Start(context.Background())
	done := runGracefulShutdown(srv, svc, cfg.ShutdownTimeout)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
