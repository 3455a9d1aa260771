package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/pscheid92/pricepulse/internal/domain"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	NATSURL     string `env:"NATS_URL"`
	BusBackend  string `env:"BUS_BACKEND" default:"redis"`
	SymbolsFile string `env:"SYMBOLS_FILE"`

	// LeaderElection runs the upstream sources on one instance only.
	LeaderElection bool `env:"LEADER_ELECTION" default:"false"`

	BinanceWSURL        string        `env:"BINANCE_WS_URL" default:"wss://stream.binance.com:9443/ws/"`
	BinanceRESTURL      string        `env:"BINANCE_REST_URL" default:"https://api.binance.com"`
	CoinGeckoURL        string        `env:"COINGECKO_URL" default:"https://api.coingecko.com/api/v3/simple/price"`
	EnableBinanceStream bool          `env:"ENABLE_BINANCE_STREAM" default:"true"`
	EnableBinanceREST   bool          `env:"ENABLE_BINANCE_REST" default:"false"`
	EnableCoinGecko     bool          `env:"ENABLE_COINGECKO" default:"true"`
	CoinGeckoInterval   time.Duration `env:"COINGECKO_INTERVAL" default:"30s"`
	BinanceRESTInterval time.Duration `env:"BINANCE_REST_INTERVAL" default:"15s"`
	ReconnectDelay      time.Duration `env:"STREAM_RECONNECT_DELAY" default:"5s"`
	MaxReconnects       int           `env:"STREAM_MAX_RECONNECTS" default:"10"`
	StreamReadTimeout   time.Duration `env:"STREAM_READ_TIMEOUT" default:"30s"`

	RateLimitWSConnections int           `env:"RATE_LIMIT_WS_CONNECTIONS" default:"5"`
	RateLimitSubscriptions int           `env:"RATE_LIMIT_SUBSCRIPTIONS" default:"50"`
	RateLimitAPICalls      int           `env:"RATE_LIMIT_API_CALLS" default:"100"`
	RateLimitWindow        time.Duration `env:"RATE_LIMIT_WINDOW" default:"60s"`
	RateLimitStore         string        `env:"RATE_LIMIT_STORE" default:"redis"`

	MaxWebSocketConnections int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	SendBufferSize          int `env:"SEND_BUFFER_SIZE" default:"64"`

	PriceCacheTTL   time.Duration `env:"PRICE_CACHE_TTL" default:"5m"`
	HealthInterval  time.Duration `env:"HEALTH_INTERVAL" default:"60s"`
	StaleAfter      time.Duration `env:"STALE_AFTER" default:"2m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// IsDevelopment reports whether relaxed development defaults apply.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}

	switch cfg.BusBackend {
	case "redis":
	case "nats":
		if cfg.NATSURL == "" {
			return errors.New("NATS_URL is required when BUS_BACKEND=nats")
		}
	default:
		return fmt.Errorf("BUS_BACKEND must be redis or nats, got %q", cfg.BusBackend)
	}

	if cfg.RateLimitStore != "redis" && cfg.RateLimitStore != "memory" {
		return fmt.Errorf("RATE_LIMIT_STORE must be redis or memory, got %q", cfg.RateLimitStore)
	}

	if !cfg.EnableBinanceStream && !cfg.EnableBinanceREST && !cfg.EnableCoinGecko {
		return errors.New("at least one price source must be enabled")
	}

	if _, err := url.Parse(cfg.BinanceWSURL); err != nil {
		return fmt.Errorf("BINANCE_WS_URL is invalid: %w", err)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"STREAM_MAX_RECONNECTS", cfg.MaxReconnects},
		{"RATE_LIMIT_WS_CONNECTIONS", cfg.RateLimitWSConnections},
		{"RATE_LIMIT_SUBSCRIPTIONS", cfg.RateLimitSubscriptions},
		{"RATE_LIMIT_API_CALLS", cfg.RateLimitAPICalls},
		{"MAX_WEBSOCKET_CONNECTIONS", cfg.MaxWebSocketConnections},
		{"MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP},
		{"SEND_BUFFER_SIZE", cfg.SendBufferSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"COINGECKO_INTERVAL", cfg.CoinGeckoInterval},
		{"BINANCE_REST_INTERVAL", cfg.BinanceRESTInterval},
		{"STREAM_RECONNECT_DELAY", cfg.ReconnectDelay},
		{"STREAM_READ_TIMEOUT", cfg.StreamReadTimeout},
		{"RATE_LIMIT_WINDOW", cfg.RateLimitWindow},
		{"PRICE_CACHE_TTL", cfg.PriceCacheTTL},
		{"HEALTH_INTERVAL", cfg.HealthInterval},
		{"STALE_AFTER", cfg.StaleAfter},
		{"SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	return nil
}

type catalogFile struct {
	Symbols []domain.Symbol `toml:"symbols"`
}

// LoadCatalog reads the symbol allow-list from a TOML file, or returns the
// built-in catalog when path is empty.
func LoadCatalog(path string) (*domain.SymbolCatalog, error) {
	if path == "" {
		return domain.DefaultSymbolCatalog(), nil
	}

	var file catalogFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode symbol catalog %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in symbol catalog %s: %v", path, undecoded)
	}

	catalog, err := domain.NewSymbolCatalog(file.Symbols)
	if err != nil {
		return nil, fmt.Errorf("invalid symbol catalog %s: %w", path, err)
	}
	return catalog, nil
}
