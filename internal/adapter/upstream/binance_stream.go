package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/platform/retry"
)

const (
	SourceBinance = "binance"

	DefaultBinanceWSURL = "wss://stream.binance.com:9443/ws/"
	maxReconnectDelay   = 60 * time.Second
	pingWriteTimeout    = 5 * time.Second
)

// Dialer opens the upstream WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type BinanceStreamConfig struct {
	URL            string
	Symbols        []string
	ReconnectDelay time.Duration
	MaxReconnects  int
	ReadTimeout    time.Duration
}

// BinanceStream consumes the Binance 24h ticker stream for a fixed symbol set.
// Lost connections are redialed with a linearly growing delay; once
// MaxReconnects consecutive attempts fail the source marks itself degraded
// and stops.
type BinanceStream struct {
	base
	cfg     BinanceStreamConfig
	dialer  Dialer
	backoff retry.Policy
	known   map[string]struct{}
}

var _ Source = (*BinanceStream)(nil)

func NewBinanceStream(cfg BinanceStreamConfig, dialer Dialer, publisher domain.TickPublisher, recorder Recorder, clock clockwork.Clock) *BinanceStream {
	if cfg.URL == "" {
		cfg.URL = DefaultBinanceWSURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	known := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		known[strings.ToUpper(s)] = struct{}{}
	}

	s := &BinanceStream{
		base:   newBase(SourceBinance, publisher, recorder, clock),
		cfg:    cfg,
		dialer: dialer,
		known:  known,
	}
	s.backoff = retry.Policy{
		InitialBackoff: cfg.ReconnectDelay,
		MaxBackoff:     maxReconnectDelay,
		Strategy:       retry.Linear,
		Clock:          s.clock,
	}
	return s
}

// StreamURL joins the lower-cased ticker streams onto the base URL.
func (s *BinanceStream) StreamURL() string {
	streams := make([]string, len(s.cfg.Symbols))
	for i, sym := range s.cfg.Symbols {
		streams[i] = strings.ToLower(sym) + "@ticker"
	}
	return strings.TrimSuffix(s.cfg.URL, "/") + "/" + strings.Join(streams, "/")
}

func (s *BinanceStream) Start(ctx context.Context) {
	s.start(ctx, s.run)
}

func (s *BinanceStream) run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}

		attempt++
		s.setAttempts(attempt)
		if attempt > s.cfg.MaxReconnects {
			s.setDegraded()
			s.event("degraded")
			slog.Error("Binance stream giving up after repeated failures",
				"attempts", s.cfg.MaxReconnects, "error", err)
			return fmt.Errorf("%w: %s", domain.ErrSourceDegraded, s.name)
		}

		delay := s.backoff.Backoff(attempt)
		slog.Warn("Binance stream disconnected, reconnecting",
			"attempt", attempt, "max_attempts", s.cfg.MaxReconnects, "delay", delay, "error", err)
		s.event("reconnect")

		if err := s.backoff.Wait(ctx, delay); err != nil {
			return nil
		}
	}
}

// session dials once and reads until the connection fails. connected
// reports whether the dial succeeded.
func (s *BinanceStream) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.StreamURL(), nil)
	if err != nil {
		s.fail("upstream_connect", err)
		return false, fmt.Errorf("dial binance: %w", err)
	}
	defer func() { _ = conn.Close() }()

	s.setAttempts(0)
	s.event("connected")
	slog.Info("Binance stream connected", "symbols", len(s.cfg.Symbols))

	return true, s.read(ctx, conn)
}

func (s *BinanceStream) read(ctx context.Context, conn *websocket.Conn) error {
	deadline := func() time.Time { return time.Now().Add(2 * s.cfg.ReadTimeout) }
	_ = conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(conn, stop)

	// Unblock ReadMessage when the source is stopped.
	unwatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer unwatch()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(deadline())

		tick, err := s.parse(data)
		if err != nil {
			s.event("parse_error")
			s.fail("upstream_parse", err)
			slog.Warn("Dropping malformed Binance frame", "error", err)
			continue
		}
		if _, ok := s.known[tick.Symbol]; !ok {
			continue
		}
		s.emit(ctx, tick)
	}
}

// keepalive pings whenever ReadTimeout passes so quiet streams stay open.
func (s *BinanceStream) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := s.clock.NewTicker(s.cfg.ReadTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

type binanceTicker struct {
	Symbol        string `json:"s"`
	LastPrice     string `json:"c"`
	PriceChange   string `json:"p"`
	ChangePercent string `json:"P"`
	Volume        string `json:"v"`
	High          string `json:"h"`
	Low           string `json:"l"`
}

var errMissingField = errors.New("missing field")

func (s *BinanceStream) parse(data []byte) (domain.PriceTick, error) {
	var t binanceTicker
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.PriceTick{}, fmt.Errorf("decode ticker: %w", err)
	}
	if t.Symbol == "" || t.LastPrice == "" {
		return domain.PriceTick{}, fmt.Errorf("ticker frame: %w", errMissingField)
	}

	price, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("parse price %q: %w", t.LastPrice, err)
	}

	tick := domain.PriceTick{
		Symbol:        strings.ToUpper(t.Symbol),
		Price:         price,
		Change:        parseOptional(t.PriceChange),
		ChangePercent: parseOptional(t.ChangePercent),
		Volume:        parseOptional(t.Volume),
		Source:        SourceBinance,
		Timestamp:     s.clock.Now().UTC(),
	}
	if h, err := strconv.ParseFloat(t.High, 64); err == nil {
		tick.High24h = domain.Float(h)
	}
	if l, err := strconv.ParseFloat(t.Low, 64); err == nil {
		tick.Low24h = domain.Float(l)
	}
	return tick, nil
}

func parseOptional(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
