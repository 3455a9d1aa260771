package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pricepulse/internal/adapter/metrics"
	"github.com/pscheid92/pricepulse/internal/broadcast"
	"github.com/pscheid92/pricepulse/internal/domain"
	apperrors "github.com/pscheid92/pricepulse/internal/platform/errors"
)

const (
	maxMessageSize   = 8 * 1024
	apiKeyHeader     = "X-API-Key"
	apiKeyQueryParam = "api_key"
)

// Admission is the sliding-window rate limiter.
type Admission interface {
	Check(ctx context.Context, identity string, limitType domain.LimitType) (bool, domain.RateLimitInfo)
}

// Recorder receives connection and message metrics.
type Recorder interface {
	broadcast.Recorder
	RecordConnection(status string)
	RecordSubscription(symbol, action string)
	ObserveProcessing(messageType string, d time.Duration)
}

// Config holds the handler's tunables.
type Config struct {
	AppURL         string
	IsDevelopment  bool
	AllowedOrigins []string
	SendBufferSize int
	// IPExtractor resolves the client address; defaults to the direct peer.
	IPExtractor echo.IPExtractor
}

// Handler upgrades admitted requests and runs one session per connection.
// The serving goroutine is the session's reader; a broadcast.Writer owns the
// write side.
type Handler struct {
	registry  *broadcast.Registry
	admission Admission
	limits    *Limits
	resolver  domain.IdentityResolver
	cache     domain.PriceCache
	recorder  Recorder
	clock     clockwork.Clock

	upgrader    ws.Upgrader
	bufferSize  int
	ipExtractor echo.IPExtractor

	sessions sync.WaitGroup
}

// NewHandler builds the WebSocket endpoint. resolver and cache may be nil:
// without a resolver API keys are ignored and clients are identified by IP,
// without a cache no snapshot follows a subscription.
func NewHandler(
	cfg Config,
	registry *broadcast.Registry,
	admission Admission,
	limits *Limits,
	resolver domain.IdentityResolver,
	cache domain.PriceCache,
	recorder Recorder,
	clock clockwork.Clock,
) *Handler {
	extractor := cfg.IPExtractor
	if extractor == nil {
		extractor = echo.ExtractIPDirect()
	}
	return &Handler{
		registry:  registry,
		admission: admission,
		limits:    limits,
		resolver:  resolver,
		cache:     cache,
		recorder:  recorder,
		clock:     clock,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment, cfg.AllowedOrigins...),
		},
		bufferSize:  max(cfg.SendBufferSize, 1),
		ipExtractor: extractor,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := h.ipExtractor(r)

	identity, err := h.identify(ctx, r, ip)
	if err != nil {
		h.reject(w, r, apperrors.UnauthorizedError("invalid API key"))
		return
	}

	if err := h.limits.Acquire(ip); err != nil {
		var limitErr *LimitError
		if errors.As(err, &limitErr) && limitErr.Reason == LimitReasonGlobal {
			h.reject(w, r, apperrors.UnavailableError("server at connection capacity", err))
			return
		}
		h.reject(w, r, apperrors.RateLimitedError("too many connections", time.Second).
			WithContext("reason", err.Error()))
		return
	}

	allowed, info := h.admission.Check(ctx, identity, domain.LimitWebSocketConnections)
	if !allowed {
		h.limits.Release(ip)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", "0")
		h.reject(w, r, apperrors.RateLimitedError("connection rate limit exceeded", info.ResetTime.Sub(h.clock.Now())).
			WithContext("reset_time", info.ResetTime.UTC()))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.limits.Release(ip)
		h.recorder.RecordConnection(metrics.StatusFailed)
		slog.WarnContext(ctx, "WebSocket upgrade failed", "remote_addr", ip, "error", err)
		return
	}

	h.sessions.Add(1)
	defer h.sessions.Done()
	defer h.limits.Release(ip)

	h.serve(ctx, conn, broadcast.ConnMeta{
		RemoteAddr: ip,
		UserAgent:  r.UserAgent(),
		Identity:   identity,
	})
}

// identify returns the rate-limit identity: key:{id} for a resolved API key,
// otherwise the client IP. Only a key that is definitely unknown is an error.
func (h *Handler) identify(ctx context.Context, r *http.Request, ip string) (string, error) {
	key := r.Header.Get(apiKeyHeader)
	if key == "" {
		key = r.URL.Query().Get(apiKeyQueryParam)
	}
	if key == "" || h.resolver == nil {
		return ip, nil
	}

	id, err := h.resolver.Resolve(ctx, key)
	if errors.Is(err, domain.ErrIdentityNotFound) {
		return "", err
	}
	if err != nil {
		slog.WarnContext(ctx, "API key lookup failed, falling back to IP identity", "error", err)
		h.recorder.RecordError("identity_lookup")
		return ip, nil
	}
	return id.RateLimitKey(), nil
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, e *apperrors.Error) {
	h.recorder.RecordConnection(metrics.StatusFailed)
	slog.InfoContext(r.Context(), "WebSocket connection refused", "type", e.Type, "message", e.Message)

	if v := e.RetryAfterHeader(); v != "" {
		w.Header().Set("Retry-After", v)
	}
	w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e.ToResponse())
}

// Wait blocks until every session has ended or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
