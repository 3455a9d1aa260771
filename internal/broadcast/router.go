package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/domain"
)

// Recorder receives delivery outcomes for metrics.
type Recorder interface {
	RecordMessage(direction, messageType string)
	RecordError(errorType string)
	RecordPriceUpdate(symbol, source string, latency time.Duration)
}

// Router consumes tick envelopes from the bus and delivers each one to the
// room of its symbol.
type Router struct {
	registry *Registry
	cache    domain.PriceCache
	recorder Recorder
	clock    clockwork.Clock
}

// NewRouter builds a router. cache may be nil.
func NewRouter(registry *Registry, cache domain.PriceCache, recorder Recorder, clock clockwork.Clock) *Router {
	return &Router{registry: registry, cache: cache, recorder: recorder, clock: clock}
}

// Run subscribes to the price topic and dispatches until ctx is done or the
// subscription ends.
func (r *Router) Run(ctx context.Context, bus domain.Bus) error {
	messages, err := bus.Subscribe(ctx, domain.PriceTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.PriceTopic, err)
	}

	slog.Info("Price router started", "topic", domain.PriceTopic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-messages:
			if !ok {
				slog.Info("Price router stopped, bus subscription closed")
				return nil
			}
			r.handle(ctx, payload)
		}
	}
}

func (r *Router) handle(ctx context.Context, payload []byte) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Panic while routing price update", "panic", p)
			r.recorder.RecordError("router_panic")
		}
	}()

	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("Dropping malformed bus message", "error", err)
		r.recorder.RecordError("bus_decode")
		return
	}
	if env.Data.Symbol == "" {
		env.Data.Symbol = env.Symbol
	}
	r.Dispatch(ctx, env.Data)
}

// Dispatch caches tick and pushes it to every subscriber of its symbol.
// Subscribers whose outbound buffer is full miss this tick; nobody else is
// held up. It returns the number of connections that accepted the update.
func (r *Router) Dispatch(ctx context.Context, tick domain.PriceTick) int {
	now := r.clock.Now()

	if r.cache != nil {
		if err := r.cache.SetLatest(ctx, tick); err != nil {
			slog.Warn("Failed to cache price", "symbol", tick.Symbol, "error", err)
			r.recorder.RecordError("cache_write")
		}
	}

	var latency time.Duration
	if !tick.Timestamp.IsZero() {
		latency = now.Sub(tick.Timestamp)
	}
	r.recorder.RecordPriceUpdate(tick.Symbol, tick.Source, latency)

	room := r.registry.Room(tick.Symbol)
	if len(room) == 0 {
		return 0
	}

	msg, err := EncodePriceUpdate(tick, now)
	if err != nil {
		slog.Error("Failed to encode price update", "symbol", tick.Symbol, "error", err)
		r.recorder.RecordError("encode")
		return 0
	}

	delivered := 0
	for _, conn := range room {
		if !conn.Enqueue(msg) {
			r.recorder.RecordError("send_buffer_full")
			continue
		}
		delivered++
		r.recorder.RecordMessage("outbound", EventPriceUpdate)
	}

	return delivered
}
