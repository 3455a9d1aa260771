package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/pscheid92/pricepulse/internal/adapter/metrics"
	"github.com/pscheid92/pricepulse/internal/broadcast"
	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/platform/correlation"
)

const shutdownReason = "server shutting down"

// session is one admitted connection. Only the reader goroutine touches it.
type session struct {
	h      *Handler
	conn   *broadcast.Connection
	writer *broadcast.Writer
}

func (h *Handler) serve(ctx context.Context, wsConn *ws.Conn, meta broadcast.ConnMeta) {
	conn := broadcast.NewConnection(meta, h.bufferSize, h.clock.Now())
	id, err := h.registry.Register(conn)
	if err != nil {
		h.recorder.RecordConnection(metrics.StatusFailed)
		msg := ws.FormatCloseMessage(ws.CloseGoingAway, shutdownReason)
		_ = wsConn.WriteControl(ws.CloseMessage, msg, h.clock.Now().Add(time.Second))
		_ = wsConn.Close()
		return
	}

	ctx = correlation.WithID(context.WithoutCancel(ctx), id)
	wsConn.SetReadLimit(maxMessageSize)

	s := &session{
		h:      h,
		conn:   conn,
		writer: broadcast.NewWriter(conn, wsConn, h.clock, h.recorder),
	}
	conn.OnClose(s.writer.StopGraceful)

	h.recorder.RecordConnection(metrics.StatusConnected)
	slog.InfoContext(ctx, "WebSocket connected", "remote_addr", meta.RemoteAddr, "user_agent", meta.UserAgent)

	s.send(ctx, broadcast.EventConnectionEstablished, broadcast.ConnectedPayload{Status: "connected", ID: id})
	s.readLoop(ctx, wsConn)
	s.cleanup(ctx)
}

func (s *session) readLoop(ctx context.Context, wsConn *ws.Conn) {
	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway, ws.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "WebSocket read ended", "error", err)
			}
			return
		}

		s.conn.Touch(s.h.clock.Now())
		s.writer.RefreshReadDeadline()
		s.handle(ctx, raw)
	}
}

func (s *session) cleanup(ctx context.Context) {
	symbols := s.h.registry.Unregister(s.conn.ID)
	for _, sym := range symbols {
		s.h.recorder.RecordSubscription(sym, metrics.ActionUnsubscribe)
	}
	s.writer.Stop()

	s.h.recorder.RecordConnection(metrics.StatusDisconnected)
	slog.InfoContext(ctx, "WebSocket disconnected",
		"duration", s.h.clock.Since(s.conn.ConnectedAt).Round(time.Millisecond),
		"subscriptions", len(symbols))
}

func (s *session) handle(ctx context.Context, raw []byte) {
	start := s.h.clock.Now()

	var in broadcast.Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		s.h.recorder.RecordMessage(metrics.DirectionInbound, "invalid")
		s.h.recorder.RecordError("invalid_message")
		s.sendError(ctx, "Invalid message format")
		return
	}

	s.h.recorder.RecordMessage(metrics.DirectionInbound, in.Event)
	defer func() {
		s.h.recorder.ObserveProcessing(in.Event, s.h.clock.Since(start))
	}()

	switch in.Event {
	case broadcast.EventSubscribePrice:
		s.subscribe(ctx, in.Data)
	case broadcast.EventUnsubscribePrice:
		s.unsubscribe(ctx, in.Data)
	case broadcast.EventPing:
		s.send(ctx, broadcast.EventPong, broadcast.PongPayload{Timestamp: s.h.clock.Now().UTC()})
	default:
		s.h.recorder.RecordError("unknown_event")
		s.sendError(ctx, fmt.Sprintf("Unknown event: %s", in.Event))
	}
}

func decodeSymbols(data json.RawMessage) ([]string, error) {
	var p broadcast.SymbolsPayload
	if len(data) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p.Symbols, nil
}

func (s *session) subscribe(ctx context.Context, data json.RawMessage) {
	symbols, err := decodeSymbols(data)
	if err == nil {
		symbols, err = s.h.registry.Validate(symbols)
	}
	if err != nil {
		s.h.recorder.RecordError("subscription_rejected")
		s.sendError(ctx, subscriptionError(err))
		return
	}

	if allowed, _ := s.h.admission.Check(ctx, s.conn.ID, domain.LimitPriceSubscriptions); !allowed {
		s.h.recorder.RecordError("subscription_rate_limited")
		s.sendError(ctx, subscriptionError(domain.ErrRateLimited))
		return
	}

	// Read before joining; live ticks then queue behind the snapshot.
	snapshot := s.snapshot(ctx, symbols)

	change, err := s.h.registry.SubscribeWith(s.conn.ID, symbols, func(_ *broadcast.Connection, change broadcast.Change) {
		s.send(ctx, broadcast.EventSubscriptionConfirmed, broadcast.SymbolsPayload{Symbols: change.Symbols})
		for _, msg := range snapshot {
			s.enqueue(msg, broadcast.EventPriceUpdate)
		}
	})
	if err != nil {
		s.h.recorder.RecordError("subscription_rejected")
		s.sendError(ctx, subscriptionError(err))
		return
	}

	for _, sym := range change.Changed {
		s.h.recorder.RecordSubscription(sym, metrics.ActionSubscribe)
	}
	slog.DebugContext(ctx, "Subscribed", "symbols", change.Symbols, "snapshot", len(snapshot))
}

// snapshot encodes the last cached tick of each symbol so a new subscriber
// does not wait for the next upstream update.
func (s *session) snapshot(ctx context.Context, symbols []string) [][]byte {
	if s.h.cache == nil {
		return nil
	}

	ticks, err := s.h.cache.Snapshot(ctx, symbols)
	if err != nil {
		s.h.recorder.RecordError("cache_read")
		slog.WarnContext(ctx, "Failed to read price snapshot", "error", err)
		return nil
	}

	now := s.h.clock.Now()
	frames := make([][]byte, 0, len(ticks))
	for _, tick := range ticks {
		msg, err := broadcast.EncodePriceUpdate(tick, now)
		if err != nil {
			continue
		}
		frames = append(frames, msg)
	}
	return frames
}

func (s *session) unsubscribe(ctx context.Context, data json.RawMessage) {
	symbols, err := decodeSymbols(data)
	if err != nil {
		s.sendError(ctx, subscriptionError(err))
		return
	}

	change, err := s.h.registry.Unsubscribe(s.conn.ID, symbols)
	if err != nil {
		s.sendError(ctx, subscriptionError(err))
		return
	}

	for _, sym := range change.Changed {
		s.h.recorder.RecordSubscription(sym, metrics.ActionUnsubscribe)
	}
	s.send(ctx, broadcast.EventUnsubscriptionConfirmed, broadcast.SymbolsPayload{Symbols: change.Symbols})
}

func subscriptionError(err error) string {
	var invalid *broadcast.InvalidSymbolError
	switch {
	case errors.As(err, &invalid):
		return "Invalid symbol: " + invalid.Symbol
	case errors.Is(err, domain.ErrEmptyBatch):
		return "No symbols provided"
	case errors.Is(err, domain.ErrBatchTooLarge):
		return fmt.Sprintf("Too many symbols (max %d per request)", broadcast.DefaultMaxBatch)
	case errors.Is(err, domain.ErrConnectionNotFound):
		return "Connection not registered"
	case errors.Is(err, domain.ErrRateLimited):
		return "Subscription rate limit exceeded"
	default:
		return "Invalid subscription request"
	}
}

func (s *session) sendError(ctx context.Context, message string) {
	s.send(ctx, broadcast.EventError, broadcast.ErrorPayload{Message: message})
}

func (s *session) send(ctx context.Context, event string, data any) {
	msg, err := broadcast.Encode(event, data)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode message", "event", event, "error", err)
		return
	}
	s.enqueue(msg, event)
}

func (s *session) enqueue(msg []byte, event string) {
	if !s.conn.Enqueue(msg) {
		s.h.recorder.RecordError("send_buffer_full")
		return
	}
	s.h.recorder.RecordMessage(metrics.DirectionOutbound, event)
}
