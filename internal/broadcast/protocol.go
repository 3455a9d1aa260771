package broadcast

import (
	"encoding/json"
	"time"

	"github.com/pscheid92/pricepulse/internal/domain"
)

// Server to client events.
const (
	EventConnectionEstablished   = "connection_established"
	EventSubscriptionConfirmed   = "subscription_confirmed"
	EventUnsubscriptionConfirmed = "unsubscription_confirmed"
	EventError                   = "error"
	EventPong                    = "pong"
	EventPriceUpdate             = "price_update"
)

// Client to server events.
const (
	EventSubscribePrice   = "subscribe_price"
	EventUnsubscribePrice = "unsubscribe_price"
	EventPing             = "ping"
)

// Message is the envelope of every frame in both directions.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Inbound is a decoded client frame; Data is decoded per event.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type ConnectedPayload struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

type SymbolsPayload struct {
	Symbols []string `json:"symbols"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type PriceData struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        float64   `json:"volume"`
	High24h       *float64  `json:"high_24h"`
	Low24h        *float64  `json:"low_24h"`
	Timestamp     time.Time `json:"timestamp"`
}

type PriceUpdatePayload struct {
	Symbol    string    `json:"symbol"`
	Data      PriceData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode marshals one event envelope.
func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(Message{Event: event, Data: data})
}

// EncodePriceUpdate renders a tick as a price_update frame sent at now.
func EncodePriceUpdate(tick domain.PriceTick, now time.Time) ([]byte, error) {
	return Encode(EventPriceUpdate, PriceUpdatePayload{
		Symbol: tick.Symbol,
		Data: PriceData{
			Symbol:        tick.Symbol,
			Price:         tick.Price,
			Change:        tick.Change,
			ChangePercent: tick.ChangePercent,
			Volume:        tick.Volume,
			High24h:       tick.High24h,
			Low24h:        tick.Low24h,
			Timestamp:     tick.Timestamp,
		},
		Timestamp: now.UTC(),
	})
}
