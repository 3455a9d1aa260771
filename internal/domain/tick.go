package domain

import "time"

// PriceTopic is the single bus topic carrying every tick envelope.
const PriceTopic = "price_updates"

// PriceTick is one normalized price observation. Values are copied, never shared.
type PriceTick struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        float64   `json:"volume"`
	High24h       *float64  `json:"high_24h"`
	Low24h        *float64  `json:"low_24h"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

// Envelope is the bus payload. The router fans out by Symbol.
type Envelope struct {
	Symbol string    `json:"symbol"`
	Data   PriceTick `json:"data"`
}

// Float returns a pointer to v, for the optional tick fields.
func Float(v float64) *float64 {
	return &v
}
