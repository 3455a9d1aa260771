package domain

import "time"

// LimitType names a rate-limit policy.
type LimitType string

const (
	LimitWebSocketConnections LimitType = "websocket_connections"
	LimitPriceSubscriptions   LimitType = "price_subscriptions"
	LimitAPICalls             LimitType = "api_calls"
)

// RateLimitInfo describes the outcome of one admission check.
// Remaining is set when allowed, ResetTime when rejected.
type RateLimitInfo struct {
	Limit     int
	Count     int
	Remaining int
	ResetTime time.Time
	Exceeded  bool
	FailOpen  bool
}
