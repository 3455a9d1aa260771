// Package domain defines the core types and ports of the price fan-out service.
//
// Concept-oriented files (tick.go, symbols.go, pubsub.go, rate_limit.go, identity.go,
// errors.go) hold shared types and the interfaces adapters implement. No I/O here.
package domain
