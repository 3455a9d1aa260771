// Package ratelimit implements sliding-window admission control keyed by
// (identity, limit type). Counters live in a Store; the Redis store is atomic
// across instances, MemoryStore serves single-instance deployments and tests.
// Store failures fail open.
package ratelimit
