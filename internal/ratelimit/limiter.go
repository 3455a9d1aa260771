package ratelimit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/domain"
)

// Policy is a sliding-window limit: at most Max events per Window.
type Policy struct {
	Max    int
	Window time.Duration
}

type Policies map[domain.LimitType]Policy

// DefaultPolicies mirrors the production limits.
func DefaultPolicies() Policies {
	return Policies{
		domain.LimitWebSocketConnections: {Max: 5, Window: time.Minute},
		domain.LimitPriceSubscriptions:   {Max: 50, Window: time.Minute},
		domain.LimitAPICalls:             {Max: 100, Window: time.Minute},
	}
}

// Decision is a store's answer to one atomic check-and-record.
// Count includes the recorded event when Allowed. Oldest is the earliest
// event still inside the window and is only set when rejected.
type Decision struct {
	Allowed bool
	Count   int
	Oldest  time.Time
}

// Store atomically prunes, counts and conditionally records one event.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, p Policy) (Decision, error)
}

// Recorder receives limiter outcomes for metrics.
type Recorder interface {
	RecordRateLimit(limitType string, allowed bool)
	RecordError(errorType string)
}

type Limiter struct {
	store    Store
	policies Policies
	clock    clockwork.Clock
	recorder Recorder
}

func New(store Store, policies Policies, clock clockwork.Clock, recorder Recorder) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Limiter{
		store:    store,
		policies: policies,
		clock:    clock,
		recorder: recorder,
	}
}

// Policy returns the configured policy for a limit type.
func (l *Limiter) Policy(limitType domain.LimitType) (Policy, bool) {
	p, ok := l.policies[limitType]
	return p, ok
}

// Check admits or rejects one event for identity under limitType.
// Unknown limit types are always allowed. When the store fails the event is
// allowed and Info.FailOpen is set.
func (l *Limiter) Check(ctx context.Context, identity string, limitType domain.LimitType) (bool, domain.RateLimitInfo) {
	p, ok := l.policies[limitType]
	if !ok || p.Max <= 0 {
		return true, domain.RateLimitInfo{}
	}

	now := l.clock.Now()
	d, err := l.store.Hit(ctx, Key(identity, limitType), now, p)
	if err != nil {
		slog.ErrorContext(ctx, "Rate limit check failed, allowing request",
			"limit_type", limitType, "error", err)
		if l.recorder != nil {
			l.recorder.RecordError("rate_limit_store")
		}
		return true, domain.RateLimitInfo{Limit: p.Max, FailOpen: true}
	}

	if l.recorder != nil {
		l.recorder.RecordRateLimit(string(limitType), d.Allowed)
	}

	if !d.Allowed {
		oldest := d.Oldest
		if oldest.IsZero() {
			oldest = now
		}
		return false, domain.RateLimitInfo{
			Limit:     p.Max,
			Count:     d.Count,
			ResetTime: oldest.Add(p.Window),
			Exceeded:  true,
		}
	}

	return true, domain.RateLimitInfo{
		Limit:     p.Max,
		Count:     d.Count,
		Remaining: max(p.Max-d.Count, 0),
	}
}

// Key is the store key for (identity, limitType). The identity is hashed so
// raw IPs and API key ids never appear in the store.
func Key(identity string, limitType domain.LimitType) string {
	sum := md5.Sum([]byte(identity + ":" + string(limitType)))
	return "rate_limit:" + string(limitType) + ":" + hex.EncodeToString(sum[:])
}
