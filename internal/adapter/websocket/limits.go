package websocket

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/domain"
	"golang.org/x/time/rate"
)

// LimitReason describes why a connection was refused before admission.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

const (
	rateEntryTTL    = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// LimitsConfig sizes the pre-upgrade connection limits.
type LimitsConfig struct {
	MaxConnections int
	MaxPerIP       int
	// RatePerSecond and Burst shape the token bucket for new connections per IP.
	RatePerSecond float64
	Burst         int
}

func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{MaxConnections: 10000, MaxPerIP: 20, RatePerSecond: 10, Burst: 20}
}

// LimitError is returned by Limits.Acquire.
type LimitError struct {
	Reason LimitReason
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrTooManyConnections, e.Reason)
}

func (e *LimitError) Unwrap() error {
	return domain.ErrTooManyConnections
}

// Limits guards the upgrade path with a global cap, a per-IP cap and a per-IP
// connection rate.
type Limits struct {
	cfg   LimitsConfig
	clock clockwork.Clock

	current atomic.Int64

	mu        sync.Mutex
	perIP     map[string]int
	buckets   map[string]*bucket
	cleanupAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLimits(cfg LimitsConfig, clock clockwork.Clock) *Limits {
	return &Limits{
		cfg:       cfg,
		clock:     clock,
		perIP:     make(map[string]int),
		buckets:   make(map[string]*bucket),
		cleanupAt: clock.Now().Add(cleanupInterval),
	}
}

// Acquire takes a slot for ip or returns a *LimitError. Every successful
// Acquire must be paired with Release.
func (l *Limits) Acquire(ip string) error {
	if !l.allowRate(ip) {
		return &LimitError{Reason: LimitReasonRate}
	}

	if !l.acquireGlobal() {
		return &LimitError{Reason: LimitReasonGlobal}
	}

	l.mu.Lock()
	if l.perIP[ip] >= l.cfg.MaxPerIP {
		l.mu.Unlock()
		l.current.Add(-1)
		return &LimitError{Reason: LimitReasonPerIP}
	}
	l.perIP[ip]++
	l.mu.Unlock()
	return nil
}

func (l *Limits) acquireGlobal() bool {
	for {
		current := l.current.Load()
		if current >= int64(l.cfg.MaxConnections) {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *Limits) allowRate(ip string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.cleanupAt) {
		cutoff := now.Add(-rateEntryTTL)
		for k, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, k)
			}
		}
		l.cleanupAt = now.Add(cleanupInterval)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RatePerSecond), l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *Limits) Release(ip string) {
	l.mu.Lock()
	if n := l.perIP[ip]; n > 1 {
		l.perIP[ip] = n - 1
	} else {
		delete(l.perIP, ip)
	}
	l.mu.Unlock()

	if l.current.Add(-1) < 0 {
		l.current.Store(0)
	}
}

// LimitsStats reports current occupancy.
type LimitsStats struct {
	Current     int64   `json:"current"`
	Max         int     `json:"max"`
	UniqueIPs   int     `json:"unique_ips"`
	MaxPerIP    int     `json:"max_per_ip"`
	CapacityPct float64 `json:"capacity_pct"`
}

func (l *Limits) Stats() LimitsStats {
	l.mu.Lock()
	unique := len(l.perIP)
	l.mu.Unlock()

	current := l.current.Load()
	var pct float64
	if l.cfg.MaxConnections > 0 {
		pct = float64(current) / float64(l.cfg.MaxConnections) * 100
	}
	return LimitsStats{
		Current:     current,
		Max:         l.cfg.MaxConnections,
		UniqueIPs:   unique,
		MaxPerIP:    l.cfg.MaxPerIP,
		CapacityPct: pct,
	}
}
