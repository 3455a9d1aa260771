package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/adapter/metrics"
	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/sony/gobreaker"
)

// Fetcher takes one batch snapshot of every tracked symbol.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.PriceTick, error)
}

// Poller runs a Fetcher on a fixed interval. Failed polls are logged and
// the loop carries on at the next tick. Consecutive failures open a circuit
// breaker so a dead venue is probed at most once per breaker timeout.
type Poller struct {
	base
	fetcher  Fetcher
	interval time.Duration
	breaker  *gobreaker.CircuitBreaker
	metrics  *metrics.UpstreamMetrics
}

var _ Source = (*Poller)(nil)

func NewPoller(fetcher Fetcher, interval time.Duration, publisher domain.TickPublisher, recorder Recorder, m *metrics.UpstreamMetrics, clock clockwork.Clock) *Poller {
	p := &Poller{
		base:     newBase(fetcher.Name(), publisher, recorder, clock),
		fetcher:  fetcher,
		interval: interval,
		metrics:  m,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fetcher.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * interval,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			}
		},
	})
	return p
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (p *Poller) Start(ctx context.Context) {
	p.start(ctx, p.run)
}

func (p *Poller) run(ctx context.Context) error {
	p.poll(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			p.poll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// poll takes one snapshot and emits its ticks.
func (p *Poller) poll(ctx context.Context) {
	start := time.Now()
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetcher.Fetch(ctx)
	})
	if p.metrics != nil {
		p.metrics.FetchDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.event("poll_skipped")
			return
		}
		p.event("poll_error")
		p.fail("upstream_poll", err)
		slog.Warn("Price poll failed", "source", p.name, "error", err)
		return
	}

	ticks := result.([]domain.PriceTick)
	p.event("poll")
	for _, tick := range ticks {
		p.emit(ctx, tick)
	}
}

// errStatus is returned for non-200 upstream responses.
type errStatus struct {
	code int
}

func (e errStatus) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}
