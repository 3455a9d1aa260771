// Package upstream ingests prices from exchanges and aggregators and hands
// normalized ticks to the broadcast side.
package upstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/domain"
)

// Observer is called synchronously for every tick a source produces.
type Observer func(domain.PriceTick)

// Recorder receives source events for metrics.
type Recorder interface {
	RecordUpstreamEvent(source, event string)
	RecordError(errorType string)
}

// Status is a point-in-time view of one source.
type Status struct {
	Name              string    `json:"name"`
	Running           bool      `json:"running"`
	Degraded          bool      `json:"degraded"`
	LastTick          time.Time `json:"last_tick,omitzero"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Ticks             int64     `json:"ticks"`
	LastError         string    `json:"last_error,omitempty"`
}

// Source produces ticks until stopped. Start returns immediately.
type Source interface {
	Name() string
	Start(ctx context.Context)
	Stop()
	Status() Status
	Subscribe(buffer int) <-chan domain.PriceTick
	AddCallback(fn Observer)
}

// base carries everything sources share: fan-out to observers and the
// publisher, status bookkeeping and the start/stop lifecycle.
type base struct {
	name      string
	publisher domain.TickPublisher
	recorder  Recorder
	clock     clockwork.Clock

	mu          sync.Mutex
	status      Status
	callbacks   []Observer
	subscribers []chan domain.PriceTick
	cancel      context.CancelFunc
	done        chan struct{}
}

func newBase(name string, publisher domain.TickPublisher, recorder Recorder, clock clockwork.Clock) base {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return base{
		name:      name,
		publisher: publisher,
		recorder:  recorder,
		clock:     clock,
		status:    Status{Name: name},
	}
}

func (b *base) Name() string { return b.name }

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// AddCallback registers fn for every future tick.
func (b *base) AddCallback(fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// Subscribe returns a channel receiving every future tick. A full channel
// misses ticks rather than slowing the source. The channel is closed when
// the source stops.
func (b *base) Subscribe(buffer int) <-chan domain.PriceTick {
	ch := make(chan domain.PriceTick, max(buffer, 1))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *base) event(event string) {
	if b.recorder != nil {
		b.recorder.RecordUpstreamEvent(b.name, event)
	}
}

func (b *base) fail(errorType string, err error) {
	if b.recorder != nil {
		b.recorder.RecordError(errorType)
	}
	b.mu.Lock()
	b.status.LastError = err.Error()
	b.mu.Unlock()
}

func (b *base) setAttempts(n int) {
	b.mu.Lock()
	b.status.ReconnectAttempts = n
	b.mu.Unlock()
}

func (b *base) setDegraded() {
	b.mu.Lock()
	b.status.Degraded = true
	b.mu.Unlock()
}

// emit delivers one tick to callbacks, subscribers and the publisher.
func (b *base) emit(ctx context.Context, tick domain.PriceTick) {
	b.mu.Lock()
	b.status.Ticks++
	b.status.LastTick = tick.Timestamp
	callbacks := append([]Observer(nil), b.callbacks...)
	subscribers := append([]chan domain.PriceTick(nil), b.subscribers...)
	b.mu.Unlock()

	for _, fn := range callbacks {
		b.invoke(fn, tick)
	}

	for _, ch := range subscribers {
		select {
		case ch <- tick:
		default:
			b.event("observer_dropped")
		}
	}

	if b.publisher == nil {
		return
	}
	if err := b.publisher.PublishTick(ctx, tick); err != nil {
		slog.WarnContext(ctx, "Failed to publish tick", "source", b.name, "symbol", tick.Symbol, "error", err)
		if b.recorder != nil {
			b.recorder.RecordError("publish_failed")
		}
	}
}

func (b *base) invoke(fn Observer, tick domain.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tick callback panicked", "source", b.name, "symbol", tick.Symbol, "panic", r)
		}
	}()
	fn(tick)
}

// start runs run in its own goroutine until Stop or ctx cancellation.
// A second start while running is ignored.
func (b *base) start(ctx context.Context, run func(context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.status.Running = true
	b.status.Degraded = false

	go func() {
		defer close(b.done)
		defer b.finish()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Price source panicked", "source", b.name, "panic", r)
				b.setDegraded()
			}
		}()

		if err := run(ctx); err != nil {
			slog.Error("Price source stopped", "source", b.name, "error", err)
		}
	}()
}

func (b *base) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.Running = false
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

// Stop cancels the source and waits for its goroutine to exit.
func (b *base) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the running source exits on its own or is stopped.
func (b *base) Wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}
