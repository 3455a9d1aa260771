package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/pscheid92/pricepulse/internal/domain"
)

type fakeRecorder struct {
	mu       sync.Mutex
	messages map[string]int
	errors   map[string]int
	updates  int
	latency  time.Duration
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{messages: make(map[string]int), errors: make(map[string]int)}
}

func (r *fakeRecorder) RecordMessage(direction, messageType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[direction+":"+messageType]++
}

func (r *fakeRecorder) RecordError(errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[errorType]++
}

func (r *fakeRecorder) RecordPriceUpdate(_, _ string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	r.latency = latency
}

func (r *fakeRecorder) errorCount(errorType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors[errorType]
}

type fakeCache struct {
	mu     sync.Mutex
	ticks  map[string]domain.PriceTick
	setErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{ticks: make(map[string]domain.PriceTick)}
}

func (c *fakeCache) SetLatest(_ context.Context, tick domain.PriceTick) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.ticks[tick.Symbol] = tick
	return nil
}

func (c *fakeCache) Latest(_ context.Context, symbol string) (domain.PriceTick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tick, ok := c.ticks[symbol]
	if !ok {
		return domain.PriceTick{}, domain.ErrPriceNotCached
	}
	return tick, nil
}

func (c *fakeCache) Snapshot(ctx context.Context, symbols []string) ([]domain.PriceTick, error) {
	var ticks []domain.PriceTick
	for _, sym := range symbols {
		if tick, err := c.Latest(ctx, sym); err == nil {
			ticks = append(ticks, tick)
		}
	}
	return ticks, nil
}

// memoryBus is an in-process domain.Bus.
type memoryBus struct {
	mu          sync.Mutex
	subscribers map[string][]chan []byte
	published   [][]byte
}

func newMemoryBus() *memoryBus {
	return &memoryBus{subscribers: make(map[string][]chan []byte)}
}

func (b *memoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	for _, ch := range b.subscribers[topic] {
		ch <- payload
	}
	return nil
}

func (b *memoryBus) Subscribe(_ context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 64)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	clear(b.subscribers)
	return nil
}

func (b *memoryBus) subscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[topic])
}
