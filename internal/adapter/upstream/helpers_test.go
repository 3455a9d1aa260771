package upstream

import (
	"context"
	"sync"

	"github.com/pscheid92/pricepulse/internal/domain"
)

type fakePublisher struct {
	mu    sync.Mutex
	ticks []domain.PriceTick
	err   error
}

func (p *fakePublisher) PublishTick(_ context.Context, tick domain.PriceTick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks = append(p.ticks, tick)
	return p.err
}

func (p *fakePublisher) published() []domain.PriceTick {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.PriceTick(nil), p.ticks...)
}

type fakeRecorder struct {
	mu     sync.Mutex
	events map[string]int
	errors map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{events: make(map[string]int), errors: make(map[string]int)}
}

func (r *fakeRecorder) RecordUpstreamEvent(source, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[source+":"+event]++
}

func (r *fakeRecorder) RecordError(errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[errorType]++
}

func (r *fakeRecorder) event(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[key]
}

func (r *fakeRecorder) errorCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors[key]
}
