package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

// MemoryStore keeps sliding windows in process memory. Each key has its own
// lock; the map lock is only held for lookup and sweeping.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	hits    int
}

type window struct {
	mu     sync.Mutex
	events []time.Time // ascending
	span   time.Duration
	dead   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, p Policy) (Decision, error) {
	for {
		w := s.window(key, p.Window, now)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		d := w.hit(now, p)
		w.mu.Unlock()
		return d, nil
	}
}

func (w *window) hit(now time.Time, p Policy) Decision {
	w.span = p.Window
	w.prune(now)

	if len(w.events) >= p.Max {
		return Decision{Allowed: false, Count: len(w.events), Oldest: w.events[0]}
	}

	w.events = append(w.events, now)
	return Decision{Allowed: true, Count: len(w.events)}
}

// prune drops events at or before now-span.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (s *MemoryStore) window(key string, span time.Duration, now time.Time) *window {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits++
	if s.hits%sweepEvery == 0 {
		s.sweepLocked(now)
	}

	w, ok := s.windows[key]
	if !ok {
		w = &window{span: span}
		s.windows[key] = w
	}
	return w
}

// Sweep removes windows with no events left inside their span.
func (s *MemoryStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, w := range s.windows {
		w.mu.Lock()
		w.prune(now)
		if len(w.events) == 0 {
			w.dead = true
			delete(s.windows, key)
		}
		w.mu.Unlock()
	}
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
