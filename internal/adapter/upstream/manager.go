package upstream

import (
	"context"
	"log/slog"
	"slices"
)

// Health summarizes every managed source.
type Health struct {
	TotalSources    int      `json:"total_sources"`
	RunningSources  int      `json:"running_sources"`
	DegradedSources int      `json:"degraded_sources"`
	Symbols         []string `json:"symbols"`
	Sources         []Status `json:"sources"`
}

// Healthy reports whether at least one source is running and none is degraded.
func (h Health) Healthy() bool {
	return h.RunningSources > 0 && h.DegradedSources == 0
}

// Manager starts and stops a fixed set of sources together.
type Manager struct {
	sources []Source
	symbols []string
}

func NewManager(symbols []string, sources ...Source) *Manager {
	return &Manager{sources: sources, symbols: slices.Clone(symbols)}
}

func (m *Manager) Sources() []Source {
	return slices.Clone(m.sources)
}

// AddCallback registers fn on every source.
func (m *Manager) AddCallback(fn Observer) {
	for _, s := range m.sources {
		s.AddCallback(fn)
	}
}

func (m *Manager) Start(ctx context.Context) {
	for _, s := range m.sources {
		s.Start(ctx)
		slog.Info("Price source started", "source", s.Name())
	}
}

// Stop stops every source and waits for all of them.
func (m *Manager) Stop() {
	for _, s := range m.sources {
		s.Stop()
	}
	slog.Info("Price sources stopped", "count", len(m.sources))
}

func (m *Manager) Health() Health {
	h := Health{
		TotalSources: len(m.sources),
		Symbols:      slices.Clone(m.symbols),
		Sources:      make([]Status, 0, len(m.sources)),
	}
	for _, s := range m.sources {
		st := s.Status()
		if st.Running {
			h.RunningSources++
		}
		if st.Degraded {
			h.DegradedSources++
		}
		h.Sources = append(h.Sources, st)
	}
	return h
}
