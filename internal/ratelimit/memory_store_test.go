package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PrunesAtWindowBoundary(t *testing.T) {
	s := NewMemoryStore()
	p := Policy{Max: 1, Window: 10 * time.Second}
	t0 := time.Unix(1_700_000_000, 0)

	d, err := s.Hit(context.Background(), "k", t0, p)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)

	d, _ = s.Hit(context.Background(), "k", t0.Add(9*time.Second), p)
	assert.False(t, d.Allowed)
	assert.Equal(t, t0, d.Oldest)

	d, _ = s.Hit(context.Background(), "k", t0.Add(10*time.Second), p)
	assert.True(t, d.Allowed)
}

func TestMemoryStore_RejectedHitsAreNotRecorded(t *testing.T) {
	s := NewMemoryStore()
	p := Policy{Max: 2, Window: time.Minute}
	t0 := time.Unix(1_700_000_000, 0)

	for i := range 5 {
		_, _ = s.Hit(context.Background(), "k", t0.Add(time.Duration(i)*time.Second), p)
	}

	d, _ := s.Hit(context.Background(), "k", t0.Add(61*time.Second), p)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestMemoryStore_SweepDropsIdleWindows(t *testing.T) {
	s := NewMemoryStore()
	p := Policy{Max: 5, Window: time.Second}
	t0 := time.Unix(1_700_000_000, 0)

	_, _ = s.Hit(context.Background(), "a", t0, p)
	_, _ = s.Hit(context.Background(), "b", t0.Add(500*time.Millisecond), p)
	require.Equal(t, 2, s.Len())

	s.Sweep(t0.Add(1200 * time.Millisecond))
	assert.Equal(t, 1, s.Len())

	s.Sweep(t0.Add(2 * time.Second))
	assert.Equal(t, 0, s.Len())

	d, _ := s.Hit(context.Background(), "a", t0.Add(3*time.Second), p)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}
