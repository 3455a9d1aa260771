package httpserver

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/pscheid92/pricepulse/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketStats(t *testing.T) {
	srv := newTestServer(t)
	srv.clock.Advance(90 * time.Second)

	rec := srv.get(t, "/api/websocket/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.JSONEq(t, `{
		"total_connections": 2,
		"active_subscriptions": 3,
		"rooms": {"BTCUSDT": 2, "ETHUSDT": 1},
		"connections_per_ip": {"10.0.0.1": 2},
		"uptime_seconds": 90,
		"limits": {"current": 2, "max": 100, "unique_ips": 0, "max_per_ip": 0, "capacity_pct": 0}
	}`, rec.Body.String())
}

func TestAPIRateLimit_HeadersAndRejection(t *testing.T) {
	srv := newTestServer(t)

	for i := range 3 {
		rec := srv.get(t, "/api/websocket/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, []string{"2", "1", "0"}[i], rec.Header().Get("X-RateLimit-Remaining"))
		srv.clock.Advance(time.Second)
	}

	rec := srv.get(t, "/api/websocket/stats", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "57", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.TypeRateLimited, resp.Type)

	// Health endpoints are outside the API quota.
	assert.Equal(t, http.StatusOK, srv.get(t, "/health/live", nil).Code)

	srv.clock.Advance(57 * time.Second)
	assert.Equal(t, http.StatusOK, srv.get(t, "/api/websocket/stats", nil).Code)
}
