package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRemoteAddr = "1.2.3.4:1234"

func serveFrom(t *testing.T, h http.Handler, path, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func tokenBucketEcho(ratePerSecond float64, burst int) *echo.Echo {
	e := echo.New()
	e.GET("/limited", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, newRateLimiter(ratePerSecond, burst))
	return e
}

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		burst   int
		allowed int
	}{
		{"burst of three", 10, 3, 3},
		{"single token", 0.01, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tokenBucketEcho(tt.rate, tt.burst)
			for range tt.allowed {
				assert.Equal(t, http.StatusOK, serveFrom(t, e, "/limited", testRemoteAddr).Code)
			}

			if tt.rate >= 1 {
				return
			}
			rec := serveFrom(t, e, "/limited", testRemoteAddr)
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "rate limit exceeded", resp["error"])
		})
	}
}

func TestRateLimiter_IPsAreIndependent(t *testing.T) {
	e := tokenBucketEcho(0.01, 1)

	assert.Equal(t, http.StatusOK, serveFrom(t, e, "/limited", testRemoteAddr).Code)
	assert.Equal(t, http.StatusOK, serveFrom(t, e, "/limited", "5.6.7.8:5678").Code)
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(t, e, "/limited", testRemoteAddr).Code)
}

func TestReportLimiter_OtherClientsUnaffected(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	for range reportBurst {
		require.Equal(t, http.StatusOK, serveFrom(t, h, "/health/report", testRemoteAddr).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(t, h, "/health/report", testRemoteAddr).Code)

	assert.Equal(t, http.StatusOK, serveFrom(t, h, "/health/report", "9.9.9.9:4000").Code)
	assert.Equal(t, http.StatusOK, serveFrom(t, h, "/health/live", testRemoteAddr).Code)
	assert.Equal(t, reportBurst+1, srv.reporter.calls)
}

type fixedLimiter struct {
	allowed bool
	info    domain.RateLimitInfo
}

func (l fixedLimiter) Check(context.Context, string, domain.LimitType) (bool, domain.RateLimitInfo) {
	return l.allowed, l.info
}

func apiEcho(limiter apiLimiter, now time.Time) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		_ = c.NoContent(http.StatusTooManyRequests)
	}
	e.GET("/api/x", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, apiRateLimit(limiter, func() time.Time { return now }))
	return e
}

func TestAPIRateLimit_FailOpenOmitsHeaders(t *testing.T) {
	e := apiEcho(fixedLimiter{allowed: true, info: domain.RateLimitInfo{FailOpen: true}}, time.Now())

	rec := serveFrom(t, e, "/api/x", testRemoteAddr)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestAPIRateLimit_RejectionSetsReset(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(30 * time.Second)
	e := apiEcho(fixedLimiter{info: domain.RateLimitInfo{Limit: 100, Count: 100, ResetTime: reset, Exceeded: true}}, now)

	rec := serveFrom(t, e, "/api/x", testRemoteAddr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1709294430", rec.Header().Get("X-RateLimit-Reset"))
}
