package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/pricepulse/internal/domain"
	apperrors "github.com/pscheid92/pricepulse/internal/platform/errors"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// newRateLimiter is a per-IP token bucket for endpoints that are expensive to
// serve regardless of the caller's API quota.
func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		},
	})
}

// apiRateLimit applies the api_calls sliding window per client IP and
// reports the quota in X-RateLimit-* headers.
func apiRateLimit(limiter apiLimiter, now func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			allowed, info := limiter.Check(c.Request().Context(), c.RealIP(), domain.LimitAPICalls)

			h := c.Response().Header()
			if info.Limit > 0 {
				h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			}

			if !allowed {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
				return apperrors.RateLimitedError("rate limit exceeded", info.ResetTime.Sub(now())).
					WithContext("limit", info.Limit)
			}
			return next(c)
		}
	}
}
