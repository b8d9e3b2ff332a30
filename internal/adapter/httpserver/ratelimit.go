package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/consultq/internal/platform/errors"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// RateLimitObserver is told about every request the API limiter rejects.
type RateLimitObserver interface {
	RequestRateLimited(route string)
}

type noopRateLimitObserver struct{}

func (noopRateLimitObserver) RequestRateLimited(string) {}

var errRateLimited = apperrors.ErrorResponse{
	Error:     "rate limit exceeded",
	Type:      apperrors.TypeRetryable,
	Code:      "rate_limited",
	Retryable: true,
}

// newRateLimiter gives every client IP its own token bucket of burst tokens refilled at
// perSecond. A non-positive rate turns limiting off.
func newRateLimiter(perSecond float64, burst int, observer RateLimitObserver) echo.MiddlewareFunc {
	if perSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if observer == nil {
		observer = noopRateLimitObserver{}
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			observer.RequestRateLimited(c.Path())
			c.Response().Header().Set("Retry-After", "1")
			return c.JSON(http.StatusTooManyRequests, errRateLimited)
		},
	})
}
