package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/driftworks/conductor/common/config"
)

// Middleware enforces the per-user token bucket on every API request at
// cost 1. The execute endpoint additionally charges the workflow's cost
// before enqueueing. Requires user_id in the echo context, so it must
// run after auth.
func Middleware(limiter *Limiter, cfg config.RateLimitConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Enabled {
				return next(c)
			}

			userID, _ := c.Get("user_id").(string)
			if userID == "" {
				return next(c)
			}

			result, err := limiter.AllowUser(c.Request().Context(), userID, cfg.Rate, cfg.Burst, 1)
			if err != nil {
				// On error, allow the request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				return TooManyRequests(c, result)
			}

			return next(c)
		}
	}
}

// TooManyRequests writes the standard 429 payload with a Retry-After
// hint
func TooManyRequests(c echo.Context, result *Result) error {
	seconds := int(math.Ceil(result.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
	return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
		"error":   "rate_limit_exceeded",
		"message": "Request quota exceeded. Please wait before trying again.",
		"details": map[string]interface{}{
			"retry_after_seconds": seconds,
		},
	})
}
