package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// errorEnvelope renders handler errors as the JSON error body. It sits at
// the top of the chain so every route, including the router's own 404/405,
// produces the same shape.
func errorEnvelope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
				return err
			}
			status, body := toErrorResponse(err)
			if status >= http.StatusInternalServerError {
				slog.Error("Request failed",
					"method", c.Request().Method,
					"path", c.Request().URL.Path,
					"error", err)
			}
			return c.JSON(status, body)
		}
	}
}

// requireAPIKey compares the X-API-Key header against the configured
// secret. An empty secret disables authentication entirely.
func requireAPIKey(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if secret == "" {
				return next(c)
			}
			key := c.Request().Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
				return newAPIError(http.StatusUnauthorized, "invalid or missing API key", codeUnauthorized)
			}
			return next(c)
		}
	}
}
