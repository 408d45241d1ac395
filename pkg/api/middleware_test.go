package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionworks/maestro/pkg/services"
)

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/test", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "camera=(), microphone=(), geolocation=()", rec.Header().Get("Permissions-Policy"))
}

func TestErrorEnvelope(t *testing.T) {
	newApp := func(handler echo.HandlerFunc) *echo.Echo {
		e := echo.New()
		e.Use(errorEnvelope())
		e.GET("/test", handler)
		return e
	}

	decode := func(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
		t.Helper()
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}

	t.Run("service error renders envelope", func(t *testing.T) {
		e := newApp(func(c *echo.Context) error {
			return mapServiceError(services.ErrNotFound)
		})

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "resource not found", body.Error)
		assert.Equal(t, codeNotFound, body.Code)
	})

	t.Run("validation details survive to the body", func(t *testing.T) {
		e := newApp(func(c *echo.Context) error {
			return badRequest("slug", "must be 3-50 characters")
		})

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "validation failed", body.Error)
		assert.Equal(t, "must be 3-50 characters", body.Details["slug"])
	})

	t.Run("success is untouched", func(t *testing.T) {
		e := newApp(func(c *echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"ok": "yes"})
		})

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"ok":"yes"`)
	})
}

func TestRequireAPIKey(t *testing.T) {
	newApp := func(secret string) *echo.Echo {
		e := echo.New()
		e.Use(errorEnvelope())
		e.Use(requireAPIKey(secret))
		e.GET("/test", func(c *echo.Context) error {
			return c.String(http.StatusOK, "ok")
		})
		return e
	}

	t.Run("empty secret disables auth", func(t *testing.T) {
		e := newApp("")
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("matching key passes", func(t *testing.T) {
		e := newApp("s3cret")
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-API-Key", "s3cret")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing key is rejected", func(t *testing.T) {
		e := newApp("s3cret")
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, codeUnauthorized, body.Code)
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		e := newApp("s3cret")
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-API-Key", "nope")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
