package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upgradeEndpoint(limiter echo.MiddlewareFunc) func(remote string) *httptest.ResponseRecorder {
	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return c.NoContent(http.StatusSwitchingProtocols)
	}, limiter)

	return func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}
}

func TestRateLimiter(t *testing.T) {
	get := upgradeEndpoint(RateLimiter(10, 0))

	t.Run("allows a burst of upgrades", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			require.Equal(t, http.StatusSwitchingProtocols, get("192.0.2.1:1234").Code, "request %d", i+1)
		}
	})

	t.Run("rejects a reconnect storm", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			get("192.0.2.2:1234")
		}
		rec := get("192.0.2.2:1234")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Contains(t, rec.Body.String(), "Too many requests")
	})

	t.Run("limits clients independently", func(t *testing.T) {
		assert.Equal(t, http.StatusSwitchingProtocols, get("192.0.2.3:1234").Code)
	})
}

func TestRateLimiter_Burst(t *testing.T) {
	get := upgradeEndpoint(RateLimiter(1, 50))

	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusSwitchingProtocols, get("198.51.100.7:1234").Code, "request %d", i+1)
	}
	assert.Equal(t, http.StatusTooManyRequests, get("198.51.100.7:1234").Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	get := upgradeEndpoint(RateLimiter(0, 0))

	for i := 0; i < 200; i++ {
		require.Equal(t, http.StatusSwitchingProtocols, get("198.51.100.8:1234").Code, "request %d", i+1)
	}
}
