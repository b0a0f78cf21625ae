package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nfrund/notifyrelay/internal/middleware"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
}

// RegisterRoutes sets up all the relay routes.
func (s *Server) RegisterRoutes() {
	s.E.GET("/", s.welcome)
	s.E.GET("/health", s.health)
	s.E.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.app.Gatherer, promhttp.HandlerOpts{})))
	s.E.GET("/ws", s.app.Relay.Handler(),
		middleware.RateLimiter(s.app.Config.WSRateLimit, s.app.Config.WSRateBurst))
}

func (s *Server) welcome(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return WelcomePage().Render(c.Response())
}

// health stays OK while the broker is down; the relay keeps serving.
func (s *Server) health(c echo.Context) error {
	broker := "connecting"
	if s.app.Queue.Connected() {
		broker = "connected"
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Broker: broker})
}
