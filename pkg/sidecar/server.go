package sidecar

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	echo "github.com/labstack/echo/v5"
)

// Server is the sidecar HTTP surface: POST /search and GET /health.
type Server struct {
	service  *Service
	watchdog *Watchdog
	started  time.Time
	httpSrv  *http.Server
}

// NewServer creates the sidecar HTTP server. watchdog may be nil in tests.
func NewServer(service *Service, watchdog *Watchdog) *Server {
	return &Server{service: service, watchdog: watchdog, started: time.Now()}
}

// RegisterRoutes wires the sidecar endpoints onto the echo instance.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.Use(securityHeaders())
	e.POST("/search", s.searchHandler)
	e.GET("/health", s.healthHandler)
}

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

// Start builds the echo router and serves it on addr. Blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	e := echo.New()
	s.RegisterRoutes(e)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the HTTP server, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) searchHandler(c *echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
	}
	if err := req.Validate(); err != nil {
		msg := "invalid search request"
		if _, ok := err.(validator.ValidationErrors); ok {
			msg = err.Error()
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_request",
			"message": msg,
		})
	}

	insights, err := s.service.Search(c.Request().Context(), req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "search_failed",
			"message": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, insights)
}

func (s *Server) healthHandler(c *echo.Context) error {
	ready := s.watchdog != nil && s.watchdog.Ready()
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"mcpReady":  ready,
		"uptime":    int64(time.Since(s.started).Seconds()),
		"timestamp": time.Now().UTC(),
	})
}
