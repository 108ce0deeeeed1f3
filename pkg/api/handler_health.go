package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/chanspect/chanspect/pkg/database"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status        string    `json:"status"`
	Database      string    `json:"database"`
	LLMConfigured bool      `json:"llm_configured"`
	Timestamp     time.Time `json:"timestamp"`
}

// healthHandler handles GET /health. Only the service's own dependencies
// are checked; LLM providers are reported as configured, not probed.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	dbStatus := healthStatusHealthy
	if _, err := database.Health(reqCtx, s.db); err != nil {
		status = healthStatusUnhealthy
		dbStatus = healthStatusUnhealthy
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:        status,
		Database:      dbStatus,
		LLMConfigured: s.llmClient != nil,
		Timestamp:     time.Now().UTC(),
	})
}
