package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/chanspect/chanspect/pkg/models"
	"github.com/chanspect/chanspect/pkg/orchestrator"
	"github.com/chanspect/chanspect/pkg/store"
)

// mapQueryError writes a terminal query failure for the non-streaming path.
// Structured payloads go out through c.JSON; user payloads carry the user
// message and request id, never internals.
func mapQueryError(c *echo.Context, err error, requestID string) error {
	var validErr *models.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}

	var qe *orchestrator.QueryError
	if errors.As(err, &qe) {
		status := http.StatusInternalServerError
		switch qe.Kind {
		case orchestrator.KindNoExpertsAvailable, orchestrator.KindQuotaExhausted:
			status = http.StatusServiceUnavailable
		case orchestrator.KindBadJSON:
			status = http.StatusBadGateway
		case orchestrator.KindDeadline:
			status = http.StatusGatewayTimeout
		}
		return c.JSON(status, map[string]string{
			"error":      qe.Kind,
			"message":    qe.UserMessage,
			"request_id": requestID,
		})
	}

	slog.Error("Unexpected query error", "request_id", requestID, "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":      orchestrator.KindInternal,
		"message":    "internal server error",
		"request_id": requestID,
	})
}

// mapStoreError maps store read failures for the non-query endpoints.
func mapStoreError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	slog.Error("Unexpected store error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
