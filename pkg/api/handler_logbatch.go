package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// maxLogBatchEntries caps one log-batch request.
const maxLogBatchEntries = 100

// ClientLogEntry is one UI-side log record.
type ClientLogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// logBatchHandler handles POST /api/v1/log-batch: client-side log events
// re-emitted through the server logger for debugging.
func (s *Server) logBatchHandler(c *echo.Context) error {
	var entries []ClientLogEntry
	if err := c.Bind(&entries); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(entries) > maxLogBatchEntries {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too many log entries")
	}

	for _, entry := range entries {
		level := slog.LevelInfo
		switch entry.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		s.logger.Log(c.Request().Context(), level, "client: "+entry.Message,
			"client_timestamp", entry.Timestamp, "client_context", entry.Context)
	}

	return c.JSON(http.StatusOK, map[string]int{"accepted": len(entries)})
}
