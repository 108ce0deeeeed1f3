package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/chanspect/chanspect/pkg/events"
	"github.com/chanspect/chanspect/pkg/models"
	"github.com/chanspect/chanspect/pkg/orchestrator"
)

// queryHandler handles POST /api/v1/query. With stream_progress=true the
// response is a text/event-stream terminated by a complete (or error)
// frame; otherwise a single JSON MultiExpertResponse.
func (s *Server) queryHandler(c *echo.Context) error {
	var req models.QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	requestID := uuid.NewString()
	bus := events.NewProgressBus(events.DefaultBusCapacity)
	s.logger.Info("Query received",
		"request_id", requestID,
		"stream", *req.StreamProgress,
		"experts_filter", len(req.ExpertFilter))

	if !*req.StreamProgress {
		// Progress has no consumer; drain the bus so producers never see a
		// permanently full queue.
		go func() {
			for range bus.Events() {
			}
		}()
		resp, err := s.runner.Run(c.Request().Context(), req, requestID, bus)
		if err != nil {
			return mapQueryError(c, err, requestID)
		}
		return c.JSON(http.StatusOK, resp)
	}

	return s.streamQuery(c, req, requestID, bus)
}

// streamQuery runs the query while pumping progress frames to the client.
// The terminal frame is written here, after the bus has drained, so it can
// never be dropped by the lossy bus.
func (s *Server) streamQuery(c *echo.Context, req models.QueryRequest, requestID string, bus *events.ProgressBus) error {
	resp := c.Response()
	h := resp.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	writer, err := events.NewSSEWriter(resp)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	type runResult struct {
		resp *models.MultiExpertResponse
		err  error
	}
	done := make(chan runResult, 1)
	go func() {
		r, err := s.runner.Run(ctx, req, requestID, bus)
		done <- runResult{resp: r, err: err}
	}()

	// Pump returns nil when the bus closes (the run finished) and an error
	// when the client went away or the request context ended.
	if err := events.Pump(ctx, bus, writer); err != nil {
		s.logger.Info("Query stream consumer gone, cancelling", "request_id", requestID, "error", err)
		cancel()
		<-done
		return nil
	}

	result := <-done
	if result.err != nil {
		s.writeTerminalError(writer, result.err, requestID)
		return nil
	}

	ev := events.NewEvent(events.EventTypeComplete, "", "completed", "Query complete").
		WithData(map[string]any{"response": result.resp, "request_id": requestID})
	if err := writer.WriteEvent(ev); err != nil {
		s.logger.Warn("Failed to deliver terminal event", "request_id", requestID, "error", err)
	}
	return nil
}

func (s *Server) writeTerminalError(writer *events.SSEWriter, err error, requestID string) {
	kind := orchestrator.KindInternal
	message := "internal server error"
	var qe *orchestrator.QueryError
	if errors.As(err, &qe) {
		kind = qe.Kind
		message = qe.UserMessage
	}
	s.logger.Error("Query failed", "request_id", requestID, "kind", kind, "error", err)

	ev := events.NewEvent(events.EventTypeError, "", "failed", message).
		WithData(map[string]any{"type": kind, "request_id": requestID})
	if werr := writer.WriteEvent(ev); werr != nil {
		s.logger.Warn("Failed to deliver terminal error", "request_id", requestID, "error", werr)
	}
}
