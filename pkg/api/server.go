// Package api is the orchestrator's HTTP surface: query submission with
// SSE progress streaming, expert listing, single-post retrieval with
// on-demand translation, health, and client log ingestion.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/chanspect/chanspect/pkg/config"
	"github.com/chanspect/chanspect/pkg/events"
	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/models"
)

// QueryRunner executes one query end to end, closing the bus before return.
type QueryRunner interface {
	Run(ctx context.Context, req models.QueryRequest, requestID string, bus *events.ProgressBus) (*models.MultiExpertResponse, error)
}

// Store is the API's read surface.
type Store interface {
	ListExperts(ctx context.Context) ([]models.ExpertWithStats, error)
	PostWithComments(ctx context.Context, postID int64, expertID string) (*models.PostWithComments, error)
}

// Completer is the LLM surface used for on-demand post translation.
type Completer interface {
	Complete(ctx context.Context, model, system, user string, opts llm.Options) (*llm.Result, error)
}

// Server holds the handler dependencies.
type Server struct {
	store     Store
	runner    QueryRunner
	llmClient Completer // nil when no provider keys are configured
	db        *sql.DB
	cfg       *config.Config
	logger    *slog.Logger
	httpSrv   *http.Server
}

// NewServer creates the API server.
func NewServer(store Store, runner QueryRunner, llmClient Completer, db *sql.DB, cfg *config.Config) *Server {
	return &Server{
		store:     store,
		runner:    runner,
		llmClient: llmClient,
		db:        db,
		cfg:       cfg,
		logger:    slog.Default().With("component", "api"),
	}
}

// RegisterRoutes wires all handlers onto e. The health endpoint stays
// outside the admin-secret gate.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.Use(securityHeaders())
	e.GET("/health", s.healthHandler)

	v1 := e.Group("/api/v1", adminSecret(s.cfg.AdminSecret))
	v1.POST("/query", s.queryHandler)
	v1.GET("/experts", s.listExpertsHandler)
	v1.GET("/posts/:post_id", s.getPostHandler)
	v1.POST("/log-batch", s.logBatchHandler)
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
