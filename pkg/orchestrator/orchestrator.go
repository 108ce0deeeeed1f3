// Package orchestrator owns one query: it resolves the expert fan-out set,
// runs one expert pipeline per expert and an optional Reddit branch in
// parallel, multiplexes their progress onto the request's bus, and
// assembles the partial results into a MultiExpertResponse.
//
// Run never writes terminal events; it returns the final response (or a
// QueryError) so the consumer can deliver the terminal frame losslessly
// after the bus drains.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chanspect/chanspect/pkg/config"
	"github.com/chanspect/chanspect/pkg/events"
	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/models"
	"github.com/chanspect/chanspect/pkg/pipeline"
	"github.com/chanspect/chanspect/pkg/reddit"
)

// defaultRedditLimit is the community-search result count per query.
const defaultRedditLimit = 10

// Store is the orchestrator's read surface for expert resolution.
type Store interface {
	ExpertsWithPosts(ctx context.Context, since *time.Time) ([]models.Expert, error)
}

// ExpertRunner executes one expert's pipeline.
type ExpertRunner interface {
	Run(ctx context.Context, req pipeline.Request, bus *events.ProgressBus) (*models.ExpertResponse, error)
}

// RedditSearcher is the sidecar client surface.
type RedditSearcher interface {
	Search(ctx context.Context, req reddit.SearchRequest) (*models.RedditInsights, error)
}

// Orchestrator fans one query out to expert pipelines. Safe for concurrent
// use; each Run is an independent request.
type Orchestrator struct {
	store    Store
	pipeline ExpertRunner
	reddit   RedditSearcher // nil disables the Reddit branch
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates an orchestrator. redditClient may be nil.
func New(store Store, runner ExpertRunner, redditClient RedditSearcher, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		pipeline: runner,
		reddit:   redditClient,
		cfg:      cfg,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// Run executes the query to completion, publishing progress on bus. The bus
// is closed before Run returns; the terminal result comes back as the
// return value. A failing expert never cancels its siblings.
func (o *Orchestrator) Run(ctx context.Context, req models.QueryRequest, requestID string, bus *events.ProgressBus) (*models.MultiExpertResponse, error) {
	defer bus.Close()
	start := time.Now()
	logger := o.logger.With("request_id", requestID)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestDeadline)
	defer cancel()

	var since *time.Time
	if req.UseRecentOnly {
		cutoff := time.Now().Add(-o.cfg.RecentWindow)
		since = &cutoff
	}

	experts, err := o.selectExperts(ctx, req.ExpertFilter, since)
	if err != nil {
		return nil, classify(err)
	}
	if len(experts) == 0 {
		return nil, &QueryError{Kind: KindNoExpertsAvailable, UserMessage: "service temporarily unavailable"}
	}

	queryLang := llm.DetectLanguage(req.Query)
	logger.Info("Starting query",
		"experts", len(experts), "language", string(queryLang),
		"include_reddit", req.IncludeReddit != nil && *req.IncludeReddit,
		"use_recent_only", req.UseRecentOnly)

	var (
		mu        sync.Mutex
		responses []models.ExpertResponse
		failures  []error
		insights  *models.RedditInsights
		wg        sync.WaitGroup
	)

	for _, expert := range experts {
		wg.Add(1)
		go func(expert models.Expert) {
			defer wg.Done()
			resp, err := o.pipeline.Run(ctx, pipeline.Request{
				Expert:               expert,
				Query:                req.Query,
				QueryLanguage:        queryLang,
				IncludeCommentGroups: req.IncludeCommentGroups,
				Since:                since,
				MaxPosts:             req.MaxPosts,
			}, bus)
			if err != nil {
				logger.Error("Expert pipeline failed", "expert_id", expert.ExpertID, "error", err)
				bus.Offer(events.NewEvent(events.EventTypeExpertError, "", "failed",
					"Expert analysis failed").WithExpert(expert.ExpertID))
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return
			}
			mu.Lock()
			responses = append(responses, *resp)
			mu.Unlock()
		}(expert)
	}

	if o.reddit != nil && req.IncludeReddit != nil && *req.IncludeReddit {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Offer(events.NewEvent(events.EventTypePhaseStart, "reddit", "started", "Searching community discussions"))
			res, err := o.reddit.Search(ctx, reddit.SearchRequest{Query: req.Query, Limit: defaultRedditLimit})
			if err != nil {
				// Silent degradation: the answer proceeds without insights.
				logger.Warn("Reddit branch failed", "error", err)
				bus.Offer(events.NewEvent(events.EventTypeError, "reddit", "failed", "Community search unavailable"))
				return
			}
			bus.Offer(events.NewEvent(events.EventTypePhaseComplete, "reddit", "completed", "Community search done").
				WithData(map[string]any{"found": res.FoundCount}))
			mu.Lock()
			insights = res
			mu.Unlock()
		}()
	}

	wg.Wait()

	if len(responses) == 0 {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &QueryError{Kind: KindDeadline, UserMessage: "request took too long", Err: ctx.Err()}
		}
		if len(failures) > 0 {
			qe := classify(failures[0])
			qe.Kind = KindNoExpertsAvailable
			if qe.UserMessage == "" {
				qe.UserMessage = "service temporarily unavailable"
			}
			return nil, qe
		}
		return nil, &QueryError{Kind: KindNoExpertsAvailable, UserMessage: "service temporarily unavailable"}
	}

	resp := &models.MultiExpertResponse{
		ExpertResponses:       responses,
		RedditResponse:        insights,
		TotalProcessingTimeMs: time.Since(start).Milliseconds(),
		RequestID:             requestID,
	}
	logger.Info("Query complete",
		"experts_succeeded", len(responses), "experts_failed", len(failures),
		"reddit", insights != nil, "duration_ms", resp.TotalProcessingTimeMs)
	return resp, nil
}

// selectExperts intersects the request filter with the experts that have
// posts in the selected window.
func (o *Orchestrator) selectExperts(ctx context.Context, filter []string, since *time.Time) ([]models.Expert, error) {
	experts, err := o.store.ExpertsWithPosts(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		return experts, nil
	}

	wanted := make(map[string]bool, len(filter))
	for _, id := range filter {
		wanted[id] = true
	}
	var selected []models.Expert
	for _, e := range experts {
		if wanted[e.ExpertID] {
			selected = append(selected, e)
		}
	}
	return selected, nil
}
