// Package pipeline runs the seven-phase per-expert query pipeline:
// map, medium scoring, resolve, reduce, language validation, and the
// optional comment-group map and synthesis.
//
// Phases are strictly ordered. Map, resolve, and reduce failures terminate
// the expert; scoring, validation, and the comment phases degrade
// gracefully. Every phase publishes progress events tagged with the
// expert id.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chanspect/chanspect/pkg/config"
	"github.com/chanspect/chanspect/pkg/events"
	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/models"
)

// Phase names used in progress events.
const (
	PhaseMap                = "map"
	PhaseMediumScoring      = "medium_scoring"
	PhaseResolve            = "resolve"
	PhaseReduce             = "reduce"
	PhaseLanguageValidation = "language_validation"
	PhaseCommentGroupMap    = "comment_group_map"
	PhaseCommentSynthesis   = "comment_synthesis"
)

// linkExpansionDepth bounds the resolve-phase BFS.
const linkExpansionDepth = 2

// driftChunkSize bounds drift groups per comment-group-map LLM call.
const driftChunkSize = 50

// Store is the read surface the pipeline needs. Every accessor is scoped to
// one expert.
type Store interface {
	PostsForExpert(ctx context.Context, expertID string, since *time.Time) ([]models.Post, error)
	ExpandLinks(ctx context.Context, postIDs []int64, expertID string, depth int, since *time.Time) ([]models.Post, error)
	DriftGroupsForExpert(ctx context.Context, expertID string, excludePostIDs []int64, since *time.Time) ([]models.DriftGroup, error)
}

// Completer is the LLM call surface.
type Completer interface {
	Complete(ctx context.Context, model, system, user string, opts llm.Options) (*llm.Result, error)
}

// Request describes one expert's run within a query.
type Request struct {
	Expert               models.Expert
	Query                string
	QueryLanguage        models.Language
	IncludeCommentGroups bool
	// Since is the recency cutoff; nil means the whole corpus.
	Since    *time.Time
	MaxPosts int
}

// Pipeline executes expert runs. Safe for concurrent use; each Run is
// independent.
type Pipeline struct {
	store  Store
	llm    Completer
	cfg    *config.Config
	logger *slog.Logger

	// Chunk-retry backoff bounds; shrunk in tests.
	backoffMin time.Duration
	backoffMax time.Duration
}

// New creates a pipeline over the given store and LLM gateway.
func New(store Store, completer Completer, cfg *config.Config) *Pipeline {
	return &Pipeline{
		store:      store,
		llm:        completer,
		cfg:        cfg,
		logger:     slog.Default().With("component", "pipeline"),
		backoffMin: 4 * time.Second,
		backoffMax: 60 * time.Second,
	}
}

// Run executes the full pipeline for one expert and returns its response.
// An error return means this expert produced nothing; the caller accounts
// for it without cancelling sibling experts.
func (p *Pipeline) Run(ctx context.Context, req Request, bus *events.ProgressBus) (*models.ExpertResponse, error) {
	start := time.Now()
	expertID := req.Expert.ExpertID
	logger := p.logger.With("expert_id", expertID)

	posts, err := p.store.PostsForExpert(ctx, expertID, req.Since)
	if err != nil {
		return nil, fmt.Errorf("load posts for expert %s: %w", expertID, err)
	}
	if req.MaxPosts > 0 && len(posts) > req.MaxPosts {
		posts = posts[:req.MaxPosts]
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("expert %s has no posts in the selected window", expertID)
	}

	// Phase 1 — map. Fatal on failure.
	ranked, err := p.runMap(ctx, req, posts, bus)
	if err != nil {
		return nil, fmt.Errorf("map phase for expert %s: %w", expertID, err)
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("expert %s has no relevant posts for this query", expertID)
	}

	// The comment-group exclusion set is every HIGH and MEDIUM anchor from
	// map, independent of what medium scoring later drops.
	relevantPostIDs := make([]int64, 0, len(ranked))
	for _, rp := range ranked {
		relevantPostIDs = append(relevantPostIDs, rp.PostID)
	}

	// Phase 2 — medium scoring. Degrades to keeping all MEDIUM posts.
	selected := p.runMediumScoring(ctx, req, ranked, bus)

	// Phase 3 — resolve. Pure SQL; fatal on failure.
	enriched, err := p.runResolve(ctx, req, selected, bus)
	if err != nil {
		return nil, fmt.Errorf("resolve phase for expert %s: %w", expertID, err)
	}

	// Phase 4 — reduce. Fatal on failure.
	red, err := p.runReduce(ctx, req, enriched, bus)
	if err != nil {
		return nil, fmt.Errorf("reduce phase for expert %s: %w", expertID, err)
	}

	// Phase 5 — language validation. Degrades to the original answer.
	answer := p.runLanguageValidation(ctx, req, red.Answer, bus)

	resp := &models.ExpertResponse{
		ExpertID:        expertID,
		DisplayName:     req.Expert.DisplayName,
		ChannelUsername: req.Expert.ChannelUsername,
		Answer:          answer,
		MainSources:     red.MainSources,
		Confidence:      red.Confidence,
		Language:        red.Language,
		PostsAnalyzed:   len(posts),
	}

	// Phases 6–7 — comment groups. Degrade to no comment block.
	if req.IncludeCommentGroups {
		resp.CommentGroups = p.runCommentGroups(ctx, req, relevantPostIDs, answer, bus)
	}

	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	logger.Info("Expert pipeline complete",
		"posts_analyzed", resp.PostsAnalyzed,
		"main_sources", len(resp.MainSources),
		"duration_ms", resp.ProcessingTimeMs)
	return resp, nil
}

// runResolve expands the surviving posts through links, labelling the new
// posts CONTEXT. Original relevance labels are preserved.
func (p *Pipeline) runResolve(ctx context.Context, req Request, selected []models.RankedPost, bus *events.ProgressBus) ([]models.RankedPost, error) {
	expertID := req.Expert.ExpertID
	emitPhase(bus, events.EventTypePhaseStart, PhaseResolve, expertID, "Expanding linked posts", nil)

	ids := make([]int64, len(selected))
	for i, rp := range selected {
		ids[i] = rp.PostID
	}
	expanded, err := p.store.ExpandLinks(ctx, ids, expertID, linkExpansionDepth, req.Since)
	if err != nil {
		return nil, err
	}

	enriched := append([]models.RankedPost(nil), selected...)
	for _, post := range expanded {
		enriched = append(enriched, models.RankedPost{Post: post, Relevance: models.RelevanceContext})
	}

	emitPhase(bus, events.EventTypePhaseComplete, PhaseResolve, expertID, "Link expansion done",
		map[string]any{"added": len(expanded), "total": len(enriched)})
	return enriched, nil
}

// relevanceRank orders posts for the reduce prompt: HIGH, MEDIUM, CONTEXT.
func relevanceRank(r models.Relevance) int {
	switch r {
	case models.RelevanceHigh:
		return 0
	case models.RelevanceMedium:
		return 1
	default:
		return 2
	}
}

// orderForReduce sorts by relevance rank, newest first within a rank.
func orderForReduce(posts []models.RankedPost) {
	sort.SliceStable(posts, func(i, j int) bool {
		ri, rj := relevanceRank(posts[i].Relevance), relevanceRank(posts[j].Relevance)
		if ri != rj {
			return ri < rj
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
}

// emitPhase publishes a phase event; drops are acceptable.
func emitPhase(bus *events.ProgressBus, eventType, phase, expertID, message string, data map[string]any) {
	ev := events.NewEvent(eventType, phase, phaseStatus(eventType), message).WithExpert(expertID)
	if data != nil {
		ev = ev.WithData(data)
	}
	bus.Offer(ev)
}

func phaseStatus(eventType string) string {
	switch eventType {
	case events.EventTypePhaseStart:
		return "started"
	case events.EventTypePhaseComplete:
		return "completed"
	default:
		return "running"
	}
}

// sleepCtx waits for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
