package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/chanspect/chanspect/pkg/config"
	"github.com/chanspect/chanspect/pkg/models"
	"github.com/chanspect/chanspect/pkg/sanitize"
)

const (
	// minPostScore drops low-signal posts before ranking.
	minPostScore = 5
	// enrichTop is how many ranked posts get full comment enrichment.
	enrichTop = 5
	// enrichCommentLimit and enrichDepth bound get_post_details.
	enrichCommentLimit = 50
	enrichDepth        = 3
	// defaultLimit when the request omits one.
	defaultLimit = 10
)

var searchValidate = validator.New()

// SearchRequest is the POST /search body.
type SearchRequest struct {
	Query      string   `json:"query" validate:"required,min=1,max=500"`
	Limit      int      `json:"limit,omitempty" validate:"omitempty,min=1,max=25"`
	Subreddits []string `json:"subreddits,omitempty" validate:"omitempty,dive,min=1"`
	Sort       string   `json:"sort,omitempty" validate:"omitempty,oneof=relevance hot new top"`
	Time       string   `json:"time,omitempty" validate:"omitempty,oneof=hour day week month year all"`
}

// Validate checks constraints and applies defaults (limit 10, sort
// relevance, time all).
func (r *SearchRequest) Validate() error {
	if err := searchValidate.Struct(r); err != nil {
		return err
	}
	if r.Limit == 0 {
		r.Limit = defaultLimit
	}
	if r.Sort == "" {
		r.Sort = "relevance"
	}
	if r.Time == "" {
		r.Time = "all"
	}
	return nil
}

// ToolExecutor runs one MCP tool call; implemented by the Watchdog.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// redditPost is the unified record over the two tool response shapes.
type redditPost struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Permalink   string `json:"permalink"`
	Score       int    `json:"score"`
	NumComments int    `json:"num_comments"`
	Subreddit   string `json:"subreddit"`
	Body        string `json:"selftext"`
	Comments    []struct {
		Author string `json:"author"`
		Body   string `json:"body"`
		Score  int    `json:"score"`
	} `json:"comments"`
}

// toolResponse accepts both browse_subreddit ({posts, total_posts}) and
// search_reddit ({results, total_results}).
type toolResponse struct {
	Posts        []redditPost `json:"posts"`
	TotalPosts   int          `json:"total_posts"`
	Results      []redditPost `json:"results"`
	TotalResults int          `json:"total_results"`
}

func (r *toolResponse) unified() []redditPost {
	if len(r.Posts) > 0 {
		return r.Posts
	}
	return r.Results
}

// Service is the aggregation pipeline over the watchdog's tools, fronted
// by an expiring LRU response cache.
type Service struct {
	tools  ToolExecutor
	cache  *expirable.LRU[string, *models.RedditInsights]
	logger *slog.Logger
}

// NewService creates the aggregation service.
func NewService(tools ToolExecutor, cfg *config.SidecarConfig) *Service {
	return &Service{
		tools:  tools,
		cache:  expirable.NewLRU[string, *models.RedditInsights](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: slog.Default().With("component", "sidecar"),
	}
}

// Search runs the aggregation pipeline: fetch, normalize, filter, rank,
// enrich, sanitize, render, cache.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*models.RedditInsights, error) {
	start := time.Now()

	key := cacheKey(req)
	if cached, ok := s.cache.Get(key); ok {
		s.logger.Debug("Cache hit", "query", req.Query)
		return cached, nil
	}

	posts, err := s.fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	ranked := rankPosts(posts, req.Limit)
	s.enrichTop(ctx, ranked)
	for i := range ranked {
		sanitizePost(&ranked[i])
	}

	insights := &models.RedditInsights{
		Markdown:         renderMarkdown(ranked),
		FoundCount:       len(ranked),
		Sources:          sources(ranked),
		Query:            req.Query,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	s.cache.Add(key, insights)
	return insights, nil
}

// fetch calls browse_subreddit per requested subreddit, or search_reddit
// when none are named. browse_subreddit has no relevance sort; it degrades
// to hot.
func (s *Service) fetch(ctx context.Context, req SearchRequest) ([]redditPost, error) {
	if len(req.Subreddits) == 0 {
		raw, err := s.tools.ExecuteTool(ctx, "search_reddit", map[string]any{
			"query": req.Query,
			"sort":  req.Sort,
			"time":  req.Time,
			"limit": req.Limit,
		})
		if err != nil {
			return nil, err
		}
		return decodePosts(raw)
	}

	browseSort := req.Sort
	if browseSort == "relevance" {
		browseSort = "hot"
	}
	var posts []redditPost
	for _, sub := range req.Subreddits {
		raw, err := s.tools.ExecuteTool(ctx, "browse_subreddit", map[string]any{
			"subreddit": sub,
			"sort":      browseSort,
			"time":      req.Time,
			"limit":     req.Limit,
		})
		if err != nil {
			return nil, err
		}
		p, err := decodePosts(raw)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p...)
	}
	return posts, nil
}

func decodePosts(raw json.RawMessage) ([]redditPost, error) {
	var resp toolResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode tool response: %w", err)
	}
	return resp.unified(), nil
}

// rankPosts drops low-score posts, ranks by score + 2×comments, and keeps
// the top limit.
func rankPosts(posts []redditPost, limit int) []redditPost {
	kept := make([]redditPost, 0, len(posts))
	for _, p := range posts {
		if p.Score >= minPostScore {
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score+2*kept[i].NumComments > kept[j].Score+2*kept[j].NumComments
	})
	if len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}

// enrichTop fetches full details for the top posts in parallel. A failed
// enrichment leaves the original record in place.
func (s *Service) enrichTop(ctx context.Context, ranked []redditPost) {
	n := enrichTop
	if n > len(ranked) {
		n = len(ranked)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if ranked[i].ID == "" {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := s.tools.ExecuteTool(ctx, "get_post_details", map[string]any{
				"post_id":       ranked[i].ID,
				"comment_limit": enrichCommentLimit,
				"depth":         enrichDepth,
			})
			if err != nil {
				s.logger.Warn("Post enrichment failed", "post_id", ranked[i].ID, "error", err)
				return
			}
			var detailed redditPost
			if err := json.Unmarshal(raw, &detailed); err != nil {
				s.logger.Warn("Post enrichment returned bad JSON", "post_id", ranked[i].ID, "error", err)
				return
			}
			detailed.ID = ranked[i].ID
			ranked[i] = detailed
		}(i)
	}
	wg.Wait()
}

// sanitizePost cleans every textual field; fenced code inside bodies and
// comments survives byte-for-byte.
func sanitizePost(p *redditPost) {
	p.Title = sanitize.Clean(p.Title)
	p.Body = sanitize.Clean(p.Body)
	for i := range p.Comments {
		p.Comments[i].Body = sanitize.Clean(p.Comments[i].Body)
	}
}

func sources(ranked []redditPost) []models.RedditSource {
	out := make([]models.RedditSource, len(ranked))
	for i, p := range ranked {
		out[i] = models.RedditSource{
			Title:         p.Title,
			URL:           postURL(p),
			Score:         p.Score,
			CommentsCount: p.NumComments,
			Subreddit:     p.Subreddit,
		}
	}
	return out
}

// cacheKey normalizes the request so equivalent searches share an entry.
func cacheKey(req SearchRequest) string {
	subs := append([]string(nil), req.Subreddits...)
	sort.Strings(subs)
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(req.Query)),
		fmt.Sprintf("%d", req.Limit),
		strings.Join(subs, ","),
		req.Sort,
		req.Time,
	}, "|")
}
