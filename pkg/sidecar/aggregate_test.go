package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanspect/chanspect/pkg/config"
)

// fakeExecutor scripts tool responses by tool name and records every call.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]func(args map[string]any) (json.RawMessage, error)
}

func (f *fakeExecutor) ExecuteTool(_ context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	h, ok := f.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unexpected tool %s", name)
	}
	return h(args)
}

func (f *fakeExecutor) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func sidecarTestConfig() *config.SidecarConfig {
	return &config.SidecarConfig{
		CacheSize: 100,
		CacheTTL:  5 * time.Minute,
	}
}

func searchResults(posts ...string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"results": [%s], "total_results": %d}`,
		strings.Join(posts, ","), len(posts)))
}

func postJSON(id string, score, comments int) string {
	return fmt.Sprintf(`{"id": %q, "title": "Post %s", "permalink": "/r/golang/comments/%s/",
		"score": %d, "num_comments": %d, "subreddit": "golang", "selftext": "body of %s"}`,
		id, id, id, score, comments, id)
}

func TestSearch_FilterRankAndLimit(t *testing.T) {
	exec := &fakeExecutor{handlers: map[string]func(map[string]any) (json.RawMessage, error){
		"search_reddit": func(args map[string]any) (json.RawMessage, error) {
			assert.Equal(t, "caching strategies", args["query"])
			assert.Equal(t, "relevance", args["sort"])
			return searchResults(
				postJSON("low", 2, 50),    // below min score, dropped despite comments
				postJSON("mid", 10, 1),    // 10 + 2 = 12
				postJSON("top", 20, 30),   // 20 + 60 = 80
				postJSON("third", 8, 0),   // 8
				postJSON("second", 6, 20), // 6 + 40 = 46
			), nil
		},
		"get_post_details": func(args map[string]any) (json.RawMessage, error) {
			return nil, errors.New("details unavailable")
		},
	}}
	svc := NewService(exec, sidecarTestConfig())

	insights, err := svc.Search(context.Background(), SearchRequest{Query: "caching strategies", Limit: 3, Sort: "relevance", Time: "all"})
	require.NoError(t, err)

	assert.Equal(t, 3, insights.FoundCount)
	require.Len(t, insights.Sources, 3)
	assert.Equal(t, "Post top", insights.Sources[0].Title)
	assert.Equal(t, "Post second", insights.Sources[1].Title)
	assert.Equal(t, "Post mid", insights.Sources[2].Title)
	assert.Equal(t, "caching strategies", insights.Query)
	assert.NotContains(t, insights.Markdown, "Post low")
}

func TestSearch_EnrichesTopPosts(t *testing.T) {
	exec := &fakeExecutor{handlers: map[string]func(map[string]any) (json.RawMessage, error){
		"search_reddit": func(_ map[string]any) (json.RawMessage, error) {
			return searchResults(postJSON("abc", 50, 10)), nil
		},
		"get_post_details": func(args map[string]any) (json.RawMessage, error) {
			assert.Equal(t, "abc", args["post_id"])
			assert.Equal(t, enrichCommentLimit, args["comment_limit"])
			assert.Equal(t, enrichDepth, args["depth"])
			return json.RawMessage(`{"title": "Post abc", "permalink": "/r/golang/comments/abc/",
				"score": 50, "num_comments": 10, "subreddit": "golang", "selftext": "full body",
				"comments": [{"author": "gopher", "body": "use groupcache", "score": 12}]}`), nil
		},
	}}
	svc := NewService(exec, sidecarTestConfig())

	insights, err := svc.Search(context.Background(), SearchRequest{Query: "q", Limit: 5, Sort: "relevance", Time: "all"})
	require.NoError(t, err)
	assert.Contains(t, insights.Markdown, "full body")
	assert.Contains(t, insights.Markdown, "**gopher** (12 points): use groupcache")
}

func TestSearch_EnrichmentFailureKeepsOriginal(t *testing.T) {
	exec := &fakeExecutor{handlers: map[string]func(map[string]any) (json.RawMessage, error){
		"search_reddit": func(_ map[string]any) (json.RawMessage, error) {
			return searchResults(postJSON("abc", 50, 10)), nil
		},
		"get_post_details": func(_ map[string]any) (json.RawMessage, error) {
			return nil, errors.New("tool get_post_details timed out")
		},
	}}
	svc := NewService(exec, sidecarTestConfig())

	insights, err := svc.Search(context.Background(), SearchRequest{Query: "q", Limit: 5, Sort: "relevance", Time: "all"})
	require.NoError(t, err)
	assert.Equal(t, 1, insights.FoundCount)
	assert.Contains(t, insights.Markdown, "body of abc")
}

func TestSearch_SubredditsBrowseWithHotDegradation(t *testing.T) {
	exec := &fakeExecutor{handlers: map[string]func(map[string]any) (json.RawMessage, error){
		"browse_subreddit": func(args map[string]any) (json.RawMessage, error) {
			assert.Equal(t, "hot", args["sort"], "relevance is not a browse sort")
			sub := args["subreddit"].(string)
			return json.RawMessage(fmt.Sprintf(`{"posts": [{"id": %q, "title": "From %s",
				"permalink": "/r/%s/comments/x/", "score": 40, "num_comments": 5,
				"subreddit": %q}], "total_posts": 1}`, sub, sub, sub, sub)), nil
		},
		"get_post_details": func(_ map[string]any) (json.RawMessage, error) {
			return nil, errors.New("skip enrichment")
		},
	}}
	svc := NewService(exec, sidecarTestConfig())

	insights, err := svc.Search(context.Background(), SearchRequest{
		Query: "q", Limit: 5, Sort: "relevance", Time: "all",
		Subreddits: []string{"golang", "programming"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, exec.callCount("browse_subreddit"))
	assert.Equal(t, 2, insights.FoundCount)
	assert.Contains(t, insights.Markdown, "From golang")
	assert.Contains(t, insights.Markdown, "From programming")
}

func TestSearch_CachesEquivalentRequests(t *testing.T) {
	exec := &fakeExecutor{handlers: map[string]func(map[string]any) (json.RawMessage, error){
		"search_reddit": func(_ map[string]any) (json.RawMessage, error) {
			return searchResults(postJSON("abc", 50, 10)), nil
		},
		"get_post_details": func(_ map[string]any) (json.RawMessage, error) {
			return nil, errors.New("skip")
		},
	}}
	svc := NewService(exec, sidecarTestConfig())

	req := SearchRequest{Query: "Caching Strategies", Limit: 5, Sort: "relevance", Time: "all"}
	_, err := svc.Search(context.Background(), req)
	require.NoError(t, err)

	// Same query modulo case and whitespace hits the cache.
	req.Query = "  caching strategies "
	_, err = svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.callCount("search_reddit"))
}

func TestSearch_ToolFailurePropagates(t *testing.T) {
	exec := &fakeExecutor{handlers: map[string]func(map[string]any) (json.RawMessage, error){
		"search_reddit": func(_ map[string]any) (json.RawMessage, error) {
			return nil, ErrMCPUnstable
		},
	}}
	svc := NewService(exec, sidecarTestConfig())

	_, err := svc.Search(context.Background(), SearchRequest{Query: "q", Limit: 5, Sort: "relevance", Time: "all"})
	require.ErrorIs(t, err, ErrMCPUnstable)
}

func TestSearchRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     SearchRequest
		wantErr bool
	}{
		{name: "defaults applied", req: SearchRequest{Query: "q"}},
		{name: "empty query", req: SearchRequest{}, wantErr: true},
		{name: "query too long", req: SearchRequest{Query: strings.Repeat("a", 501)}, wantErr: true},
		{name: "limit too high", req: SearchRequest{Query: "q", Limit: 26}, wantErr: true},
		{name: "bad sort", req: SearchRequest{Query: "q", Sort: "controversial"}, wantErr: true},
		{name: "bad time", req: SearchRequest{Query: "q", Time: "decade"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultLimit, tt.req.Limit)
			assert.Equal(t, "relevance", tt.req.Sort)
			assert.Equal(t, "all", tt.req.Time)
		})
	}
}

func TestRenderMarkdown(t *testing.T) {
	posts := []redditPost{
		{
			Title: "Absolute URL post", URL: "https://example.com/article",
			Score: 30, NumComments: 4, Subreddit: "golang", Body: "short body",
		},
		{
			Title: "Permalink post", Permalink: "/r/golang/comments/xyz/",
			Score: 10, NumComments: 2, Subreddit: "golang",
			Body: strings.Repeat("x", 600),
		},
	}

	md := renderMarkdown(posts)
	assert.Contains(t, md, "### 1. Absolute URL post")
	assert.Contains(t, md, "### 2. Permalink post")
	assert.Contains(t, md, "r/golang · 30 points · 4 comments")
	assert.Contains(t, md, "[Read on Reddit](https://example.com/article)")
	assert.Contains(t, md, "[Read on Reddit](https://reddit.com/r/golang/comments/xyz/)")
	assert.Contains(t, md, strings.Repeat("x", 500)+"…")
	assert.NotContains(t, md, strings.Repeat("x", 501))
}

func TestRenderMarkdown_Empty(t *testing.T) {
	assert.Equal(t, "No relevant Reddit discussions found.", renderMarkdown(nil))
}

func TestTruncateBody_UTF8Boundary(t *testing.T) {
	body := strings.Repeat("x", 499) + "日本語"
	out := truncateBody(body)
	assert.True(t, strings.HasSuffix(out, "…"))
	assert.True(t, len(out) <= maxBodyChars+len("…"))
	for _, r := range out {
		assert.NotEqual(t, '�', r, "truncation must not split a rune")
	}
}

func newSidecarEcho(svc *Service) *echo.Echo {
	e := echo.New()
	NewServer(svc, nil).RegisterRoutes(e)
	return e
}

func TestSearchHandler(t *testing.T) {
	exec := &fakeExecutor{handlers: map[string]func(map[string]any) (json.RawMessage, error){
		"search_reddit": func(_ map[string]any) (json.RawMessage, error) {
			return searchResults(postJSON("abc", 50, 10)), nil
		},
		"get_post_details": func(_ map[string]any) (json.RawMessage, error) {
			return nil, errors.New("skip")
		},
	}}
	e := newSidecarEcho(NewService(exec, sidecarTestConfig()))

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query": "caching"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"foundCount":1`)
	assert.Contains(t, rec.Body.String(), `"query":"caching"`)
}

func TestSearchHandler_InvalidRequest(t *testing.T) {
	e := newSidecarEcho(NewService(&fakeExecutor{}, sidecarTestConfig()))

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query": ""}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestSearchHandler_ToolFailure(t *testing.T) {
	exec := &fakeExecutor{handlers: map[string]func(map[string]any) (json.RawMessage, error){
		"search_reddit": func(_ map[string]any) (json.RawMessage, error) {
			return nil, errors.New("mcp child process unstable")
		},
	}}
	e := newSidecarEcho(NewService(exec, sidecarTestConfig()))

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query": "q"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "search_failed")
}

func TestHealthHandler_NoWatchdog(t *testing.T) {
	e := echo.New()
	NewServer(NewService(&fakeExecutor{}, sidecarTestConfig()), nil).RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mcpReady":false`)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}
