package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanspect/chanspect/pkg/config"
	"github.com/chanspect/chanspect/pkg/events"
	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/models"
)

type fakeStore struct {
	posts       []models.Post
	linked      []models.Post
	driftGroups []models.DriftGroup

	mu           sync.Mutex
	driftExclude []int64
}

func (f *fakeStore) PostsForExpert(_ context.Context, expertID string, _ *time.Time) ([]models.Post, error) {
	return f.posts, nil
}

func (f *fakeStore) ExpandLinks(_ context.Context, _ []int64, _ string, _ int, _ *time.Time) ([]models.Post, error) {
	return f.linked, nil
}

func (f *fakeStore) DriftGroupsForExpert(_ context.Context, _ string, exclude []int64, _ *time.Time) ([]models.DriftGroup, error) {
	f.mu.Lock()
	f.driftExclude = append([]int64(nil), exclude...)
	f.mu.Unlock()

	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	var groups []models.DriftGroup
	for _, g := range f.driftGroups {
		if !excluded[g.AnchorPostID] {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

// fakeLLM routes completions through a handler and counts calls.
type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	handler func(call int, model, system, user string) (string, error)
}

func (f *fakeLLM) Complete(_ context.Context, model, system, user string, _ llm.Options) (*llm.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	text, err := f.handler(call, model, system, user)
	if err != nil {
		return nil, err
	}
	return &llm.Result{Text: text}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Models: config.Models{
			Map:           "model-map",
			Analysis:      "model-analysis",
			Synthesis:     "model-synthesis",
			DriftAnalysis: "model-drift",
			MediumScoring: "model-scoring",
		},
		MapChunkSize:      100,
		MapMaxParallel:    4,
		MediumScoreMin:    0.7,
		MediumMaxSelected: 5,
	}
}

func newTestPipeline(store Store, completer Completer) *Pipeline {
	p := New(store, completer, testConfig())
	p.backoffMin = time.Millisecond
	p.backoffMax = 5 * time.Millisecond
	return p
}

func makePosts(expertID string, msgIDs ...int64) []models.Post {
	posts := make([]models.Post, len(msgIDs))
	for i, id := range msgIDs {
		posts[i] = models.Post{
			PostID:            id,
			ExpertID:          expertID,
			ChannelID:         1,
			TelegramMessageID: id,
			ChannelUsername:   "chan",
			CreatedAt:         time.Now().Add(-time.Duration(i) * time.Hour),
			MessageText:       fmt.Sprintf("post %d about embeddings", id),
		}
	}
	return posts
}

func drainEvents(bus *events.ProgressBus) []events.ProgressEvent {
	bus.Close()
	var evs []events.ProgressEvent
	for ev := range bus.Events() {
		evs = append(evs, ev)
	}
	return evs
}

func hasPhaseEvent(evs []events.ProgressEvent, eventType, phase string) bool {
	for _, ev := range evs {
		if ev.EventType == eventType && ev.Phase == phase {
			return true
		}
	}
	return false
}

func TestRun_SingleExpert(t *testing.T) {
	store := &fakeStore{posts: makePosts("e1", 101, 102, 103, 104, 105)}
	gw := &fakeLLM{handler: func(_ int, model, _, _ string) (string, error) {
		switch model {
		case "model-map":
			return `{"relevant_posts":[
				{"telegram_message_id":101,"relevance":"HIGH","reason":"direct"},
				{"telegram_message_id":102,"relevance":"HIGH","reason":"direct"}
			],"chunk_summary":"ok"}`, nil
		case "model-synthesis":
			// 999 was never in the input; it must be filtered out.
			return `{"answer":"Эмбеддинги это векторы [post:101]","main_sources":[101,102,999],
				"confidence":"HIGH","has_expert_comments":false,"language":"ru"}`, nil
		default:
			return "", fmt.Errorf("unexpected model %s", model)
		}
	}}

	p := newTestPipeline(store, gw)
	bus := events.NewProgressBus(100)
	resp, err := p.Run(context.Background(), Request{
		Expert:        models.Expert{ExpertID: "e1", DisplayName: "E1", ChannelUsername: "chan"},
		Query:         "что такое embeddings?",
		QueryLanguage: models.LanguageRussian,
	}, bus)
	require.NoError(t, err)

	assert.Equal(t, "e1", resp.ExpertID)
	assert.NotEmpty(t, resp.Answer)
	assert.Equal(t, []int64{101, 102}, resp.MainSources)
	assert.Equal(t, models.LanguageRussian, resp.Language)
	assert.Equal(t, models.ConfidenceHigh, resp.Confidence)
	assert.Equal(t, 5, resp.PostsAnalyzed)

	evs := drainEvents(bus)
	for _, phase := range []string{PhaseMap, PhaseResolve, PhaseReduce} {
		assert.True(t, hasPhaseEvent(evs, events.EventTypePhaseStart, phase), "missing phase_start for %s", phase)
		assert.True(t, hasPhaseEvent(evs, events.EventTypePhaseComplete, phase), "missing phase_complete for %s", phase)
	}
	for _, ev := range evs {
		assert.Equal(t, "e1", ev.ExpertID)
	}
}

func TestRun_MediumScoringSelectsAboveThreshold(t *testing.T) {
	store := &fakeStore{posts: makePosts("e1", 101, 102, 103)}
	gw := &fakeLLM{handler: func(_ int, model, _, _ string) (string, error) {
		switch model {
		case "model-map":
			return `{"relevant_posts":[
				{"telegram_message_id":101,"relevance":"HIGH"},
				{"telegram_message_id":102,"relevance":"MEDIUM"},
				{"telegram_message_id":103,"relevance":"MEDIUM"}
			]}`, nil
		case "model-scoring":
			return `{"scores":[
				{"telegram_message_id":102,"score":0.9},
				{"telegram_message_id":103,"score":0.4}
			]}`, nil
		case "model-synthesis":
			return `{"answer":"ответ [post:101]","main_sources":[101],"confidence":"MEDIUM","language":"ru"}`, nil
		default:
			return "", fmt.Errorf("unexpected model %s", model)
		}
	}}

	p := newTestPipeline(store, gw)
	bus := events.NewProgressBus(100)
	resp, err := p.Run(context.Background(), Request{
		Expert:        models.Expert{ExpertID: "e1"},
		Query:         "что такое embeddings?",
		QueryLanguage: models.LanguageRussian,
	}, bus)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Answer)

	evs := drainEvents(bus)
	assert.True(t, hasPhaseEvent(evs, events.EventTypePhaseComplete, PhaseMediumScoring))
}

func TestRun_MediumScoringFailureKeepsAll(t *testing.T) {
	store := &fakeStore{posts: makePosts("e1", 101, 102)}
	var reducePrompt string
	var mu sync.Mutex
	gw := &fakeLLM{handler: func(_ int, model, _, user string) (string, error) {
		switch model {
		case "model-map":
			return `{"relevant_posts":[
				{"telegram_message_id":101,"relevance":"MEDIUM"},
				{"telegram_message_id":102,"relevance":"MEDIUM"}
			]}`, nil
		case "model-scoring":
			return "", errors.New("scoring down")
		case "model-synthesis":
			mu.Lock()
			reducePrompt = user
			mu.Unlock()
			return `{"answer":"ответ [post:101]","main_sources":[101],"confidence":"LOW","language":"ru"}`, nil
		default:
			return "", fmt.Errorf("unexpected model %s", model)
		}
	}}

	p := newTestPipeline(store, gw)
	bus := events.NewProgressBus(100)
	_, err := p.Run(context.Background(), Request{
		Expert:        models.Expert{ExpertID: "e1"},
		Query:         "что такое embeddings?",
		QueryLanguage: models.LanguageRussian,
	}, bus)
	require.NoError(t, err)

	// Both MEDIUM posts survived the failed scoring and reached reduce.
	assert.Contains(t, reducePrompt, "[post:101]")
	assert.Contains(t, reducePrompt, "[post:102]")
}

func TestRun_MapChunkRecoversOnGlobalRetry(t *testing.T) {
	store := &fakeStore{posts: makePosts("e1", 101)}
	var mapCalls int
	var mu sync.Mutex
	gw := &fakeLLM{handler: func(_ int, model, _, _ string) (string, error) {
		switch model {
		case "model-map":
			mu.Lock()
			mapCalls++
			n := mapCalls
			mu.Unlock()
			// Per-chunk retries (1 + mapChunkRetries) all fail; the global
			// retry pass succeeds on its first attempt.
			if n <= 1+mapChunkRetries {
				return "", errors.New("transient")
			}
			return `{"relevant_posts":[{"telegram_message_id":101,"relevance":"HIGH"}]}`, nil
		case "model-synthesis":
			return `{"answer":"ответ [post:101]","main_sources":[101],"confidence":"HIGH","language":"ru"}`, nil
		default:
			return "", fmt.Errorf("unexpected model %s", model)
		}
	}}

	p := newTestPipeline(store, gw)
	bus := events.NewProgressBus(100)
	resp, err := p.Run(context.Background(), Request{
		Expert:        models.Expert{ExpertID: "e1"},
		Query:         "что такое embeddings?",
		QueryLanguage: models.LanguageRussian,
	}, bus)
	require.NoError(t, err)
	assert.Equal(t, []int64{101}, resp.MainSources)
}

func TestRun_AllMapChunksFail(t *testing.T) {
	store := &fakeStore{posts: makePosts("e1", 101, 102)}
	gw := &fakeLLM{handler: func(_ int, model, _, _ string) (string, error) {
		return "", errors.New("llm down")
	}}

	p := newTestPipeline(store, gw)
	bus := events.NewProgressBus(100)
	_, err := p.Run(context.Background(), Request{
		Expert:        models.Expert{ExpertID: "e1"},
		Query:         "что такое embeddings?",
		QueryLanguage: models.LanguageRussian,
	}, bus)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "map phase")
}

func TestRun_CommentGroupsExcludeRelevantAnchors(t *testing.T) {
	// Map labels 101, 102 HIGH and 103 MEDIUM; drift groups exist on anchors
	// 101, 103, 200. Only 200 may reach the drift scorer.
	store := &fakeStore{
		posts: makePosts("e1", 101, 102, 103),
		driftGroups: []models.DriftGroup{
			{AnchorPostID: 101, TelegramMessageID: 101, ExpertID: "e1", HasDrift: true},
			{AnchorPostID: 103, TelegramMessageID: 103, ExpertID: "e1", HasDrift: true},
			{AnchorPostID: 200, TelegramMessageID: 200, ExpertID: "e1", HasDrift: true,
				Topics: []models.DriftTopic{{Topic: "scaling"}}},
		},
	}
	var driftPrompt string
	var mu sync.Mutex
	gw := &fakeLLM{handler: func(_ int, model, _, user string) (string, error) {
		switch model {
		case "model-map":
			return `{"relevant_posts":[
				{"telegram_message_id":101,"relevance":"HIGH"},
				{"telegram_message_id":102,"relevance":"HIGH"},
				{"telegram_message_id":103,"relevance":"MEDIUM"}
			]}`, nil
		case "model-scoring":
			return `{"scores":[{"telegram_message_id":103,"score":0.1}]}`, nil
		case "model-drift":
			mu.Lock()
			driftPrompt = user
			mu.Unlock()
			return `{"relevant_groups":[{"post_id":200,"relevance":"HIGH","reason":"on point"}]}`, nil
		case "model-synthesis":
			return `{"answer":"ответ [post:101]","main_sources":[101],"confidence":"HIGH","language":"ru"}`, nil
		default:
			return "", fmt.Errorf("unexpected model %s", model)
		}
	}}

	p := newTestPipeline(store, gw)
	bus := events.NewProgressBus(100)
	resp, err := p.Run(context.Background(), Request{
		Expert:               models.Expert{ExpertID: "e1"},
		Query:                "что такое embeddings?",
		QueryLanguage:        models.LanguageRussian,
		IncludeCommentGroups: true,
	}, bus)
	require.NoError(t, err)

	// Exclusion covers all map-relevant anchors, including the MEDIUM post
	// that scoring later dropped.
	assert.ElementsMatch(t, []int64{101, 102, 103}, store.driftExclude)
	assert.Contains(t, driftPrompt, "post_id=200")
	assert.NotContains(t, driftPrompt, "post_id=101")

	require.NotNil(t, resp.CommentGroups)
	require.Len(t, resp.CommentGroups.Groups, 1)
	assert.Equal(t, int64(200), resp.CommentGroups.Groups[0].AnchorPostID)
	assert.NotEmpty(t, resp.CommentGroups.Synthesis)
}

func TestRun_LanguageValidationRerenders(t *testing.T) {
	store := &fakeStore{posts: makePosts("e1", 101)}
	gw := &fakeLLM{handler: func(_ int, model, _, _ string) (string, error) {
		switch model {
		case "model-map":
			return `{"relevant_posts":[{"telegram_message_id":101,"relevance":"HIGH"}]}`, nil
		case "model-synthesis":
			// English query answered in Russian: validation must fire.
			return `{"answer":"Кэширование промптов ускоряет вывод [post:101]","main_sources":[101],
				"confidence":"HIGH","language":"en"}`, nil
		case "model-analysis":
			return "Prompt caching speeds up inference [post:101]", nil
		default:
			return "", fmt.Errorf("unexpected model %s", model)
		}
	}}

	p := newTestPipeline(store, gw)
	bus := events.NewProgressBus(100)
	resp, err := p.Run(context.Background(), Request{
		Expert:        models.Expert{ExpertID: "e1"},
		Query:         "what is prompt caching?",
		QueryLanguage: models.LanguageEnglish,
	}, bus)
	require.NoError(t, err)
	assert.Equal(t, "Prompt caching speeds up inference [post:101]", resp.Answer)

	evs := drainEvents(bus)
	assert.True(t, hasPhaseEvent(evs, events.EventTypePhaseComplete, PhaseLanguageValidation))
}

func TestChunkPosts(t *testing.T) {
	posts := makePosts("e1", 1, 2, 3, 4, 5)
	chunks := chunkPosts(posts, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[2], 1)
}
