package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/chanspect/chanspect/pkg/events"
	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/models"
)

// mapChunkRetries is the per-chunk retry count before a chunk is parked for
// the global retry pass.
const mapChunkRetries = 3

// mapChunkResult is the JSON the map model returns per chunk.
type mapChunkResult struct {
	RelevantPosts []mapChunkEntry `json:"relevant_posts"`
	ChunkSummary  string          `json:"chunk_summary"`
}

type mapChunkEntry struct {
	TelegramMessageID int64            `json:"telegram_message_id"`
	Relevance         models.Relevance `json:"relevance"`
	Reason            string           `json:"reason"`
}

type chunkOutcome struct {
	index   int
	entries []mapChunkEntry
	err     error
}

// runMap partitions the corpus into chunks and re-ranks each chunk with
// bounded parallelism. Failed chunks get one global retry pass; posts in
// chunks that still fail are treated as LOW and dropped.
func (p *Pipeline) runMap(ctx context.Context, req Request, posts []models.Post, bus *events.ProgressBus) ([]models.RankedPost, error) {
	expertID := req.Expert.ExpertID
	chunks := chunkPosts(posts, p.cfg.MapChunkSize)
	emitPhase(bus, events.EventTypePhaseStart, PhaseMap, expertID, "Ranking posts",
		map[string]any{"posts": len(posts), "chunks": len(chunks)})

	outcomes := p.mapChunks(ctx, req, chunks, allIndices(len(chunks)), bus)

	var failed []int
	ranked := make([]models.RankedPost, 0, len(posts)/4)
	for _, out := range outcomes {
		if out.err != nil {
			failed = append(failed, out.index)
			continue
		}
		ranked = append(ranked, applyChunkEntries(chunks[out.index], out.entries)...)
	}

	if len(failed) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("Map chunks failed, running global retry pass",
			"expert_id", expertID, "failed", len(failed))
		retried := p.mapChunks(ctx, req, chunks, failed, bus)
		dropped := 0
		for _, out := range retried {
			if out.err != nil {
				// Posts in a chunk that failed both passes are treated as
				// LOW relevance.
				dropped += len(chunks[out.index])
				p.logger.Warn("Map chunk failed after global retry, dropping posts",
					"expert_id", expertID, "chunk", out.index, "posts", len(chunks[out.index]), "error", out.err)
				continue
			}
			ranked = append(ranked, applyChunkEntries(chunks[out.index], out.entries)...)
		}
		if dropped == len(posts) {
			return nil, fmt.Errorf("all %d map chunks failed", len(chunks))
		}
	}

	emitPhase(bus, events.EventTypePhaseComplete, PhaseMap, expertID, "Ranking done",
		map[string]any{"relevant": len(ranked)})
	return ranked, nil
}

// mapChunks runs the given chunk indices through the map model with at most
// MapMaxParallel calls in flight, collecting outcomes in completion order.
func (p *Pipeline) mapChunks(ctx context.Context, req Request, chunks [][]models.Post, indices []int, bus *events.ProgressBus) []chunkOutcome {
	workers := p.cfg.MapMaxParallel
	if workers > len(indices) {
		workers = len(indices)
	}

	jobs := make(chan int)
	results := make(chan chunkOutcome)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				entries, err := p.mapOneChunk(ctx, req, chunks[idx])
				results <- chunkOutcome{index: idx, entries: entries, err: err}
			}
		}()
	}
	go func() {
		for _, idx := range indices {
			jobs <- idx
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	outcomes := make([]chunkOutcome, 0, len(indices))
	done := 0
	for out := range results {
		done++
		outcomes = append(outcomes, out)
		emitPhase(bus, events.EventTypeProgress, PhaseMap, req.Expert.ExpertID,
			fmt.Sprintf("Ranked chunk %d/%d", done, len(indices)), nil)
	}
	return outcomes
}

// mapOneChunk calls the map model for a chunk, retrying on transport,
// quota, and parse failures.
func (p *Pipeline) mapOneChunk(ctx context.Context, req Request, chunk []models.Post) ([]mapChunkEntry, error) {
	system := mapSystemPrompt()
	user := mapUserPrompt(req.Query, chunk)

	var lastErr error
	for attempt := 0; attempt <= mapChunkRetries; attempt++ {
		if attempt > 0 {
			wait := p.backoffMin << (attempt - 1)
			if wait > p.backoffMax {
				wait = p.backoffMax
			}
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}

		res, err := p.llm.Complete(ctx, p.cfg.Models.Map, system, user, llm.Options{
			JSONMode:    true,
			Temperature: 0.1,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		var parsed mapChunkResult
		if err := llm.DecodeJSON(res.Text, &parsed); err != nil {
			lastErr = err
			continue
		}
		return parsed.RelevantPosts, nil
	}
	return nil, lastErr
}

// applyChunkEntries resolves model entries back to posts, keeping HIGH and
// MEDIUM. Ids the model invented are ignored.
func applyChunkEntries(chunk []models.Post, entries []mapChunkEntry) []models.RankedPost {
	byMsgID := make(map[int64]models.Post, len(chunk))
	for _, post := range chunk {
		byMsgID[post.TelegramMessageID] = post
	}

	var kept []models.RankedPost
	for _, e := range entries {
		post, ok := byMsgID[e.TelegramMessageID]
		if !ok {
			continue
		}
		if e.Relevance != models.RelevanceHigh && e.Relevance != models.RelevanceMedium {
			continue
		}
		kept = append(kept, models.RankedPost{Post: post, Relevance: e.Relevance, Reason: e.Reason})
	}
	return kept
}

func chunkPosts(posts []models.Post, size int) [][]models.Post {
	if size < 1 {
		size = 1
	}
	var chunks [][]models.Post
	for start := 0; start < len(posts); start += size {
		end := start + size
		if end > len(posts) {
			end = len(posts)
		}
		chunks = append(chunks, posts[start:end])
	}
	return chunks
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
