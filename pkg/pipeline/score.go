package pipeline

import (
	"context"
	"sort"

	"github.com/chanspect/chanspect/pkg/events"
	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/models"
)

// mediumScoreResult is the JSON the scoring model returns.
type mediumScoreResult struct {
	Scores []mediumScore `json:"scores"`
}

type mediumScore struct {
	TelegramMessageID int64   `json:"telegram_message_id"`
	Score             float64 `json:"score"`
}

// runMediumScoring passes HIGH posts through unconditionally and scores the
// MEDIUM posts with one LLM call, keeping those at or above the threshold
// up to the selection cap. On any failure all MEDIUM posts are kept.
func (p *Pipeline) runMediumScoring(ctx context.Context, req Request, ranked []models.RankedPost, bus *events.ProgressBus) []models.RankedPost {
	expertID := req.Expert.ExpertID

	var high, medium []models.RankedPost
	for _, rp := range ranked {
		if rp.Relevance == models.RelevanceHigh {
			high = append(high, rp)
		} else {
			medium = append(medium, rp)
		}
	}
	if len(medium) == 0 {
		return high
	}

	emitPhase(bus, events.EventTypePhaseStart, PhaseMediumScoring, expertID, "Scoring medium-relevance posts",
		map[string]any{"medium": len(medium)})

	selected, err := p.scoreMedium(ctx, req, medium)
	if err != nil {
		// Graceful degradation: a scoring failure keeps every MEDIUM post.
		p.logger.Warn("Medium scoring failed, keeping all medium posts",
			"expert_id", expertID, "error", err)
		emitPhase(bus, events.EventTypePhaseComplete, PhaseMediumScoring, expertID,
			"Scoring unavailable, keeping all medium posts", map[string]any{"kept": len(medium)})
		return append(high, medium...)
	}

	emitPhase(bus, events.EventTypePhaseComplete, PhaseMediumScoring, expertID, "Scoring done",
		map[string]any{"kept": len(selected), "of": len(medium)})
	return append(high, selected...)
}

func (p *Pipeline) scoreMedium(ctx context.Context, req Request, medium []models.RankedPost) ([]models.RankedPost, error) {
	res, err := p.llm.Complete(ctx, p.cfg.Models.MediumScoring,
		mediumScoringSystemPrompt(), mediumScoringUserPrompt(req.Query, medium),
		llm.Options{JSONMode: true, Temperature: 0})
	if err != nil {
		return nil, err
	}

	var parsed mediumScoreResult
	if err := llm.DecodeJSON(res.Text, &parsed); err != nil {
		return nil, err
	}

	scores := make(map[int64]float64, len(parsed.Scores))
	for _, s := range parsed.Scores {
		scores[s.TelegramMessageID] = s.Score
	}

	var passing []models.RankedPost
	for _, rp := range medium {
		if scores[rp.TelegramMessageID] >= p.cfg.MediumScoreMin {
			passing = append(passing, rp)
		}
	}
	sort.SliceStable(passing, func(i, j int) bool {
		return scores[passing[i].TelegramMessageID] > scores[passing[j].TelegramMessageID]
	})
	if len(passing) > p.cfg.MediumMaxSelected {
		passing = passing[:p.cfg.MediumMaxSelected]
	}
	return passing, nil
}
