package pipeline

import (
	"context"

	"github.com/chanspect/chanspect/pkg/events"
	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/models"
)

// driftMapResult is the JSON the drift-analysis model returns per chunk.
type driftMapResult struct {
	RelevantGroups []driftMapEntry `json:"relevant_groups"`
}

type driftMapEntry struct {
	PostID    int64            `json:"post_id"`
	Relevance models.Relevance `json:"relevance"`
	Reason    string           `json:"reason"`
}

// runCommentGroups scores drift groups against the query and synthesizes a
// complement to the main answer. Groups anchored on posts already surfaced
// by the map phase are excluded before scoring. Every failure here degrades
// to a nil block; the expert answer is never at risk.
func (p *Pipeline) runCommentGroups(ctx context.Context, req Request, excludePostIDs []int64, answer string, bus *events.ProgressBus) *models.CommentGroupBlock {
	expertID := req.Expert.ExpertID

	groups, err := p.store.DriftGroupsForExpert(ctx, expertID, excludePostIDs, req.Since)
	if err != nil {
		p.logger.Warn("Loading drift groups failed, skipping comment analysis",
			"expert_id", expertID, "error", err)
		return nil
	}
	if len(groups) == 0 {
		return nil
	}

	emitPhase(bus, events.EventTypePhaseStart, PhaseCommentGroupMap, expertID, "Scoring comment discussions",
		map[string]any{"groups": len(groups)})

	selected := p.mapDriftGroups(ctx, req, groups)
	emitPhase(bus, events.EventTypePhaseComplete, PhaseCommentGroupMap, expertID, "Comment scoring done",
		map[string]any{"kept": len(selected)})
	if len(selected) == 0 {
		return nil
	}

	block := &models.CommentGroupBlock{Groups: selected}

	emitPhase(bus, events.EventTypePhaseStart, PhaseCommentSynthesis, expertID, "Summarizing comment discussions", nil)
	res, err := p.llm.Complete(ctx, p.cfg.Models.Synthesis,
		llm.LanguageDirective(req.QueryLanguage)+"\n\n"+commentSynthesisSystemPrompt(),
		commentSynthesisUserPrompt(req.Query, answer, selected),
		llm.Options{Temperature: 0.3})
	if err != nil {
		p.logger.Warn("Comment synthesis failed, returning groups without summary",
			"expert_id", expertID, "error", err)
		emitPhase(bus, events.EventTypePhaseComplete, PhaseCommentSynthesis, expertID,
			"Synthesis unavailable", nil)
		return block
	}
	block.Synthesis = res.Text

	emitPhase(bus, events.EventTypePhaseComplete, PhaseCommentSynthesis, expertID, "Comment summary ready", nil)
	return block
}

// mapDriftGroups scores groups chunk by chunk, keeping HIGH and MEDIUM.
// A failed chunk is skipped, not fatal.
func (p *Pipeline) mapDriftGroups(ctx context.Context, req Request, groups []models.DriftGroup) []models.RankedDriftGroup {
	byPostID := make(map[int64]models.DriftGroup, len(groups))
	for _, g := range groups {
		byPostID[g.AnchorPostID] = g
	}

	var selected []models.RankedDriftGroup
	for _, chunk := range chunkDriftGroups(groups, driftChunkSize) {
		res, err := p.llm.Complete(ctx, p.cfg.Models.DriftAnalysis,
			driftMapSystemPrompt(), driftMapUserPrompt(req.Query, chunk),
			llm.Options{JSONMode: true, Temperature: 0.1})
		if err != nil {
			p.logger.Warn("Drift chunk scoring failed, skipping chunk",
				"expert_id", req.Expert.ExpertID, "groups", len(chunk), "error", err)
			continue
		}
		var parsed driftMapResult
		if err := llm.DecodeJSON(res.Text, &parsed); err != nil {
			p.logger.Warn("Drift chunk returned bad JSON, skipping chunk",
				"expert_id", req.Expert.ExpertID, "error", err)
			continue
		}
		for _, e := range parsed.RelevantGroups {
			g, ok := byPostID[e.PostID]
			if !ok {
				continue
			}
			if e.Relevance != models.RelevanceHigh && e.Relevance != models.RelevanceMedium {
				continue
			}
			selected = append(selected, models.RankedDriftGroup{DriftGroup: g, Relevance: e.Relevance, Reason: e.Reason})
		}
	}
	return selected
}

func chunkDriftGroups(groups []models.DriftGroup, size int) [][]models.DriftGroup {
	if size < 1 {
		size = 1
	}
	var chunks [][]models.DriftGroup
	for start := 0; start < len(groups); start += size {
		end := start + size
		if end > len(groups) {
			end = len(groups)
		}
		chunks = append(chunks, groups[start:end])
	}
	return chunks
}
