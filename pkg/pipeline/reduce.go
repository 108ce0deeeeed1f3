package pipeline

import (
	"context"
	"fmt"

	"github.com/chanspect/chanspect/pkg/events"
	"github.com/chanspect/chanspect/pkg/llm"
	"github.com/chanspect/chanspect/pkg/models"
)

// cyrillicMismatchShare is the Cyrillic-letter fraction above which an
// answer to an English query counts as rendered in the wrong language (and
// below which a Russian answer does).
const cyrillicMismatchShare = 0.3

// reduceResult is the JSON the synthesis model returns.
type reduceResult struct {
	Answer            string            `json:"answer"`
	MainSources       []int64           `json:"main_sources"`
	Confidence        models.Confidence `json:"confidence"`
	HasExpertComments bool              `json:"has_expert_comments"`
	Language          models.Language   `json:"language"`
}

// runReduce synthesizes the answer from the enriched post set. The model's
// main_sources are filtered to ids actually present in the input, keeping
// the subset invariant even against a hallucinating model.
func (p *Pipeline) runReduce(ctx context.Context, req Request, enriched []models.RankedPost, bus *events.ProgressBus) (*reduceResult, error) {
	expertID := req.Expert.ExpertID
	emitPhase(bus, events.EventTypePhaseStart, PhaseReduce, expertID, "Synthesizing answer",
		map[string]any{"posts": len(enriched)})

	orderForReduce(enriched)

	system := llm.LanguageDirective(req.QueryLanguage) + "\n\n" + reduceSystemPrompt(len(enriched))
	res, err := p.llm.Complete(ctx, p.cfg.Models.Synthesis, system,
		reduceUserPrompt(req.Query, enriched),
		llm.Options{JSONMode: true, Temperature: 0.3})
	if err != nil {
		return nil, err
	}

	var parsed reduceResult
	if err := llm.DecodeJSON(res.Text, &parsed); err != nil {
		return nil, err
	}
	if parsed.Answer == "" {
		return nil, fmt.Errorf("synthesis returned an empty answer")
	}

	allowed := make(map[int64]bool, len(enriched))
	for _, rp := range enriched {
		allowed[rp.TelegramMessageID] = true
	}
	sources := parsed.MainSources[:0]
	for _, id := range parsed.MainSources {
		if allowed[id] {
			sources = append(sources, id)
		}
	}
	parsed.MainSources = sources

	switch parsed.Confidence {
	case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
	default:
		parsed.Confidence = models.ConfidenceMedium
	}
	switch parsed.Language {
	case models.LanguageRussian, models.LanguageEnglish:
	default:
		parsed.Language = req.QueryLanguage
	}

	emitPhase(bus, events.EventTypePhaseComplete, PhaseReduce, expertID, "Answer ready",
		map[string]any{"main_sources": len(parsed.MainSources), "confidence": string(parsed.Confidence)})
	return &parsed, nil
}

// runLanguageValidation re-renders the answer when its script does not match
// the query language. Skipped when the answer already matches; on failure
// the original answer stands.
func (p *Pipeline) runLanguageValidation(ctx context.Context, req Request, answer string, bus *events.ProgressBus) string {
	share := llm.CyrillicShare(answer)
	mismatch := (req.QueryLanguage == models.LanguageEnglish && share > cyrillicMismatchShare) ||
		(req.QueryLanguage == models.LanguageRussian && share < cyrillicMismatchShare)
	if !mismatch {
		return answer
	}

	expertID := req.Expert.ExpertID
	emitPhase(bus, events.EventTypePhaseStart, PhaseLanguageValidation, expertID, "Re-rendering answer language", nil)

	res, err := p.llm.Complete(ctx, p.cfg.Models.Analysis,
		llm.LanguageDirective(req.QueryLanguage)+"\n\n"+translateSystemPrompt(),
		answer,
		llm.Options{Temperature: 0.2})
	if err != nil || res.Text == "" {
		p.logger.Warn("Language validation failed, keeping original answer",
			"expert_id", expertID, "error", err)
		emitPhase(bus, events.EventTypePhaseComplete, PhaseLanguageValidation, expertID,
			"Validation unavailable, keeping original answer", nil)
		return answer
	}

	emitPhase(bus, events.EventTypePhaseComplete, PhaseLanguageValidation, expertID, "Answer re-rendered", nil)
	return res.Text
}
