package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chanspect/chanspect/pkg/models"
)

// DriftGroupsForExpert returns analyzed drift groups joined with their
// anchor posts, excluding groups whose anchor is in excludePostIDs (anchors
// already surfaced by the post pipeline). Rows still marked pending are
// never returned. A non-nil since applies the recency cutoff through the
// anchor post's creation date.
//
// A row carrying the legacy raw-array drift_topics encoding fails the whole
// read with a descriptive error — the core never guesses at legacy shapes.
func (s *Store) DriftGroupsForExpert(ctx context.Context, expertID string, excludePostIDs []int64, since *time.Time) ([]models.DriftGroup, error) {
	query := `
		SELECT d.post_id, p.telegram_message_id, d.expert_id, p.channel_username,
		       p.message_text, p.created_at, d.drift_topics, d.analyzed_by
		FROM comment_group_drift d
		JOIN posts p ON p.post_id = d.post_id
		WHERE d.expert_id = $1 AND d.has_drift = TRUE AND d.analyzed_by <> $2`
	args := []any{expertID, models.AnalyzedByPending}

	if len(excludePostIDs) > 0 {
		placeholders, idArgs := int64Placeholders(excludePostIDs, len(args)+1)
		query += " AND d.post_id NOT IN (" + placeholders + ")"
		args = append(args, idArgs...)
	}
	if since != nil {
		query += fmt.Sprintf(" AND p.created_at >= $%d", len(args)+1)
		args = append(args, *since)
	}
	query += " ORDER BY p.created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drift groups for expert %s: %w", expertID, err)
	}
	defer func() { _ = rows.Close() }()

	var groups []models.DriftGroup
	for rows.Next() {
		var g models.DriftGroup
		var topicsRaw []byte
		if err := rows.Scan(&g.AnchorPostID, &g.TelegramMessageID, &g.ExpertID,
			&g.ChannelUsername, &g.AnchorText, &g.AnchorCreatedAt, &topicsRaw, &g.AnalyzedBy); err != nil {
			return nil, fmt.Errorf("scan drift group: %w", err)
		}

		var topics models.DriftTopics
		if err := json.Unmarshal(topicsRaw, &topics); err != nil {
			return nil, fmt.Errorf("drift_topics for post %d: %w", g.AnchorPostID, err)
		}
		g.HasDrift = topics.HasDrift
		g.Topics = topics.Topics
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
