package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chanspect/chanspect/pkg/models"
)

// ListExperts returns all experts with corpus statistics.
func (s *Store) ListExperts(ctx context.Context) ([]models.ExpertWithStats, error) {
	const query = `
		SELECT e.expert_id, e.display_name, e.channel_username,
		       COUNT(DISTINCT p.post_id) AS posts_count,
		       COUNT(c.comment_id) AS comments_count
		FROM expert_metadata e
		LEFT JOIN posts p ON p.expert_id = e.expert_id
		LEFT JOIN comments c ON c.post_id = p.post_id
		GROUP BY e.expert_id, e.display_name, e.channel_username
		ORDER BY e.expert_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query experts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var experts []models.ExpertWithStats
	for rows.Next() {
		var e models.ExpertWithStats
		if err := rows.Scan(&e.ExpertID, &e.DisplayName, &e.ChannelUsername,
			&e.Stats.PostsCount, &e.Stats.CommentsCount); err != nil {
			return nil, fmt.Errorf("scan expert: %w", err)
		}
		experts = append(experts, e)
	}
	return experts, rows.Err()
}

// GetExpert returns one expert's metadata.
func (s *Store) GetExpert(ctx context.Context, expertID string) (*models.Expert, error) {
	const query = `SELECT expert_id, display_name, channel_username FROM expert_metadata WHERE expert_id = $1`

	var e models.Expert
	err := s.db.QueryRowContext(ctx, query, expertID).Scan(&e.ExpertID, &e.DisplayName, &e.ChannelUsername)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("expert %s: %w", expertID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query expert %s: %w", expertID, err)
	}
	return &e, nil
}

// ExpertsWithPosts returns the experts that own at least one post, applying
// the recency cutoff when since is non-nil. This is the fan-out set of a
// query without an expert filter.
func (s *Store) ExpertsWithPosts(ctx context.Context, since *time.Time) ([]models.Expert, error) {
	query := `
		SELECT DISTINCT e.expert_id, e.display_name, e.channel_username
		FROM expert_metadata e
		JOIN posts p ON p.expert_id = e.expert_id`
	var args []any
	if since != nil {
		query += " WHERE p.created_at >= $1"
		args = append(args, *since)
	}
	query += " ORDER BY e.expert_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query experts with posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var experts []models.Expert
	for rows.Next() {
		var e models.Expert
		if err := rows.Scan(&e.ExpertID, &e.DisplayName, &e.ChannelUsername); err != nil {
			return nil, fmt.Errorf("scan expert: %w", err)
		}
		experts = append(experts, e)
	}
	return experts, rows.Err()
}

// PostWithComments returns one post with its full comment thread.
// The expertID scope is mandatory: a post id from another expert's corpus
// yields ErrNotFound, not a leak.
func (s *Store) PostWithComments(ctx context.Context, postID int64, expertID string) (*models.PostWithComments, error) {
	query := "SELECT " + postColumns + " FROM posts p WHERE p.post_id = $1 AND p.expert_id = $2"

	p, err := scanPost(s.db.QueryRowContext(ctx, query, postID, expertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %d for expert %s: %w", postID, expertID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query post %d: %w", postID, err)
	}

	const commentsQuery = `
		SELECT comment_id, post_id, telegram_comment_id, author_name, created_at, comment_text
		FROM comments WHERE post_id = $1 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, commentsQuery, postID)
	if err != nil {
		return nil, fmt.Errorf("query comments for post %d: %w", postID, err)
	}
	defer func() { _ = rows.Close() }()

	result := &models.PostWithComments{Post: p}
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.CommentID, &c.PostID, &c.TelegramCommentID,
			&c.AuthorName, &c.CreatedAt, &c.Text); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		result.Comments = append(result.Comments, c)
	}
	return result, rows.Err()
}
