// Package store is the typed read layer over the relational store.
//
// Every accessor takes an expert ID: the expert is the isolation boundary,
// and there is deliberately no way to read posts, comments, or drift rows
// without scoping to one. Recency-filtered variants take a non-nil since.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chanspect/chanspect/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist (or belongs
// to a different expert, which callers cannot distinguish by design).
var ErrNotFound = errors.New("store: not found")

// Store executes typed queries. Safe for concurrent use; the underlying
// pool hands each query its own connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store over an open pool.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
}

const postColumns = "p.post_id, p.expert_id, p.channel_id, p.telegram_message_id, p.channel_username, p.author_name, p.created_at, p.message_text"

func scanPost(row interface{ Scan(...any) error }) (models.Post, error) {
	var p models.Post
	err := row.Scan(&p.PostID, &p.ExpertID, &p.ChannelID, &p.TelegramMessageID,
		&p.ChannelUsername, &p.AuthorName, &p.CreatedAt, &p.MessageText)
	return p, err
}

// PostsForExpert returns all posts owned by the expert, newest first.
// A non-nil since drops posts created before it.
func (s *Store) PostsForExpert(ctx context.Context, expertID string, since *time.Time) ([]models.Post, error) {
	query := "SELECT " + postColumns + " FROM posts p WHERE p.expert_id = $1"
	args := []any{expertID}
	if since != nil {
		query += " AND p.created_at >= $2"
		args = append(args, *since)
	}
	query += " ORDER BY p.created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts for expert %s: %w", expertID, err)
	}
	defer func() { _ = rows.Close() }()

	var posts []models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// ExpandLinks follows outbound links from the seed posts up to depth levels,
// never leaving the expert's corpus. Implemented as a bounded BFS with a
// visited set; each post is returned at most once, and the seed posts are
// never returned. Cycles terminate because visited ids are not re-queried.
func (s *Store) ExpandLinks(ctx context.Context, postIDs []int64, expertID string, depth int, since *time.Time) ([]models.Post, error) {
	if len(postIDs) == 0 || depth <= 0 {
		return nil, nil
	}

	visited := make(map[int64]bool, len(postIDs))
	for _, id := range postIDs {
		visited[id] = true
	}

	frontier := append([]int64(nil), postIDs...)
	var expanded []models.Post

	for level := 0; level < depth && len(frontier) > 0; level++ {
		next, err := s.linkTargets(ctx, frontier, expertID, since)
		if err != nil {
			return nil, err
		}

		frontier = frontier[:0]
		for _, p := range next {
			if visited[p.PostID] {
				continue
			}
			visited[p.PostID] = true
			expanded = append(expanded, p)
			frontier = append(frontier, p.PostID)
		}
	}
	return expanded, nil
}

// linkTargets returns the posts directly linked from the given sources,
// restricted to the expert (both endpoints) and the recency cutoff.
func (s *Store) linkTargets(ctx context.Context, sourceIDs []int64, expertID string, since *time.Time) ([]models.Post, error) {
	placeholders, args := int64Placeholders(sourceIDs, 2)
	query := `SELECT DISTINCT ` + postColumns + `
		FROM links l
		JOIN posts p ON p.post_id = l.target_post_id
		WHERE p.expert_id = $1 AND l.source_post_id IN (` + placeholders + `)`
	args = append([]any{expertID}, args...)
	if since != nil {
		query += fmt.Sprintf(" AND p.created_at >= $%d", len(args)+1)
		args = append(args, *since)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query link targets for expert %s: %w", expertID, err)
	}
	defer func() { _ = rows.Close() }()

	var posts []models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan linked post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// int64Placeholders renders $n placeholders starting at first and the
// matching args slice.
func int64Placeholders(ids []int64, first int) (string, []any) {
	parts := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("$%d", first+i)
		args[i] = id
	}
	return strings.Join(parts, ", "), args
}
