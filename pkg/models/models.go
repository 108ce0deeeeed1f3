// Package models defines the domain entities shared across the store,
// pipeline, orchestrator, and API layers.
package models

import (
	"time"
)

// Relevance is the per-post relevance label assigned during the map phase.
type Relevance string

// Relevance labels. Context marks posts pulled in by link expansion.
const (
	RelevanceHigh    Relevance = "HIGH"
	RelevanceMedium  Relevance = "MEDIUM"
	RelevanceLow     Relevance = "LOW"
	RelevanceContext Relevance = "CONTEXT"
)

// Confidence is the synthesis confidence label.
type Confidence string

// Confidence labels.
const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Language is the detected/declared answer language.
type Language string

// Supported answer languages.
const (
	LanguageRussian Language = "ru"
	LanguageEnglish Language = "en"
)

// Expert is a tracked channel corpus. ExpertID is the top-level isolation
// boundary: every row the pipeline reads must carry a matching expert_id.
type Expert struct {
	ExpertID        string `json:"expert_id"`
	DisplayName     string `json:"display_name"`
	ChannelUsername string `json:"channel_username"`
}

// ExpertStats summarizes an expert's corpus size.
type ExpertStats struct {
	PostsCount    int `json:"posts_count"`
	CommentsCount int `json:"comments_count"`
}

// ExpertWithStats is the GET /api/v1/experts list item.
type ExpertWithStats struct {
	Expert
	Stats ExpertStats `json:"stats"`
}

// Post is one channel message, the atomic unit of retrieval.
// Externally addressed by (TelegramMessageID, ChannelID) — unique per
// channel, not globally.
type Post struct {
	PostID            int64     `json:"post_id"`
	ExpertID          string    `json:"expert_id"`
	ChannelID         int64     `json:"channel_id"`
	TelegramMessageID int64     `json:"telegram_message_id"`
	ChannelUsername   string    `json:"channel_username"`
	AuthorName        string    `json:"author_name"`
	CreatedAt         time.Time `json:"created_at"`
	MessageText       string    `json:"message_text"`
}

// Comment is a user reply attached to exactly one post.
// Unique per (TelegramCommentID, PostID).
type Comment struct {
	CommentID         int64     `json:"comment_id"`
	PostID            int64     `json:"post_id"`
	TelegramCommentID int64     `json:"telegram_comment_id"`
	AuthorName        string    `json:"author_name"`
	CreatedAt         time.Time `json:"created_at"`
	Text              string    `json:"text"`
}

// LinkType classifies a directed post-to-post relation.
type LinkType string

// Link types.
const (
	LinkTypeReply   LinkType = "reply"
	LinkTypeForward LinkType = "forward"
	LinkTypeMention LinkType = "mention"
)

// RankedPost is a post with the relevance label and reason assigned by the
// map phase (or CONTEXT for link-expanded posts).
type RankedPost struct {
	Post
	Relevance Relevance `json:"relevance"`
	Reason    string    `json:"reason,omitempty"`
}

// PostWithComments is the GET /api/v1/posts/{post_id} payload.
type PostWithComments struct {
	Post
	Comments []Comment `json:"comments"`
	// Translated holds the on-demand English rendering when requested.
	Translated string `json:"translated,omitempty"`
}
