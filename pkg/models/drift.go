package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AnalyzedByPending marks a comment_group_drift row the offline analyzer has
// not processed yet. Such rows are never served to the pipeline.
const AnalyzedByPending = "pending"

// DriftTopic is one thematic summary of where a comment group diverges from
// its anchor post.
type DriftTopic struct {
	Topic      string   `json:"topic"`
	Keywords   []string `json:"keywords,omitempty"`
	KeyPhrases []string `json:"key_phrases,omitempty"`
	Context    string   `json:"context,omitempty"`
}

// DriftTopics is the structured drift_topics column value. Only the object
// form {has_drift, drift_topics:[…]} is accepted; the legacy raw-array form
// is rejected at decode time — the core never guesses.
type DriftTopics struct {
	HasDrift bool         `json:"has_drift"`
	Topics   []DriftTopic `json:"drift_topics"`
}

// UnmarshalJSON rejects the legacy raw-array encoding with a clear error.
func (d *DriftTopics) UnmarshalJSON(data []byte) error {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return fmt.Errorf("legacy drift_topics array form is not supported; expected {has_drift, drift_topics:[…]}")
		}
		break
	}
	type alias DriftTopics
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode drift_topics: %w", err)
	}
	*d = DriftTopics(a)
	return nil
}

// DriftGroup is a comment group's pre-computed drift analysis joined with
// its anchor post. One-to-one with the anchor.
type DriftGroup struct {
	AnchorPostID      int64       `json:"anchor_post_id"`
	TelegramMessageID int64       `json:"telegram_message_id"`
	ExpertID          string      `json:"expert_id"`
	ChannelUsername   string      `json:"channel_username"`
	AnchorText        string      `json:"anchor_text"`
	AnchorCreatedAt   time.Time   `json:"anchor_created_at"`
	HasDrift          bool        `json:"has_drift"`
	Topics            []DriftTopic `json:"drift_topics"`
	AnalyzedBy        string      `json:"analyzed_by"`
}

// RankedDriftGroup is a drift group with the relevance label assigned by the
// comment-group map phase.
type RankedDriftGroup struct {
	DriftGroup
	Relevance Relevance `json:"relevance"`
	Reason    string    `json:"reason,omitempty"`
}
