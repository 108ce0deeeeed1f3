package models

// CommentGroupBlock is the per-expert comment-discussion section of the
// final answer: the groups that survived the comment-group map plus the
// synthesis produced from them.
type CommentGroupBlock struct {
	Groups    []RankedDriftGroup `json:"groups"`
	Synthesis string             `json:"synthesis,omitempty"`
}

// ExpertResponse is the per-expert output of a query. Answer text carries
// inline [post:ID] citations whose ids come from the reduce-phase input.
type ExpertResponse struct {
	ExpertID         string             `json:"expert_id"`
	DisplayName      string             `json:"display_name"`
	ChannelUsername  string             `json:"channel_username"`
	Answer           string             `json:"answer"`
	MainSources      []int64            `json:"main_sources"`
	Confidence       Confidence         `json:"confidence"`
	Language         Language           `json:"language"`
	PostsAnalyzed    int                `json:"posts_analyzed"`
	ProcessingTimeMs int64              `json:"processing_time_ms"`
	CommentGroups    *CommentGroupBlock `json:"comment_groups,omitempty"`
}

// RedditSource is one community source surfaced by the Reddit sidecar.
type RedditSource struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Score         int    `json:"score"`
	CommentsCount int    `json:"commentsCount"`
	Subreddit     string `json:"subreddit"`
}

// RedditInsights is the sidecar's POST /search response and, verbatim, the
// reddit_response field of the final payload.
type RedditInsights struct {
	Markdown         string         `json:"markdown"`
	FoundCount       int            `json:"foundCount"`
	Sources          []RedditSource `json:"sources"`
	Query            string         `json:"query"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
}

// MultiExpertResponse is the terminal payload of one query.
// Expert responses appear in completion order; failed experts are omitted.
type MultiExpertResponse struct {
	ExpertResponses       []ExpertResponse `json:"expert_responses"`
	RedditResponse        *RedditInsights  `json:"reddit_response"`
	TotalProcessingTimeMs int64            `json:"total_processing_time_ms"`
	RequestID             string           `json:"request_id"`
}
