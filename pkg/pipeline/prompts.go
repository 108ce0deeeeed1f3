package pipeline

import (
	"fmt"
	"strings"

	"github.com/chanspect/chanspect/pkg/models"
)

// maxPromptPostChars caps one post's text inside a prompt. Telegram posts
// are short; the cap only guards against pathological corpus rows.
const maxPromptPostChars = 2000

func mapSystemPrompt() string {
	return `You rank Telegram channel posts by relevance to a user question.
For each post decide HIGH (directly answers or substantially addresses the question),
MEDIUM (related, partial or tangential coverage), or LOW (unrelated).
Judge by content, not by language: posts may be written in Russian while the question is in English.
Respond with JSON only:
{"relevant_posts":[{"telegram_message_id":<id>,"relevance":"HIGH|MEDIUM|LOW","reason":"<short>"}],"chunk_summary":"<one sentence>"}
Omit LOW posts from relevant_posts.`
}

func mapUserPrompt(query string, chunk []models.Post) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPosts:\n", query)
	for _, post := range chunk {
		writePost(&b, post.TelegramMessageID, post.CreatedAt.Format("2006-01-02"), post.MessageText)
	}
	return b.String()
}

func mediumScoringSystemPrompt() string {
	return `You assign a numeric relevance score in [0.0, 1.0] to each post for the given question.
1.0 means the post directly answers the question; 0.0 means it is unrelated.
Respond with JSON only: {"scores":[{"telegram_message_id":<id>,"score":<float>}]}
Score every post exactly once.`
}

func mediumScoringUserPrompt(query string, medium []models.RankedPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPosts:\n", query)
	for _, rp := range medium {
		writePost(&b, rp.TelegramMessageID, rp.CreatedAt.Format("2006-01-02"), rp.MessageText)
	}
	return b.String()
}

// reduceSystemPrompt adapts the requested answer length to the size of the
// evidence set.
func reduceSystemPrompt(postCount int) string {
	length := "Write a focused answer of moderate length."
	switch {
	case postCount <= 3:
		length = "Write a concise answer, a few paragraphs at most."
	case postCount >= 10:
		length = "Write a comprehensive, well-structured answer covering the material in depth."
	}
	return `You answer the user's question using ONLY the provided channel posts.
Every non-trivial claim must cite its post inline as [post:ID] where ID is the post's telegram_message_id.
Never invent facts absent from the posts. ` + length + `
Respond with JSON only:
{"answer":"<markdown>","main_sources":[<telegram_message_id>...],"confidence":"HIGH|MEDIUM|LOW","has_expert_comments":<bool>,"language":"ru|en"}
main_sources lists the posts the answer primarily rests on.`
}

func reduceUserPrompt(query string, enriched []models.RankedPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPosts (most relevant first; CONTEXT posts are linked background):\n", query)
	for _, rp := range enriched {
		fmt.Fprintf(&b, "[post:%d] (%s, %s) %s\n\n",
			rp.TelegramMessageID, rp.CreatedAt.Format("2006-01-02"), rp.Relevance, clipText(rp.MessageText))
	}
	return b.String()
}

func translateSystemPrompt() string {
	return `Re-render the following answer in the required language.
Preserve every [post:ID] citation exactly as written, keep markdown structure,
and keep technical terms and metaphors faithful to the original.
Output only the re-rendered answer.`
}

func driftMapSystemPrompt() string {
	return `You judge whether a comment discussion under a Telegram post is relevant to a user question.
Each group is described by drift topics: themes where the comments diverged from the anchor post.
Decide HIGH, MEDIUM, or LOW per group based on its topics, keywords, and context.
Respond with JSON only: {"relevant_groups":[{"post_id":<id>,"relevance":"HIGH|MEDIUM|LOW","reason":"<short>"}]}
Omit LOW groups.`
}

func driftMapUserPrompt(query string, groups []models.DriftGroup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nComment groups:\n", query)
	for _, g := range groups {
		fmt.Fprintf(&b, "post_id=%d anchor: %s\n", g.AnchorPostID, clipText(g.AnchorText))
		for _, t := range g.Topics {
			fmt.Fprintf(&b, "  - topic: %s", t.Topic)
			if len(t.Keywords) > 0 {
				fmt.Fprintf(&b, " | keywords: %s", strings.Join(t.Keywords, ", "))
			}
			if t.Context != "" {
				fmt.Fprintf(&b, " | context: %s", t.Context)
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func commentSynthesisSystemPrompt() string {
	return `You summarize how the community comment discussions COMPLEMENT the main answer.
Do not restate the answer; surface disagreements, practical experiences, and additions from the comments.
Reference anchor posts as [post:ID]. Output free-form markdown only.`
}

func commentSynthesisUserPrompt(query, answer string, groups []models.RankedDriftGroup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nMain answer:\n%s\n\nRelevant comment groups:\n", query, answer)
	for _, g := range groups {
		fmt.Fprintf(&b, "[post:%d] (%s) anchor: %s\n", g.TelegramMessageID, g.Relevance, clipText(g.AnchorText))
		for _, t := range g.Topics {
			fmt.Fprintf(&b, "  - %s", t.Topic)
			if len(t.KeyPhrases) > 0 {
				fmt.Fprintf(&b, ": %s", strings.Join(t.KeyPhrases, "; "))
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func writePost(b *strings.Builder, msgID int64, date, text string) {
	fmt.Fprintf(b, "[post:%d] (%s) %s\n\n", msgID, date, clipText(text))
}

func clipText(s string) string {
	if len(s) <= maxPromptPostChars {
		return s
	}
	clipped := s[:maxPromptPostChars]
	// Do not cut a UTF-8 sequence in half.
	for len(clipped) > 0 && clipped[len(clipped)-1]&0xC0 == 0x80 {
		clipped = clipped[:len(clipped)-1]
	}
	return clipped + "…"
}
