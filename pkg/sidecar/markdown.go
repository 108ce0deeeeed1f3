package sidecar

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxBodyChars bounds a post body in the rendered digest.
const maxBodyChars = 500

// renderMarkdown turns ranked posts into the markdown digest embedded in
// the final response. Each post is a numbered section with a metadata
// line, a truncated body, top comments, and a source link.
func renderMarkdown(posts []redditPost) string {
	if len(posts) == 0 {
		return "No relevant Reddit discussions found."
	}

	var b strings.Builder
	for i, p := range posts {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "### %d. %s\n\n", i+1, p.Title)
		fmt.Fprintf(&b, "r/%s · %d points · %d comments\n\n", p.Subreddit, p.Score, p.NumComments)
		if body := truncateBody(p.Body); body != "" {
			b.WriteString(body)
			b.WriteString("\n\n")
		}
		for _, c := range p.Comments {
			if strings.TrimSpace(c.Body) == "" {
				continue
			}
			fmt.Fprintf(&b, "> **%s** (%d points): %s\n", c.Author, c.Score, c.Body)
		}
		if len(p.Comments) > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[Read on Reddit](%s)\n", postURL(p))
	}
	return b.String()
}

// postURL picks the canonical link: absolute URLs pass through verbatim,
// relative permalinks get the reddit.com prefix.
func postURL(p redditPost) string {
	if strings.HasPrefix(p.URL, "http") {
		return p.URL
	}
	if strings.HasPrefix(p.Permalink, "http") {
		return p.Permalink
	}
	if p.Permalink != "" {
		return "https://reddit.com" + p.Permalink
	}
	return p.URL
}

// truncateBody caps a body at maxBodyChars without splitting a UTF-8
// sequence.
func truncateBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= maxBodyChars {
		return body
	}
	cut := maxBodyChars
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "…"
}
