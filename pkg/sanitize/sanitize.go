// Package sanitize provides text cleanup for LLM prompts and rendered
// markdown: combining-mark stripping (zalgo defense), whitespace
// normalization that preserves fenced code blocks, and markdown escaping.
package sanitize

import (
	"strings"
)

// combiningRanges are the Unicode combining-mark ranges stripped from text.
// Covers Combining Diacritical Marks, Supplement, Marks for Symbols,
// Combining Half Marks, and Cyrillic combining marks.
var combiningRanges = [][2]rune{
	{0x0300, 0x036F},
	{0x1DC0, 0x1DFF},
	{0x20D0, 0x20FF},
	{0xFE20, 0xFE2F},
	{0x0483, 0x0489},
}

// StripCombiningMarks removes combining marks (used for zalgo text) from s.
// All other runes pass through unchanged.
func StripCombiningMarks(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isCombining(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isCombining(r rune) bool {
	for _, rg := range combiningRanges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

// NormalizeWhitespace normalizes whitespace outside fenced code blocks:
// CRLF becomes LF, runs of spaces/tabs collapse to one space, runs of three
// or more newlines collapse to exactly two, and the outer plain edges are
// trimmed. Text inside ``` fences is passed through byte-for-byte, CRLF
// included.
func NormalizeWhitespace(s string) string {
	segments := splitFenced(s)
	var b strings.Builder
	b.Grow(len(s))
	for i, seg := range segments {
		if seg.fenced {
			b.WriteString(seg.text)
			continue
		}
		text := normalizeSegment(strings.ReplaceAll(seg.text, "\r\n", "\n"))
		if i == 0 {
			text = strings.TrimLeft(text, " \t\n\r")
		}
		if i == len(segments)-1 {
			text = strings.TrimRight(text, " \t\n\r")
		}
		b.WriteString(text)
	}
	return b.String()
}

type segment struct {
	text   string
	fenced bool
}

// splitFenced splits s into alternating plain and fenced segments.
// The fence markers themselves are part of the fenced segment, so an
// unterminated fence keeps everything after it verbatim.
func splitFenced(s string) []segment {
	var segments []segment
	rest := s
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			if rest != "" {
				segments = append(segments, segment{text: rest})
			}
			return segments
		}
		if open > 0 {
			segments = append(segments, segment{text: rest[:open]})
		}
		rest = rest[open:]
		close := strings.Index(rest[3:], "```")
		if close < 0 {
			segments = append(segments, segment{text: rest, fenced: true})
			return segments
		}
		end := 3 + close + 3
		segments = append(segments, segment{text: rest[:end], fenced: true})
		rest = rest[end:]
	}
}

func normalizeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	newlines := 0
	inSpace := false
	for _, r := range s {
		switch r {
		case '\n':
			newlines++
			inSpace = false
		case ' ', '\t':
			if newlines > 0 {
				// Space right after a newline is dropped with the run;
				// indentation outside fences is not significant.
				continue
			}
			inSpace = true
		default:
			if newlines > 0 {
				if newlines > 2 {
					newlines = 2
				}
				b.WriteString(strings.Repeat("\n", newlines))
				newlines = 0
			} else if inSpace {
				b.WriteByte(' ')
			}
			inSpace = false
			b.WriteRune(r)
		}
	}
	// Flush trailing whitespace collapsed, so spacing around adjacent fenced
	// segments survives. The caller trims the overall result ends.
	if newlines > 0 {
		if newlines > 2 {
			newlines = 2
		}
		b.WriteString(strings.Repeat("\n", newlines))
	} else if inSpace {
		b.WriteByte(' ')
	}
	return b.String()
}

// Clean applies the full sanitization pass used for Reddit text fields:
// combining marks are stripped, then whitespace is normalized with fenced
// code blocks preserved. Clean is idempotent.
func Clean(s string) string {
	return NormalizeWhitespace(StripCombiningMarks(s))
}

// markdownEscaper escapes the markdown control characters we emit into
// rendered output. Backslash first so escapes are not double-escaped.
var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"`", "\\`",
)

// EscapeMarkdown backslash-escapes markdown control characters in s.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
