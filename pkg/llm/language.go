package llm

import (
	"strings"
	"unicode"

	"github.com/chanspect/chanspect/pkg/models"
)

// englishWordShare is the fraction of ASCII-letter words above which a query
// is treated as English. Transliterated Russian can false-positive near the
// boundary; the threshold errs toward Russian for short queries.
const englishWordShare = 0.7

// minEnglishWords is the minimum word count before English detection fires.
const minEnglishWords = 3

// DetectLanguage classifies a query as English or Russian by counting
// ASCII-letter words against Cyrillic words. Words containing neither
// (numbers, punctuation) are ignored.
func DetectLanguage(query string) models.Language {
	var ascii, cyrillic int
	for _, word := range strings.Fields(query) {
		switch classifyWord(word) {
		case models.LanguageEnglish:
			ascii++
		case models.LanguageRussian:
			cyrillic++
		}
	}
	total := ascii + cyrillic
	if total == 0 {
		return models.LanguageRussian
	}
	if ascii >= minEnglishWords && float64(ascii)/float64(total) >= englishWordShare {
		return models.LanguageEnglish
	}
	return models.LanguageRussian
}

// classifyWord returns the dominant script of a word, or "" for neither.
func classifyWord(word string) models.Language {
	var ascii, cyrillic int
	for _, r := range word {
		switch {
		case r < 128 && unicode.IsLetter(r):
			ascii++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		}
	}
	switch {
	case ascii > cyrillic:
		return models.LanguageEnglish
	case cyrillic > 0:
		return models.LanguageRussian
	default:
		return ""
	}
}

// LanguageDirective returns the non-negotiable response-language instruction
// prepended to synthesis prompts. The model is told explicitly to ignore the
// language of the source material.
func LanguageDirective(lang models.Language) string {
	if lang == models.LanguageEnglish {
		return "CRITICAL: Respond ONLY in English. The source posts are written in Russian; " +
			"translate their content, do not quote them in Russian. This instruction overrides " +
			"any language used in the sources."
	}
	return "ВАЖНО: Отвечай ТОЛЬКО на русском языке, независимо от языка исходных постов."
}

// CyrillicShare returns the fraction of letters in s that are Cyrillic.
// Used by the language-validation phase to detect answers rendered in the
// wrong language.
func CyrillicShare(s string) float64 {
	var letters, cyrillic int
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.Is(unicode.Cyrillic, r) {
				cyrillic++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(cyrillic) / float64(letters)
}
