package heuristics

import (
	"regexp"
	"strings"
	"unicode"
)

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true, "was": true,
	"are": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true, "might": true,
	"this": true, "that": true, "these": true, "those": true,
	"when": true, "where": true, "after": true, "before": true, "during": true,
	"not": true, "no": true, "some": true, "all": true, "any": true,
}

// normalizeText lowercases text and collapses punctuation and whitespace
// runs to single spaces.
func normalizeText(text string) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

func extractKeywords(text string) map[string]bool {
	keywords := make(map[string]bool)
	for _, word := range nonWord.Split(strings.ToLower(text), -1) {
		if len(word) > 2 && !stopWords[word] {
			keywords[word] = true
		}
	}
	return keywords
}

func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// containsPhrase reports whether phrase occurs in text, ignoring case and
// punctuation. "timeout" matches "Timeouts!".
func containsPhrase(text, phrase string) bool {
	phrase = normalizeText(phrase)
	if phrase == "" {
		return false
	}
	return strings.Contains(normalizeText(text), phrase)
}
