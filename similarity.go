package pagegen

import (
	"strings"
	"unicode"
)

// Tokenize returns the set of lowercase word tokens with at least minLen runes.
func Tokenize(text string, minLen int) map[string]struct{} {
	set := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len([]rune(w)) >= minLen {
			set[w] = struct{}{}
		}
	}
	return set
}

// Jaccard returns |A∩B| / |A∪B| over the token sets of a and b.
// Two texts without qualifying tokens have similarity 0.
func Jaccard(a, b string, minLen int) float64 {
	ta, tb := Tokenize(a, minLen), Tokenize(b, minLen)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// MaxSimilarity returns the highest Jaccard similarity between candidate and
// any of history.
func MaxSimilarity(candidate string, history []string, minLen int) float64 {
	best := 0.0
	for _, h := range history {
		if s := Jaccard(candidate, h, minLen); s > best {
			best = s
		}
	}
	return best
}
