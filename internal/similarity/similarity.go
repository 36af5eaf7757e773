// Package similarity provides the text-similarity primitives used by
// deduplication, partial-result quality grading, and source tracking:
// token-set Jaccard, term-frequency cosine, normalized edit distance, a
// weighted blend of the three, and an optional embedding-backed semantic
// scorer.
package similarity

import (
	"math"
	"strings"
	"unicode"
)

// Weights blends the three lexical measures. Fields should sum to 1.
type Weights struct {
	Jaccard      float64
	Cosine       float64
	EditDistance float64
}

// DefaultWeights returns the standard blend.
func DefaultWeights() Weights {
	return Weights{Jaccard: 0.4, Cosine: 0.4, EditDistance: 0.2}
}

// Tokenize lowercases the text and splits it into word tokens. Punctuation
// separates tokens; digits stay inside tokens so "v2" survives.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// TokenSet returns the distinct tokens of the text.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard computes |A∩B| / |A∪B| over the token sets of a and b.
// Two empty texts are identical (1); one empty text matches nothing (0).
func Jaccard(a, b string) float64 {
	setA := TokenSet(a)
	setB := TokenSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// CosineTF computes cosine similarity over term-frequency vectors.
func CosineTF(a, b string) float64 {
	freqA := termFrequencies(a)
	freqB := termFrequencies(b)

	if len(freqA) == 0 && len(freqB) == 0 {
		return 1
	}
	if len(freqA) == 0 || len(freqB) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for tok, fa := range freqA {
		normA += fa * fa
		if fb, ok := freqB[tok]; ok {
			dotProduct += fa * fb
		}
	}
	for _, fb := range freqB {
		normB += fb * fb
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func termFrequencies(text string) map[string]float64 {
	freq := make(map[string]float64)
	for _, tok := range Tokenize(text) {
		freq[tok]++
	}
	return freq
}

// LevenshteinDistance computes the edit distance between a and b in runes.
func LevenshteinDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	// Two-row rolling computation.
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// EditDistanceSimilarity normalizes Levenshtein distance into [0,1]:
// 1 − distance/maxLen.
func EditDistanceSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	dist := LevenshteinDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// Weighted blends Jaccard, cosine, and edit-distance similarity.
func Weighted(a, b string, w Weights) float64 {
	total := w.Jaccard + w.Cosine + w.EditDistance
	if total == 0 {
		return 0
	}
	score := w.Jaccard*Jaccard(a, b) +
		w.Cosine*CosineTF(a, b) +
		w.EditDistance*EditDistanceSimilarity(a, b)
	return score / total
}

// CosineVec computes cosine similarity between two embedding vectors.
// Mismatched dimensions or zero vectors score 0.
func CosineVec(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
