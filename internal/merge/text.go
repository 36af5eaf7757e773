package merge

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"docsum/internal/similarity"
)

// Text helpers shared by the composition pipelines: sentence and paragraph
// splitting, keyword extraction, importance scoring, and output cleanup.

var sentenceEnd = regexp.MustCompile(`([.!?。！？])\s+`)

// SplitSentences splits text into sentences, keeping terminal punctuation.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

// SplitParagraphs splits text on blank lines.
func SplitParagraphs(text string) []string {
	var paragraphs []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}

// LeadSentences returns the first n sentences of text joined back together.
func LeadSentences(text string, n int) string {
	sentences := SplitSentences(text)
	if len(sentences) <= n {
		return strings.TrimSpace(text)
	}
	return strings.Join(sentences[:n], " ")
}

// stopwords are excluded from keyword extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "for": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"it": true, "its": true, "this": true, "that": true, "these": true,
	"with": true, "as": true, "by": true, "from": true, "has": true, "have": true,
	"had": true, "not": true, "no": true, "we": true, "they": true, "their": true,
}

// Keywords returns the top-n most frequent non-stopword tokens of text.
func Keywords(text string, n int) []string {
	freq := make(map[string]int)
	for _, tok := range similarity.Tokenize(text) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		freq[tok]++
	}

	type kw struct {
		word  string
		count int
	}
	ranked := make([]kw, 0, len(freq))
	for w, c := range freq {
		ranked = append(ranked, kw{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	words := make([]string, n)
	for i := 0; i < n; i++ {
		words[i] = ranked[i].word
	}
	return words
}

// ImportanceScore ranks a summary against the whole input: keyword overlap
// with the corpus carries most of the weight, position bonus favors the
// document's opening and closing segments, and very short summaries are
// penalized.
func ImportanceScore(summary string, position, total int, corpusKeywords []string) float64 {
	if strings.TrimSpace(summary) == "" {
		return 0
	}

	kwSet := make(map[string]bool, len(corpusKeywords))
	for _, k := range corpusKeywords {
		kwSet[k] = true
	}
	hits := 0
	for _, tok := range similarity.Tokenize(summary) {
		if kwSet[tok] {
			hits++
		}
	}
	keywordScore := 0.0
	if len(corpusKeywords) > 0 {
		keywordScore = float64(hits) / float64(len(similarity.Tokenize(summary))+1)
		if keywordScore > 1 {
			keywordScore = 1
		}
	}

	positionScore := 0.5
	if total > 1 {
		switch {
		case position == 0 || position == total-1:
			positionScore = 1.0
		case position < total/3:
			positionScore = 0.7
		}
	}

	lengthScore := 1.0
	if len(summary) < 40 {
		lengthScore = float64(len(summary)) / 40
	}

	return 0.5*keywordScore + 0.3*positionScore + 0.2*lengthScore
}

var (
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
	multiBlank   = regexp.MustCompile(`\n{3,}`)
	spaceBeforeP = regexp.MustCompile(`\s+([.!?,;:])`)
)

const punctuation = ".!?,;:。！？，；："

// collapsePunctRuns reduces a run of one repeated punctuation rune to a
// single occurrence. Mixed runs like "?!" are left alone.
func collapsePunctRuns(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	prev := rune(-1)
	for _, r := range text {
		if r == prev && strings.ContainsRune(punctuation, r) {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// PostProcess normalizes merged output: collapses runs of spaces and blank
// lines, removes duplicated punctuation, and trims edges.
func PostProcess(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = multiSpace.ReplaceAllString(text, " ")
	text = multiBlank.ReplaceAllString(text, "\n\n")
	text = collapsePunctRuns(text)
	text = spaceBeforeP.ReplaceAllString(text, "$1")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// EnsureSentenceComplete trims a trailing sentence fragment left by length
// truncation. Text without any complete sentence is returned unchanged.
func EnsureSentenceComplete(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	const terminators = ".!?。！？"
	last, _ := utf8.DecodeLastRuneInString(text)
	if strings.ContainsRune(terminators, last) {
		return text
	}
	idx := strings.LastIndexAny(text, terminators)
	if idx <= 0 {
		return text
	}
	_, size := utf8.DecodeRuneInString(text[idx:])
	return strings.TrimSpace(text[:idx+size])
}
