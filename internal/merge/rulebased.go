package merge

import (
	"fmt"
	"sort"
	"strings"

	"docsum/internal/batch"
	"docsum/internal/similarity"
)

// Rule-based composition: deterministic assembly of the final summary from
// the deduplicated inputs, one function per strategy.

// composeRuleBased dispatches to the strategy's composer. Inputs must
// already be sorted by segment index.
func composeRuleBased(strategy Strategy, inputs []*batch.SegmentTask, params Parameters) string {
	switch strategy {
	case StrategyConcise:
		return composeConcise(inputs, params)
	case StrategyDetailed:
		return composeDetailed(inputs, params)
	case StrategyStructured:
		return composeStructured(inputs, params)
	default: // Balanced and Custom fall back to balanced composition
		return composeBalanced(inputs)
	}
}

// composeConcise keeps the top-k most important segments and takes their
// lead sentences, re-sorted into document order.
func composeConcise(inputs []*batch.SegmentTask, params Parameters) string {
	if len(inputs) == 0 {
		return ""
	}

	corpus := corpusKeywords(inputs)
	type scored struct {
		task  *batch.SegmentTask
		score float64
	}
	ranked := make([]scored, 0, len(inputs))
	for i, t := range inputs {
		ranked = append(ranked, scored{t, ImportanceScore(t.Summary, i, len(inputs), corpus)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	k := params.TopK
	if k <= 0 {
		k = (len(inputs) + 2) / 3
		if k < 2 {
			k = minInt(2, len(inputs))
		}
	}
	if k > len(ranked) {
		k = len(ranked)
	}

	kept := ranked[:k]
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].task.SegmentIndex < kept[j].task.SegmentIndex
	})

	parts := make([]string, 0, k)
	for _, s := range kept {
		lead := LeadSentences(s.task.Summary, 2)
		if lead != "" {
			parts = append(parts, lead)
		}
	}
	return PostProcess(strings.Join(parts, " "))
}

// composeDetailed includes every non-empty summary in segment order,
// optionally prefixed with its section title.
func composeDetailed(inputs []*batch.SegmentTask, params Parameters) string {
	parts := make([]string, 0, len(inputs))
	for _, t := range inputs {
		s := strings.TrimSpace(t.Summary)
		if s == "" {
			continue
		}
		if params.IncludeTitles {
			if title := strings.TrimSpace(t.SourceSegment.Title); title != "" {
				s = title + "\n" + s
			}
		}
		parts = append(parts, s)
	}
	return PostProcess(strings.Join(parts, "\n\n"))
}

// composeStructured groups segments by shared topic keywords and emits one
// headed section per group, groups ordered by first segment index.
func composeStructured(inputs []*batch.SegmentTask, params Parameters) string {
	groups := groupByTopic(inputs)

	var b strings.Builder
	for i, g := range groups {
		heading := g.heading
		if heading == "" {
			heading = fmt.Sprintf("Section %d", i+1)
		}
		b.WriteString("## ")
		b.WriteString(heading)
		b.WriteString("\n\n")
		for _, t := range g.tasks {
			if s := strings.TrimSpace(t.Summary); s != "" {
				b.WriteString(s)
				b.WriteString("\n\n")
			}
		}
	}
	return PostProcess(b.String())
}

// composeBalanced organizes related adjacent segments into shared
// paragraphs: a new paragraph starts when similarity to the previous
// segment drops.
func composeBalanced(inputs []*batch.SegmentTask) string {
	if len(inputs) == 0 {
		return ""
	}

	var paragraphs []string
	var current []string
	for i, t := range inputs {
		s := strings.TrimSpace(t.Summary)
		if s == "" {
			continue
		}
		if len(current) > 0 && similarity.Jaccard(inputs[i-1].Summary, t.Summary) < 0.15 {
			paragraphs = append(paragraphs, strings.Join(current, " "))
			current = current[:0]
		}
		current = append(current, s)
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, strings.Join(current, " "))
	}
	return PostProcess(strings.Join(paragraphs, "\n\n"))
}

// composeStatistical is the importance-ranked extractive merge: every
// sentence of every summary is scored and the best are retained up to the
// target length, in document order.
func composeStatistical(inputs []*batch.SegmentTask, target int) string {
	corpus := corpusKeywords(inputs)

	type sent struct {
		text     string
		position int // global sentence position, for stable document order
		score    float64
	}
	var sentences []sent
	pos := 0
	for i, t := range inputs {
		for _, s := range SplitSentences(t.Summary) {
			sentences = append(sentences, sent{
				text:     s,
				position: pos,
				score:    ImportanceScore(s, i, len(inputs), corpus),
			})
			pos++
		}
	}
	if len(sentences) == 0 {
		return ""
	}
	if target <= 0 {
		target = 2000
	}

	ranked := append([]sent(nil), sentences...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	kept := make(map[int]bool)
	length := 0
	for _, s := range ranked {
		if length >= target {
			break
		}
		kept[s.position] = true
		length += len(s.text) + 1
	}

	parts := make([]string, 0, len(kept))
	for _, s := range sentences {
		if kept[s.position] {
			parts = append(parts, s.text)
		}
	}
	return PostProcess(strings.Join(parts, " "))
}

type topicGroup struct {
	heading string
	tasks   []*batch.SegmentTask
}

// groupByTopic clusters segments greedily: a segment joins the previous
// group when it shares keywords with it, otherwise it opens a new group
// headed by its title or top keyword.
func groupByTopic(inputs []*batch.SegmentTask) []topicGroup {
	var groups []topicGroup
	var currentKeywords map[string]bool

	for _, t := range inputs {
		if strings.TrimSpace(t.Summary) == "" {
			continue
		}
		kws := Keywords(t.Summary, 6)

		overlap := 0
		for _, k := range kws {
			if currentKeywords[k] {
				overlap++
			}
		}

		if len(groups) == 0 || overlap == 0 {
			heading := strings.TrimSpace(t.SourceSegment.Title)
			if heading == "" && len(kws) > 0 {
				heading = capitalize(kws[0])
			}
			groups = append(groups, topicGroup{heading: heading})
			currentKeywords = make(map[string]bool)
		}

		g := &groups[len(groups)-1]
		g.tasks = append(g.tasks, t)
		for _, k := range kws {
			currentKeywords[k] = true
		}
	}
	return groups
}

// corpusKeywords extracts the shared keyword vocabulary of all inputs.
func corpusKeywords(inputs []*batch.SegmentTask) []string {
	var all strings.Builder
	for _, t := range inputs {
		all.WriteString(t.Summary)
		all.WriteString(" ")
	}
	return Keywords(all.String(), 20)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
