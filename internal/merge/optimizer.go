package merge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"docsum/internal/logging"
	"docsum/internal/similarity"
	"docsum/internal/summarizer"
)

// OptimizationQualityMetrics grades an optimization pass. All in [0,1].
type OptimizationQualityMetrics struct {
	ContentRetention float64 `json:"content_retention"`
	Fluency          float64 `json:"fluency"`
	Coherence        float64 `json:"coherence"`
	LengthAccuracy   float64 `json:"length_accuracy"`
	OverallScore     float64 `json:"overall_score"`
}

// Optimizer adjusts merged output toward the target length. Compression
// has three escalating modes; expansion needs the LLM. Output always goes
// through PostProcess.
type Optimizer struct {
	llm             summarizer.Client
	minQualityScore float64
}

// NewOptimizer builds an optimizer. llm may be nil; LLM-dependent modes
// then degrade to their extractive fallbacks.
func NewOptimizer(llm summarizer.Client, minQualityScore float64) *Optimizer {
	if minQualityScore <= 0 {
		minQualityScore = 0.7
	}
	return &Optimizer{llm: llm, minQualityScore: minQualityScore}
}

// Optimize brings text toward target ± tolerance. When the first pass
// scores below the quality floor, one refinement pass runs and the best of
// (original, first pass, refined) wins.
func (o *Optimizer) Optimize(ctx context.Context, text string, target int, tolerance float64) (string, *OptimizationQualityMetrics, error) {
	if target <= 0 || strings.TrimSpace(text) == "" {
		out := PostProcess(text)
		m := o.measure(text, out, target)
		return out, &m, nil
	}
	if tolerance <= 0 {
		tolerance = 0.2
	}

	lower := int(float64(target) * (1 - tolerance))
	upper := int(float64(target) * (1 + tolerance))

	first := o.adjust(ctx, text, target, lower, upper)
	firstMetrics := o.measure(text, first, target)
	if firstMetrics.OverallScore >= o.minQualityScore {
		return first, &firstMetrics, nil
	}

	// One refinement attempt, then keep the best candidate.
	refined := o.adjust(ctx, first, target, lower, upper)
	refinedMetrics := o.measure(text, refined, target)

	originalMetrics := o.measure(text, PostProcess(text), target)

	best, bestMetrics := first, firstMetrics
	if refinedMetrics.OverallScore > bestMetrics.OverallScore {
		best, bestMetrics = refined, refinedMetrics
	}
	if originalMetrics.OverallScore > bestMetrics.OverallScore {
		best, bestMetrics = PostProcess(text), originalMetrics
	}
	logging.Get(logging.CategoryMerge).Debug("optimization settled at score %.2f", bestMetrics.OverallScore)
	return best, &bestMetrics, nil
}

// adjust performs one compression or expansion pass.
func (o *Optimizer) adjust(ctx context.Context, text string, target, lower, upper int) string {
	switch {
	case len(text) > upper:
		return o.compress(ctx, text, target, upper)
	case len(text) < lower:
		return o.expand(ctx, text, target)
	default:
		return PostProcess(text)
	}
}

// compress escalates through the three modes until the text fits.
func (o *Optimizer) compress(ctx context.Context, text string, target, upper int) string {
	// Light: prune the least important sentences until within bounds.
	light := pruneSentences(text, upper)
	if len(light) <= upper {
		return PostProcess(light)
	}

	// Balanced: importance-ranked retention against the target.
	balanced := retainByImportance(text, target)
	if len(balanced) <= upper || o.llm == nil {
		return PostProcess(EnsureSentenceComplete(balanced))
	}

	// Aggressive: LLM rewrite.
	prompt := fmt.Sprintf(
		"Rewrite the following summary in at most %d characters, keeping every major point:\n\n%s",
		target, text)
	rewritten, err := o.llm.Summarize(ctx, prompt)
	if err != nil {
		logging.Get(logging.CategoryMerge).Warn("aggressive compression failed, keeping extractive result: %v", err)
		return PostProcess(EnsureSentenceComplete(balanced))
	}
	return PostProcess(rewritten)
}

// expand grows short output: structure analysis finds the thinnest
// paragraphs as expansion points, the LLM elaborates them. Without an LLM
// the text is returned unchanged.
func (o *Optimizer) expand(ctx context.Context, text string, target int) string {
	if o.llm == nil {
		return PostProcess(text)
	}

	paragraphs := SplitParagraphs(text)
	thinnest := ""
	if len(paragraphs) > 0 {
		sort.SliceStable(paragraphs, func(i, j int) bool { return len(paragraphs[i]) < len(paragraphs[j]) })
		thinnest = paragraphs[0]
	}

	prompt := fmt.Sprintf(
		"Expand the following summary to roughly %d characters. Elaborate on thin areas%s, but add no invented facts:\n\n%s",
		target, expansionHint(thinnest), text)
	expanded, err := o.llm.Summarize(ctx, prompt)
	if err != nil {
		logging.Get(logging.CategoryMerge).Warn("expansion failed, keeping original: %v", err)
		return PostProcess(text)
	}
	return PostProcess(expanded)
}

func expansionHint(thinnest string) string {
	if strings.TrimSpace(thinnest) == "" {
		return ""
	}
	lead := LeadSentences(thinnest, 1)
	if len(lead) > 120 {
		lead = lead[:120]
	}
	return fmt.Sprintf(" (for example around %q)", lead)
}

// pruneSentences drops the shortest, least keyword-dense sentences until
// the text fits the limit.
func pruneSentences(text string, limit int) string {
	sentences := SplitSentences(text)
	if len(sentences) <= 1 {
		return text
	}
	corpus := Keywords(text, 20)

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		ranked[i] = scored{i, ImportanceScore(s, i, len(sentences), corpus)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	dropped := make(map[int]bool)
	length := len(text)
	for _, r := range ranked {
		if length <= limit || len(dropped) >= len(sentences)-1 {
			break
		}
		dropped[r.idx] = true
		length -= len(sentences[r.idx]) + 1
	}

	parts := make([]string, 0, len(sentences)-len(dropped))
	for i, s := range sentences {
		if !dropped[i] {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// retainByImportance keeps the highest-importance sentences up to the
// target, in original order.
func retainByImportance(text string, target int) string {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return text
	}
	corpus := Keywords(text, 20)

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		ranked[i] = scored{i, ImportanceScore(s, i, len(sentences), corpus)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	kept := make(map[int]bool)
	length := 0
	for _, r := range ranked {
		if length >= target && len(kept) > 0 {
			break
		}
		kept[r.idx] = true
		length += len(sentences[r.idx]) + 1
	}

	parts := make([]string, 0, len(kept))
	for i, s := range sentences {
		if kept[i] {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// measure grades an optimization candidate against the original.
func (o *Optimizer) measure(original, candidate string, target int) OptimizationQualityMetrics {
	var m OptimizationQualityMetrics

	// Retention: keyword survival from original to candidate.
	origKw := Keywords(original, 30)
	if len(origKw) == 0 {
		m.ContentRetention = 1
	} else {
		candSet := similarity.TokenSet(candidate)
		hits := 0
		for _, k := range origKw {
			if _, ok := candSet[k]; ok {
				hits++
			}
		}
		m.ContentRetention = float64(hits) / float64(len(origKw))
	}

	m.Fluency = fluency(candidate)
	m.Coherence = coherenceAcrossParagraphs(candidate)

	if target <= 0 {
		m.LengthAccuracy = 1
	} else {
		deviation := math.Abs(float64(len(candidate))-float64(target)) / float64(target)
		m.LengthAccuracy = math.Max(0, 1-deviation)
	}

	m.OverallScore = 0.35*m.ContentRetention + 0.2*m.Fluency + 0.2*m.Coherence + 0.25*m.LengthAccuracy
	return m
}

// fluency approximates readability: complete sentences of reasonable
// length score high.
func fluency(text string) float64 {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return 0
	}
	good := 0
	for _, s := range sentences {
		words := len(strings.Fields(s))
		if words >= 3 && words <= 60 {
			good++
		}
	}
	score := float64(good) / float64(len(sentences))
	if EnsureSentenceComplete(text) == strings.TrimSpace(text) {
		return score
	}
	return score * 0.8
}

// coherenceAcrossParagraphs averages adjacent-paragraph similarity; single
// paragraphs are trivially coherent.
func coherenceAcrossParagraphs(text string) float64 {
	paragraphs := SplitParagraphs(text)
	if len(paragraphs) < 2 {
		return 1
	}
	var total float64
	for i := 1; i < len(paragraphs); i++ {
		total += similarity.Jaccard(paragraphs[i-1], paragraphs[i])
	}
	avg := total / float64(len(paragraphs)-1)
	// Some drift between paragraphs is natural; scale so modest overlap
	// already counts as coherent.
	return math.Min(1, 0.4+avg*2)
}
