// Package partial preserves and grades the completed portion of a
// cancelled batch. Grading is best-effort: completeness drives the quality
// level, coherence comes from adjacent-summary similarity, and coverage
// records which parts of the document survived.
package partial

import (
	"fmt"
	"sort"
	"strings"

	"docsum/internal/batch"
	"docsum/internal/similarity"
)

// Level grades overall partial-result quality.
type Level string

const (
	LevelUnknown    Level = "unknown"
	LevelExcellent  Level = "excellent"
	LevelGood       Level = "good"
	LevelAcceptable Level = "acceptable"
	LevelPoor       Level = "poor"
	LevelUnusable   Level = "unusable"
)

// rank orders levels for comparisons; higher is better.
func (l Level) rank() int {
	switch l {
	case LevelExcellent:
		return 5
	case LevelGood:
		return 4
	case LevelAcceptable:
		return 3
	case LevelPoor:
		return 2
	case LevelUnusable:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is at least as good as other.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// LevelForCompleteness maps a completeness score to its band.
func LevelForCompleteness(score float64) Level {
	switch {
	case score >= 0.8:
		return LevelExcellent
	case score >= 0.6:
		return LevelGood
	case score >= 0.4:
		return LevelAcceptable
	case score >= 0.2:
		return LevelPoor
	default:
		return LevelUnusable
	}
}

// Recommendation advises the user what to do with a partial result.
type Recommendation string

const (
	RecommendKeep        Recommendation = "recommend"
	RecommendReview      Recommendation = "review_required"
	RecommendDiscard     Recommendation = "discard"
	RecommendContinuable Recommendation = "consider_continue"
)

// Coverage describes which parts of the document the completed segments
// span. The document is split into thirds; Continuous means the completed
// indices form one unbroken run from the first segment.
type Coverage struct {
	Beginning  bool `json:"beginning"`
	Middle     bool `json:"middle"`
	End        bool `json:"end"`
	Continuous bool `json:"continuous"`
	MaxRun     int  `json:"max_run"`
	Gaps       int  `json:"gaps"`
}

// Quality is the grade attached to a partial result.
type Quality struct {
	CompletenessScore float64        `json:"completeness_score"`
	CoherenceScore    float64        `json:"coherence_score"`
	MissingTopics     []string       `json:"missing_topics,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	Level             Level          `json:"level"`
	Recommended       Recommendation `json:"recommended"`
	Coverage          Coverage       `json:"coverage"`
}

// GradeQuality scores the completed tasks of a cancelled batch.
func GradeQuality(completed []*batch.SegmentTask, totalSegments int, scorer *similarity.Scorer) Quality {
	q := Quality{Level: LevelUnknown}
	if totalSegments <= 0 {
		return q
	}

	ordered := sortedByIndex(completed)
	q.CompletenessScore = float64(len(ordered)) / float64(totalSegments)
	q.Level = LevelForCompleteness(q.CompletenessScore)
	q.CoherenceScore = coherence(ordered, scorer)
	q.Coverage = computeCoverage(ordered, totalSegments)
	q.MissingTopics = missingTopics(ordered, totalSegments)
	q.Warnings = warnings(q)
	q.Recommended = recommend(q)
	return q
}

// recommend maps the grade to advice. Acceptable results are worth
// continuing only when the completed run is unbroken.
func recommend(q Quality) Recommendation {
	switch q.Level {
	case LevelExcellent, LevelGood:
		return RecommendKeep
	case LevelAcceptable:
		if q.Coverage.Continuous {
			return RecommendContinuable
		}
		return RecommendReview
	default:
		return RecommendDiscard
	}
}

// coherence averages the similarity of each adjacent completed pair.
// Fewer than two summaries cannot be incoherent.
func coherence(ordered []*batch.SegmentTask, scorer *similarity.Scorer) float64 {
	if len(ordered) < 2 {
		if len(ordered) == 1 {
			return 1
		}
		return 0
	}
	var total float64
	for i := 1; i < len(ordered); i++ {
		total += scorer.Score(ordered[i-1].Summary, ordered[i].Summary)
	}
	return total / float64(len(ordered)-1)
}

func computeCoverage(ordered []*batch.SegmentTask, total int) Coverage {
	var cov Coverage
	if len(ordered) == 0 {
		return cov
	}

	firstThird := total / 3
	secondThird := 2 * total / 3
	for _, t := range ordered {
		switch {
		case t.SegmentIndex < firstThird || (firstThird == 0 && t.SegmentIndex == 0):
			cov.Beginning = true
		case t.SegmentIndex < secondThird:
			cov.Middle = true
		default:
			cov.End = true
		}
	}

	run := 1
	cov.MaxRun = 1
	for i := 1; i < len(ordered); i++ {
		if ordered[i].SegmentIndex == ordered[i-1].SegmentIndex+1 {
			run++
			if run > cov.MaxRun {
				cov.MaxRun = run
			}
		} else {
			cov.Gaps++
			run = 1
		}
	}

	cov.Continuous = ordered[0].SegmentIndex == 0 && cov.Gaps == 0
	return cov
}

// missingTopics names the segments that never completed. Only completed
// tasks reach this point, so a missing segment has no title to report and
// is named by index.
func missingTopics(ordered []*batch.SegmentTask, total int) []string {
	have := make(map[int]bool, len(ordered))
	for _, t := range ordered {
		have[t.SegmentIndex] = true
	}

	var missing []string
	for i := 0; i < total; i++ {
		if have[i] {
			continue
		}
		missing = append(missing, fmt.Sprintf("segment %d", i))
	}
	return missing
}

func warnings(q Quality) []string {
	var w []string
	if !q.Coverage.Beginning {
		w = append(w, "the beginning of the document is not covered")
	}
	if !q.Coverage.End {
		w = append(w, "the end of the document is not covered")
	}
	if q.Coverage.Gaps > 0 {
		w = append(w, fmt.Sprintf("completed segments contain %d gap(s)", q.Coverage.Gaps))
	}
	if q.CoherenceScore < 0.2 && q.CompletenessScore > 0 {
		w = append(w, "adjacent summaries show low coherence")
	}
	return w
}

// BuildPartialSummary concatenates completed summaries in segment order
// with light normalization: trimmed, blank-line separated, empty entries
// skipped.
func BuildPartialSummary(completed []*batch.SegmentTask) string {
	ordered := sortedByIndex(completed)
	parts := make([]string, 0, len(ordered))
	for _, t := range ordered {
		s := strings.TrimSpace(t.Summary)
		if s == "" {
			continue
		}
		if title := strings.TrimSpace(t.SourceSegment.Title); title != "" {
			s = title + ": " + s
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}

// sortedByIndex returns a copy of tasks in ascending segment order.
func sortedByIndex(tasks []*batch.SegmentTask) []*batch.SegmentTask {
	ordered := append([]*batch.SegmentTask(nil), tasks...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].SegmentIndex < ordered[j].SegmentIndex
	})
	return ordered
}
