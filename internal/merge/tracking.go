package merge

import (
	"fmt"

	"docsum/internal/batch"
	"docsum/internal/similarity"
)

// Source tracking: map each paragraph of the final summary back to the
// segment summaries it came from, then validate the mapping.

// ReferenceType bands reference confidence.
type ReferenceType string

const (
	ReferenceDirect     ReferenceType = "direct"     // similarity > 0.9
	ReferenceParaphrase ReferenceType = "paraphrase" // similarity > 0.7
	ReferenceSummary    ReferenceType = "summary"    // similarity > 0.5
	ReferenceInferred   ReferenceType = "inferred"
)

// referenceTypeFor maps a similarity score to its band.
func referenceTypeFor(sim float64) ReferenceType {
	switch {
	case sim > 0.9:
		return ReferenceDirect
	case sim > 0.7:
		return ReferenceParaphrase
	case sim > 0.5:
		return ReferenceSummary
	default:
		return ReferenceInferred
	}
}

// SourceReference links a paragraph to one input segment.
type SourceReference struct {
	SegmentIndex int           `json:"segment_index"`
	Similarity   float64       `json:"similarity"`
	Type         ReferenceType `json:"type"`
}

// ParagraphSourceMapping is the tracking record for one output paragraph.
type ParagraphSourceMapping struct {
	ParagraphIndex int               `json:"paragraph_index"`
	Paragraph      string            `json:"paragraph"`
	References     []SourceReference `json:"references,omitempty"`
}

// ValidationResult checks the mapping as a whole.
type ValidationResult struct {
	CoverageOK    bool     `json:"coverage_ok"`    // every significant input referenced
	AccuracyOK    bool     `json:"accuracy_ok"`    // no low-confidence refs marked Direct
	IntegrityOK   bool     `json:"integrity_ok"`   // no references to empty sources
	ConsistencyOK bool     `json:"consistency_ok"` // no single source over-referenced
	Issues        []string `json:"issues,omitempty"`
	QualityScore  float64  `json:"quality_score"`
}

// Tracker computes source mappings.
type Tracker struct {
	scorer       *similarity.Scorer
	threshold    float64 // base similarity threshold; refs kept at threshold*0.6
	maxRefs      int
	minScore     float64 // validation floor
}

// NewTracker builds a tracker.
func NewTracker(scorer *similarity.Scorer, threshold float64, maxReferencesPerParagraph int, minValidationScore float64) *Tracker {
	if threshold <= 0 {
		threshold = 0.5
	}
	if maxReferencesPerParagraph < 1 {
		maxReferencesPerParagraph = 5
	}
	return &Tracker{
		scorer:    scorer,
		threshold: threshold,
		maxRefs:   maxReferencesPerParagraph,
		minScore:  minValidationScore,
	}
}

// Track maps each paragraph of finalSummary to its source segments and
// validates the result.
func (t *Tracker) Track(finalSummary string, inputs []*batch.SegmentTask) ([]ParagraphSourceMapping, *ValidationResult) {
	paragraphs := SplitParagraphs(finalSummary)
	mappings := make([]ParagraphSourceMapping, 0, len(paragraphs))
	keepAt := t.threshold * 0.6

	for pi, para := range paragraphs {
		mapping := ParagraphSourceMapping{ParagraphIndex: pi, Paragraph: para}

		for _, in := range inputs {
			sim := t.scorer.Score(para, in.Summary)
			if sim < keepAt {
				continue
			}
			mapping.References = append(mapping.References, SourceReference{
				SegmentIndex: in.SegmentIndex,
				Similarity:   sim,
				Type:         referenceTypeFor(sim),
			})
		}

		// Keep the strongest references only.
		if len(mapping.References) > t.maxRefs {
			sortRefs(mapping.References)
			mapping.References = mapping.References[:t.maxRefs]
		} else {
			sortRefs(mapping.References)
		}
		mappings = append(mappings, mapping)
	}

	return mappings, t.validate(mappings, inputs)
}

func sortRefs(refs []SourceReference) {
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && refs[j].Similarity > refs[j-1].Similarity; j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}
}

// validate checks coverage, accuracy, integrity, and consistency, and
// blends them into the quality score.
func (t *Tracker) validate(mappings []ParagraphSourceMapping, inputs []*batch.SegmentTask) *ValidationResult {
	v := &ValidationResult{CoverageOK: true, AccuracyOK: true, IntegrityOK: true, ConsistencyOK: true}

	sourceLen := make(map[int]int, len(inputs))
	significant := 0
	for _, in := range inputs {
		sourceLen[in.SegmentIndex] = len(in.Summary)
		if len(in.Summary) >= 40 {
			significant++
		}
	}

	referenced := make(map[int]int)
	totalRefs := 0
	for _, m := range mappings {
		for _, r := range m.References {
			referenced[r.SegmentIndex]++
			totalRefs++

			if r.Type == ReferenceDirect && r.Similarity <= 0.9 {
				v.AccuracyOK = false
				v.Issues = append(v.Issues, fmt.Sprintf(
					"paragraph %d marks segment %d as direct at similarity %.2f",
					m.ParagraphIndex, r.SegmentIndex, r.Similarity))
			}
			if l, ok := sourceLen[r.SegmentIndex]; !ok || l == 0 {
				v.IntegrityOK = false
				v.Issues = append(v.Issues, fmt.Sprintf(
					"paragraph %d references empty or unknown segment %d",
					m.ParagraphIndex, r.SegmentIndex))
			}
		}
	}

	// Coverage: every significant input should be referenced somewhere.
	coveredSignificant := 0
	for _, in := range inputs {
		if len(in.Summary) < 40 {
			continue
		}
		if referenced[in.SegmentIndex] > 0 {
			coveredSignificant++
		} else {
			v.CoverageOK = false
			v.Issues = append(v.Issues, fmt.Sprintf("segment %d is never referenced", in.SegmentIndex))
		}
	}
	coverageScore := 1.0
	if significant > 0 {
		coverageScore = float64(coveredSignificant) / float64(significant)
	}

	// Consistency: no single source hoards the references.
	consistencyScore := 1.0
	if totalRefs > 2 && len(inputs) > 1 {
		for idx, count := range referenced {
			if float64(count) > float64(totalRefs)*0.6 {
				v.ConsistencyOK = false
				v.Issues = append(v.Issues, fmt.Sprintf(
					"segment %d accounts for %d of %d references", idx, count, totalRefs))
				consistencyScore = 0.5
			}
		}
	}

	accuracyScore := boolScore(v.AccuracyOK)

	// Completeness: fraction of all inputs referenced anywhere.
	completenessScore := 1.0
	if len(inputs) > 0 {
		coveredAll := 0
		for _, in := range inputs {
			if referenced[in.SegmentIndex] > 0 {
				coveredAll++
			}
		}
		completenessScore = float64(coveredAll) / float64(len(inputs))
	}

	// Reliability: fraction of references above the base threshold.
	reliabilityScore := 1.0
	if totalRefs > 0 {
		strong := 0
		for _, m := range mappings {
			for _, r := range m.References {
				if r.Similarity >= t.threshold {
					strong++
				}
			}
		}
		reliabilityScore = float64(strong) / float64(totalRefs)
	}

	v.QualityScore = 0.25*accuracyScore +
		0.2*completenessScore +
		0.2*coverageScore +
		0.2*reliabilityScore +
		0.15*consistencyScore

	if !v.IntegrityOK {
		v.QualityScore *= 0.7
	}
	if t.minScore > 0 && v.QualityScore < t.minScore {
		v.Issues = append(v.Issues, fmt.Sprintf(
			"mapping quality %.2f is below the configured floor %.2f", v.QualityScore, t.minScore))
	}
	return v
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0.4
}
