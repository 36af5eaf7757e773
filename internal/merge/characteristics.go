package merge

import (
	"math"
	"strings"

	"docsum/internal/similarity"
)

// ContentCharacteristics describes the input summaries for strategy
// selection. All derived scores are normalized to [0,1].
type ContentCharacteristics struct {
	SegmentCount   int     `json:"segment_count"`
	AvgLength      float64 `json:"avg_length"`
	LengthVariance float64 `json:"length_variance"` // Coefficient of variation, capped at 1
	TopicDiversity float64 `json:"topic_diversity"`
	ContentOverlap float64 `json:"content_overlap"`
	StructureLevel float64 `json:"structure_level"`
	Complexity     float64 `json:"complexity"`
}

// AnalyzeContent measures the summaries a merge job will combine.
func AnalyzeContent(summaries []string, titles []string) ContentCharacteristics {
	c := ContentCharacteristics{SegmentCount: len(summaries)}
	if len(summaries) == 0 {
		return c
	}

	var totalLen float64
	for _, s := range summaries {
		totalLen += float64(len(s))
	}
	c.AvgLength = totalLen / float64(len(summaries))

	if len(summaries) > 1 && c.AvgLength > 0 {
		var sumSq float64
		for _, s := range summaries {
			d := float64(len(s)) - c.AvgLength
			sumSq += d * d
		}
		stddev := math.Sqrt(sumSq / float64(len(summaries)))
		c.LengthVariance = math.Min(stddev/c.AvgLength, 1)
	}

	c.ContentOverlap = avgPairwiseJaccard(summaries)
	c.TopicDiversity = topicDiversity(summaries)
	c.StructureLevel = structureLevel(titles)

	// Complexity rises with count, diversity, and per-segment length.
	countFactor := math.Min(float64(len(summaries))/20, 1)
	lengthFactor := math.Min(c.AvgLength/1000, 1)
	c.Complexity = 0.4*countFactor + 0.4*c.TopicDiversity + 0.2*lengthFactor

	return c
}

// avgPairwiseJaccard averages Jaccard over all summary pairs, sampling
// adjacent-plus-skip pairs for large inputs to stay O(n).
func avgPairwiseJaccard(summaries []string) float64 {
	n := len(summaries)
	if n < 2 {
		return 0
	}

	var total float64
	pairs := 0
	if n <= 12 {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				total += similarity.Jaccard(summaries[i], summaries[j])
				pairs++
			}
		}
	} else {
		for i := 0; i < n-1; i++ {
			total += similarity.Jaccard(summaries[i], summaries[i+1])
			pairs++
			if i+5 < n {
				total += similarity.Jaccard(summaries[i], summaries[i+5])
				pairs++
			}
		}
	}
	return total / float64(pairs)
}

// topicDiversity measures how little the per-segment keyword sets overlap:
// distinct keywords across segments divided by total keywords extracted.
func topicDiversity(summaries []string) float64 {
	distinct := make(map[string]bool)
	totalKeywords := 0
	for _, s := range summaries {
		for _, k := range Keywords(s, 8) {
			distinct[k] = true
			totalKeywords++
		}
	}
	if totalKeywords == 0 {
		return 0
	}
	return float64(len(distinct)) / float64(totalKeywords)
}

// structureLevel is the fraction of segments carrying a usable title.
func structureLevel(titles []string) float64 {
	if len(titles) == 0 {
		return 0
	}
	titled := 0
	for _, t := range titles {
		if strings.TrimSpace(t) != "" {
			titled++
		}
	}
	return float64(titled) / float64(len(titles))
}
