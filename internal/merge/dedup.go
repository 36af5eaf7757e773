package merge

import (
	"context"
	"sort"

	"docsum/internal/batch"
	"docsum/internal/logging"
	"docsum/internal/similarity"
)

// DedupParams tunes duplicate detection.
type DedupParams struct {
	SimilarityThreshold    float64 `json:"similarity_threshold"`
	UseSemanticSimilarity  bool    `json:"use_semantic_similarity"`
	SemanticThreshold      float64 `json:"semantic_threshold"`
	ContextWindow          int     `json:"context_window"` // 0 compares all pairs
	MinLengthForComparison int     `json:"min_length_for_comparison"`
	PreserveLongerVersion  bool    `json:"preserve_longer_version"`
}

// DuplicateGroup is one cluster of near-identical summaries.
type DuplicateGroup struct {
	Representative int     `json:"representative"` // segment index of the kept summary
	Members        []int   `json:"members"`        // segment indices, representative included
	MaxSimilarity  float64 `json:"max_similarity"`
}

// DedupResult reports what deduplication removed.
type DedupResult struct {
	OriginalCount     int                  `json:"original_count"`
	FinalCount        int                  `json:"final_count"`
	DuplicatesRemoved int                  `json:"duplicates_removed"`
	DuplicateGroups   []DuplicateGroup     `json:"duplicate_groups,omitempty"`
	Deduplicated      []*batch.SegmentTask `json:"-"`
}

// Deduplicator clusters summaries by lexical Jaccard and, when enabled, a
// semantic deep pass, then keeps one representative per cluster.
type Deduplicator struct {
	scorer *similarity.Scorer
	params DedupParams
}

// NewDeduplicator builds a deduplicator.
func NewDeduplicator(scorer *similarity.Scorer, params DedupParams) *Deduplicator {
	if params.SimilarityThreshold <= 0 {
		params.SimilarityThreshold = 0.8
	}
	if params.SemanticThreshold <= 0 {
		params.SemanticThreshold = 0.75
	}
	return &Deduplicator{scorer: scorer, params: params}
}

// Deduplicate returns the inputs with duplicate summaries removed, in
// segment order. Already-unique input passes through unchanged, so the
// operation is idempotent.
func (d *Deduplicator) Deduplicate(ctx context.Context, inputs []*batch.SegmentTask) (*DedupResult, error) {
	result := &DedupResult{OriginalCount: len(inputs)}
	if len(inputs) < 2 {
		result.FinalCount = len(inputs)
		result.Deduplicated = inputs
		return result, nil
	}

	n := len(inputs)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	maxSim := make([]float64, n)

	type pair struct{ i, j int }
	var candidates []pair
	for i := 0; i < n; i++ {
		if len(inputs[i].Summary) < d.params.MinLengthForComparison {
			continue
		}
		for j := i + 1; j < n; j++ {
			if len(inputs[j].Summary) < d.params.MinLengthForComparison {
				continue
			}
			if d.params.ContextWindow > 0 &&
				inputs[j].SegmentIndex-inputs[i].SegmentIndex > d.params.ContextWindow {
				break
			}
			candidates = append(candidates, pair{i, j})
		}
	}

	// Fast pass: lexical Jaccard.
	var undetermined []pair
	for _, p := range candidates {
		sim := similarity.Jaccard(inputs[p.i].Summary, inputs[p.j].Summary)
		if sim >= d.params.SimilarityThreshold {
			union(p.i, p.j)
			if sim > maxSim[p.i] {
				maxSim[p.i] = sim
			}
			if sim > maxSim[p.j] {
				maxSim[p.j] = sim
			}
			continue
		}
		// Near-misses go to the deep pass when semantics are enabled.
		if d.params.UseSemanticSimilarity && sim >= d.params.SimilarityThreshold*0.5 {
			undetermined = append(undetermined, p)
		}
	}

	// Deep pass: every summary touched by an undetermined pair is embedded
	// once, then the pairwise matrix settles all of them.
	if len(undetermined) > 0 {
		rows := make(map[int]int)
		var texts []string
		for _, p := range undetermined {
			for _, idx := range [2]int{p.i, p.j} {
				if _, seen := rows[idx]; !seen {
					rows[idx] = len(texts)
					texts = append(texts, inputs[idx].Summary)
				}
			}
		}

		matrix, err := d.scorer.SemanticMatrix(ctx, texts)
		if err != nil {
			logging.Get(logging.CategoryMerge).Warn(
				"semantic dedup pass unavailable, keeping lexical verdicts: %v", err)
		} else {
			for _, p := range undetermined {
				sim := matrix[rows[p.i]][rows[p.j]]
				if sim < d.params.SemanticThreshold {
					continue
				}
				union(p.i, p.j)
				if sim > maxSim[p.i] {
					maxSim[p.i] = sim
				}
				if sim > maxSim[p.j] {
					maxSim[p.j] = sim
				}
			}
		}
	}

	// Collect clusters and pick representatives.
	clusters := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := find(i)
		clusters[root] = append(clusters[root], i)
	}

	keep := make(map[int]bool, n)
	for _, members := range clusters {
		rep := d.representative(inputs, members)
		keep[rep] = true
		if len(members) > 1 {
			group := DuplicateGroup{Representative: inputs[rep].SegmentIndex}
			for _, m := range members {
				group.Members = append(group.Members, inputs[m].SegmentIndex)
				if maxSim[m] > group.MaxSimilarity {
					group.MaxSimilarity = maxSim[m]
				}
			}
			sort.Ints(group.Members)
			result.DuplicateGroups = append(result.DuplicateGroups, group)
		}
	}
	sort.Slice(result.DuplicateGroups, func(i, j int) bool {
		return result.DuplicateGroups[i].Representative < result.DuplicateGroups[j].Representative
	})

	for i, t := range inputs {
		if keep[i] {
			result.Deduplicated = append(result.Deduplicated, t)
		}
	}
	result.FinalCount = len(result.Deduplicated)
	result.DuplicatesRemoved = result.OriginalCount - result.FinalCount

	if result.DuplicatesRemoved > 0 {
		logging.Get(logging.CategoryMerge).Info("dedup removed %d of %d summaries (%d groups)",
			result.DuplicatesRemoved, result.OriginalCount, len(result.DuplicateGroups))
	}
	return result, nil
}

// representative picks the member to keep: the longest summary, or the one
// with the richest keyword set when length preservation is off. Ties go to
// the earliest segment.
func (d *Deduplicator) representative(inputs []*batch.SegmentTask, members []int) int {
	sort.Ints(members)
	best := members[0]
	bestScore := -1
	for _, m := range members {
		var score int
		if d.params.PreserveLongerVersion {
			score = len(inputs[m].Summary)
		} else {
			score = len(Keywords(inputs[m].Summary, 50))
		}
		if score > bestScore {
			best = m
			bestScore = score
		}
	}
	return best
}
