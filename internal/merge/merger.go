package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"docsum/internal/batch"
	"docsum/internal/config"
	"docsum/internal/logging"
	"docsum/internal/similarity"
	"docsum/internal/summarizer"
)

// Merger runs the full merge pipeline: sort, select, dedup, compose,
// optimize, grade, track.
type Merger struct {
	cfg      config.MergingConfig
	llm      summarizer.Client
	scorer   *similarity.Scorer
	selector *Selector
	dedup    *Deduplicator
	tracker  *Tracker
	opt      *Optimizer
}

// NewMerger wires the merge subsystem. llm may be nil (rule-based only).
func NewMerger(cfg config.MergingConfig, llm summarizer.Client, scorer *similarity.Scorer, selector *Selector) *Merger {
	if scorer == nil {
		scorer = similarity.NewScorer(similarity.DefaultWeights(), nil)
	}
	if selector == nil {
		selector = NewSelector(nil, llm != nil, cfg.LLMAssistance.MinSegmentsForLLM)
	}
	dd := cfg.DuplicateDetection
	return &Merger{
		cfg:      cfg,
		llm:      llm,
		scorer:   scorer,
		selector: selector,
		dedup: NewDeduplicator(scorer, DedupParams{
			SimilarityThreshold:    dd.SimilarityThreshold,
			UseSemanticSimilarity:  dd.UseSemanticSimilarity,
			SemanticThreshold:      dd.SemanticThreshold,
			ContextWindow:          dd.ContextWindow,
			MinLengthForComparison: dd.MinLengthForComparison,
			PreserveLongerVersion:  dd.PreserveLongerVersion,
		}),
		tracker: NewTracker(scorer, cfg.SourceTrackingThreshold,
			cfg.MaxReferencesPerParagraph, cfg.MinimumValidationScore),
		opt: NewOptimizer(llm, cfg.MinimumQualityThreshold),
	}
}

// NewJob creates a merge job over completed tasks.
func NewJob(batchID string, inputs []*batch.SegmentTask, strategy Strategy, params Parameters, prefs *UserPreferences) *Job {
	return &Job{
		ID:          uuid.NewString(),
		BatchID:     batchID,
		Inputs:      inputs,
		Strategy:    strategy,
		Parameters:  params,
		Preferences: prefs,
		Status:      JobPending,
	}
}

// Selector exposes the learned-strategy selector.
func (m *Merger) Selector() *Selector {
	return m.selector
}

// Merge runs the job and fills in its result. Inputs that are not
// completed tasks are skipped; empty input yields an empty summary.
func (m *Merger) Merge(ctx context.Context, job *Job) (*Result, error) {
	start := time.Now()
	job.Status = JobRunning
	log := logging.Get(logging.CategoryMerge)

	inputs := usableInputs(job.Inputs)
	// Merge input is always reassembled in segment order, whatever order
	// completions arrived in.
	sort.Slice(inputs, func(i, j int) bool {
		return inputs[i].SegmentIndex < inputs[j].SegmentIndex
	})

	result := &Result{}
	if len(inputs) == 0 {
		result.AppliedStrategy = job.Strategy
		result.AppliedMethod = MethodRuleBased
		result.Statistics.Duration = time.Since(start)
		job.Status = JobCompleted
		job.Result = result
		return result, nil
	}

	params := m.fillParams(job.Parameters)

	summaries := make([]string, len(inputs))
	titles := make([]string, len(inputs))
	inputChars := 0
	for i, t := range inputs {
		summaries[i] = t.Summary
		titles[i] = t.SourceSegment.Title
		inputChars += len(t.Summary)
	}
	chars := AnalyzeContent(summaries, titles)

	rec := m.selector.Recommend(chars, job.Preferences, params)
	result.Recommendation = rec

	strategy := job.Strategy
	if strategy == "" {
		strategy = rec.Strategy
	}
	method := job.Method
	if method == "" {
		method = rec.Method
	}
	if strategy == StrategyCustom && params.CustomTemplate != "" && m.llm != nil {
		method = MethodLLMAssisted
	}

	dedupResult, err := m.dedup.Deduplicate(ctx, inputs)
	if err != nil {
		job.Status = JobFailed
		return nil, fmt.Errorf("deduplication failed: %w", err)
	}
	result.Dedup = dedupResult
	merged := dedupResult.Deduplicated

	var finalSummary string
	appliedMethod := method
	switch method {
	case MethodLLMAssisted:
		finalSummary, err = composeLLM(ctx, m.llm, strategy, merged, params)
		if err != nil {
			// Degrade to rule-based rather than failing the batch.
			log.Warn("llm merge failed, falling back to rule-based: %v", err)
			finalSummary = composeRuleBased(strategy, merged, params)
			appliedMethod = MethodRuleBased
		}
	case MethodHybrid:
		draftQuality := m.draftQuality(merged)
		finalSummary, appliedMethod, err = composeHybrid(
			ctx, m.llm, strategy, merged, params, draftQuality, m.cfg.MinimumQualityThreshold)
		if err != nil {
			job.Status = JobFailed
			return nil, err
		}
	case MethodStatistical:
		finalSummary = composeStatistical(merged, params.TargetLength)
	default:
		finalSummary = composeRuleBased(strategy, merged, params)
		appliedMethod = MethodRuleBased
	}

	optimized, optMetrics, err := m.opt.Optimize(ctx, finalSummary, params.TargetLength, params.Tolerance)
	if err == nil && optimized != "" {
		finalSummary = optimized
		result.Optimization = optMetrics
	}

	result.FinalSummary = finalSummary
	result.AppliedStrategy = strategy
	result.AppliedMethod = appliedMethod
	result.QualityMetrics = m.grade(finalSummary, inputs, inputChars)
	result.SourceMappings, result.Validation = m.tracker.Track(finalSummary, merged)
	result.Statistics = Statistics{
		InputCount:        len(inputs),
		InputChars:        inputChars,
		OutputChars:       len(finalSummary),
		DuplicatesRemoved: dedupResult.DuplicatesRemoved,
		Duration:          time.Since(start),
	}
	if inputChars > 0 {
		result.Statistics.CompressionRatio = float64(len(finalSummary)) / float64(inputChars)
	}

	m.selector.RecordOutcome(strategy, result.QualityMetrics.Overall, rec.Confidence)

	job.Status = JobCompleted
	job.Result = result
	log.Info("merged %d summaries via %s/%s into %d chars (quality %.2f) in %v",
		len(inputs), strategy, appliedMethod, len(finalSummary),
		result.QualityMetrics.Overall, result.Statistics.Duration)
	return result, nil
}

// fillParams applies configured defaults to unset job parameters.
func (m *Merger) fillParams(p Parameters) Parameters {
	lc := m.cfg.LengthControl
	if p.TargetLength <= 0 {
		p.TargetLength = lc.DefaultTarget
	}
	if p.TargetLength < lc.Min && lc.Min > 0 {
		p.TargetLength = lc.Min
	}
	if lc.Max > 0 && p.TargetLength > lc.Max {
		p.TargetLength = lc.Max
	}
	if p.Tolerance <= 0 {
		p.Tolerance = lc.Tolerance
	}
	return p
}

// draftQuality estimates rule-based output quality cheaply from input
// coherence, for the hybrid refinement decision. Normalized to [0,1] like
// every other quality score.
func (m *Merger) draftQuality(inputs []*batch.SegmentTask) float64 {
	if len(inputs) < 2 {
		return 1
	}
	var total float64
	for i := 1; i < len(inputs); i++ {
		total += m.scorer.Score(inputs[i-1].Summary, inputs[i].Summary)
	}
	avg := total / float64(len(inputs)-1)
	return minf(1, 0.5+avg)
}

// grade computes the result quality metrics, all normalized to [0,1].
func (m *Merger) grade(finalSummary string, inputs []*batch.SegmentTask, inputChars int) QualityMetrics {
	var q QualityMetrics
	if strings.TrimSpace(finalSummary) == "" {
		return q
	}

	q.Coherence = coherenceAcrossParagraphs(finalSummary)

	// Completeness: input keyword coverage in the final summary.
	covered, totalKw := 0, 0
	finalSet := similarity.TokenSet(finalSummary)
	for _, t := range inputs {
		for _, k := range Keywords(t.Summary, 5) {
			totalKw++
			if _, ok := finalSet[k]; ok {
				covered++
			}
		}
	}
	if totalKw > 0 {
		q.Completeness = float64(covered) / float64(totalKw)
	} else {
		q.Completeness = 1
	}

	// Conciseness: reward compression without zero-length degeneration.
	if inputChars > 0 {
		ratio := float64(len(finalSummary)) / float64(inputChars)
		switch {
		case ratio <= 0.5:
			q.Conciseness = 1
		case ratio >= 1.5:
			q.Conciseness = 0.3
		default:
			q.Conciseness = 1 - (ratio-0.5)*0.7
		}
	}

	// Accuracy proxy: average best-similarity of each output paragraph to
	// some input. Extractive output scores near 1.
	paragraphs := SplitParagraphs(finalSummary)
	if len(paragraphs) > 0 && len(inputs) > 0 {
		var total float64
		for _, p := range paragraphs {
			best := 0.0
			for _, t := range inputs {
				if s := similarity.Jaccard(p, t.Summary); s > best {
					best = s
				}
			}
			total += best
		}
		q.Accuracy = minf(1, 0.4+total/float64(len(paragraphs)))
	}

	q.Overall = 0.3*q.Coherence + 0.3*q.Completeness + 0.2*q.Conciseness + 0.2*q.Accuracy
	return q
}

// usableInputs filters to completed tasks with non-empty summaries.
func usableInputs(inputs []*batch.SegmentTask) []*batch.SegmentTask {
	usable := make([]*batch.SegmentTask, 0, len(inputs))
	for _, t := range inputs {
		if t == nil || t.Status != batch.TaskCompleted || strings.TrimSpace(t.Summary) == "" {
			continue
		}
		usable = append(usable, t)
	}
	return usable
}
