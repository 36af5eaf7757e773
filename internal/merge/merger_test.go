package merge

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsum/internal/batch"
	"docsum/internal/config"
	"docsum/internal/similarity"
)

// fakeLLM is a scriptable summarizer client.
type fakeLLM struct {
	reply string
	err   error
	calls atomic.Int64
}

func (f *fakeLLM) Summarize(ctx context.Context, text string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) IsHealthy(ctx context.Context) bool { return f.err == nil }

func titledTask(index int, title, summary string) *batch.SegmentTask {
	task := batch.NewTask(batch.Segment{Index: index, Title: title})
	task.MarkCompleted(summary, time.Now())
	return task
}

func newTestMerger(llm *fakeLLM) *Merger {
	cfg := config.DefaultConfig().Merging
	cfg.DuplicateDetection.ContextWindow = 0
	if llm != nil {
		return NewMerger(cfg, llm, nil, nil)
	}
	return NewMerger(cfg, nil, nil, nil)
}

func reportInputs() []*batch.SegmentTask {
	return []*batch.SegmentTask{
		titledTask(0, "Introduction",
			"The annual infrastructure review opened with an assessment of bridge conditions across the region. Inspectors flagged fourteen structures for closer monitoring during the coming year."),
		titledTask(1, "Findings",
			"Corrosion rates along coastal spans exceeded inland baselines by a wide margin. Drainage failures accounted for most of the accelerated deterioration the teams documented."),
		titledTask(2, "Recommendations",
			"The panel recommended doubling the protective coating budget and retrofitting drainage on the six worst affected spans. Work should begin before the next storm season."),
	}
}

func TestMergeEmptyInputYieldsEmptyResult(t *testing.T) {
	m := newTestMerger(nil)
	job := NewJob("batch-1", nil, StrategyBalanced, Parameters{}, nil)

	result, err := m.Merge(context.Background(), job)
	require.NoError(t, err)
	assert.Empty(t, result.FinalSummary)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, MethodRuleBased, result.AppliedMethod)
}

func TestMergeDetailedKeepsDocumentOrder(t *testing.T) {
	m := newTestMerger(nil)
	inputs := reportInputs()
	// Completion order is scrambled; merge order must not be.
	scrambled := []*batch.SegmentTask{inputs[2], inputs[0], inputs[1]}

	job := NewJob("batch-1", scrambled, StrategyDetailed, Parameters{}, nil)
	result, err := m.Merge(context.Background(), job)
	require.NoError(t, err)

	intro := strings.Index(result.FinalSummary, "bridge conditions")
	findings := strings.Index(result.FinalSummary, "Corrosion rates")
	recs := strings.Index(result.FinalSummary, "protective coating")
	require.True(t, intro >= 0 && findings >= 0 && recs >= 0, "all sections present")
	assert.Less(t, intro, findings)
	assert.Less(t, findings, recs)

	assert.Equal(t, StrategyDetailed, result.AppliedStrategy)
	assert.Equal(t, MethodRuleBased, result.AppliedMethod)
	assert.Equal(t, 3, result.Statistics.InputCount)
	assert.Greater(t, result.Statistics.CompressionRatio, 0.0)
	assert.Equal(t, JobCompleted, job.Status)
}

func TestMergeDetailedIncludesTitlesOnRequest(t *testing.T) {
	m := newTestMerger(nil)
	job := NewJob("batch-1", reportInputs(), StrategyDetailed, Parameters{IncludeTitles: true}, nil)

	result, err := m.Merge(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, result.FinalSummary, "Introduction")
	assert.Contains(t, result.FinalSummary, "Recommendations")
}

func TestMergeStructuredEmitsHeadings(t *testing.T) {
	m := newTestMerger(nil)
	job := NewJob("batch-1", reportInputs(), StrategyStructured, Parameters{}, nil)

	result, err := m.Merge(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, result.FinalSummary, "## ")
}

func TestMergeSkipsUnusableInputs(t *testing.T) {
	inputs := reportInputs()
	failed := batch.NewTask(batch.Segment{Index: 3})
	failed.MarkFailed("provider unavailable", time.Now())
	blank := titledTask(4, "", "   ")
	inputs = append(inputs, failed, blank, nil)

	m := newTestMerger(nil)
	job := NewJob("batch-1", inputs, StrategyDetailed, Parameters{}, nil)
	result, err := m.Merge(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Statistics.InputCount)
}

func TestMergeDeduplicatesBeforeComposing(t *testing.T) {
	repeated := "The committee approved the expanded monitoring program without objection at the close of the session."
	inputs := []*batch.SegmentTask{
		titledTask(0, "", repeated),
		titledTask(1, "", repeated),
		titledTask(2, "", "Funding for the program comes from the existing maintenance allocation rather than new appropriations."),
	}

	m := newTestMerger(nil)
	job := NewJob("batch-1", inputs, StrategyDetailed, Parameters{}, nil)
	result, err := m.Merge(context.Background(), job)
	require.NoError(t, err)

	require.NotNil(t, result.Dedup)
	assert.Equal(t, 1, result.Dedup.DuplicatesRemoved)
	assert.Equal(t, 1, result.Statistics.DuplicatesRemoved)
	assert.Equal(t, 1, strings.Count(result.FinalSummary, "without objection"))
}

func TestMergeLLMFailureFallsBackToRuleBased(t *testing.T) {
	llm := &fakeLLM{err: errors.New("model overloaded")}
	m := newTestMerger(llm)

	job := NewJob("batch-1", reportInputs(), StrategyBalanced, Parameters{}, nil)
	job.Method = MethodLLMAssisted

	result, err := m.Merge(context.Background(), job)
	require.NoError(t, err, "llm failure degrades, it does not fail the merge")
	assert.Equal(t, MethodRuleBased, result.AppliedMethod)
	assert.NotEmpty(t, result.FinalSummary)
	assert.GreaterOrEqual(t, llm.calls.Load(), int64(1))
}

func TestMergeLLMAssisted(t *testing.T) {
	reply := "The review flagged coastal corrosion as the dominant risk. The panel urged drainage retrofits and a doubled coating budget before storm season."
	llm := &fakeLLM{reply: reply}
	m := newTestMerger(llm)

	job := NewJob("batch-1", reportInputs(), StrategyConcise, Parameters{TargetLength: 200}, nil)
	job.Method = MethodLLMAssisted

	result, err := m.Merge(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, MethodLLMAssisted, result.AppliedMethod)
	assert.Contains(t, result.FinalSummary, "coastal corrosion")
}

func TestMergeGradesQualityAndRecordsOutcome(t *testing.T) {
	m := newTestMerger(nil)
	job := NewJob("batch-1", reportInputs(), StrategyDetailed, Parameters{}, nil)

	result, err := m.Merge(context.Background(), job)
	require.NoError(t, err)

	q := result.QualityMetrics
	assert.Greater(t, q.Overall, 0.0)
	assert.LessOrEqual(t, q.Overall, 1.0)
	assert.Greater(t, q.Completeness, 0.5, "detailed merge keeps nearly all input keywords")

	require.NotNil(t, result.Recommendation)
	require.NotNil(t, result.Validation)
	assert.NotEmpty(t, result.SourceMappings)

	history := m.Selector().History()
	require.Len(t, history, 1)
	assert.Equal(t, StrategyDetailed, history[0].Strategy)
	assert.Equal(t, 1, history[0].UsageCount)
}

func TestMergeClampsTargetLengthToConfiguredBounds(t *testing.T) {
	m := newTestMerger(nil)
	assert.Equal(t, 2000, m.fillParams(Parameters{}).TargetLength)
	assert.Equal(t, 200, m.fillParams(Parameters{TargetLength: 50}).TargetLength)
	assert.Equal(t, 10000, m.fillParams(Parameters{TargetLength: 50000}).TargetLength)
	assert.InDelta(t, 0.2, m.fillParams(Parameters{}).Tolerance, 0.001)
}

// =============================================================================
// OPTIMIZER
// =============================================================================

func TestOptimizeNoTargetPassesThrough(t *testing.T) {
	o := NewOptimizer(nil, 0.7)
	out, metrics, err := o.Optimize(context.Background(), "Short  and   messy.", 0, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "Short and messy.", out)
	assert.Equal(t, 1.0, metrics.LengthAccuracy)
}

func TestOptimizeWithinToleranceLeavesTextAlone(t *testing.T) {
	o := NewOptimizer(nil, 0.7)
	text := strings.TrimSpace(strings.Repeat("A steady sentence about the subject at hand. ", 5))

	out, _, err := o.Optimize(context.Background(), text, len(text), 0.2)
	require.NoError(t, err)
	assert.Equal(t, text, out)
}

func TestOptimizeCompressesOversizedText(t *testing.T) {
	o := NewOptimizer(nil, 0.7)
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("Another observation about the ongoing maintenance program and its scheduling constraints. ")
	}
	text := strings.TrimSpace(b.String())

	out, metrics, err := o.Optimize(context.Background(), text, 400, 0.2)
	require.NoError(t, err)
	assert.Less(t, len(out), len(text))
	assert.Greater(t, metrics.OverallScore, 0.0)
}

func TestOptimizeExpansionWithoutLLMIsUnchanged(t *testing.T) {
	o := NewOptimizer(nil, 0.7)
	text := "Far too short for the target."

	out, _, err := o.Optimize(context.Background(), text, 2000, 0.2)
	require.NoError(t, err)
	assert.Equal(t, text, out)
}

func TestOptimizeExpansionUsesLLM(t *testing.T) {
	expanded := strings.TrimSpace(strings.Repeat("An elaborated sentence that adds faithful supporting detail. ", 8))
	llm := &fakeLLM{reply: expanded}
	o := NewOptimizer(llm, 0.7)

	out, _, err := o.Optimize(context.Background(), "Too thin.", 500, 0.2)
	require.NoError(t, err)
	assert.Greater(t, len(out), len("Too thin."))
	assert.GreaterOrEqual(t, llm.calls.Load(), int64(1))
}

// =============================================================================
// SOURCE TRACKING
// =============================================================================

func TestReferenceTypeBands(t *testing.T) {
	assert.Equal(t, ReferenceDirect, referenceTypeFor(0.95))
	assert.Equal(t, ReferenceParaphrase, referenceTypeFor(0.8))
	assert.Equal(t, ReferenceSummary, referenceTypeFor(0.6))
	assert.Equal(t, ReferenceInferred, referenceTypeFor(0.3))
}

func TestTrackMapsVerbatimParagraphsToSources(t *testing.T) {
	scorer := similarity.NewScorer(similarity.DefaultWeights(), nil)
	tracker := NewTracker(scorer, 0.5, 5, 0.6)

	inputs := reportInputs()
	final := inputs[0].Summary + "\n\n" + inputs[2].Summary

	mappings, validation := tracker.Track(final, inputs)
	require.Len(t, mappings, 2)

	require.NotEmpty(t, mappings[0].References)
	top := mappings[0].References[0]
	assert.Equal(t, 0, top.SegmentIndex)
	assert.Equal(t, ReferenceDirect, top.Type)
	assert.Greater(t, top.Similarity, 0.9)

	require.NotEmpty(t, mappings[1].References)
	assert.Equal(t, 2, mappings[1].References[0].SegmentIndex)

	require.NotNil(t, validation)
	assert.True(t, validation.AccuracyOK)
	assert.True(t, validation.IntegrityOK)
	assert.False(t, validation.CoverageOK, "the findings section is never referenced")
}

func TestTrackFullCoverageScoresHigh(t *testing.T) {
	scorer := similarity.NewScorer(similarity.DefaultWeights(), nil)
	tracker := NewTracker(scorer, 0.5, 5, 0.6)

	inputs := reportInputs()
	final := inputs[0].Summary + "\n\n" + inputs[1].Summary + "\n\n" + inputs[2].Summary

	_, validation := tracker.Track(final, inputs)
	assert.True(t, validation.CoverageOK)
	assert.True(t, validation.ConsistencyOK)
	assert.Greater(t, validation.QualityScore, 0.9)
	assert.Empty(t, validation.Issues)
}

func TestTrackCapsReferencesPerParagraph(t *testing.T) {
	scorer := similarity.NewScorer(similarity.DefaultWeights(), nil)
	tracker := NewTracker(scorer, 0.5, 2, 0)

	shared := "The shared maintenance vocabulary repeats across every single segment summary here."
	inputs := []*batch.SegmentTask{
		titledTask(0, "", shared),
		titledTask(1, "", shared),
		titledTask(2, "", shared),
		titledTask(3, "", shared),
	}

	mappings, _ := tracker.Track(shared, inputs)
	require.Len(t, mappings, 1)
	assert.Len(t, mappings[0].References, 2)
}
