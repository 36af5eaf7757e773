package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsum/internal/batch"
	"docsum/internal/similarity"
)

func summaryTask(index int, summary string) *batch.SegmentTask {
	task := batch.NewTask(batch.Segment{Index: index})
	task.Status = batch.TaskCompleted
	task.Summary = summary
	return task
}

func newTestDedup(params DedupParams) *Deduplicator {
	scorer := similarity.NewScorer(similarity.DefaultWeights(), nil)
	return NewDeduplicator(scorer, params)
}

func TestDeduplicateRemovesNearIdenticalSummaries(t *testing.T) {
	repeated := "The reactor core temperature stayed within nominal bounds throughout the test window."
	inputs := []*batch.SegmentTask{
		summaryTask(0, repeated),
		summaryTask(1, repeated),
		summaryTask(2, "Coolant flow was increased by twelve percent after the second checkpoint."),
		summaryTask(3, repeated),
		summaryTask(4, "Operators logged no anomalies during the final shutdown sequence."),
	}

	d := newTestDedup(DedupParams{SimilarityThreshold: 0.8, ContextWindow: 0})
	result, err := d.Deduplicate(context.Background(), inputs)
	require.NoError(t, err)

	assert.Equal(t, 5, result.OriginalCount)
	assert.Equal(t, 3, result.FinalCount)
	assert.Equal(t, 2, result.DuplicatesRemoved)

	require.Len(t, result.DuplicateGroups, 1)
	group := result.DuplicateGroups[0]
	assert.Equal(t, []int{0, 1, 3}, group.Members)
	assert.Equal(t, 0, group.Representative)
	assert.InDelta(t, 1.0, group.MaxSimilarity, 0.01)

	// Survivors stay in segment order.
	var indices []int
	for _, task := range result.Deduplicated {
		indices = append(indices, task.SegmentIndex)
	}
	assert.Equal(t, []int{0, 2, 4}, indices)
}

func TestDeduplicateIsIdempotent(t *testing.T) {
	repeated := "Quarterly revenue exceeded the forecast across every regional division this period."
	inputs := []*batch.SegmentTask{
		summaryTask(0, repeated),
		summaryTask(1, repeated),
		summaryTask(2, "Headcount grew modestly while attrition dropped to a three year low."),
	}

	d := newTestDedup(DedupParams{SimilarityThreshold: 0.8, ContextWindow: 0})
	first, err := d.Deduplicate(context.Background(), inputs)
	require.NoError(t, err)
	require.Equal(t, 1, first.DuplicatesRemoved)

	second, err := d.Deduplicate(context.Background(), first.Deduplicated)
	require.NoError(t, err)
	assert.Zero(t, second.DuplicatesRemoved)
	assert.Equal(t, first.FinalCount, second.FinalCount)
}

func TestDeduplicateKeepsLongerVersion(t *testing.T) {
	short := "The migration finished without data loss and downtime stayed under a minute."
	long := short + " The migration finished without data loss and downtime stayed under a minute."
	inputs := []*batch.SegmentTask{
		summaryTask(0, short),
		summaryTask(1, long),
	}

	d := newTestDedup(DedupParams{
		SimilarityThreshold:   0.8,
		ContextWindow:         0,
		PreserveLongerVersion: true,
	})
	result, err := d.Deduplicate(context.Background(), inputs)
	require.NoError(t, err)

	require.Equal(t, 1, result.FinalCount)
	assert.Equal(t, long, result.Deduplicated[0].Summary)
	require.Len(t, result.DuplicateGroups, 1)
	assert.Equal(t, 1, result.DuplicateGroups[0].Representative)
}

func TestDeduplicateSkipsShortSummaries(t *testing.T) {
	inputs := []*batch.SegmentTask{
		summaryTask(0, "ok"),
		summaryTask(1, "ok"),
	}

	d := newTestDedup(DedupParams{
		SimilarityThreshold:    0.8,
		ContextWindow:          0,
		MinLengthForComparison: 20,
	})
	result, err := d.Deduplicate(context.Background(), inputs)
	require.NoError(t, err)
	assert.Zero(t, result.DuplicatesRemoved, "summaries under the length floor are never compared")
}

func TestDeduplicateContextWindowLimitsComparisons(t *testing.T) {
	repeated := "Identical findings were reported by the northern and the southern field teams alike."
	inputs := []*batch.SegmentTask{
		summaryTask(0, repeated),
		summaryTask(1, "An unrelated archaeological note about pottery shards near the river delta."),
		summaryTask(2, "Weather delayed the helicopter survey by two full days in late March."),
		summaryTask(5, repeated),
	}

	// Segments 0 and 5 are farther apart than the window, so the duplicate
	// pair is never examined.
	d := newTestDedup(DedupParams{SimilarityThreshold: 0.8, ContextWindow: 2})
	result, err := d.Deduplicate(context.Background(), inputs)
	require.NoError(t, err)
	assert.Zero(t, result.DuplicatesRemoved)

	all := newTestDedup(DedupParams{SimilarityThreshold: 0.8, ContextWindow: 0})
	result, err = all.Deduplicate(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DuplicatesRemoved)
}

// flatEmbedder returns the same vector for every text, so any semantic
// comparison scores 1.
type flatEmbedder struct {
	err   error
	calls int
}

func (f *flatEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *flatEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestDeduplicateSemanticPassEmbedsOnce(t *testing.T) {
	// Lexically near-missed paraphrases: Jaccard ~0.73 sits under the 0.8
	// threshold but above the deep-pass floor.
	inputs := []*batch.SegmentTask{
		summaryTask(0, "the pipeline merges partial summaries into one final report"),
		summaryTask(1, "the pipeline merges partial summaries into one final document instead"),
	}

	emb := &flatEmbedder{}
	d := NewDeduplicator(similarity.NewScorer(similarity.DefaultWeights(), emb), DedupParams{
		SimilarityThreshold:   0.8,
		UseSemanticSimilarity: true,
		SemanticThreshold:     0.7,
	})

	result, err := d.Deduplicate(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DuplicatesRemoved)
	assert.Equal(t, 1, emb.calls, "one batched embedding call covers every undetermined pair")
}

func TestDeduplicateSemanticPassFailureKeepsLexicalVerdicts(t *testing.T) {
	inputs := []*batch.SegmentTask{
		summaryTask(0, "the pipeline merges partial summaries into one final report"),
		summaryTask(1, "the pipeline merges partial summaries into one final document instead"),
	}

	emb := &flatEmbedder{err: assert.AnError}
	d := NewDeduplicator(similarity.NewScorer(similarity.DefaultWeights(), emb), DedupParams{
		SimilarityThreshold:   0.8,
		UseSemanticSimilarity: true,
		SemanticThreshold:     0.7,
	})

	result, err := d.Deduplicate(context.Background(), inputs)
	require.NoError(t, err, "embedding failure degrades, never fails the merge")
	assert.Zero(t, result.DuplicatesRemoved)
}

func TestDeduplicateHandlesTinyInput(t *testing.T) {
	d := newTestDedup(DedupParams{})

	result, err := d.Deduplicate(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, result.OriginalCount)

	one := []*batch.SegmentTask{summaryTask(0, "a single lonely summary stands alone")}
	result, err = d.Deduplicate(context.Background(), one)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FinalCount)
	assert.Zero(t, result.DuplicatesRemoved)
}
