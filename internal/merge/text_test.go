package merge

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "   ", nil},
		{"single", "One sentence without terminal", []string{"One sentence without terminal"}},
		{
			"mixed terminals",
			"First point. Second point! Third point? Done.",
			[]string{"First point.", "Second point!", "Third point?", "Done."},
		},
		{
			"cjk terminals",
			"第一句。第二句。",
			[]string{"第一句。第二句。"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitSentences(tt.in))
		})
	}
}

func TestSplitParagraphs(t *testing.T) {
	got := SplitParagraphs("alpha\n\nbeta\n\n\n\ngamma\n\n")
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, got)
	assert.Nil(t, SplitParagraphs("  \n\n  "))
}

func TestLeadSentences(t *testing.T) {
	text := "Alpha leads. Beta follows. Gamma trails."
	assert.Equal(t, "Alpha leads. Beta follows.", LeadSentences(text, 2))
	assert.Equal(t, text, LeadSentences(text, 5), "asking for more than exists returns everything")
}

func TestKeywordsRankByFrequency(t *testing.T) {
	text := "storage storage storage engine engine query the of and"
	got := Keywords(text, 2)
	assert.Equal(t, []string{"storage", "engine"}, got)

	assert.Empty(t, Keywords("the of and a an", 5), "stopwords never become keywords")
	assert.Empty(t, Keywords("", 5))
}

func TestImportanceScore(t *testing.T) {
	corpus := []string{"pipeline", "scheduler", "retry"}

	assert.Zero(t, ImportanceScore("  ", 2, 10, corpus))

	edge := ImportanceScore("The pipeline scheduler handles retry logic for every batch.", 0, 10, corpus)
	middle := ImportanceScore("The pipeline scheduler handles retry logic for every batch.", 5, 10, corpus)
	assert.Greater(t, edge, middle, "opening segments outrank the middle")

	short := ImportanceScore("pipeline", 5, 10, corpus)
	assert.Greater(t, middle, 0.0)
	assert.LessOrEqual(t, edge, 1.0)
	assert.Less(t, short, edge, "very short summaries are penalized")
}

func TestPostProcess(t *testing.T) {
	in := "Too   many    spaces ..  And\n\n\n\n\nblank lines !"
	got := PostProcess(in)
	assert.NotContains(t, got, "  ")
	assert.NotContains(t, got, "..")
	assert.NotContains(t, got, "\n\n\n")
	assert.NotContains(t, got, " !")
	assert.False(t, strings.HasSuffix(got, " "))
}

func TestPostProcessCollapsesRepeatedPunctuation(t *testing.T) {
	assert.Equal(t, "Done!", PostProcess("Done!!!"))
	assert.Equal(t, "完了。", PostProcess("完了。。。"))
	assert.Equal(t, "Really?!", PostProcess("Really?!"), "mixed runs survive")
	assert.Equal(t, "a, b; c", PostProcess("a,, b;;; c"))
}

func TestEnsureSentenceComplete(t *testing.T) {
	assert.Equal(t, "Complete thought.", EnsureSentenceComplete("Complete thought. Dangling frag"))
	assert.Equal(t, "Already done.", EnsureSentenceComplete("Already done."))
	assert.Equal(t, "no sentence here", EnsureSentenceComplete("no sentence here"))
	assert.Equal(t, "", EnsureSentenceComplete("   "))
}

func TestEnsureSentenceCompleteKeepsMultiByteTerminators(t *testing.T) {
	complete := "これは要約です。"
	got := EnsureSentenceComplete(complete)
	assert.Equal(t, complete, got)
	assert.True(t, utf8.ValidString(got))

	trimmed := EnsureSentenceComplete("第一句。第二句！残り")
	assert.Equal(t, "第一句。第二句！", trimmed)
	assert.True(t, utf8.ValidString(trimmed))
}

func TestAnalyzeContent(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		c := AnalyzeContent(nil, nil)
		assert.Zero(t, c.SegmentCount)
		assert.Zero(t, c.AvgLength)
	})

	t.Run("identical summaries overlap fully", func(t *testing.T) {
		s := "the distributed query planner rewrites joins before execution"
		c := AnalyzeContent([]string{s, s, s}, nil)
		assert.Equal(t, 3, c.SegmentCount)
		assert.InDelta(t, 1.0, c.ContentOverlap, 0.01)
		assert.Zero(t, c.LengthVariance)
	})

	t.Run("disjoint summaries diverge", func(t *testing.T) {
		c := AnalyzeContent([]string{
			"quantum entanglement experiments continued through spring",
			"municipal budget hearings drew unexpected crowds downtown",
		}, nil)
		assert.Less(t, c.ContentOverlap, 0.1)
		assert.Greater(t, c.TopicDiversity, 0.9)
	})

	t.Run("structure level counts titled segments", func(t *testing.T) {
		c := AnalyzeContent(
			[]string{"a body", "b body", "c body", "d body"},
			[]string{"Intro", "", "  ", "Results"},
		)
		assert.InDelta(t, 0.5, c.StructureLevel, 0.001)
	})

	t.Run("complexity is bounded", func(t *testing.T) {
		long := strings.Repeat("various detailed technical material here ", 40)
		summaries := make([]string, 25)
		for i := range summaries {
			summaries[i] = long
		}
		c := AnalyzeContent(summaries, nil)
		require.Greater(t, c.Complexity, 0.0)
		assert.LessOrEqual(t, c.Complexity, 1.0)
	})
}
