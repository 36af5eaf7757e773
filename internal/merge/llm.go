package merge

import (
	"context"
	"fmt"
	"strings"

	"docsum/internal/batch"
	"docsum/internal/logging"
	"docsum/internal/summarizer"
)

// LLM-assisted composition: build a strategy-specific prompt over the
// inputs, call the summarizer, post-process its answer.

const promptHeader = "You are merging per-section summaries of one document into a single final summary.\n"

// strategyInstruction returns the prompt paragraph for a strategy.
func strategyInstruction(strategy Strategy, params Parameters) string {
	switch strategy {
	case StrategyConcise:
		return "Produce a concise summary that keeps only the most important points. Prefer short, direct sentences."
	case StrategyDetailed:
		return "Produce a detailed summary that preserves every distinct point from the sections, in their original order."
	case StrategyStructured:
		return "Produce a structured summary organized into titled sections. Start each section heading with '## '."
	case StrategyCustom:
		if t := strings.TrimSpace(params.CustomTemplate); t != "" {
			return t
		}
		return "Produce a well-organized summary of the sections."
	default: // Balanced
		return "Produce a balanced summary: cover all major topics proportionally, grouped into readable paragraphs."
	}
}

// buildMergePrompt assembles the full prompt for an LLM-assisted merge.
func buildMergePrompt(strategy Strategy, inputs []*batch.SegmentTask, params Parameters) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString(strategyInstruction(strategy, params))
	b.WriteString("\n")
	if params.TargetLength > 0 {
		fmt.Fprintf(&b, "Aim for roughly %d characters.\n", params.TargetLength)
	}
	b.WriteString("\nSection summaries, in document order:\n\n")
	for _, t := range inputs {
		title := strings.TrimSpace(t.SourceSegment.Title)
		if title == "" {
			title = fmt.Sprintf("Section %d", t.SegmentIndex+1)
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n", title, strings.TrimSpace(t.Summary))
	}
	b.WriteString("Final summary:")
	return b.String()
}

// composeLLM runs the LLM-assisted pipeline.
func composeLLM(ctx context.Context, llm summarizer.Client, strategy Strategy, inputs []*batch.SegmentTask, params Parameters) (string, error) {
	if llm == nil {
		return "", fmt.Errorf("llm-assisted merge requested but no summarizer is configured")
	}

	prompt := buildMergePrompt(strategy, inputs, params)
	timer := logging.StartTimer(logging.CategoryMerge, "llm-assisted merge")
	raw, err := llm.Summarize(ctx, prompt)
	timer.Stop()
	if err != nil {
		return "", fmt.Errorf("llm merge call failed: %w", err)
	}

	out := PostProcess(raw)
	if params.TargetLength > 0 {
		tolerance := params.Tolerance
		if tolerance <= 0 {
			tolerance = 0.2
		}
		limit := int(float64(params.TargetLength) * (1 + tolerance))
		if len(out) > limit {
			out = EnsureSentenceComplete(out[:limit])
		}
	}
	return out, nil
}

// composeHybrid runs rule-based composition first and refines through the
// LLM only when the draft overshoots the target length or scores below the
// quality threshold.
func composeHybrid(ctx context.Context, llm summarizer.Client, strategy Strategy, inputs []*batch.SegmentTask, params Parameters, draftQuality, qualityThreshold float64) (string, Method, error) {
	draft := composeRuleBased(strategy, inputs, params)

	target := params.TargetLength
	needsRefine := false
	if target > 0 && float64(len(draft)) > float64(target)*1.2 {
		needsRefine = true
	}
	if draftQuality < qualityThreshold {
		needsRefine = true
	}

	if !needsRefine || llm == nil {
		return draft, MethodRuleBased, nil
	}

	refined, err := composeLLM(ctx, llm, strategy, inputs, params)
	if err != nil {
		// The draft is still a valid answer; degrade instead of failing.
		logging.Get(logging.CategoryMerge).Warn("hybrid refinement failed, keeping rule-based draft: %v", err)
		return draft, MethodRuleBased, nil
	}
	return refined, MethodHybrid, nil
}
