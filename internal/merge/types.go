// Package merge assembles per-segment summaries into the final summary:
// strategy selection over content characteristics and learned history,
// rule-based and LLM-assisted composition pipelines, duplicate removal,
// length optimization, and per-paragraph source tracking.
package merge

import (
	"time"

	"docsum/internal/batch"
)

// Strategy is the style of final-summary assembly.
type Strategy string

const (
	StrategyConcise    Strategy = "concise"
	StrategyDetailed   Strategy = "detailed"
	StrategyStructured Strategy = "structured"
	StrategyBalanced   Strategy = "balanced"
	StrategyCustom     Strategy = "custom"
)

// AllStrategies lists the selectable strategies in evaluation order.
var AllStrategies = []Strategy{
	StrategyConcise,
	StrategyDetailed,
	StrategyStructured,
	StrategyBalanced,
	StrategyCustom,
}

// Method is the engine that runs the merge.
type Method string

const (
	MethodRuleBased   Method = "rule_based"
	MethodStatistical Method = "statistical"
	MethodLLMAssisted Method = "llm_assisted"
	MethodHybrid      Method = "hybrid"
)

// JobStatus tracks a merge job's lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Parameters tunes one merge job.
type Parameters struct {
	// TargetLength in characters; 0 uses the configured default.
	TargetLength int `json:"target_length"`
	// Tolerance as a fraction of the target; 0 uses the configured default.
	Tolerance float64 `json:"tolerance"`
	// TopK bounds how many segments a concise merge keeps; 0 auto-sizes.
	TopK int `json:"top_k"`
	// IncludeTitles prefixes section titles in detailed/structured output.
	IncludeTitles bool `json:"include_titles"`
	// CustomTemplate is the prompt template for the Custom strategy.
	CustomTemplate string `json:"custom_template,omitempty"`
}

// UserPreferences steers strategy selection.
type UserPreferences struct {
	// Length preference: "short", "medium", "long".
	Length string `json:"length,omitempty"`
	// Detail preference: "low", "medium", "high".
	Detail string `json:"detail,omitempty"`
	// Structure asks for sectioned output.
	Structure bool `json:"structure"`
	// DuplicateTolerance in [0,1]; lower means more aggressive dedup.
	DuplicateTolerance float64 `json:"duplicate_tolerance"`
}

// Job is one merge request over completed segment tasks.
type Job struct {
	ID          string               `json:"id"`
	BatchID     string               `json:"batch_id,omitempty"`
	Inputs      []*batch.SegmentTask `json:"inputs"`
	Strategy    Strategy             `json:"strategy,omitempty"` // empty = let the selector decide
	Method      Method               `json:"method,omitempty"`   // empty = let the selector decide
	Parameters  Parameters           `json:"parameters"`
	Preferences *UserPreferences     `json:"preferences,omitempty"`
	Status      JobStatus            `json:"status"`
	Result      *Result              `json:"result,omitempty"`
}

// QualityMetrics grades a merge result. All scores are in [0,1].
type QualityMetrics struct {
	Coherence    float64 `json:"coherence"`
	Completeness float64 `json:"completeness"`
	Conciseness  float64 `json:"conciseness"`
	Accuracy     float64 `json:"accuracy"`
	Overall      float64 `json:"overall"`
}

// Statistics summarizes what the merge did.
type Statistics struct {
	InputCount        int           `json:"input_count"`
	InputChars        int           `json:"input_chars"`
	OutputChars       int           `json:"output_chars"`
	CompressionRatio  float64       `json:"compression_ratio"`
	DuplicatesRemoved int           `json:"duplicates_removed"`
	Duration          time.Duration `json:"duration"`
}

// Result is the outcome of a merge job.
type Result struct {
	FinalSummary    string                      `json:"final_summary"`
	SourceMappings  []ParagraphSourceMapping    `json:"source_mappings,omitempty"`
	QualityMetrics  QualityMetrics              `json:"quality_metrics"`
	Statistics      Statistics                  `json:"statistics"`
	AppliedStrategy Strategy                    `json:"applied_strategy"`
	AppliedMethod   Method                      `json:"applied_method"`
	Dedup           *DedupResult                `json:"dedup,omitempty"`
	Recommendation  *StrategyRecommendation     `json:"recommendation,omitempty"`
	Optimization    *OptimizationQualityMetrics `json:"optimization,omitempty"`
	Validation      *ValidationResult           `json:"validation,omitempty"`
}
