package merge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docsum/internal/logging"
)

// StrategyEvaluation scores one candidate strategy for the job at hand.
type StrategyEvaluation struct {
	Strategy         Strategy `json:"strategy"`
	Suitability      float64  `json:"suitability"`
	EstimatedQuality float64  `json:"estimated_quality"`
	Efficiency       float64  `json:"efficiency"`
}

// StrategyRecommendation is the selector's answer.
type StrategyRecommendation struct {
	Strategy     Strategy             `json:"strategy"`
	Method       Method               `json:"method"`
	Parameters   Parameters           `json:"parameters"`
	Confidence   float64              `json:"confidence"`
	Reasons      []string             `json:"reasons"`
	Alternatives []StrategyEvaluation `json:"alternatives"`
}

// PerformanceRecord is the learned history for one strategy.
type PerformanceRecord struct {
	Strategy        Strategy `json:"strategy"`
	AvgQuality      float64  `json:"avg_quality"`
	AvgSatisfaction float64  `json:"avg_satisfaction"`
	UsageCount      int      `json:"usage_count"`
}

// HistoryStore persists the learned-strategy table across restarts.
type HistoryStore interface {
	LoadHistory(ctx context.Context) ([]PerformanceRecord, error)
	SaveHistory(ctx context.Context, records []PerformanceRecord) error
}

// Selector recommends a strategy from content characteristics, user
// preferences, and learned history. Single writer: only RecordOutcome
// mutates the table; readers may see slightly stale values.
type Selector struct {
	mu      sync.RWMutex
	records map[Strategy]*PerformanceRecord
	store   HistoryStore

	// llmAvailable and llm thresholds gate LLM-assisted recommendations.
	llmAvailable bool
	minForLLM    int
}

// NewSelector builds a selector. store may be nil (no persistence).
func NewSelector(store HistoryStore, llmAvailable bool, minSegmentsForLLM int) *Selector {
	if minSegmentsForLLM < 1 {
		minSegmentsForLLM = 5
	}
	return &Selector{
		records:      make(map[Strategy]*PerformanceRecord),
		store:        store,
		llmAvailable: llmAvailable,
		minForLLM:    minSegmentsForLLM,
	}
}

// Load pulls the learned table from the store.
func (s *Selector) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.LoadHistory(ctx)
	if err != nil {
		return fmt.Errorf("failed to load strategy history: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range records {
		r := records[i]
		s.records[r.Strategy] = &r
	}
	return nil
}

// Flush writes the learned table to the store.
func (s *Selector) Flush(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.RLock()
	records := make([]PerformanceRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, *r)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Strategy < records[j].Strategy })
	return s.store.SaveHistory(ctx, records)
}

// RecordOutcome folds one observed merge outcome into the running averages.
func (s *Selector) RecordOutcome(strategy Strategy, quality, satisfaction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[strategy]
	if !ok {
		r = &PerformanceRecord{Strategy: strategy}
		s.records[strategy] = r
	}
	n := float64(r.UsageCount)
	r.AvgQuality = (r.AvgQuality*n + quality) / (n + 1)
	r.AvgSatisfaction = (r.AvgSatisfaction*n + satisfaction) / (n + 1)
	r.UsageCount++
}

// History returns a snapshot of the learned table.
func (s *Selector) History() []PerformanceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]PerformanceRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, *r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Strategy < records[j].Strategy })
	return records
}

// Recommend evaluates all five strategies and picks the best fit.
func (s *Selector) Recommend(chars ContentCharacteristics, prefs *UserPreferences, params Parameters) *StrategyRecommendation {
	evaluations := make([]StrategyEvaluation, 0, len(AllStrategies))
	for _, strategy := range AllStrategies {
		evaluations = append(evaluations, s.evaluate(strategy, chars, prefs, params))
	}

	sort.SliceStable(evaluations, func(i, j int) bool {
		return score(evaluations[i]) > score(evaluations[j])
	})

	best := evaluations[0]
	runnerUp := evaluations[1]

	// Confidence reflects how clearly the winner separates from the field.
	confidence := 0.5 + (score(best)-score(runnerUp))*2
	if confidence > 0.95 {
		confidence = 0.95
	}
	if confidence < 0.5 {
		confidence = 0.5
	}

	rec := &StrategyRecommendation{
		Strategy:     best.Strategy,
		Method:       s.methodFor(best.Strategy, chars),
		Parameters:   params,
		Confidence:   confidence,
		Reasons:      s.reasons(best.Strategy, chars, prefs),
		Alternatives: evaluations,
	}

	logging.Get(logging.CategoryMerge).Debug(
		"recommended strategy %s via %s (confidence %.2f)", rec.Strategy, rec.Method, rec.Confidence)
	return rec
}

func score(e StrategyEvaluation) float64 {
	return 0.5*e.Suitability + 0.3*e.EstimatedQuality + 0.2*e.Efficiency
}

// evaluate blends content fit, preference fit, and learned history.
func (s *Selector) evaluate(strategy Strategy, chars ContentCharacteristics, prefs *UserPreferences, params Parameters) StrategyEvaluation {
	suitability := contentFit(strategy, chars)
	if prefs != nil {
		suitability = 0.7*suitability + 0.3*preferenceFit(strategy, prefs)
	}

	quality := 0.6 // prior for unobserved strategies
	s.mu.RLock()
	if r, ok := s.records[strategy]; ok && r.UsageCount > 0 {
		quality = 0.7*r.AvgQuality + 0.3*r.AvgSatisfaction
	}
	s.mu.RUnlock()

	return StrategyEvaluation{
		Strategy:         strategy,
		Suitability:      suitability,
		EstimatedQuality: quality,
		Efficiency:       efficiency(strategy, chars),
	}
}

func contentFit(strategy Strategy, c ContentCharacteristics) float64 {
	switch strategy {
	case StrategyConcise:
		// High overlap and many segments favor heavy condensation.
		return 0.3 + 0.4*c.ContentOverlap + 0.3*minf(float64(c.SegmentCount)/15, 1)
	case StrategyDetailed:
		// Few, diverse segments deserve full retention.
		fewness := 1 - minf(float64(c.SegmentCount)/10, 1)
		return 0.25 + 0.45*fewness + 0.3*c.TopicDiversity
	case StrategyStructured:
		return 0.2 + 0.6*c.StructureLevel + 0.2*c.TopicDiversity
	case StrategyBalanced:
		// The safe default: strong middle score everywhere.
		return 0.55 + 0.15*(1-c.LengthVariance)
	case StrategyCustom:
		// Only competitive when the job supplies a template, which the
		// caller signals through suitability externally; base is low.
		return 0.1
	default:
		return 0
	}
}

func preferenceFit(strategy Strategy, p *UserPreferences) float64 {
	fit := 0.5
	switch p.Length {
	case "short":
		if strategy == StrategyConcise {
			fit += 0.4
		}
	case "long":
		if strategy == StrategyDetailed {
			fit += 0.4
		}
	}
	switch p.Detail {
	case "high":
		if strategy == StrategyDetailed || strategy == StrategyStructured {
			fit += 0.2
		}
	case "low":
		if strategy == StrategyConcise {
			fit += 0.2
		}
	}
	if p.Structure && strategy == StrategyStructured {
		fit += 0.3
	}
	return minf(fit, 1)
}

func efficiency(strategy Strategy, c ContentCharacteristics) float64 {
	switch strategy {
	case StrategyConcise, StrategyDetailed:
		return 0.9
	case StrategyBalanced:
		return 0.8
	case StrategyStructured:
		return 0.7
	case StrategyCustom:
		return 0.5
	default:
		return 0.5
	}
}

// methodFor picks the engine: complex merges go to the LLM when available
// and allowed, everything else stays rule-based.
func (s *Selector) methodFor(strategy Strategy, chars ContentCharacteristics) Method {
	if strategy == StrategyCustom {
		if s.llmAvailable {
			return MethodLLMAssisted
		}
		return MethodRuleBased
	}
	if s.llmAvailable && chars.SegmentCount >= s.minForLLM && chars.Complexity > 0.5 {
		return MethodHybrid
	}
	return MethodRuleBased
}

func (s *Selector) reasons(strategy Strategy, c ContentCharacteristics, prefs *UserPreferences) []string {
	var reasons []string
	switch strategy {
	case StrategyConcise:
		reasons = append(reasons, fmt.Sprintf("high content overlap (%.2f) favors condensation", c.ContentOverlap))
	case StrategyDetailed:
		reasons = append(reasons, fmt.Sprintf("%d segments are few enough to retain in full", c.SegmentCount))
	case StrategyStructured:
		reasons = append(reasons, fmt.Sprintf("%.0f%% of segments carry titles", c.StructureLevel*100))
	case StrategyBalanced:
		reasons = append(reasons, "balanced composition fits mixed content")
	case StrategyCustom:
		reasons = append(reasons, "custom template requested")
	}
	if prefs != nil && prefs.Length != "" {
		reasons = append(reasons, fmt.Sprintf("user prefers %s output", prefs.Length))
	}
	return reasons
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
