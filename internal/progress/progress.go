// Package progress derives weighted multi-stage progress, throughput, and
// ETA from task completions. Every batch owns one Tracker; the scheduler
// feeds it completions and stage changes, subscribers read snapshots.
package progress

import (
	"sync"
	"time"

	"docsum/internal/config"
)

// Stage is a phase of batch processing.
type Stage string

const (
	StageInitializing    Stage = "initializing"
	StageSegmenting      Stage = "segmenting"
	StageBatchProcessing Stage = "batch_processing"
	StageMerging         Stage = "merging"
	StageFinalizing      Stage = "finalizing"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// stageOrder lists the working stages in execution order. Completed and
// Failed are terminal markers, not weighted phases.
var stageOrder = []Stage{
	StageInitializing,
	StageSegmenting,
	StageBatchProcessing,
	StageMerging,
	StageFinalizing,
}

// stageTimeMultiplier amplifies the per-segment time estimate for stages
// slower than plain batch processing.
func stageTimeMultiplier(stage Stage) float64 {
	switch stage {
	case StageMerging:
		return 1.2
	case StageFinalizing:
		return 1.1
	default:
		return 1.0
	}
}

// Speed is windowed throughput.
type Speed struct {
	SegmentsPerMinute float64       `json:"segments_per_minute"`
	CharsPerSecond    float64       `json:"chars_per_second"`
	AvgLatency        time.Duration `json:"avg_latency"`
	MinLatency        time.Duration `json:"min_latency"`
	MaxLatency        time.Duration `json:"max_latency"`
	EfficiencyPct     float64       `json:"efficiency_pct"`
}

// Snapshot is a point-in-time view of batch progress.
type Snapshot struct {
	BatchID           string        `json:"batch_id"`
	TotalSegments     int           `json:"total_segments"`
	CurrentSegment    int           `json:"current_segment"`
	CompletedSegments int           `json:"completed_segments"`
	FailedSegments    int           `json:"failed_segments"`
	Stage             Stage         `json:"stage"`
	OverallProgress   float64       `json:"overall_progress"` // [0,100]
	StageProgress     float64       `json:"stage_progress"`   // [0,100]
	Elapsed           time.Duration `json:"elapsed"`
	EstRemaining      time.Duration `json:"est_remaining"` // 0 = unknown
	AvgSegmentTime    time.Duration `json:"avg_segment_time"`
	Speed             Speed         `json:"speed"`
	LastUpdated       time.Time     `json:"last_updated"`
}

type sample struct {
	at      time.Time
	chars   int
	latency time.Duration
}

// Tracker accumulates progress for one batch. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	batchID string
	total   int
	weights config.StageWeightsConfig
	window  time.Duration

	stage          Stage
	completed      int
	failed         int
	currentSegment int
	startTime      time.Time
	samples        []sample
	totalLatency   time.Duration

	// lastOverall enforces monotone non-decreasing overall progress.
	lastOverall float64

	now func() time.Time
}

// NewTracker starts tracking a batch of totalSegments segments.
func NewTracker(batchID string, totalSegments int, weights config.StageWeightsConfig, window time.Duration) *Tracker {
	return &Tracker{
		batchID:   batchID,
		total:     totalSegments,
		weights:   weights,
		window:    window,
		stage:     StageInitializing,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// SetClock replaces the clock, for deterministic tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.startTime = now()
}

// SetStage advances the tracker to a new stage.
func (t *Tracker) SetStage(stage Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stage = stage
}

// Stage returns the current stage.
func (t *Tracker) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// RecordDispatch notes that a segment entered processing.
func (t *Tracker) RecordDispatch(segmentIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if segmentIndex > t.currentSegment {
		t.currentSegment = segmentIndex
	}
}

// RecordCompletion counts a completed segment and feeds the speed window.
func (t *Tracker) RecordCompletion(segmentIndex, chars int, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	t.totalLatency += latency
	t.samples = append(t.samples, sample{at: t.now(), chars: chars, latency: latency})
	t.pruneLocked()
}

// RecordFailure counts a failed segment.
func (t *Tracker) RecordFailure(segmentIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
}

// pruneLocked drops samples older than the window.
func (t *Tracker) pruneLocked() {
	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append([]sample(nil), t.samples[i:]...)
	}
}

// stageWeight returns the configured weight of a stage.
func (t *Tracker) stageWeight(stage Stage) float64 {
	switch stage {
	case StageInitializing:
		return float64(t.weights.Initializing)
	case StageSegmenting:
		return float64(t.weights.Segmenting)
	case StageBatchProcessing:
		return float64(t.weights.BatchProcessing)
	case StageMerging:
		return float64(t.weights.Merging)
	case StageFinalizing:
		return float64(t.weights.Finalizing)
	default:
		return 0
	}
}

// stageProgressLocked computes the current stage's own progress in [0,100].
func (t *Tracker) stageProgressLocked() float64 {
	switch t.stage {
	case StageBatchProcessing:
		if t.total == 0 {
			return 100
		}
		done := t.completed + t.failed
		p := float64(done) / float64(t.total) * 100
		if p > 100 {
			p = 100
		}
		return p
	case StageCompleted, StageFailed:
		return 100
	default:
		// Short stages report 50 while active; their weight is small
		// enough that the approximation never moves progress visibly.
		return 50
	}
}

// overallLocked computes weighted overall progress, unclamped.
func (t *Tracker) overallLocked(stageProgress float64) float64 {
	if t.stage == StageCompleted {
		return 100
	}
	var overall float64
	for _, s := range stageOrder {
		if s == t.stage {
			overall += t.stageWeight(s) * stageProgress / 100
			return overall
		}
		overall += t.stageWeight(s)
	}
	// Stage is Failed: progress holds at the last observed value.
	return t.lastOverall
}

// Snapshot returns the current progress view. Overall progress is clamped
// monotone non-decreasing across snapshots.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.startTime)
	stageProgress := t.stageProgressLocked()

	overall := t.overallLocked(stageProgress)
	if overall < t.lastOverall {
		overall = t.lastOverall
	}
	t.lastOverall = overall

	var avgSegment time.Duration
	if t.completed > 0 {
		avgSegment = elapsed / time.Duration(t.completed)
	}

	var estRemaining time.Duration
	if t.completed > 0 && t.total > t.completed {
		remaining := t.total - t.completed
		estRemaining = time.Duration(float64(avgSegment) * float64(remaining) * stageTimeMultiplier(t.stage))
	}

	return &Snapshot{
		BatchID:           t.batchID,
		TotalSegments:     t.total,
		CurrentSegment:    t.currentSegment,
		CompletedSegments: t.completed,
		FailedSegments:    t.failed,
		Stage:             t.stage,
		OverallProgress:   overall,
		StageProgress:     stageProgress,
		Elapsed:           elapsed,
		EstRemaining:      estRemaining,
		AvgSegmentTime:    avgSegment,
		Speed:             t.speedLocked(now),
		LastUpdated:       now,
	}
}

// speedLocked derives windowed throughput.
func (t *Tracker) speedLocked(now time.Time) Speed {
	t.pruneLocked()
	if len(t.samples) == 0 {
		return Speed{}
	}

	var chars int
	var total, minLat, maxLat time.Duration
	for i, s := range t.samples {
		chars += s.chars
		total += s.latency
		if i == 0 || s.latency < minLat {
			minLat = s.latency
		}
		if s.latency > maxLat {
			maxLat = s.latency
		}
	}

	span := now.Sub(t.samples[0].at)
	if span < time.Second {
		span = time.Second
	}

	n := len(t.samples)
	avgLat := total / time.Duration(n)

	speed := Speed{
		SegmentsPerMinute: float64(n) / span.Minutes(),
		CharsPerSecond:    float64(chars) / span.Seconds(),
		AvgLatency:        avgLat,
		MinLatency:        minLat,
		MaxLatency:        maxLat,
	}

	// Efficiency: measured throughput against the ideal of zero wait
	// between completions at the observed average latency.
	if avgLat > 0 {
		ideal := time.Minute.Seconds() / avgLat.Seconds()
		if ideal > 0 {
			speed.EfficiencyPct = speed.SegmentsPerMinute / ideal * 100
			if speed.EfficiencyPct > 100 {
				speed.EfficiencyPct = 100
			}
		}
	}
	return speed
}
