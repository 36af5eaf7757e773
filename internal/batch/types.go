// Package batch defines the domain types of the summarization pipeline:
// segments, per-segment tasks, the batch aggregate, and their status
// machines. The scheduler owns all mutation; everything here is plain data
// plus transition helpers that enforce the lifecycle invariants.
package batch

import (
	"time"
)

// Segment is one ordered chunk of the input document. Immutable; ordering
// by Index is canonical throughout the pipeline.
type Segment struct {
	Index   int    `json:"index"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// TaskStatus is the lifecycle state of a SegmentTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRetrying   TaskStatus = "retrying"
)

// IsTerminal reports whether the task will never change state again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// SegmentTask is the scheduling record for one segment.
type SegmentTask struct {
	SegmentIndex  int        `json:"segment_index"`
	SourceSegment Segment    `json:"source_segment"`
	Status        TaskStatus `json:"status"`
	Summary       string     `json:"summary,omitempty"`
	RetryCount    int        `json:"retry_count"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// NewTask creates a pending task for a segment.
func NewTask(seg Segment) *SegmentTask {
	return &SegmentTask{
		SegmentIndex:  seg.Index,
		SourceSegment: seg,
		Status:        TaskPending,
	}
}

// MarkProcessing transitions the task into Processing.
func (t *SegmentTask) MarkProcessing(now time.Time) {
	t.Status = TaskProcessing
	if t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
}

// MarkCompleted finalizes the task with its summary. Completed tasks carry
// a non-empty summary and a completion timestamp.
func (t *SegmentTask) MarkCompleted(summary string, now time.Time) {
	t.Status = TaskCompleted
	t.Summary = summary
	t.Error = ""
	completed := now
	t.CompletedAt = &completed
}

// MarkFailed finalizes the task with its error.
func (t *SegmentTask) MarkFailed(errMsg string, now time.Time) {
	t.Status = TaskFailed
	t.Error = errMsg
	completed := now
	t.CompletedAt = &completed
}

// MarkRetrying parks the task for redispatch and counts the attempt.
func (t *SegmentTask) MarkRetrying(errMsg string) {
	t.Status = TaskRetrying
	t.Error = errMsg
	t.RetryCount++
}

// Clone returns an independent copy of the task.
func (t *SegmentTask) Clone() *SegmentTask {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// Status is the lifecycle state of a Batch.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the batch is frozen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from → to is a legal batch transition.
// The machine is monotone except for the Paused ↔ Processing pair.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to == StatusPaused || to.IsTerminal()
	case StatusPaused:
		return to == StatusProcessing || to.IsTerminal()
	default: // terminal
		return false
	}
}

// Priority orders batches for admission.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Stats aggregates batch-level counters.
type Stats struct {
	TotalSegments     int           `json:"total_segments"`
	CompletedSegments int           `json:"completed_segments"`
	FailedSegments    int           `json:"failed_segments"`
	TotalRetries      int           `json:"total_retries"`
	InputChars        int           `json:"input_chars"`
	SummaryChars      int           `json:"summary_chars"`
	AvgSegmentTime    time.Duration `json:"avg_segment_time"`
}

// Batch is the aggregate job for one submission of ordered segments.
type Batch struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	OriginalText     string         `json:"-"`
	Tasks            []*SegmentTask `json:"tasks"`
	Status           Status         `json:"status"`
	StartTime        time.Time      `json:"start_time"`
	CompletedTime    *time.Time     `json:"completed_time,omitempty"`
	ConcurrencyLimit int            `json:"concurrency_limit"`
	Priority         Priority       `json:"priority"`
	FinalSummary     string         `json:"final_summary,omitempty"`
	Stats            Stats          `json:"stats"`
}

// CompletedTasks returns the completed tasks in ascending segment order.
// Task order in the slice is already canonical; this filters, not sorts.
func (b *Batch) CompletedTasks() []*SegmentTask {
	var completed []*SegmentTask
	for _, t := range b.Tasks {
		if t.Status == TaskCompleted {
			completed = append(completed, t)
		}
	}
	return completed
}

// CountByStatus tallies tasks per status.
func (b *Batch) CountByStatus() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range b.Tasks {
		counts[t.Status]++
	}
	return counts
}

// AllTasksTerminal reports whether every task reached a terminal state.
func (b *Batch) AllTasksTerminal() bool {
	for _, t := range b.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to readers.
func (b *Batch) Clone() *Batch {
	c := *b
	if b.CompletedTime != nil {
		completed := *b.CompletedTime
		c.CompletedTime = &completed
	}
	c.Tasks = make([]*SegmentTask, len(b.Tasks))
	for i, t := range b.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return &c
}
