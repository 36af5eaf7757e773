package batch

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLifecycle(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	task := NewTask(Segment{Index: 3, Title: "Methods", Content: "..."})

	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, 3, task.SegmentIndex)
	assert.Nil(t, task.StartedAt)

	task.MarkProcessing(now)
	assert.Equal(t, TaskProcessing, task.Status)
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, now, *task.StartedAt)

	task.MarkRetrying("503 service unavailable")
	assert.Equal(t, TaskRetrying, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "503 service unavailable", task.Error)

	// Redispatch keeps the original start time.
	task.MarkProcessing(now.Add(time.Second))
	assert.Equal(t, now, *task.StartedAt)

	done := now.Add(2 * time.Second)
	task.MarkCompleted("a summary", done)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, "a summary", task.Summary)
	assert.Empty(t, task.Error, "completion clears the retry error")
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, done, *task.CompletedAt)
	assert.True(t, task.Status.IsTerminal())
}

func TestTaskMarkFailed(t *testing.T) {
	task := NewTask(Segment{Index: 0})
	task.MarkFailed("boom", time.Now())
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, "boom", task.Error)
	assert.True(t, task.Status.IsTerminal())
	assert.False(t, TaskRetrying.IsTerminal())
	assert.False(t, TaskProcessing.IsTerminal())
}

func TestTaskCloneIsIndependent(t *testing.T) {
	task := NewTask(Segment{Index: 1, Content: "body"})
	task.MarkProcessing(time.Now())
	clone := task.Clone()

	require.Empty(t, cmp.Diff(task, clone))

	clone.MarkCompleted("done", time.Now())
	assert.Equal(t, TaskProcessing, task.Status)
	require.NotNil(t, task.StartedAt)
	assert.NotSame(t, task.StartedAt, clone.StartedAt)
}

func TestBatchStateMachine(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusPaused, false},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusPaused, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusQueued, false},
		{StatusPaused, StatusProcessing, true},
		{StatusPaused, StatusCancelled, true},
		{StatusPaused, StatusCompleted, true},
		{StatusPaused, StatusQueued, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCancelled, StatusProcessing, false},
		{StatusProcessing, StatusProcessing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
}

func newTestBatch(statuses ...TaskStatus) *Batch {
	b := &Batch{ID: "b1", Status: StatusProcessing}
	for i, s := range statuses {
		task := NewTask(Segment{Index: i})
		task.Status = s
		b.Tasks = append(b.Tasks, task)
	}
	return b
}

func TestBatchCounters(t *testing.T) {
	b := newTestBatch(TaskCompleted, TaskFailed, TaskCompleted, TaskProcessing, TaskPending)

	counts := b.CountByStatus()
	assert.Equal(t, 2, counts[TaskCompleted])
	assert.Equal(t, 1, counts[TaskFailed])
	assert.Equal(t, 1, counts[TaskProcessing])
	assert.Equal(t, 1, counts[TaskPending])

	completed := b.CompletedTasks()
	require.Len(t, completed, 2)
	assert.Equal(t, 0, completed[0].SegmentIndex)
	assert.Equal(t, 2, completed[1].SegmentIndex)

	assert.False(t, b.AllTasksTerminal())
	assert.True(t, newTestBatch(TaskCompleted, TaskFailed).AllTasksTerminal())
}

func TestBatchCloneIsDeep(t *testing.T) {
	now := time.Now()
	b := newTestBatch(TaskCompleted, TaskPending)
	b.CompletedTime = &now

	clone := b.Clone()
	require.Empty(t, cmp.Diff(b, clone))

	clone.Tasks[1].MarkFailed("x", now)
	clone.Status = StatusFailed
	assert.Equal(t, TaskPending, b.Tasks[1].Status)
	assert.Equal(t, StatusProcessing, b.Status)
	assert.NotSame(t, b.CompletedTime, clone.CompletedTime)
}
