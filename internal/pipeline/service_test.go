package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsum/internal/batch"
	"docsum/internal/cancel"
	"docsum/internal/config"
	"docsum/internal/notify"
	"docsum/internal/partial"
	"docsum/internal/progress"
	"docsum/internal/scheduler"
)

// fakeProvider is a scriptable summarizer backend for end-to-end runs.
type fakeProvider struct {
	delay   time.Duration
	healthy bool
	calls   atomic.Int64
}

func (f *fakeProvider) Summarize(ctx context.Context, text string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if len(text) > 24 {
		text = text[:24]
	}
	return "summary of: " + text, nil
}

func (f *fakeProvider) IsHealthy(ctx context.Context) bool {
	return f.healthy
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.DatabasePath = ":memory:"
	cfg.Logging.Level = "error"
	return cfg
}

func newTestService(t *testing.T, provider *fakeProvider) *Service {
	t.Helper()
	svc, err := New(testConfig(), provider)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelClose()
		svc.Close(ctx)
	})
	return svc
}

func docSegments(n int) []batch.Segment {
	segs := make([]batch.Segment, n)
	for i := 0; i < n; i++ {
		segs[i] = batch.Segment{
			Index: i,
			Title: fmt.Sprintf("Section %d", i+1),
			Content: fmt.Sprintf(
				"Section %d reviews the inspection findings for span %d of the bridge, "+
					"including corrosion depth, fastener condition, and load test results.", i+1, i+1),
		}
	}
	return segs
}

// waitForStatus polls until the batch reaches the wanted status.
func waitForStatus(t *testing.T, svc *Service, batchID string, want batch.Status, within time.Duration) *batch.Batch {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if b := svc.GetResult(batchID); b != nil && b.Status == want {
			return b
		}
		time.Sleep(10 * time.Millisecond)
	}
	b := svc.GetResult(batchID)
	require.NotNil(t, b, "batch disappeared while waiting")
	t.Fatalf("batch %s stuck in %s, wanted %s", batchID, b.Status, want)
	return nil
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Cancellation.GracefulTimeoutMs = -1

	_, err := New(cfg, &fakeProvider{healthy: true})
	assert.Error(t, err)
}

func TestBatchRunsEndToEnd(t *testing.T) {
	svc := newTestService(t, &fakeProvider{healthy: true})
	ctx := context.Background()

	id, err := svc.StartBatch(ctx, docSegments(4), "", "user-1", scheduler.StartOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	result := waitForStatus(t, svc, id, batch.StatusCompleted, 10*time.Second)
	assert.NotEmpty(t, result.FinalSummary)

	snap := svc.GetProgress(id)
	require.NotNil(t, snap)
	assert.Equal(t, progress.StageCompleted, snap.Stage)
	assert.Equal(t, 4, snap.CompletedSegments)
	assert.InDelta(t, 100.0, snap.OverallProgress, 0.001)

	rec, err := svc.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.BatchID)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, result.FinalSummary, rec.FinalSummary)

	all, err := svc.ListSummaries(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)

	batches := svc.ListBatches("user-1", 1, 10)
	require.Len(t, batches, 1)
	assert.Equal(t, id, batches[0].BatchID)

	m := svc.Metrics()
	assert.Equal(t, int64(1), m.BatchesStarted)
	assert.Equal(t, int64(1), m.BatchesCompleted)
	assert.Equal(t, int64(4), m.SummarizerCalls)
}

func TestSubscribeStreamsBatchEvents(t *testing.T) {
	svc := newTestService(t, &fakeProvider{healthy: true})

	events, unsubscribe := svc.Subscribe("", 128)
	defer unsubscribe()

	id, err := svc.StartBatch(context.Background(), docSegments(3), "", "user-1", scheduler.StartOptions{})
	require.NoError(t, err)

	seen := map[notify.EventType]bool{}
	deadline := time.After(10 * time.Second)
	for !seen[notify.EventBatchCompleted] {
		select {
		case ev := <-events:
			assert.Equal(t, id, ev.BatchID)
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("no terminal event, saw %v", seen)
		}
	}
	assert.True(t, seen[notify.EventSegmentCompleted])
	assert.True(t, seen[notify.EventProgressUpdate])
}

func TestPauseAndResume(t *testing.T) {
	svc := newTestService(t, &fakeProvider{healthy: true, delay: 40 * time.Millisecond})
	ctx := context.Background()

	id, err := svc.StartBatch(ctx, docSegments(6), "", "user-1",
		scheduler.StartOptions{ConcurrencyLimit: 1})
	require.NoError(t, err)

	require.True(t, svc.Pause(id))
	assert.False(t, svc.Pause("no-such-batch"))

	waitForStatus(t, svc, id, batch.StatusPaused, 5*time.Second)

	require.True(t, svc.Resume(id))
	result := waitForStatus(t, svc, id, batch.StatusCompleted, 10*time.Second)
	assert.NotEmpty(t, result.FinalSummary)
}

func TestCancellationFlowsIntoPartialResults(t *testing.T) {
	svc := newTestService(t, &fakeProvider{healthy: true, delay: 60 * time.Millisecond})
	ctx := context.Background()

	id, err := svc.StartBatch(ctx, docSegments(4), "", "user-1",
		scheduler.StartOptions{ConcurrencyLimit: 1})
	require.NoError(t, err)

	// Let some, but not all, segments finish before pulling the plug.
	require.Eventually(t, func() bool {
		snap := svc.GetProgress(id)
		return snap != nil && snap.CompletedSegments >= 1
	}, 5*time.Second, 10*time.Millisecond)

	outcome, err := svc.Cancel(ctx, cancel.Request{
		BatchID:            id,
		UserID:             "user-1",
		Reason:             cancel.ReasonUserRequested,
		SavePartialResults: true,
	})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.True(t, outcome.PartialResultsSaved)
	require.NotEmpty(t, outcome.PartialResultID)

	result := waitForStatus(t, svc, id, batch.StatusCancelled, 5*time.Second)
	assert.Empty(t, result.FinalSummary)

	pr, err := svc.GetPartialResult(ctx, outcome.PartialResultID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, id, pr.BatchID)
	assert.Equal(t, partial.StatusPendingUserDecision, pr.Status)
	assert.Equal(t, 4, pr.TotalSegments)
	assert.NotEmpty(t, pr.CompletedSegments)
	assert.NotEmpty(t, pr.PartialSummary)

	// Ownership is enforced on read.
	_, err = svc.GetPartialResult(ctx, outcome.PartialResultID, "intruder")
	assert.ErrorIs(t, err, partial.ErrNotOwner)

	// The head of the document completed contiguously, so the partial is a
	// viable resume point.
	ok, err := svc.CanContinueFrom(ctx, outcome.PartialResultID, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.UpdatePartialResult(ctx, outcome.PartialResultID,
		partial.StatusAccepted, "keep what finished", "user-1"))

	updated, err := svc.GetPartialResult(ctx, outcome.PartialResultID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, partial.StatusAccepted, updated.Status)
	assert.Equal(t, "keep what finished", updated.UserComment)

	listed, err := svc.ListPartialResults(ctx, "user-1", "", 1, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, outcome.PartialResultID, listed[0].ID)
}

func TestCancelValidation(t *testing.T) {
	svc := newTestService(t, &fakeProvider{healthy: true, delay: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := svc.Cancel(ctx, cancel.Request{BatchID: "no-such-batch", UserID: "user-1"})
	assert.ErrorIs(t, err, cancel.ErrNotRegistered)

	id, err := svc.StartBatch(ctx, docSegments(3), "", "user-1",
		scheduler.StartOptions{ConcurrencyLimit: 1})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, cancel.Request{BatchID: id, UserID: "intruder"})
	assert.ErrorIs(t, err, cancel.ErrNotOwner)

	waitForStatus(t, svc, id, batch.StatusCompleted, 10*time.Second)
}

func TestFaultStatsAccessible(t *testing.T) {
	svc := newTestService(t, &fakeProvider{healthy: true})
	stats := svc.FaultStats()
	assert.Zero(t, stats.TotalErrors)
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, err := New(testConfig(), &fakeProvider{healthy: true})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Close(ctx))
	assert.NoError(t, svc.Close(ctx))
}
