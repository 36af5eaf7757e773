package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"docsum/internal/batch"
	"docsum/internal/fault"
	"docsum/internal/logging"
	"docsum/internal/merge"
	"docsum/internal/notify"
	"docsum/internal/progress"
	"docsum/internal/store"
)

// pausePoll is how often a paused dispatch loop re-checks its gates.
const pausePoll = 20 * time.Millisecond

// runBatch is the per-batch run loop: dispatch every task through the
// concurrency gate, wait for the pool to drain, then finalize.
func (s *Scheduler) runBatch(run *batchRun) {
	defer s.wg.Done()
	log := logging.Get(logging.CategoryScheduler)

	// Forced cancellation aborts in-flight summarizer calls through this
	// context; graceful cancellation lets them finish.
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go func() {
		select {
		case <-ctx.Done():
		case <-run.token.Done():
			if run.token.IsForced() {
				cancelCtx()
			}
		}
	}()

	// Segments arrive pre-segmented, so the early stages are bookkeeping.
	run.tracker.SetStage(progress.StageSegmenting)
	run.tracker.SetStage(progress.StageBatchProcessing)
	s.publishProgress(run)

	sem := semaphore.NewWeighted(int64(run.b.ConcurrencyLimit))
	var workers sync.WaitGroup

	// Dispatch in ascending segment order. Completion order is up to the
	// pool; the merge re-sorts.
	for _, task := range run.b.Tasks {
		if run.token.IsRequested() {
			break
		}
		if !s.waitWhilePaused(run) {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if run.token.IsRequested() {
			sem.Release(1)
			break
		}

		task := task
		run.mu.Lock()
		task.MarkProcessing(time.Now())
		run.inFlight++
		run.mu.Unlock()
		run.tracker.RecordDispatch(task.SegmentIndex)
		s.metrics.recordWorkerStart()

		workers.Add(1)
		go func() {
			defer workers.Done()
			defer sem.Release(1)
			defer s.metrics.recordWorkerDone()
			s.processTask(ctx, run, task)
			run.mu.Lock()
			run.inFlight--
			run.mu.Unlock()
		}()
	}

	workers.Wait()

	if run.token.IsRequested() {
		// The cancellation manager owns the terminal transition; the run
		// loop just leaves quietly.
		log.Info("batch %s run loop exiting on cancellation", run.b.ID)
		return
	}

	s.finalize(ctx, run)
}

// waitWhilePaused blocks while the batch is paused. Returns false when
// cancellation arrived during the wait.
func (s *Scheduler) waitWhilePaused(run *batchRun) bool {
	for {
		run.mu.Lock()
		paused := run.paused
		run.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-run.token.Done():
			return false
		case <-time.After(pausePoll):
		}
	}
}

// processTask runs one task to a terminal state, retrying retryable
// failures under the severity's budget. The worker holds its permit
// through backoff, so the concurrency bound covers waiting retries too.
func (s *Scheduler) processTask(ctx context.Context, run *batchRun, task *batch.SegmentTask) {
	log := logging.Get(logging.CategoryScheduler)
	batchID := run.b.ID

	s.cancels.SetSafeCheckpoint(batchID, task.SegmentIndex, false)
	defer s.cancels.SetSafeCheckpoint(batchID, task.SegmentIndex, true)

	started := time.Now()
	for {
		s.metrics.callsTotal.Add(1)
		summary, err := s.llm.Summarize(ctx, task.SourceSegment.Content)
		if err == nil {
			s.completeTask(run, task, summary, time.Since(started))
			return
		}

		classified := fault.Classify(err)
		if classified == nil {
			// Pure cancellation: leave the task for the cancellation
			// manager to freeze.
			return
		}
		classified.WithBatch(batchID).WithContext("segment_index", task.SegmentIndex)

		budget := fault.RetryBudgetFor(classified.Severity)
		retryable := fault.IsRetryableCategory(classified.Category) &&
			task.RetryCount < budget.MaxAttempts

		if !retryable {
			s.failTask(ctx, run, task, classified)
			return
		}

		run.mu.Lock()
		task.MarkRetrying(classified.Error())
		run.b.Stats.TotalRetries++
		run.mu.Unlock()
		s.metrics.retriesTotal.Add(1)

		delay := budget.Backoff(task.RetryCount - 1)
		log.Debug("batch %s segment %d retry %d/%d in %v: %v",
			batchID, task.SegmentIndex, task.RetryCount, budget.MaxAttempts, delay, err)

		// Backoff is a suspension point: observe cancellation.
		select {
		case <-ctx.Done():
			return
		case <-run.token.Done():
			if run.token.IsForced() {
				return
			}
		case <-time.After(delay):
		}
		if run.token.IsRequested() && run.token.IsForced() {
			return
		}

		run.mu.Lock()
		task.MarkProcessing(time.Now())
		run.mu.Unlock()
	}
}

// completeTask commits a successful summary unless the batch froze.
func (s *Scheduler) completeTask(run *batchRun, task *batch.SegmentTask, summary string, latency time.Duration) {
	run.mu.Lock()
	if run.b.Status.IsTerminal() {
		run.mu.Unlock()
		return
	}
	task.MarkCompleted(summary, time.Now())
	run.b.Stats.CompletedSegments++
	run.b.Stats.SummaryChars += len(summary)
	run.mu.Unlock()

	run.tracker.RecordCompletion(task.SegmentIndex, len(task.SourceSegment.Content), latency)
	if s.notifier != nil {
		s.notifier.Publish(run.b.ID, notify.EventSegmentCompleted, map[string]interface{}{
			"segment_index": task.SegmentIndex,
			"summary_chars": len(summary),
		})
	}
	s.publishProgress(run)
}

// failTask commits a terminal failure and routes the classified error
// through the strategy dispatcher.
func (s *Scheduler) failTask(ctx context.Context, run *batchRun, task *batch.SegmentTask, classified *fault.ProcessingError) {
	run.mu.Lock()
	if run.b.Status.IsTerminal() {
		run.mu.Unlock()
		return
	}
	task.MarkFailed(classified.Error(), time.Now())
	run.b.Stats.FailedSegments++
	run.mu.Unlock()

	run.tracker.RecordFailure(task.SegmentIndex)
	if s.notifier != nil {
		s.notifier.Publish(run.b.ID, notify.EventSegmentFailed, map[string]interface{}{
			"segment_index": task.SegmentIndex,
			"error":         classified.UserMessage,
			"category":      string(classified.Category),
		})
	}
	s.publishProgress(run)

	if s.dispatcher != nil {
		s.dispatcher.DispatchClassified(ctx, classified)
	}
}

// finalize merges completed summaries and settles the batch's terminal
// state once every task is terminal.
func (s *Scheduler) finalize(ctx context.Context, run *batchRun) {
	log := logging.Get(logging.CategoryScheduler)

	run.mu.Lock()
	counts := run.b.CountByStatus()
	completed := counts[batch.TaskCompleted]
	total := len(run.b.Tasks)
	elapsed := time.Since(run.b.StartTime)
	if completed > 0 {
		run.b.Stats.AvgSegmentTime = elapsed / time.Duration(completed)
	}
	run.mu.Unlock()

	if completed == 0 {
		run.tracker.SetStage(progress.StageFailed)
		s.transition(run, batch.StatusFailed)
		if s.notifier != nil {
			s.notifier.Publish(run.b.ID, notify.EventBatchFailed, map[string]interface{}{
				"failed_segments": counts[batch.TaskFailed],
				"total_segments":  total,
			})
		}
		log.Warn("batch %s failed: all %d tasks failed", run.b.ID, total)
		return
	}

	run.tracker.SetStage(progress.StageMerging)
	s.publishProgress(run)

	run.mu.Lock()
	inputs := make([]*batch.SegmentTask, 0, completed)
	for _, t := range run.b.Tasks {
		if t.Status == batch.TaskCompleted {
			inputs = append(inputs, t.Clone())
		}
	}
	run.mu.Unlock()

	job := merge.NewJob(run.b.ID, inputs, run.opts.Strategy, run.opts.MergeParameters, run.opts.Preferences)
	result, err := s.merger.Merge(ctx, job)
	if err != nil {
		classified := fault.Classify(err)
		if classified != nil {
			classified.WithBatch(run.b.ID).WithSource("merger")
			if s.dispatcher != nil {
				s.dispatcher.DispatchClassified(ctx, classified)
			}
		}
		run.tracker.SetStage(progress.StageFailed)
		s.transition(run, batch.StatusFailed)
		if s.notifier != nil {
			s.notifier.Publish(run.b.ID, notify.EventBatchFailed, map[string]interface{}{
				"error": "merge failed",
			})
		}
		log.Error("batch %s merge failed: %v", run.b.ID, err)
		return
	}

	run.tracker.SetStage(progress.StageFinalizing)
	s.publishProgress(run)

	run.mu.Lock()
	run.b.FinalSummary = result.FinalSummary
	run.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.SaveBatchSummary(ctx, run.b, result); err != nil {
			// Persistence failure degrades to in-memory results only.
			log.Warn("failed to persist summary for batch %s: %v", run.b.ID, err)
		}
	}

	run.tracker.SetStage(progress.StageCompleted)
	s.transition(run, batch.StatusCompleted)
	s.publishProgress(run)
	if s.notifier != nil {
		s.notifier.Publish(run.b.ID, notify.EventBatchCompleted, map[string]interface{}{
			"final_summary_chars": len(result.FinalSummary),
			"strategy":            string(result.AppliedStrategy),
			"method":              string(result.AppliedMethod),
			"quality":             result.QualityMetrics.Overall,
		})
	}
	s.metrics.batchesCompleted.Add(1)
	log.Info("batch %s completed: %d/%d segments, %d char summary",
		run.b.ID, completed, total, len(result.FinalSummary))
}

func (s *Scheduler) publishProgress(run *batchRun) {
	if s.notifier != nil {
		s.notifier.Publish(run.b.ID, notify.EventProgressUpdate, run.tracker.Snapshot())
	}
}

// compile-time interface checks
var (
	_ SummarySink = (*storeSink)(nil)
)

// storeSink adapts the sqlite store to the SummarySink port.
type storeSink struct {
	store *store.Store
}

// NewStoreSink wraps a store as a summary sink.
func NewStoreSink(st *store.Store) SummarySink {
	return &storeSink{store: st}
}

func (ss *storeSink) SaveBatchSummary(ctx context.Context, b *batch.Batch, result *merge.Result) error {
	return ss.store.SaveSummary(ctx, &store.SummaryRecord{
		ID:           b.ID,
		BatchID:      b.ID,
		UserID:       b.UserID,
		FinalSummary: result.FinalSummary,
		Strategy:     result.AppliedStrategy,
		Method:       result.AppliedMethod,
		Quality:      result.QualityMetrics,
		Statistics:   result.Statistics,
	})
}
