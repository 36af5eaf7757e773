// Package scheduler admits batches and runs their segment tasks through a
// bounded worker pool: dispatch in segment order under a weighted
// semaphore, severity-scaled retry with exponential backoff, pause as a
// soft dispatch gate, cancellation observed at every suspension point, and
// a final merge once all tasks settle.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"docsum/internal/batch"
	"docsum/internal/cancel"
	"docsum/internal/config"
	"docsum/internal/fault"
	"docsum/internal/logging"
	"docsum/internal/merge"
	"docsum/internal/notify"
	"docsum/internal/progress"
	"docsum/internal/summarizer"
)

// SummarySink persists final summaries. Optional; the pipeline layer
// injects the sqlite store.
type SummarySink interface {
	SaveBatchSummary(ctx context.Context, b *batch.Batch, result *merge.Result) error
}

// StartOptions tunes one batch admission.
type StartOptions struct {
	// ConcurrencyLimit in [1,10]; 0 uses the configured default.
	ConcurrencyLimit int
	Priority         batch.Priority
	// Strategy pins the merge strategy; empty lets the selector decide.
	Strategy merge.Strategy
	// MergeParameters tunes the final merge.
	MergeParameters merge.Parameters
	Preferences     *merge.UserPreferences
}

// Scheduler owns the batch registry and the per-batch run loops.
type Scheduler struct {
	cfg        *config.Config
	llm        summarizer.Client
	cancels    *cancel.Manager
	notifier   *notify.Notifier
	merger     *merge.Merger
	dispatcher *fault.Dispatcher
	sink       SummarySink

	mu   sync.RWMutex
	runs map[string]*batchRun

	metrics Metrics
	wg      sync.WaitGroup
}

// batchRun is the mutable state of one admitted batch.
type batchRun struct {
	mu      sync.Mutex
	b       *batch.Batch
	token   *cancel.Token
	tracker *progress.Tracker
	paused  bool

	opts StartOptions

	// inFlight counts tasks currently processing, for the concurrency
	// invariant and the graceful-cancellation wait.
	inFlight int
}

// New builds a scheduler. cancels must be wired with this scheduler as its
// accessor (the pipeline layer does that); sink may be nil.
func New(cfg *config.Config, llm summarizer.Client, cancels *cancel.Manager, notifier *notify.Notifier, merger *merge.Merger, dispatcher *fault.Dispatcher, sink SummarySink) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		llm:        llm,
		cancels:    cancels,
		notifier:   notifier,
		merger:     merger,
		dispatcher: dispatcher,
		sink:       sink,
		runs:       make(map[string]*batchRun),
	}
}

// StartBatch validates and admits a batch, registers its cancellation
// token, and starts the run loop. Returns the batch id.
func (s *Scheduler) StartBatch(ctx context.Context, segments []batch.Segment, originalText, userID string, opts StartOptions) (string, error) {
	if len(segments) == 0 {
		return "", fault.New(fault.CategoryValidation, fault.SeverityError,
			"batch must contain at least one segment")
	}
	if userID == "" {
		return "", fault.New(fault.CategoryValidation, fault.SeverityError,
			"batch must carry a user id")
	}

	limit := opts.ConcurrencyLimit
	if limit == 0 {
		limit = s.cfg.Concurrency.Default
	}
	if limit < s.cfg.Concurrency.Min || limit > s.cfg.Concurrency.Max {
		return "", fault.Newf(fault.CategoryValidation, fault.SeverityError,
			"concurrency limit %d outside [%d, %d]", limit, s.cfg.Concurrency.Min, s.cfg.Concurrency.Max)
	}
	if opts.Priority == "" {
		opts.Priority = batch.PriorityNormal
	}

	// Segments must arrive in canonical order with distinct indices.
	ordered := append([]batch.Segment(nil), segments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	seen := make(map[int]bool, len(ordered))
	for _, seg := range ordered {
		if seg.Index < 0 || seen[seg.Index] {
			return "", fault.Newf(fault.CategoryValidation, fault.SeverityError,
				"segment index %d is negative or duplicated", seg.Index)
		}
		seen[seg.Index] = true
	}

	b := &batch.Batch{
		ID:               uuid.NewString(),
		UserID:           userID,
		OriginalText:     originalText,
		Status:           batch.StatusQueued,
		StartTime:        time.Now(),
		ConcurrencyLimit: limit,
		Priority:         opts.Priority,
		Stats:            batch.Stats{TotalSegments: len(ordered)},
	}
	for _, seg := range ordered {
		b.Tasks = append(b.Tasks, batch.NewTask(seg))
		b.Stats.InputChars += len(seg.Content)
	}

	var token *cancel.Token
	func() {
		defer func() {
			if r := recover(); r != nil {
				token = nil
			}
		}()
		token = s.cancels.RegisterBatch(b.ID)
	}()
	if token == nil {
		return "", fault.Newf(fault.CategorySystem, fault.SeverityError,
			"failed to register cancellation token for batch %s", b.ID)
	}

	run := &batchRun{
		b:       b,
		token:   token,
		tracker: progress.NewTracker(b.ID, len(ordered), s.cfg.Progress.StageWeights, s.cfg.SpeedWindow()),
		opts:    opts,
	}

	s.mu.Lock()
	s.runs[b.ID] = run
	s.mu.Unlock()
	s.metrics.batchesStarted.Add(1)

	s.transition(run, batch.StatusProcessing)
	logging.Get(logging.CategoryScheduler).Info(
		"admitted batch %s: %d segments, concurrency %d, priority %s",
		b.ID, len(ordered), limit, opts.Priority)

	s.wg.Add(1)
	go s.runBatch(run)
	return b.ID, nil
}

// GetBatchProgress returns a progress snapshot, or nil for unknown ids.
func (s *Scheduler) GetBatchProgress(batchID string) *progress.Snapshot {
	run := s.get(batchID)
	if run == nil {
		return nil
	}
	return run.tracker.Snapshot()
}

// GetBatchResult returns a deep copy of the batch, or nil for unknown ids.
func (s *Scheduler) GetBatchResult(batchID string) *batch.Batch {
	run := s.get(batchID)
	if run == nil {
		return nil
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.b.Clone()
}

// Pause inhibits new task dispatch; in-flight tasks run to completion.
// Returns false for unknown or terminal batches.
func (s *Scheduler) Pause(batchID string) bool {
	run := s.get(batchID)
	if run == nil {
		return false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.b.Status != batch.StatusProcessing {
		return false
	}
	run.paused = true
	run.b.Status = batch.StatusPaused
	s.publishStatus(run.b.ID, batch.StatusProcessing, batch.StatusPaused)
	return true
}

// Resume reverses Pause. Returns false for unknown or non-paused batches.
func (s *Scheduler) Resume(batchID string) bool {
	run := s.get(batchID)
	if run == nil {
		return false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.b.Status != batch.StatusPaused {
		return false
	}
	run.paused = false
	run.b.Status = batch.StatusProcessing
	s.publishStatus(run.b.ID, batch.StatusPaused, batch.StatusProcessing)
	return true
}

// Cancel requests graceful cancellation without partial preservation.
// Richer cancellation goes through the cancellation manager directly.
func (s *Scheduler) Cancel(ctx context.Context, batchID, userID string) bool {
	outcome, err := s.cancels.RequestCancellation(ctx, cancel.Request{
		BatchID: batchID,
		UserID:  userID,
		Reason:  cancel.ReasonUserRequested,
	})
	return err == nil && outcome.Success
}

// ListUserBatches pages a user's batches by start time, newest first.
// page is 1-based.
func (s *Scheduler) ListUserBatches(userID string, page, size int) []*progress.Snapshot {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	s.mu.RLock()
	var owned []*batchRun
	for _, run := range s.runs {
		if run.b.UserID == userID {
			owned = append(owned, run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		return owned[i].b.StartTime.After(owned[j].b.StartTime)
	})

	start := (page - 1) * size
	if start >= len(owned) {
		return nil
	}
	end := start + size
	if end > len(owned) {
		end = len(owned)
	}

	snapshots := make([]*progress.Snapshot, 0, end-start)
	for _, run := range owned[start:end] {
		snapshots = append(snapshots, run.tracker.Snapshot())
	}
	return snapshots
}

// CleanupCompletedBatches drops terminal batches older than the threshold
// and clears their cancellation tokens. Returns how many were removed.
func (s *Scheduler) CleanupCompletedBatches(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	var removed []string
	for id, run := range s.runs {
		run.mu.Lock()
		terminal := run.b.Status.IsTerminal()
		completedAt := run.b.CompletedTime
		run.mu.Unlock()
		if terminal && completedAt != nil && completedAt.Before(cutoff) {
			delete(s.runs, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.cancels.Unregister(id)
	}
	if len(removed) > 0 {
		logging.Get(logging.CategoryScheduler).Info("cleaned up %d terminal batches", len(removed))
	}
	return len(removed)
}

// Wait blocks until every run loop has exited. For shutdown and tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) get(batchID string) *batchRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[batchID]
}

// transition moves a batch between states, enforcing the state machine.
func (s *Scheduler) transition(run *batchRun, to batch.Status) bool {
	run.mu.Lock()
	from := run.b.Status
	if !batch.CanTransition(from, to) {
		run.mu.Unlock()
		return false
	}
	run.b.Status = to
	if to.IsTerminal() {
		now := time.Now()
		run.b.CompletedTime = &now
	}
	run.mu.Unlock()

	s.publishStatus(run.b.ID, from, to)
	return true
}

func (s *Scheduler) publishStatus(batchID string, from, to batch.Status) {
	if s.notifier != nil {
		s.notifier.Publish(batchID, notify.EventStatusChange, map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		})
	}
}

// =============================================================================
// CANCELLATION ACCESSOR
// =============================================================================
//
// The scheduler satisfies cancel.BatchAccessor so the cancellation manager
// can authorize, observe quiescence, snapshot completed work, and commit.

// OwnerOf returns the batch owner.
func (s *Scheduler) OwnerOf(batchID string) (string, bool) {
	run := s.get(batchID)
	if run == nil {
		return "", false
	}
	return run.b.UserID, true
}

// InFlight returns the number of tasks currently processing.
func (s *Scheduler) InFlight(batchID string) int {
	run := s.get(batchID)
	if run == nil {
		return 0
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.inFlight
}

// SnapshotCompleted returns copies of the completed tasks and the total
// segment count.
func (s *Scheduler) SnapshotCompleted(batchID string) ([]*batch.SegmentTask, int) {
	run := s.get(batchID)
	if run == nil {
		return nil, 0
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	var completed []*batch.SegmentTask
	for _, t := range run.b.Tasks {
		if t.Status == batch.TaskCompleted {
			completed = append(completed, t.Clone())
		}
	}
	return completed, len(run.b.Tasks)
}

// CommitCancellation transitions the batch to Cancelled and freezes
// non-terminal tasks as Failed.
func (s *Scheduler) CommitCancellation(batchID string, at time.Time) bool {
	run := s.get(batchID)
	if run == nil {
		return false
	}

	run.mu.Lock()
	if run.b.Status.IsTerminal() {
		run.mu.Unlock()
		return false
	}
	from := run.b.Status
	run.b.Status = batch.StatusCancelled
	stopped := at
	run.b.CompletedTime = &stopped
	for _, t := range run.b.Tasks {
		if !t.Status.IsTerminal() {
			t.MarkFailed("cancelled", at)
		}
	}
	run.mu.Unlock()

	s.publishStatus(batchID, from, batch.StatusCancelled)
	return true
}
