// Package pipeline wires the subsystems into one service: configuration,
// logging, persistence, the summarizer port, the merge engine, the
// cancellation manager, and the scheduler. Hosts construct a Service and
// talk to the pipeline only through it.
package pipeline

import (
	"context"
	"sync"
	"time"

	"docsum/internal/batch"
	"docsum/internal/cancel"
	"docsum/internal/config"
	"docsum/internal/embedding"
	"docsum/internal/fault"
	"docsum/internal/logging"
	"docsum/internal/merge"
	"docsum/internal/notify"
	"docsum/internal/partial"
	"docsum/internal/progress"
	"docsum/internal/scheduler"
	"docsum/internal/similarity"
	"docsum/internal/store"
	"docsum/internal/summarizer"
)

// healthProbeTimeout bounds the startup probe of the summarizer.
const healthProbeTimeout = 5 * time.Second

// Service is the assembled pipeline.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	notifier *notify.Notifier
	partials *partial.Handler
	cancels  *cancel.Manager
	sched    *scheduler.Scheduler
	selector *merge.Selector
	disp     *fault.Dispatcher

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New assembles the pipeline around a summarizer provider. The provider is
// wrapped with the configured call discipline before anything uses it.
func New(cfg *config.Config, provider summarizer.Client) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(err, fault.CategoryConfiguration, fault.SeverityCritical,
			"invalid pipeline configuration")
	}

	if err := logging.Initialize(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Categories:  cfg.Logging.Categories,
	}); err != nil {
		return nil, fault.Wrap(err, fault.CategoryConfiguration, fault.SeverityCritical,
			"invalid logging configuration")
	}
	log := logging.Get(logging.CategoryPipeline)

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryStorage, fault.SeverityCritical,
			"failed to open persistence store")
	}

	llm := summarizer.Wrap(provider, summarizer.Options{
		Timeout:         cfg.SummarizerTimeout(),
		RateLimitPerMin: cfg.Summarizer.RateLimitPerMin,
		Burst:           cfg.Summarizer.Burst,
	})

	scorer := similarity.NewScorer(similarity.DefaultWeights(), newEmbedder(cfg))
	notifier := notify.NewNotifier()
	partials := partial.NewHandler(st, scorer)

	probeCtx, cancelProbe := context.WithTimeout(context.Background(), healthProbeTimeout)
	llmAvailable := llm.IsHealthy(probeCtx)
	cancelProbe()
	if !llmAvailable {
		log.Warn("summarizer unavailable at startup; merge falls back to rule-based methods")
	}

	selector := merge.NewSelector(st, llmAvailable, cfg.Merging.LLMAssistance.MinSegmentsForLLM)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	if err := selector.Load(loadCtx); err != nil {
		log.Warn("strategy history unavailable, starting cold: %v", err)
	}
	cancelLoad()

	merger := merge.NewMerger(cfg.Merging, llm, scorer, selector)
	cancels := cancel.NewManager(nil, partials, notifier, cfg.GracefulTimeout())

	svc := &Service{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		partials: partials,
		cancels:  cancels,
		selector: selector,
	}

	// The strategy ports and the cancellation manager need the scheduler,
	// which needs the dispatcher and the manager. The adapters resolve the
	// scheduler through the service at call time to break the cycle.
	svc.disp = fault.NewDispatcher(fault.Ports{
		Pauser:      &pauserAdapter{svc: svc},
		Partials:    &partialSaver{svc: svc, partials: partials},
		Checkpoints: cancels,
		Alerts:      &alertSink{notifier: notifier},
	})

	sched := scheduler.New(cfg, llm, cancels, notifier, merger, svc.disp, scheduler.NewStoreSink(st))
	svc.sched = sched
	cancels.SetAccessor(sched)

	svc.sweepStop = make(chan struct{})
	svc.sweepDone = make(chan struct{})
	go svc.sweep()

	log.Info("pipeline ready: store=%s, llm_available=%v, embedding=%q",
		cfg.Store.DatabasePath, llmAvailable, cfg.Embedding.Provider)
	return svc, nil
}

// newEmbedder builds the configured embedding engine, or nil when the
// provider is unset or unhealthy. Dedup degrades to lexical scoring.
func newEmbedder(cfg *config.Config) similarity.Embedder {
	if cfg.Embedding.Provider == "" {
		return nil
	}
	log := logging.Get(logging.CategoryPipeline)

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       cfg.Embedding.TaskType,
	})
	if err != nil {
		log.Warn("embedding engine unavailable, dedup stays lexical: %v", err)
		return nil
	}

	if hc, ok := engine.(embedding.HealthChecker); ok {
		ctx, cancelHC := context.WithTimeout(context.Background(), healthProbeTimeout)
		defer cancelHC()
		if err := hc.HealthCheck(ctx); err != nil {
			log.Warn("embedding engine failed health check, dedup stays lexical: %v", err)
			return nil
		}
	}
	return engine
}

// =============================================================================
// BATCH OPERATIONS
// =============================================================================

// StartBatch admits a batch of ordered segments and returns its id.
func (s *Service) StartBatch(ctx context.Context, segments []batch.Segment, originalText, userID string, opts scheduler.StartOptions) (string, error) {
	return s.sched.StartBatch(ctx, segments, originalText, userID, opts)
}

// GetProgress returns a progress snapshot, or nil for unknown batches.
func (s *Service) GetProgress(batchID string) *progress.Snapshot {
	return s.sched.GetBatchProgress(batchID)
}

// GetResult returns a deep copy of the batch, or nil for unknown batches.
func (s *Service) GetResult(batchID string) *batch.Batch {
	return s.sched.GetBatchResult(batchID)
}

// GetSummary fetches the persisted summary record for a batch.
func (s *Service) GetSummary(ctx context.Context, batchID string) (*store.SummaryRecord, error) {
	return s.store.GetSummaryByBatch(ctx, batchID)
}

// ListSummaries pages a user's persisted summaries, newest first.
func (s *Service) ListSummaries(ctx context.Context, userID string, limit, offset int) ([]*store.SummaryRecord, error) {
	return s.store.ListSummaries(ctx, userID, limit, offset)
}

// Pause inhibits new task dispatch for a batch.
func (s *Service) Pause(batchID string) bool {
	return s.sched.Pause(batchID)
}

// Resume reverses Pause.
func (s *Service) Resume(batchID string) bool {
	return s.sched.Resume(batchID)
}

// Cancel runs the cancellation protocol for a batch.
func (s *Service) Cancel(ctx context.Context, req cancel.Request) (*cancel.Outcome, error) {
	return s.cancels.RequestCancellation(ctx, req)
}

// ListBatches pages a user's batches by start time, newest first.
func (s *Service) ListBatches(userID string, page, size int) []*progress.Snapshot {
	return s.sched.ListUserBatches(userID, page, size)
}

// =============================================================================
// PARTIAL RESULTS
// =============================================================================

// GetPartialResult fetches a partial result with ownership enforcement.
func (s *Service) GetPartialResult(ctx context.Context, id, userID string) (*partial.Result, error) {
	return s.partials.Get(ctx, id, userID)
}

// UpdatePartialResult records the user's keep/discard decision.
func (s *Service) UpdatePartialResult(ctx context.Context, id string, status partial.Status, comment, userID string) error {
	return s.partials.UpdateStatus(ctx, id, status, comment, userID)
}

// ListPartialResults pages a user's partial results.
func (s *Service) ListPartialResults(ctx context.Context, userID string, statusFilter partial.Status, page, size int) ([]*partial.Result, error) {
	return s.partials.ListForUser(ctx, userID, statusFilter, page, size)
}

// CanContinueFrom reports whether a partial result is a viable resume point.
func (s *Service) CanContinueFrom(ctx context.Context, id, userID string) (bool, error) {
	return s.partials.CanContinueFrom(ctx, id, userID)
}

// =============================================================================
// OBSERVATION
// =============================================================================

// Subscribe returns the event stream for one batch, or all batches when
// batchID is empty.
func (s *Service) Subscribe(batchID string, buffer int) (<-chan notify.Event, func()) {
	return s.notifier.Subscribe(batchID, buffer)
}

// Metrics returns the scheduler's activity counters.
func (s *Service) Metrics() scheduler.MetricsSnapshot {
	return s.sched.Metrics()
}

// FaultStats returns the error dispatcher's counters.
func (s *Service) FaultStats() fault.Stats {
	return s.disp.Stats()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// sweep periodically drops expired partial results and retired batches and
// flushes the learned strategy table.
func (s *Service) sweep() {
	defer close(s.sweepDone)
	log := logging.Get(logging.CategoryPipeline)

	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
		}

		s.sched.CleanupCompletedBatches(s.cfg.BatchRetention())

		ctx, cancelSweep := context.WithTimeout(context.Background(), time.Minute)
		expired, err := s.partials.CleanupExpired(ctx, s.cfg.PartialResultTTL())
		if err != nil {
			log.Warn("partial-result sweep failed: %v", err)
		} else if expired > 0 {
			log.Info("expired %d stale partial results", expired)
		}
		if err := s.selector.Flush(ctx); err != nil {
			log.Warn("failed to flush strategy history: %v", err)
		}
		cancelSweep()
	}
}

// Close drains run loops, flushes learned state, and releases resources.
// Blocks until active batches finish; cancel them first for a fast stop.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.sweepStop)
		<-s.sweepDone

		s.sched.Wait()

		if err := s.selector.Flush(ctx); err != nil {
			logging.Get(logging.CategoryPipeline).Warn("final history flush failed: %v", err)
		}
		s.notifier.Close()
		s.closeErr = s.store.Close()
		logging.Sync()
	})
	return s.closeErr
}

// =============================================================================
// PORT ADAPTERS
// =============================================================================

// pauserAdapter satisfies fault.BatchPauser against the late-bound
// scheduler.
type pauserAdapter struct {
	svc *Service
}

func (p *pauserAdapter) Pause(batchID string) bool {
	return p.svc.sched.Pause(batchID)
}

// partialSaver satisfies fault.PartialSaver by snapshotting completed work
// through the scheduler and handing it to the partial-result handler.
type partialSaver struct {
	svc      *Service
	partials *partial.Handler
}

func (p *partialSaver) SavePartials(ctx context.Context, batchID, reason string) (bool, error) {
	owner, known := p.svc.sched.OwnerOf(batchID)
	if !known {
		return false, nil
	}
	completed, total := p.svc.sched.SnapshotCompleted(batchID)
	if total == 0 || len(completed) == 0 {
		return false, nil
	}
	if _, err := p.partials.Process(ctx, batchID, owner, completed, total); err != nil {
		return false, err
	}
	return true, nil
}

// alertSink satisfies fault.AlertSink by publishing error events.
type alertSink struct {
	notifier *notify.Notifier
}

func (a *alertSink) Alert(batchID string, payload map[string]interface{}) {
	a.notifier.Publish(batchID, notify.EventError, payload)
}
