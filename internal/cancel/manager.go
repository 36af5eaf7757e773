package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docsum/internal/batch"
	"docsum/internal/logging"
	"docsum/internal/notify"
	"docsum/internal/partial"
)

// Sentinel errors for cancellation requests.
var (
	ErrNotRegistered = errors.New("batch not registered for cancellation")
	ErrNotOwner      = errors.New("batch belongs to another user")
)

// BatchAccessor is the narrow view of the scheduler the manager needs.
// Injected downward to keep the scheduler ↔ cancel dependency acyclic.
type BatchAccessor interface {
	// OwnerOf returns the batch owner, or false for unknown batches.
	OwnerOf(batchID string) (string, bool)
	// InFlight returns the number of tasks currently processing.
	InFlight(batchID string) int
	// SnapshotCompleted returns copies of the completed tasks and the
	// total segment count.
	SnapshotCompleted(batchID string) ([]*batch.SegmentTask, int)
	// CommitCancellation transitions the batch to Cancelled. Returns
	// false if the batch was already terminal.
	CommitCancellation(batchID string, at time.Time) bool
}

// PartialProcessor preserves completed work. Satisfied by partial.Handler.
type PartialProcessor interface {
	Process(ctx context.Context, batchID, userID string, completed []*batch.SegmentTask, totalSegments int) (*partial.Result, error)
}

// Request describes one cancellation request.
type Request struct {
	BatchID            string `json:"batch_id"`
	UserID             string `json:"user_id"`
	Reason             Reason `json:"reason"`
	SavePartialResults bool   `json:"save_partial_results"`
	ForceCancel        bool   `json:"force_cancel"`
	UserComment        string `json:"user_comment,omitempty"`
}

// Outcome reports what the protocol did.
type Outcome struct {
	Success                  bool            `json:"success"`
	Message                  string          `json:"message"`
	PartialResultsSaved      bool            `json:"partial_results_saved"`
	PartialResultID          string          `json:"partial_result_id,omitempty"`
	ActualStopTime           time.Time       `json:"actual_stop_time"`
	GracefulShutdownDuration time.Duration   `json:"graceful_shutdown_duration"`
	PartialResult            *partial.Result `json:"partial_result,omitempty"`
}

// checkpointPoll is how often the graceful wait re-inspects in-flight work.
const checkpointPoll = 10 * time.Millisecond

// Manager owns the cancellation-token registry and runs the protocol.
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*Token

	accessor        BatchAccessor
	partials        PartialProcessor
	notifier        *notify.Notifier
	gracefulTimeout time.Duration
	now             func() time.Time
}

// NewManager builds a manager. accessor and partials are injected by the
// wiring layer; notifier may be nil in tests.
func NewManager(accessor BatchAccessor, partials PartialProcessor, notifier *notify.Notifier, gracefulTimeout time.Duration) *Manager {
	if gracefulTimeout <= 0 {
		gracefulTimeout = 30 * time.Second
	}
	return &Manager{
		tokens:          make(map[string]*Token),
		accessor:        accessor,
		partials:        partials,
		notifier:        notifier,
		gracefulTimeout: gracefulTimeout,
		now:             time.Now,
	}
}

// SetAccessor installs the batch accessor after construction. The wiring
// layer uses this to resolve the scheduler ↔ manager construction order.
func (m *Manager) SetAccessor(accessor BatchAccessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessor = accessor
}

// RegisterBatch creates the token for a newly admitted batch. Panics if
// the id is already registered: double registration means the scheduler's
// bookkeeping is broken and nothing downstream can be trusted.
func (m *Manager) RegisterBatch(batchID string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tokens[batchID]; exists {
		panic(fmt.Sprintf("cancel: batch %s already registered", batchID))
	}
	token := newToken(batchID)
	m.tokens[batchID] = token
	return token
}

// Unregister drops the token for a terminated batch.
func (m *Manager) Unregister(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, batchID)
}

// GetToken returns the token for a batch.
func (m *Manager) GetToken(batchID string) (*Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[batchID]
	return token, ok
}

// IsCancellationRequested reports whether a batch has a pending or
// committed cancellation.
func (m *Manager) IsCancellationRequested(batchID string) bool {
	token, ok := m.GetToken(batchID)
	return ok && token.IsRequested()
}

// SetSafeCheckpoint records a worker entering or leaving a safe point.
func (m *Manager) SetSafeCheckpoint(batchID string, segmentIndex int, safe bool) {
	if token, ok := m.GetToken(batchID); ok {
		token.SetCheckpoint(segmentIndex, safe)
	}
}

// MarkUnsafe flags a batch as not safely abandonable. Used by the
// immediate-stop strategy.
func (m *Manager) MarkUnsafe(batchID string) {
	if token, ok := m.GetToken(batchID); ok {
		token.MarkUnsafe()
	}
}

// RequestCancellation runs the cancellation protocol: authorize, signal,
// wait (graceful only), preserve partials on request, commit.
func (m *Manager) RequestCancellation(ctx context.Context, req Request) (*Outcome, error) {
	log := logging.Get(logging.CategoryCancel)
	start := m.now()

	token, ok := m.GetToken(req.BatchID)
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", req.BatchID, ErrNotRegistered)
	}

	owner, known := m.accessor.OwnerOf(req.BatchID)
	if !known {
		return nil, fmt.Errorf("batch %s: %w", req.BatchID, ErrNotRegistered)
	}
	if req.UserID != "" && owner != req.UserID {
		return nil, fmt.Errorf("batch %s: %w", req.BatchID, ErrNotOwner)
	}

	reason := req.Reason
	if reason == "" {
		reason = ReasonUserRequested
	}

	if first := token.request(reason, req.ForceCancel); !first && token.IsCommitted() {
		// Cancelling a cancelled batch is a no-op with the same outcome.
		return &Outcome{
			Success:        true,
			Message:        "batch already cancelled",
			ActualStopTime: start,
		}, nil
	}

	m.publish(req.BatchID, notify.EventCancellationRequested, map[string]interface{}{
		"reason": string(reason),
		"forced": req.ForceCancel,
	})

	if !req.ForceCancel {
		if err := m.awaitQuiescence(ctx, req.BatchID); err != nil {
			log.Warn("graceful wait for batch %s ended early: %v", req.BatchID, err)
		}
	}

	outcome := &Outcome{Success: true}

	if req.SavePartialResults && m.partials != nil {
		completed, total := m.accessor.SnapshotCompleted(req.BatchID)
		if total > 0 {
			result, err := m.partials.Process(ctx, req.BatchID, owner, completed, total)
			if err != nil {
				log.Error("failed to save partial results for batch %s: %v", req.BatchID, err)
				outcome.Message = "cancelled; partial results could not be saved"
			} else {
				outcome.PartialResultsSaved = true
				outcome.PartialResultID = result.ID
				outcome.PartialResult = result
				m.publish(req.BatchID, notify.EventPartialResultSaved, map[string]interface{}{
					"partial_result_id": result.ID,
					"completed":         len(result.CompletedSegments),
					"total":             result.TotalSegments,
					"quality_level":     string(result.Quality.Level),
				})
			}
		}
	}

	stop := m.now()
	if token.markCommitted() {
		m.accessor.CommitCancellation(req.BatchID, stop)
		m.publish(req.BatchID, notify.EventCancellationCommitted, map[string]interface{}{
			"reason": string(token.Reason()),
			"forced": token.IsForced(),
		})
	}

	outcome.ActualStopTime = stop
	outcome.GracefulShutdownDuration = stop.Sub(start)
	if outcome.Message == "" {
		outcome.Message = "batch cancelled"
	}
	log.Info("batch %s cancelled (forced=%v, partials=%v) in %v",
		req.BatchID, req.ForceCancel, outcome.PartialResultsSaved, outcome.GracefulShutdownDuration)
	return outcome, nil
}

// awaitQuiescence waits for in-flight workers to return from their current
// segments, bounded by the graceful budget. New dispatch is already
// inhibited because the token reads as requested.
func (m *Manager) awaitQuiescence(ctx context.Context, batchID string) error {
	deadline := time.NewTimer(m.gracefulTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(checkpointPoll)
	defer tick.Stop()

	for {
		if m.accessor.InFlight(batchID) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("graceful budget of %v exhausted with %d tasks in flight",
				m.gracefulTimeout, m.accessor.InFlight(batchID))
		case <-tick.C:
		}
	}
}

func (m *Manager) publish(batchID string, eventType notify.EventType, payload interface{}) {
	if m.notifier != nil {
		m.notifier.Publish(batchID, eventType, payload)
	}
}
