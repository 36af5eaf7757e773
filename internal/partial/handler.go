package partial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docsum/internal/batch"
	"docsum/internal/logging"
	"docsum/internal/similarity"
)

// Status is the lifecycle state of a partial result.
type Status string

const (
	StatusPendingUserDecision Status = "pending_user_decision"
	StatusAccepted            Status = "accepted"
	StatusRejected            Status = "rejected"
	StatusExpired             Status = "expired"
	StatusProcessing          Status = "processing"
	StatusFailed              Status = "failed"
)

// IsFinalized reports whether the result reached a final decision.
func (s Status) IsFinalized() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusExpired
}

// Result is the artifact preserved when a batch is cancelled with
// preservation requested.
type Result struct {
	ID                string               `json:"id"`
	BatchID           string               `json:"batch_id"`
	UserID            string               `json:"user_id"`
	CompletedSegments []*batch.SegmentTask `json:"completed_segments"`
	TotalSegments     int                  `json:"total_segments"`
	CompletionPct     float64              `json:"completion_pct"`
	PartialSummary    string               `json:"partial_summary"`
	Quality           Quality              `json:"quality"`
	Status            Status               `json:"status"`
	UserComment       string               `json:"user_comment,omitempty"`
	CancellationTime  time.Time            `json:"cancellation_time"`
	AcceptedTime      *time.Time           `json:"accepted_time,omitempty"`
}

// Sentinel errors for handler operations.
var (
	ErrNotFound  = errors.New("partial result not found")
	ErrNotOwner  = errors.New("partial result belongs to another user")
	ErrFinalized = errors.New("partial result already finalized")
)

// Store persists partial results. The sqlite store implements this; tests
// use an in-memory map.
type Store interface {
	SavePartial(ctx context.Context, r *Result) error
	GetPartial(ctx context.Context, id string) (*Result, error)
	UpdatePartial(ctx context.Context, r *Result) error
	ListPartials(ctx context.Context, userID string, statusFilter Status, limit, offset int) ([]*Result, error)
	// ListPendingBefore returns PendingUserDecision results cancelled
	// before the cutoff, for expiration sweeps.
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*Result, error)
}

// Handler owns partial-result collection, grading, and lifecycle.
type Handler struct {
	store  Store
	scorer *similarity.Scorer
	now    func() time.Time
}

// NewHandler builds a handler over a store.
func NewHandler(store Store, scorer *similarity.Scorer) *Handler {
	if scorer == nil {
		scorer = similarity.NewScorer(similarity.DefaultWeights(), nil)
	}
	return &Handler{store: store, scorer: scorer, now: time.Now}
}

// SetClock replaces the clock, for deterministic tests.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// Process collects the completed tasks of a cancelled batch, grades them,
// composes the partial summary, and persists the result pending the user's
// decision.
func (h *Handler) Process(ctx context.Context, batchID, userID string, completed []*batch.SegmentTask, totalSegments int) (*Result, error) {
	log := logging.Get(logging.CategoryPartial)

	// Clone and filter: only Completed tasks with distinct indices survive.
	seen := make(map[int]bool, len(completed))
	tasks := make([]*batch.SegmentTask, 0, len(completed))
	for _, t := range completed {
		if t.Status != batch.TaskCompleted || seen[t.SegmentIndex] {
			continue
		}
		seen[t.SegmentIndex] = true
		tasks = append(tasks, t.Clone())
	}
	tasks = sortedByIndex(tasks)

	quality := GradeQuality(tasks, totalSegments, h.scorer)

	result := &Result{
		ID:                uuid.NewString(),
		BatchID:           batchID,
		UserID:            userID,
		CompletedSegments: tasks,
		TotalSegments:     totalSegments,
		CompletionPct:     quality.CompletenessScore,
		PartialSummary:    BuildPartialSummary(tasks),
		Quality:           quality,
		Status:            StatusPendingUserDecision,
		CancellationTime:  h.now(),
	}

	if err := h.store.SavePartial(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to persist partial result for batch %s: %w", batchID, err)
	}

	log.Info("saved partial result %s for batch %s: %d/%d segments, level=%s",
		result.ID, batchID, len(tasks), totalSegments, quality.Level)
	return result, nil
}

// Get fetches a partial result, enforcing ownership.
func (h *Handler) Get(ctx context.Context, id, userID string) (*Result, error) {
	r, err := h.store.GetPartial(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, ErrNotOwner
	}
	return r, nil
}

// UpdateStatus applies a user decision. Legal transitions:
// PendingUserDecision → Accepted | Rejected. Repeating a decision is
// idempotent; changing a finalized decision is rejected.
func (h *Handler) UpdateStatus(ctx context.Context, id string, newStatus Status, userComment, userID string) error {
	if newStatus != StatusAccepted && newStatus != StatusRejected {
		return fmt.Errorf("status %q is not a valid user decision", newStatus)
	}

	r, err := h.Get(ctx, id, userID)
	if err != nil {
		return err
	}

	if r.Status == newStatus {
		return nil
	}
	if r.Status != StatusPendingUserDecision {
		return fmt.Errorf("cannot move partial result %s from %s to %s: %w",
			id, r.Status, newStatus, ErrFinalized)
	}

	r.Status = newStatus
	r.UserComment = userComment
	if newStatus == StatusAccepted {
		accepted := h.now()
		r.AcceptedTime = &accepted
	}

	if err := h.store.UpdatePartial(ctx, r); err != nil {
		return fmt.Errorf("failed to update partial result %s: %w", id, err)
	}
	return nil
}

// ListForUser pages through a user's partial results. statusFilter "" lists
// all statuses. page is 1-based.
func (h *Handler) ListForUser(ctx context.Context, userID string, statusFilter Status, page, size int) ([]*Result, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	return h.store.ListPartials(ctx, userID, statusFilter, size, (page-1)*size)
}

// CleanupExpired transitions stale pending results to Expired and returns
// how many it touched.
func (h *Handler) CleanupExpired(ctx context.Context, expireAfter time.Duration) (int, error) {
	cutoff := h.now().Add(-expireAfter)
	stale, err := h.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range stale {
		r.Status = StatusExpired
		if err := h.store.UpdatePartial(ctx, r); err != nil {
			logging.Get(logging.CategoryPartial).Warn("failed to expire partial result %s: %v", r.ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// CanContinueFrom reports whether a batch could resume from this partial
// result: the quality must be at least Acceptable and the completed run
// unbroken from the first segment.
func (h *Handler) CanContinueFrom(ctx context.Context, id, userID string) (bool, error) {
	r, err := h.Get(ctx, id, userID)
	if err != nil {
		return false, err
	}
	return r.Quality.Level.AtLeast(LevelAcceptable) && r.Quality.Coverage.Continuous, nil
}
