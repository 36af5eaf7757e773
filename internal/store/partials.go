package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"docsum/internal/batch"
	"docsum/internal/partial"
)

// The Store satisfies partial.Store. Completed-segment lists and quality
// grades travel as JSON blobs; ownership and status filters hit indexes.

// SavePartial inserts a new partial result.
func (s *Store) SavePartial(ctx context.Context, r *partial.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments, err := json.Marshal(r.CompletedSegments)
	if err != nil {
		return fmt.Errorf("failed to serialize completed segments: %w", err)
	}
	quality, err := json.Marshal(r.Quality)
	if err != nil {
		return fmt.Errorf("failed to serialize quality: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO partial_results
			(id, batch_id, user_id, status, total_segments, completion_pct,
			 partial_summary, user_comment, completed_segments, quality,
			 cancellation_time, accepted_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BatchID, r.UserID, string(r.Status), r.TotalSegments, r.CompletionPct,
		r.PartialSummary, r.UserComment, string(segments), string(quality),
		r.CancellationTime.UTC(), nullableTime(r.AcceptedTime))
	if err != nil {
		return fmt.Errorf("failed to insert partial result %s: %w", r.ID, err)
	}
	return nil
}

// GetPartial fetches one partial result by id.
func (s *Store) GetPartial(ctx context.Context, id string) (*partial.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, user_id, status, total_segments, completion_pct,
		       partial_summary, user_comment, completed_segments, quality,
		       cancellation_time, accepted_time
		FROM partial_results WHERE id = ?`, id)
	r, err := scanPartial(row)
	if err == sql.ErrNoRows {
		return nil, partial.ErrNotFound
	}
	return r, err
}

// UpdatePartial rewrites the mutable fields of an existing partial result.
func (s *Store) UpdatePartial(ctx context.Context, r *partial.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE partial_results
		SET status = ?, user_comment = ?, accepted_time = ?
		WHERE id = ?`,
		string(r.Status), r.UserComment, nullableTime(r.AcceptedTime), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update partial result %s: %w", r.ID, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return partial.ErrNotFound
	}
	return nil
}

// ListPartials pages a user's partial results, newest first.
func (s *Store) ListPartials(ctx context.Context, userID string, statusFilter partial.Status, limit, offset int) ([]*partial.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, batch_id, user_id, status, total_segments, completion_pct,
		       partial_summary, user_comment, completed_segments, quality,
		       cancellation_time, accepted_time
		FROM partial_results WHERE user_id = ?`
	args := []interface{}{userID}
	if statusFilter != "" {
		query += " AND status = ?"
		args = append(args, string(statusFilter))
	}
	query += " ORDER BY cancellation_time DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list partial results: %w", err)
	}
	defer rows.Close()
	return collectPartials(rows)
}

// ListPendingBefore returns pending results cancelled before the cutoff.
func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*partial.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, user_id, status, total_segments, completion_pct,
		       partial_summary, user_comment, completed_segments, quality,
		       cancellation_time, accepted_time
		FROM partial_results
		WHERE status = ? AND cancellation_time < ?`,
		string(partial.StatusPendingUserDecision), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale partial results: %w", err)
	}
	defer rows.Close()
	return collectPartials(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPartial(row rowScanner) (*partial.Result, error) {
	var r partial.Result
	var status, segments, quality string
	var cancelled time.Time
	var accepted sql.NullTime

	err := row.Scan(&r.ID, &r.BatchID, &r.UserID, &status, &r.TotalSegments,
		&r.CompletionPct, &r.PartialSummary, &r.UserComment, &segments, &quality,
		&cancelled, &accepted)
	if err != nil {
		return nil, err
	}

	r.Status = partial.Status(status)
	r.CancellationTime = cancelled
	if accepted.Valid {
		t := accepted.Time
		r.AcceptedTime = &t
	}
	if err := json.Unmarshal([]byte(segments), &r.CompletedSegments); err != nil {
		return nil, fmt.Errorf("corrupt completed_segments for %s: %w", r.ID, err)
	}
	if r.CompletedSegments == nil {
		r.CompletedSegments = []*batch.SegmentTask{}
	}
	if err := json.Unmarshal([]byte(quality), &r.Quality); err != nil {
		return nil, fmt.Errorf("corrupt quality for %s: %w", r.ID, err)
	}
	return &r, nil
}

func collectPartials(rows *sql.Rows) ([]*partial.Result, error) {
	var results []*partial.Result
	for rows.Next() {
		r, err := scanPartial(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
