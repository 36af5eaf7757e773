package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docsum/internal/merge"
)

// ErrSummaryNotFound is returned for unknown summary record ids.
var ErrSummaryNotFound = errors.New("summary record not found")

// SummaryRecord is the persisted final output of a completed batch.
type SummaryRecord struct {
	ID           string                `json:"id"`
	BatchID      string                `json:"batch_id"`
	UserID       string                `json:"user_id"`
	FinalSummary string                `json:"final_summary"`
	Strategy     merge.Strategy        `json:"strategy"`
	Method       merge.Method          `json:"method"`
	Quality      merge.QualityMetrics  `json:"quality"`
	Statistics   merge.Statistics      `json:"statistics"`
	CreatedAt    time.Time             `json:"created_at"`
}

// SaveSummary upserts a summary record keyed by id.
func (s *Store) SaveSummary(ctx context.Context, rec *SummaryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	quality, err := json.Marshal(rec.Quality)
	if err != nil {
		return fmt.Errorf("failed to serialize quality: %w", err)
	}
	stats, err := json.Marshal(rec.Statistics)
	if err != nil {
		return fmt.Errorf("failed to serialize statistics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (id, batch_id, user_id, final_summary, strategy, method, quality, statistics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			final_summary = excluded.final_summary,
			strategy = excluded.strategy,
			method = excluded.method,
			quality = excluded.quality,
			statistics = excluded.statistics`,
		rec.ID, rec.BatchID, rec.UserID, rec.FinalSummary,
		string(rec.Strategy), string(rec.Method), string(quality), string(stats))
	if err != nil {
		return fmt.Errorf("failed to save summary %s: %w", rec.ID, err)
	}
	return nil
}

// GetSummary fetches one summary record by id.
func (s *Store) GetSummary(ctx context.Context, id string) (*SummaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, user_id, final_summary, strategy, method, quality, statistics, created_at
		FROM summaries WHERE id = ?`, id)
	return scanSummary(row)
}

// GetSummaryByBatch fetches the summary record for a batch.
func (s *Store) GetSummaryByBatch(ctx context.Context, batchID string) (*SummaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, user_id, final_summary, strategy, method, quality, statistics, created_at
		FROM summaries WHERE batch_id = ? ORDER BY created_at DESC LIMIT 1`, batchID)
	return scanSummary(row)
}

// ListSummaries pages a user's summary records, newest first.
func (s *Store) ListSummaries(ctx context.Context, userID string, limit, offset int) ([]*SummaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, user_id, final_summary, strategy, method, quality, statistics, created_at
		FROM summaries WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var records []*SummaryRecord
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanSummary(row rowScanner) (*SummaryRecord, error) {
	var rec SummaryRecord
	var strategy, method, quality, stats string
	err := row.Scan(&rec.ID, &rec.BatchID, &rec.UserID, &rec.FinalSummary,
		&strategy, &method, &quality, &stats, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSummaryNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Strategy = merge.Strategy(strategy)
	rec.Method = merge.Method(method)
	if quality != "" {
		if err := json.Unmarshal([]byte(quality), &rec.Quality); err != nil {
			return nil, fmt.Errorf("corrupt quality for summary %s: %w", rec.ID, err)
		}
	}
	if stats != "" {
		if err := json.Unmarshal([]byte(stats), &rec.Statistics); err != nil {
			return nil, fmt.Errorf("corrupt statistics for summary %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}
