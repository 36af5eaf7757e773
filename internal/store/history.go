package store

import (
	"context"
	"fmt"

	"docsum/internal/merge"
)

// The Store satisfies merge.HistoryStore so strategy recommendations
// survive restarts.

// LoadHistory reads the learned strategy-performance table.
func (s *Store) LoadHistory(ctx context.Context) ([]merge.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy, avg_quality, avg_satisfaction, usage_count
		FROM strategy_history`)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy history: %w", err)
	}
	defer rows.Close()

	var records []merge.PerformanceRecord
	for rows.Next() {
		var r merge.PerformanceRecord
		var strategy string
		if err := rows.Scan(&strategy, &r.AvgQuality, &r.AvgSatisfaction, &r.UsageCount); err != nil {
			return nil, err
		}
		r.Strategy = merge.Strategy(strategy)
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveHistory upserts the learned table.
func (s *Store) SaveHistory(ctx context.Context, records []merge.PerformanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_history (strategy, avg_quality, avg_satisfaction, usage_count, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(strategy) DO UPDATE SET
				avg_quality = excluded.avg_quality,
				avg_satisfaction = excluded.avg_satisfaction,
				usage_count = excluded.usage_count,
				updated_at = CURRENT_TIMESTAMP`,
			string(r.Strategy), r.AvgQuality, r.AvgSatisfaction, r.UsageCount)
		if err != nil {
			return fmt.Errorf("failed to save history for %s: %w", r.Strategy, err)
		}
	}
	return tx.Commit()
}
