package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// ConfidenceStep is the bump applied when a learning is observed again.
const ConfidenceStep = 0.1

// UpsertLearning records a learning. An existing (worker, category, type)
// record gets frequency+1 and confidence = MIN(1.0, confidence + 0.1);
// its stored payload is kept. A new record is inserted as given.
func (s *LocalStore) UpsertLearning(ctx context.Context, rec types.LearningRecord) (types.LearningRecord, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return rec, err
	}
	var out types.LearningRecord
	err = s.write(ctx, "UpsertLearning", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO learnings (worker_id, category, learning_type, payload, confidence, frequency, last_seen)
				VALUES (?, ?, ?, ?, ?, 1, ?)
				ON CONFLICT(worker_id, category, learning_type) DO UPDATE SET
					frequency = learnings.frequency + 1,
					confidence = MIN(1.0, learnings.confidence + ?),
					last_seen = excluded.last_seen`,
				rec.WorkerID, rec.Category, rec.LearningType, string(payload), rec.Confidence,
				toNanos(rec.LastSeen), ConfidenceStep)
			if err != nil {
				return err
			}
			r, err := scanLearning(tx.QueryRowContext(ctx, `
				SELECT worker_id, category, learning_type, payload, confidence, frequency, last_seen
				FROM learnings WHERE worker_id = ? AND category = ? AND learning_type = ?`,
				rec.WorkerID, rec.Category, rec.LearningType))
			if err != nil {
				return err
			}
			out = *r
			return nil
		})
	})
	if err == nil {
		logging.StoreDebug("Learning %s/%s/%s now confidence=%.2f frequency=%d",
			out.WorkerID, out.Category, out.LearningType, out.Confidence, out.Frequency)
	}
	return out, err
}

func scanLearning(r rowScanner) (*types.LearningRecord, error) {
	var (
		rec     types.LearningRecord
		payload string
		seen    int64
	)
	if err := r.Scan(&rec.WorkerID, &rec.Category, &rec.LearningType, &payload,
		&rec.Confidence, &rec.Frequency, &seen); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(payload), &rec.Payload)
	rec.LastSeen = fromNanos(seen)
	return &rec, nil
}

// Learnings returns a worker's own learnings, optionally filtered by category.
func (s *LocalStore) Learnings(ctx context.Context, workerID, category string) ([]types.LearningRecord, error) {
	query := `SELECT worker_id, category, learning_type, payload, confidence, frequency, last_seen
		FROM learnings WHERE worker_id = ?`
	args := []any{workerID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY confidence DESC, frequency DESC`
	return s.queryLearnings(ctx, "Learnings", query, args...)
}

// LearningsFromOthers returns other workers' own learnings above minConfidence.
func (s *LocalStore) LearningsFromOthers(ctx context.Context, workerID string, minConfidence float64, limit int) ([]types.LearningRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.queryLearnings(ctx, "LearningsFromOthers", `
		SELECT worker_id, category, learning_type, payload, confidence, frequency, last_seen
		FROM learnings WHERE worker_id != ? AND confidence > ?
		ORDER BY confidence DESC, frequency DESC LIMIT ?`, workerID, minConfidence, limit)
}

// AverageConfidence returns the mean confidence of a worker's learnings, 0 when none.
func (s *LocalStore) AverageConfidence(ctx context.Context, workerID string) (float64, error) {
	var avg sql.NullFloat64
	err := s.read(ctx, "AverageConfidence", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT AVG(confidence) FROM learnings WHERE worker_id = ?`, workerID).Scan(&avg)
	})
	return avg.Float64, err
}

func (s *LocalStore) queryLearnings(ctx context.Context, op, query string, args ...any) ([]types.LearningRecord, error) {
	var out []types.LearningRecord
	err := s.read(ctx, op, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanLearning(rows)
			if err != nil {
				return err
			}
			out = append(out, *r)
		}
		return rows.Err()
	})
	return out, err
}

// =============================================================================
// SHARED KNOWLEDGE
// =============================================================================

// PutShared writes a shared copy into the target worker's partition.
// Re-sharing the same learning replaces the earlier copy.
func (s *LocalStore) PutShared(ctx context.Context, sh types.SharedLearning) error {
	payload, err := json.Marshal(sh.Payload)
	if err != nil {
		return Permanent(err)
	}
	return s.write(ctx, "PutShared", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO shared_learnings (target_worker, source_worker, category, learning_type, payload, confidence, shared_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(target_worker, source_worker, category, learning_type) DO UPDATE SET
				payload = excluded.payload,
				confidence = excluded.confidence,
				shared_at = excluded.shared_at`,
			sh.TargetWorker, sh.SourceWorker, sh.Category, sh.LearningType, string(payload),
			sh.Confidence, toNanos(sh.SharedAt))
		return err
	})
}

// Shared returns the shared-knowledge partition of a worker.
func (s *LocalStore) Shared(ctx context.Context, workerID, category string) ([]types.SharedLearning, error) {
	query := `SELECT target_worker, source_worker, category, learning_type, payload, confidence, shared_at
		FROM shared_learnings WHERE target_worker = ?`
	args := []any{workerID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY confidence DESC`

	var out []types.SharedLearning
	err := s.read(ctx, "Shared", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				sh      types.SharedLearning
				payload string
				at      int64
			)
			if err := rows.Scan(&sh.TargetWorker, &sh.SourceWorker, &sh.Category, &sh.LearningType,
				&payload, &sh.Confidence, &at); err != nil {
				return err
			}
			_ = json.Unmarshal([]byte(payload), &sh.Payload)
			sh.SharedAt = fromNanos(at)
			out = append(out, sh)
		}
		return rows.Err()
	})
	return out, err
}

// =============================================================================
// PERFORMANCE
// =============================================================================

const perfColumns = `worker_id, task_type, success_rate, average_time_ms, total_tasks,
	average_satisfaction, satisfaction_samples, trend, updated_at`

func scanPerf(r rowScanner) (*types.PerformanceMetric, error) {
	var (
		m       types.PerformanceMetric
		trend   string
		updated int64
	)
	if err := r.Scan(&m.WorkerID, &m.TaskType, &m.SuccessRate, &m.AverageTimeMs, &m.TotalTasks,
		&m.AverageSatisfaction, &m.SatisfactionSamples, &trend, &updated); err != nil {
		return nil, err
	}
	m.Trend = types.Trend(trend)
	m.UpdatedAt = fromNanos(updated)
	return &m, nil
}

// UpdatePerformance reads the (worker, taskType) metric, applies fn and writes
// it back in one transaction. fn receives a zero metric when none exists.
func (s *LocalStore) UpdatePerformance(ctx context.Context, workerID, taskType string, at time.Time, fn func(*types.PerformanceMetric)) (types.PerformanceMetric, error) {
	var out types.PerformanceMetric
	err := s.write(ctx, "UpdatePerformance", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			m, err := scanPerf(tx.QueryRowContext(ctx,
				`SELECT `+perfColumns+` FROM performance WHERE worker_id = ? AND task_type = ?`, workerID, taskType))
			if errors.Is(err, sql.ErrNoRows) {
				m = &types.PerformanceMetric{WorkerID: workerID, TaskType: taskType, Trend: types.TrendStable}
			} else if err != nil {
				return err
			}
			fn(m)
			m.UpdatedAt = at
			_, err = tx.ExecContext(ctx, `
				INSERT INTO performance (`+perfColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(worker_id, task_type) DO UPDATE SET
					success_rate = excluded.success_rate,
					average_time_ms = excluded.average_time_ms,
					total_tasks = excluded.total_tasks,
					average_satisfaction = excluded.average_satisfaction,
					satisfaction_samples = excluded.satisfaction_samples,
					trend = excluded.trend,
					updated_at = excluded.updated_at`,
				m.WorkerID, m.TaskType, m.SuccessRate, m.AverageTimeMs, m.TotalTasks,
				m.AverageSatisfaction, m.SatisfactionSamples, string(m.Trend), toNanos(m.UpdatedAt))
			if err != nil {
				return err
			}
			out = *m
			return nil
		})
	})
	return out, err
}

// Performance returns metrics for a worker, or for every worker when workerID is empty.
func (s *LocalStore) Performance(ctx context.Context, workerID string) ([]types.PerformanceMetric, error) {
	query := `SELECT ` + perfColumns + ` FROM performance`
	var args []any
	if workerID != "" {
		query += ` WHERE worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY worker_id, task_type`

	var out []types.PerformanceMetric
	err := s.read(ctx, "Performance", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanPerf(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	return out, err
}
