package store

import (
	"context"
	"encoding/json"

	"taskweave/internal/types"
)

// UpsertWorker persists a worker profile.
func (s *LocalStore) UpsertWorker(ctx context.Context, w types.WorkerProfile) error {
	specs, err := json.Marshal(w.Specialties)
	if err != nil {
		return err
	}
	return s.write(ctx, "UpsertWorker", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workers (worker_id, specialties, max_capacity, current_task_count,
				average_task_minutes, efficiency_score, last_assigned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(worker_id) DO UPDATE SET
				specialties = excluded.specialties,
				max_capacity = excluded.max_capacity,
				current_task_count = excluded.current_task_count,
				average_task_minutes = excluded.average_task_minutes,
				efficiency_score = excluded.efficiency_score,
				last_assigned_at = excluded.last_assigned_at`,
			w.WorkerID, string(specs), w.MaxCapacity, w.CurrentTaskCount,
			w.AverageTaskMinutes, w.EfficiencyScore, toNanos(w.LastAssignedAt))
		return err
	})
}

// LoadWorkers returns every persisted worker profile ordered by id.
func (s *LocalStore) LoadWorkers(ctx context.Context) ([]types.WorkerProfile, error) {
	var out []types.WorkerProfile
	err := s.read(ctx, "LoadWorkers", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT worker_id, specialties, max_capacity, current_task_count,
				average_task_minutes, efficiency_score, last_assigned_at
			FROM workers ORDER BY worker_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				w     types.WorkerProfile
				specs string
				last  int64
			)
			if err := rows.Scan(&w.WorkerID, &specs, &w.MaxCapacity, &w.CurrentTaskCount,
				&w.AverageTaskMinutes, &w.EfficiencyScore, &last); err != nil {
				return err
			}
			_ = json.Unmarshal([]byte(specs), &w.Specialties)
			w.LastAssignedAt = fromNanos(last)
			out = append(out, w)
		}
		return rows.Err()
	})
	return out, err
}

// ActiveTaskCounts returns the number of non-terminal tasks per assigned worker.
func (s *LocalStore) ActiveTaskCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.read(ctx, "ActiveTaskCounts", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT assigned_worker, COUNT(*) FROM tasks
			WHERE assigned_worker != '' AND status != ?
			GROUP BY assigned_worker`, string(types.TaskCompleted))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id string
				n  int
			)
			if err := rows.Scan(&id, &n); err != nil {
				return err
			}
			counts[id] = n
		}
		return rows.Err()
	})
	return counts, err
}
