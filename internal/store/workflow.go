package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// =============================================================================
// SESSIONS
// =============================================================================

// InsertSession persists a new workflow session (without tasks).
func (s *LocalStore) InsertSession(ctx context.Context, sess *types.WorkflowSession) error {
	return s.write(ctx, "InsertSession", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, name, description, coordinator, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, sess.Name, sess.Description, sess.CoordinatorWorker,
			string(sess.Status), toNanos(sess.CreatedAt), toNanos(sess.UpdatedAt))
		return err
	})
}

// UpdateSessionStatus sets a session's status.
func (s *LocalStore) UpdateSessionStatus(ctx context.Context, id string, status types.SessionStatus, at time.Time) error {
	return s.write(ctx, "UpdateSessionStatus", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
			string(status), toNanos(at), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
		}
		return nil
	})
}

func scanSession(r rowScanner) (*types.WorkflowSession, error) {
	var (
		sess             types.WorkflowSession
		status           string
		created, updated int64
		desc             sql.NullString
	)
	if err := r.Scan(&sess.SessionID, &sess.Name, &desc, &sess.CoordinatorWorker, &status, &created, &updated); err != nil {
		return nil, err
	}
	sess.Description = desc.String
	sess.Status = types.SessionStatus(status)
	sess.CreatedAt = fromNanos(created)
	sess.UpdatedAt = fromNanos(updated)
	return &sess, nil
}

// GetSession loads a session and its tasks.
func (s *LocalStore) GetSession(ctx context.Context, id string) (*types.WorkflowSession, error) {
	var sess *types.WorkflowSession
	err := s.read(ctx, "GetSession", func() error {
		var err error
		sess, err = scanSession(s.db.QueryRowContext(ctx, `
			SELECT session_id, name, description, coordinator, status, created_at, updated_at
			FROM sessions WHERE session_id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		sess.Tasks, err = s.queryTasks(ctx, `WHERE session_id = ? ORDER BY rowid`, id)
		return err
	})
	return sess, err
}

// ListSessions returns sessions with the given status (all when empty), newest first.
func (s *LocalStore) ListSessions(ctx context.Context, status types.SessionStatus) ([]types.WorkflowSession, error) {
	var out []types.WorkflowSession
	err := s.read(ctx, "ListSessions", func() error {
		out = out[:0]
		query := `SELECT session_id, name, description, coordinator, status, created_at, updated_at FROM sessions`
		var args []any
		if status != "" {
			query += ` WHERE status = ?`
			args = append(args, string(status))
		}
		query += ` ORDER BY created_at DESC`
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		var sessions []types.WorkflowSession
		for rows.Next() {
			sess, err := scanSession(rows)
			if err != nil {
				rows.Close()
				return err
			}
			sessions = append(sessions, *sess)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range sessions {
			tasks, err := s.queryTasks(ctx, `WHERE session_id = ? ORDER BY rowid`, sessions[i].SessionID)
			if err != nil {
				return err
			}
			sessions[i].Tasks = tasks
		}
		out = sessions
		return nil
	})
	return out, err
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumnList = `id, session_id, description, required_specialties, deliverables, priority,
	depends_on, estimated_minutes, status, assigned_worker, created_at, updated_at, completed_at`

func scanTask(r rowScanner) (*types.Task, error) {
	var (
		t                           types.Task
		specs, deliv, deps          string
		priority, status            string
		created, updated, completed int64
	)
	if err := r.Scan(&t.ID, &t.WorkflowID, &t.Description, &specs, &deliv, &priority,
		&deps, &t.EstimatedDurationMinutes, &status, &t.AssignedWorker, &created, &updated, &completed); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(specs), &t.RequiredSpecialties)
	_ = json.Unmarshal([]byte(deliv), &t.Deliverables)
	_ = json.Unmarshal([]byte(deps), &t.DependsOn)
	t.Priority = types.Priority(priority)
	t.Status = types.TaskStatus(status)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.CompletedAt = fromNanos(completed)
	return &t, nil
}

func taskArgs(t *types.Task) ([]any, error) {
	specs, err := json.Marshal(nonNil(t.RequiredSpecialties))
	if err != nil {
		return nil, err
	}
	deliv, err := json.Marshal(nonNil(t.Deliverables))
	if err != nil {
		return nil, err
	}
	deps, err := json.Marshal(nonNil(t.DependsOn))
	if err != nil {
		return nil, err
	}
	return []any{t.ID, t.WorkflowID, t.Description, string(specs), string(deliv), string(t.Priority),
		string(deps), t.EstimatedDurationMinutes, string(t.Status), t.AssignedWorker,
		toNanos(t.CreatedAt), toNanos(t.UpdatedAt), toNanos(t.CompletedAt)}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// queryTasks must be called with the lock held.
func (s *LocalStore) queryTasks(ctx context.Context, where string, args ...any) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumnList+` FROM tasks `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// InsertTask persists a new task and bumps the owning session's updated_at.
func (s *LocalStore) InsertTask(ctx context.Context, t *types.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	return s.write(ctx, "InsertTask", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
				toNanos(t.UpdatedAt), t.WorkflowID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("session %s: %w", t.WorkflowID, types.ErrNotFound)
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumnList+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
			return err
		})
	})
}

// UpdateTask overwrites the mutable fields of a task.
func (s *LocalStore) UpdateTask(ctx context.Context, t *types.Task) error {
	return s.write(ctx, "UpdateTask", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assigned_worker = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`,
			string(t.Status), t.AssignedWorker, toNanos(t.UpdatedAt), toNanos(t.CompletedAt), t.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", t.ID, types.ErrNotFound)
		}
		return nil
	})
}

// GetTask loads a task by id.
func (s *LocalStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var t *types.Task
	err := s.read(ctx, "GetTask", func() error {
		var err error
		t, err = scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumnList+` FROM tasks WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
		}
		return err
	})
	return t, err
}

// TasksForSession returns a session's tasks in insertion order.
func (s *LocalStore) TasksForSession(ctx context.Context, sessionID string) ([]types.Task, error) {
	var out []types.Task
	err := s.read(ctx, "TasksForSession", func() error {
		var err error
		out, err = s.queryTasks(ctx, `WHERE session_id = ? ORDER BY rowid`, sessionID)
		return err
	})
	return out, err
}

// TasksForWorker returns the non-terminal tasks assigned to a worker.
func (s *LocalStore) TasksForWorker(ctx context.Context, workerID string) ([]types.Task, error) {
	var out []types.Task
	err := s.read(ctx, "TasksForWorker", func() error {
		var err error
		out, err = s.queryTasks(ctx, `WHERE assigned_worker = ? AND status != ? ORDER BY rowid`,
			workerID, string(types.TaskCompleted))
		return err
	})
	return out, err
}

// TaskStatuses returns the status of each listed task id that exists.
func (s *LocalStore) TaskStatuses(ctx context.Context, ids []string) (map[string]types.TaskStatus, error) {
	out := make(map[string]types.TaskStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	err := s.read(ctx, "TaskStatuses", func() error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, status FROM tasks WHERE id IN (`+placeholders+`)
			 UNION ALL SELECT id, status FROM archived_tasks WHERE id IN (`+placeholders+`)`,
			append(args, args...)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, st string
			if err := rows.Scan(&id, &st); err != nil {
				return err
			}
			out[id] = types.TaskStatus(st)
		}
		return rows.Err()
	})
	return out, err
}

// ArchiveCompleted moves tasks completed before cutoff into archived_tasks.
func (s *LocalStore) ArchiveCompleted(ctx context.Context, cutoff, now time.Time) (int, error) {
	var moved int
	err := s.write(ctx, "ArchiveCompleted", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			cond := `status = ? AND completed_at != 0 AND completed_at < ?`
			condArgs := []any{string(types.TaskCompleted), toNanos(cutoff)}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO archived_tasks (`+taskColumnList+`, archived_at)
				SELECT `+taskColumnList+`, ? FROM tasks WHERE `+cond,
				append([]any{toNanos(now)}, condArgs...)...); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE `+cond, condArgs...)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			moved = int(n)
			return nil
		})
	})
	if err == nil && moved > 0 {
		logging.Store("Archived %d completed task(s) older than %s", moved, cutoff.Format(time.RFC3339))
	}
	return moved, err
}

// ArchivedCount returns the number of archived tasks.
func (s *LocalStore) ArchivedCount(ctx context.Context) (int, error) {
	var n int
	err := s.read(ctx, "ArchivedCount", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_tasks`).Scan(&n)
	})
	return n, err
}

// =============================================================================
// HANDOFFS
// =============================================================================

const handoffColumns = `id, from_worker, to_worker, task_id, message, deliverables, priority, status, created_at`

func scanHandoff(r rowScanner) (*types.HandoffNotification, error) {
	var (
		h                       types.HandoffNotification
		msg                     sql.NullString
		deliv, priority, status string
		created                 int64
	)
	if err := r.Scan(&h.ID, &h.FromWorker, &h.ToWorker, &h.TaskID, &msg, &deliv, &priority, &status, &created); err != nil {
		return nil, err
	}
	h.Message = msg.String
	_ = json.Unmarshal([]byte(deliv), &h.Deliverables)
	h.Priority = types.Priority(priority)
	h.Status = types.HandoffStatus(status)
	h.Timestamp = fromNanos(created)
	return &h, nil
}

// InsertHandoff persists a new handoff notification.
func (s *LocalStore) InsertHandoff(ctx context.Context, h *types.HandoffNotification) error {
	deliv, err := json.Marshal(nonNil(h.Deliverables))
	if err != nil {
		return err
	}
	return s.write(ctx, "InsertHandoff", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO handoffs (`+handoffColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, h.FromWorker, h.ToWorker, h.TaskID, h.Message, string(deliv),
			string(h.Priority), string(h.Status), toNanos(h.Timestamp), toNanos(h.Timestamp))
		return err
	})
}

// GetHandoff loads a handoff by id.
func (s *LocalStore) GetHandoff(ctx context.Context, id string) (*types.HandoffNotification, error) {
	var h *types.HandoffNotification
	err := s.read(ctx, "GetHandoff", func() error {
		var err error
		h, err = scanHandoff(s.db.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("handoff %s: %w", id, types.ErrNotFound)
		}
		return err
	})
	return h, err
}

// TransitionHandoff moves a handoff from one status to another. It reports
// false when the handoff was not in the expected status, so two racing
// accepts resolve to exactly one winner.
func (s *LocalStore) TransitionHandoff(ctx context.Context, id string, from, to types.HandoffStatus, at time.Time) (bool, error) {
	var ok bool
	err := s.write(ctx, "TransitionHandoff", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE handoffs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), toNanos(at), id, string(from))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		ok = n == 1
		return nil
	})
	return ok, err
}

// HandoffsFor returns handoffs addressed to a worker with the given status.
func (s *LocalStore) HandoffsFor(ctx context.Context, workerID string, status types.HandoffStatus) ([]types.HandoffNotification, error) {
	var out []types.HandoffNotification
	err := s.read(ctx, "HandoffsFor", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+handoffColumns+` FROM handoffs WHERE to_worker = ? AND status = ? ORDER BY created_at`,
			workerID, string(status))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			h, err := scanHandoff(rows)
			if err != nil {
				return err
			}
			out = append(out, *h)
		}
		return rows.Err()
	})
	return out, err
}
