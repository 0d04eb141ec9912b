package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskweave/internal/types"
)

const executionColumns = `id, session_id, coordinator, state, total_tasks, completed_tasks,
	current_task_id, last_error, started_at, deadline, finished_at`

func scanExecution(r rowScanner) (*types.Execution, error) {
	var (
		e                          types.Execution
		state                      string
		started, deadline, finished int64
	)
	if err := r.Scan(&e.ID, &e.SessionID, &e.Coordinator, &state, &e.TotalTasks, &e.CompletedTasks,
		&e.CurrentTaskID, &e.LastError, &started, &deadline, &finished); err != nil {
		return nil, err
	}
	e.State = types.ExecutionState(state)
	e.StartedAt = fromNanos(started)
	e.Deadline = fromNanos(deadline)
	e.FinishedAt = fromNanos(finished)
	return &e, nil
}

// SaveExecution inserts or replaces an execution record.
func (s *LocalStore) SaveExecution(ctx context.Context, e *types.Execution) error {
	return s.write(ctx, "SaveExecution", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				total_tasks = excluded.total_tasks,
				completed_tasks = excluded.completed_tasks,
				current_task_id = excluded.current_task_id,
				last_error = excluded.last_error,
				finished_at = excluded.finished_at`,
			e.ID, e.SessionID, e.Coordinator, string(e.State), e.TotalTasks, e.CompletedTasks,
			e.CurrentTaskID, e.LastError, toNanos(e.StartedAt), toNanos(e.Deadline), toNanos(e.FinishedAt))
		return err
	})
}

// GetExecution loads an execution by id.
func (s *LocalStore) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	var e *types.Execution
	err := s.read(ctx, "GetExecution", func() error {
		var err error
		e, err = scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %s: %w", id, types.ErrNotFound)
		}
		return err
	})
	return e, err
}

// ListExecutions returns executions in the given state (all when empty), newest first.
func (s *LocalStore) ListExecutions(ctx context.Context, state types.ExecutionState) ([]types.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY started_at DESC`

	var out []types.Execution
	err := s.read(ctx, "ListExecutions", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanExecution(rows)
			if err != nil {
				return err
			}
			out = append(out, *e)
		}
		return rows.Err()
	})
	return out, err
}
