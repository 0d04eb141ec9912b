package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const patternColumns = `id, worker_id, category, input_signature, response_template,
	confidence, usage_count, tokens_saved, created_at, last_used_at`

func scanPattern(r rowScanner) (*types.Pattern, error) {
	var (
		p                 types.Pattern
		created, lastUsed int64
	)
	if err := r.Scan(&p.ID, &p.WorkerID, &p.Category, &p.InputSignature, &p.ResponseTemplate,
		&p.Confidence, &p.UsageCount, &p.TokensSaved, &created, &lastUsed); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(created)
	p.LastUsedAt = fromNanos(lastUsed)
	return &p, nil
}

// SavePattern inserts a pattern, or refreshes the template of an existing
// pattern with the same (worker, category, signature). Confidence and usage
// of an existing pattern are preserved.
func (s *LocalStore) SavePattern(ctx context.Context, p *types.Pattern) (*types.Pattern, error) {
	var saved *types.Pattern
	err := s.write(ctx, "SavePattern", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO patterns (`+patternColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(worker_id, category, input_signature) DO UPDATE SET
					response_template = excluded.response_template,
					tokens_saved = patterns.tokens_saved + excluded.tokens_saved,
					last_used_at = excluded.last_used_at`,
				p.ID, p.WorkerID, p.Category, p.InputSignature, p.ResponseTemplate,
				p.Confidence, p.UsageCount, p.TokensSaved, toNanos(p.CreatedAt), toNanos(p.LastUsedAt))
			if err != nil {
				return err
			}
			row := tx.QueryRowContext(ctx,
				`SELECT `+patternColumns+` FROM patterns WHERE worker_id = ? AND category = ? AND input_signature = ?`,
				p.WorkerID, p.Category, p.InputSignature)
			saved, err = scanPattern(row)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("Saved pattern %s for worker=%s category=%s", saved.ID, saved.WorkerID, saved.Category)
	return saved, nil
}

// PatternsForWorker returns all patterns owned by a worker, most confident first.
func (s *LocalStore) PatternsForWorker(ctx context.Context, workerID string) ([]types.Pattern, error) {
	var out []types.Pattern
	err := s.read(ctx, "PatternsForWorker", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+patternColumns+` FROM patterns WHERE worker_id = ? ORDER BY confidence DESC, usage_count DESC`,
			workerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPattern(rows)
			if err != nil {
				return err
			}
			out = append(out, *p)
		}
		return rows.Err()
	})
	return out, err
}

// GetPattern loads one pattern by id.
func (s *LocalStore) GetPattern(ctx context.Context, id string) (*types.Pattern, error) {
	var p *types.Pattern
	err := s.read(ctx, "GetPattern", func() error {
		var err error
		p, err = scanPattern(s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pattern %s: %w", id, types.ErrNotFound)
		}
		return err
	})
	return p, err
}

// RecordPatternUse bumps usage and raises confidence by increment, capped at 1.0.
// The update is a single statement so concurrent reuses never lose an increment.
func (s *LocalStore) RecordPatternUse(ctx context.Context, id string, increment float64, at time.Time) (*types.Pattern, error) {
	if increment < 0 {
		increment = 0
	}
	var p *types.Pattern
	err := s.write(ctx, "RecordPatternUse", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE patterns SET
					confidence = MIN(1.0, confidence + ?),
					usage_count = usage_count + 1,
					last_used_at = ?
				WHERE id = ?`, increment, toNanos(at), id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("pattern %s: %w", id, types.ErrNotFound)
			}
			p, err = scanPattern(tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id))
			return err
		})
	})
	return p, err
}

// PatternStats summarizes the pattern table.
type PatternStats struct {
	Total       int     `json:"total"`
	TotalUses   int     `json:"total_uses"`
	TokensSaved int     `json:"tokens_saved"`
	AvgConf     float64 `json:"avg_confidence"`
}

// GetPatternStats returns aggregate pattern counts.
func (s *LocalStore) GetPatternStats(ctx context.Context) (PatternStats, error) {
	var st PatternStats
	err := s.read(ctx, "GetPatternStats", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(usage_count), 0), COALESCE(SUM(tokens_saved), 0), COALESCE(AVG(confidence), 0)
			FROM patterns`).Scan(&st.Total, &st.TotalUses, &st.TokensSaved, &st.AvgConf)
	})
	return st, err
}
