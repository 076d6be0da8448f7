package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/types"
)

const rowColumns = `bucket_time, bucket_size, bucket_lifetime, bucket_type, bucket_name, bucket_value, updated_at`

// Insert stores rows. Batches larger than the configured chunk size are
// split into several multi-row INSERT statements inside one transaction.
// Rows without UpdatedAt are stamped with the current time.
func (s *Store) Insert(ctx context.Context, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}

	now := time.Now().Unix()
	chunk := s.config.InsertChunk

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(rows); i += chunk {
			end := i + chunk
			if end > len(rows) {
				end = len(rows)
			}

			query, args := buildMultiRowInsert(rows[i:end], now)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert rows %d-%d: %w", i, end, errors.Join(errors.ErrDatabase, err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("rows inserted", "count", len(rows))
	return nil
}

// Replace stores rows, first removing any existing row with the same name,
// type and bucket time. The recorder uses it to rewrite buckets that are
// still open.
func (s *Store) Replace(ctx context.Context, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}

	now := time.Now().Unix()
	chunk := s.config.InsertChunk

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		del, err := tx.PrepareContext(ctx, `
			DELETE FROM statistics
			WHERE bucket_name = ? AND bucket_type = ? AND bucket_time = ?
		`)
		if err != nil {
			return fmt.Errorf("prepare delete: %w", errors.Join(errors.ErrDatabase, err))
		}
		defer del.Close()

		for _, row := range rows {
			if _, err := del.ExecContext(ctx, row.Name, row.Type, row.Time); err != nil {
				return fmt.Errorf("replace %s: %w", row.Name, errors.Join(errors.ErrDatabase, err))
			}
		}

		for i := 0; i < len(rows); i += chunk {
			end := i + chunk
			if end > len(rows) {
				end = len(rows)
			}

			query, args := buildMultiRowInsert(rows[i:end], now)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert rows %d-%d: %w", i, end, errors.Join(errors.ErrDatabase, err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("rows replaced", "count", len(rows))
	return nil
}

// Rewrite deletes the rows in old and inserts the rows in add in one
// transaction. Rows in old are matched by name, type, bucket time and size.
func (s *Store) Rewrite(ctx context.Context, old, add []types.Row) error {
	if len(old) == 0 && len(add) == 0 {
		return nil
	}

	now := time.Now().Unix()
	chunk := s.config.InsertChunk

	var removed int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		del, err := tx.PrepareContext(ctx, `
			DELETE FROM statistics
			WHERE bucket_name = ? AND bucket_type = ? AND bucket_time = ? AND bucket_size = ?
		`)
		if err != nil {
			return fmt.Errorf("prepare delete: %w", errors.Join(errors.ErrDatabase, err))
		}
		defer del.Close()

		for _, row := range old {
			res, err := del.ExecContext(ctx, row.Name, row.Type, row.Time, row.Size)
			if err != nil {
				return fmt.Errorf("rewrite %s: %w", row.Name, errors.Join(errors.ErrDatabase, err))
			}
			if n, err := res.RowsAffected(); err == nil {
				removed += n
			}
		}

		for i := 0; i < len(add); i += chunk {
			end := i + chunk
			if end > len(add) {
				end = len(add)
			}

			query, args := buildMultiRowInsert(add[i:end], now)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert rows %d-%d: %w", i, end, errors.Join(errors.ErrDatabase, err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("rows rewritten", "removed", removed, "added", len(add))
	return nil
}

// buildMultiRowInsert builds one INSERT with a VALUES tuple per row.
func buildMultiRowInsert(rows []types.Row, now int64) (string, []interface{}) {
	const columnsPerRow = 7

	args := make([]interface{}, 0, len(rows)*columnsPerRow)

	var query strings.Builder
	query.Grow(120 + len(rows)*16)

	query.WriteString(`INSERT INTO statistics (` + rowColumns + `) VALUES `)

	for i, row := range rows {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?,?,?)")

		updatedAt := row.UpdatedAt
		if updatedAt == 0 {
			updatedAt = now
		}

		args = append(args,
			row.Time,
			row.Size,
			row.Lifetime,
			row.Type,
			row.Name,
			row.Value,
			updatedAt,
		)
	}

	return query.String(), args
}

// Range returns the rows of the named metrics whose bucket time lies in
// [start, stop], ordered by bucket time.
func (s *Store) Range(ctx context.Context, names []string, start, stop float64) ([]types.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	query := `SELECT ` + rowColumns + ` FROM statistics
		WHERE bucket_name IN (` + placeholders + `)
		AND bucket_time >= ? AND bucket_time <= ?
		ORDER BY bucket_time, bucket_name`

	args := make([]interface{}, 0, len(names)+2)
	for _, name := range names {
		args = append(args, name)
	}
	args = append(args, start, stop)

	return s.queryRows(ctx, query, args...)
}

// All returns every stored row ordered by name and bucket time.
func (s *Store) All(ctx context.Context) ([]types.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.queryRows(ctx, `SELECT `+rowColumns+` FROM statistics ORDER BY bucket_name, bucket_time`)
}

func (s *Store) queryRows(ctx context.Context, query string, args ...interface{}) ([]types.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", errors.Join(errors.ErrDatabase, err))
	}
	defer rows.Close()

	out := make([]types.Row, 0, 256)
	for rows.Next() {
		var row types.Row
		if err := rows.Scan(
			&row.Time, &row.Size, &row.Lifetime, &row.Type,
			&row.Name, &row.Value, &row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM statistics`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count statistics: %w", errors.Join(errors.ErrDatabase, err))
	}
	return count, nil
}

// DeleteBefore removes rows of name whose bucket time is before cutoff and
// returns how many were removed.
func (s *Store) DeleteBefore(ctx context.Context, name string, cutoff float64) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM statistics WHERE bucket_name = ? AND bucket_time < ?
	`, name, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", name, errors.Join(errors.ErrDatabase, err))
	}
	return result.RowsAffected()
}

// CountBefore returns how many rows DeleteBefore would remove.
func (s *Store) CountBefore(ctx context.Context, name string, cutoff float64) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM statistics WHERE bucket_name = ? AND bucket_time < ?
	`, name, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", name, errors.Join(errors.ErrDatabase, err))
	}
	return count, nil
}
