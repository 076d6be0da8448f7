package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/validation"
)

// NameFilter narrows Names. Empty fields are ignored; when several name
// fields are set, all must match.
type NameFilter struct {
	Name     string // exact
	Contains string
	Prefix   string
	Suffix   string
	Type     string
}

// NameSummary describes the stored rows of one metric.
type NameSummary struct {
	Name     string
	Type     string
	Size     float64
	Lifetime int
	MinTime  float64
	MaxTime  float64
	Count    int64
}

// Names returns one summary per stored metric name matching filter, sorted
// by name.
func (s *Store) Names(ctx context.Context, filter NameFilter) ([]NameSummary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []interface{}
	)
	if filter.Type != "" {
		where = append(where, "bucket_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Name != "" {
		where = append(where, "bucket_name = ?")
		args = append(args, filter.Name)
	}
	if filter.Contains != "" {
		where = append(where, `bucket_name LIKE ? ESCAPE '\'`)
		args = append(args, validation.SafeLikeContains(filter.Contains))
	}
	if filter.Prefix != "" {
		where = append(where, `bucket_name LIKE ? ESCAPE '\'`)
		args = append(args, validation.SafeLikePrefix(filter.Prefix))
	}
	if filter.Suffix != "" {
		where = append(where, `bucket_name LIKE ? ESCAPE '\'`)
		args = append(args, validation.SafeLikeSuffix(filter.Suffix))
	}

	query := `SELECT bucket_name, any_value(bucket_type), any_value(bucket_size),
		any_value(bucket_lifetime), MIN(bucket_time), MAX(bucket_time), COUNT(*)
		FROM statistics`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` GROUP BY bucket_name ORDER BY bucket_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", errors.Join(errors.ErrDatabase, err))
	}
	defer rows.Close()

	var out []NameSummary
	for rows.Next() {
		var ns NameSummary
		if err := rows.Scan(&ns.Name, &ns.Type, &ns.Size, &ns.Lifetime, &ns.MinTime, &ns.MaxTime, &ns.Count); err != nil {
			return nil, fmt.Errorf("scan name summary: %w", err)
		}
		out = append(out, ns)
	}

	return out, rows.Err()
}

// LastDatapoints returns, for every datapoint metric, the value of its most
// recently updated row. Ties go to the latest bucket time.
func (s *Store) LastDatapoints(ctx context.Context) (map[string]float64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_name, bucket_value
		FROM statistics
		WHERE bucket_type = 'datapoint'
		QUALIFY row_number() OVER (
			PARTITION BY bucket_name ORDER BY updated_at DESC, bucket_time DESC
		) = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query last datapoints: %w", errors.Join(errors.ErrDatabase, err))
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			name  string
			value float64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan last datapoint: %w", err)
		}
		out[name] = value
	}

	return out, rows.Err()
}
