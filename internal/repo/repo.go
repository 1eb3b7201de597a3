package repo

import (
	"context"
	"database/sql"
	"errors"

	"actiongate/internal/db"
)

// Repo is the SQL persistence layer. Queries are written with ? placeholders
// and rebound for the configured dialect.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write matched zero rows: the stored
	// state no longer satisfies the transition's precondition.
	ErrConflict = errors.New("precondition failed")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return r.on(tx).ExecContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	return r.on(tx).QueryContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	return r.on(tx).QueryRowContext(ctx, r.Dialect.Rebind(query), args...)
}

// NormalizeLimit clamps list sizes to (0,200], defaulting to 50.
func NormalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableRaw(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
