package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const defaultDBName = "actiongate.db"

// Dialect selects placeholder syntax and driver-specific SQL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders into $n for Postgres. Queries in this
// module never carry a literal ? inside string constants.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type Config struct {
	Workspace string
	// Driver is sqlite (default) or postgres.
	Driver string
	// DSN is required for postgres; for sqlite it overrides the workspace file.
	DSN string
}

func (c Config) Dialect() Dialect {
	if strings.EqualFold(strings.TrimSpace(c.Driver), string(DialectPostgres)) {
		return DialectPostgres
	}
	return DialectSQLite
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".actiongate", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".actiongate")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite runs with foreign keys on,
// WAL, a busy timeout and immediate write transactions so concurrent
// conditional updates serialize instead of failing with SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	switch cfg.Dialect() {
	case DialectPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		return sql.Open("postgres", cfg.DSN)
	case DialectSQLite:
	}
	path := cfg.DSN
	if path == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		path = dbPath(cfg.Workspace)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
