// ABOUTME: Builds a Store from a DSN string
// ABOUTME: memory:, sqlite:///path (or a bare file path) and postgres:// are supported

package docstore

import (
	"fmt"
	"net/url"
	"strings"
)

// Open returns the Store selected by the DSN scheme.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if dsn == "memory:" {
		return NewMemoryStore(), nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem":
		return NewMemoryStore(), nil
	case "", "file":
		return NewSQLiteStore(sqlitePath(parsed, dsn))
	case "sqlite", "sqlite3":
		return NewSQLiteStore(sqlitePath(parsed, dsn))
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database scheme: %s", parsed.Scheme)
	}
}

// sqlitePath extracts the file path from sqlite:///abs/path, sqlite://rel/path or a bare path.
func sqlitePath(u *url.URL, raw string) string {
	if u.Scheme == "" {
		return raw
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}
