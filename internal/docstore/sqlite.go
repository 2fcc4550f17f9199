// ABOUTME: SQLite implementation of the document Store using modernc.org/sqlite
// ABOUTME: Stores fields as JSON text with merge performed inside a transaction

package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db          *sql.DB
	logger      *slog.Logger
	broadcaster *Broadcaster
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed; ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "docstore")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers; merges read-modify-write inside one transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:          db,
		logger:      logger,
		broadcaster: NewBroadcaster(logger),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite document store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			path       TEXT PRIMARY KEY,
			parent     TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			fields     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_parent_seq
			ON documents(parent, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the document at path.
func (s *SQLiteStore) Get(ctx context.Context, path string) (*Document, error) {
	if _, _, err := splitPath(path); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT path, seq, fields, created_at, updated_at FROM documents WHERE path = ?`, path)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	return d, nil
}

// SetMerge creates or merges into the document at path.
func (s *SQLiteStore) SetMerge(ctx context.Context, path string, fields Fields) error {
	parent, _, err := splitPath(path)
	if err != nil {
		return err
	}
	patch, err := normalize(fields)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := FormatTime(time.Now())
	existing := Fields{}
	var seq int64
	createdAt := now

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT fields, seq, created_at FROM documents WHERE path = ?`, path).Scan(&raw, &seq, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq, err = nextSeq(ctx, tx)
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("reading document: %w", err)
	default:
		existing, err = decodeFields([]byte(raw))
		if err != nil {
			return err
		}
	}

	merged := merge(existing, patch)
	encoded, err := encodeFields(merged)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (path, parent, seq, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at
	`, path, parent, seq, encoded, createdAt, now)
	if err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing document: %w", err)
	}

	d := &Document{Path: path, Seq: seq, Fields: merged}
	d.ID = lastSegment(path)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, now)
	s.broadcaster.Publish(Change{Kind: ChangeSet, Document: d})
	return nil
}

// Append adds a new document with a generated id under collection.
func (s *SQLiteStore) Append(ctx context.Context, collection string, fields Fields) (*Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	values, err := normalize(fields)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeFields(values)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	path := collection + "/" + id
	nowTime := time.Now().UTC()
	now := FormatTime(nowTime)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (path, parent, seq, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, path, collection, seq, encoded, now, now)
	if err != nil {
		return nil, fmt.Errorf("appending document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing document: %w", err)
	}

	d := &Document{Path: path, ID: id, Seq: seq, Fields: values, CreatedAt: nowTime, UpdatedAt: nowTime}
	s.broadcaster.Publish(Change{Kind: ChangeAppend, Document: d})
	return cloneDocument(d), nil
}

// List returns the direct children of collection in insertion order.
func (s *SQLiteStore) List(ctx context.Context, collection string, limit int) ([]*Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	query := `SELECT path, seq, fields, created_at, updated_at FROM documents WHERE parent = ? ORDER BY seq ASC`
	args := []any{collection}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Subscribe streams changes at or below prefix.
func (s *SQLiteStore) Subscribe(ctx context.Context, prefix string) (<-chan Change, string) {
	return s.broadcaster.Subscribe(ctx, prefix)
}

// Close closes subscriptions and the database connection.
func (s *SQLiteStore) Close() error {
	s.broadcaster.Close()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		d                    Document
		raw                  string
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.Path, &d.Seq, &raw, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	fields, err := decodeFields([]byte(raw))
	if err != nil {
		return nil, err
	}
	d.Fields = fields
	d.ID = lastSegment(d.Path)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &d, nil
}

func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM documents`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocating sequence: %w", err)
	}
	return seq, nil
}

func lastSegment(path string) string {
	_, id, _ := splitPath(path)
	return id
}
