// ABOUTME: PostgreSQL implementation of the document Store using lib/pq
// ABOUTME: Merges are a single jsonb || upsert so concurrent writers never lose fields

package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "coven_documents"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore implements Store on a jsonb table.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc
	logger *slog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	broadcaster *Broadcaster
}

// NewPostgresStore returns a store that connects lazily on first use.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	logger := slog.Default().With("component", "docstore")
	return &PostgresStore{
		dsn:         dsn,
		openDB:      sql.Open,
		logger:      logger,
		broadcaster: NewBroadcaster(logger),
	}, nil
}

func (p *PostgresStore) ensureReady(ctx context.Context) error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = fmt.Errorf("opening postgres: %w", err)
			return
		}
		initCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(initCtx); err != nil {
			db.Close()
			p.initErr = fmt.Errorf("pinging postgres: %w", err)
			return
		}
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				path       TEXT PRIMARY KEY,
				parent     TEXT NOT NULL,
				seq        BIGSERIAL,
				fields     JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_parent_seq ON %[1]s(parent, seq);
		`, postgresTableName)
		if _, err := db.ExecContext(initCtx, schema); err != nil {
			db.Close()
			p.initErr = fmt.Errorf("creating schema: %w", err)
			return
		}
		p.db = db
		p.logger.Info("postgres document store initialized")
	})
	return p.initErr
}

// Get returns the document at path.
func (p *PostgresStore) Get(ctx context.Context, path string) (*Document, error) {
	if _, _, err := splitPath(path); err != nil {
		return nil, err
	}
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT path, seq, fields, created_at, updated_at FROM %s WHERE path = $1`, postgresTableName), path)
	d, err := scanPostgresDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	return d, nil
}

// SetMerge upserts the document, concatenating the new fields over the stored ones.
func (p *PostgresStore) SetMerge(ctx context.Context, path string, fields Fields) error {
	parent, _, err := splitPath(path)
	if err != nil {
		return err
	}
	patch, err := normalize(fields)
	if err != nil {
		return err
	}
	encoded, err := encodeFields(patch)
	if err != nil {
		return err
	}
	if err := p.ensureReady(ctx); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (path, parent, fields)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (path)
		DO UPDATE SET fields = %[1]s.fields || EXCLUDED.fields, updated_at = NOW()
		RETURNING path, seq, fields, created_at, updated_at`, postgresTableName)
	d, err := scanPostgresDocument(p.db.QueryRowContext(ctx, query, path, parent, encoded))
	if err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	p.broadcaster.Publish(Change{Kind: ChangeSet, Document: d})
	return nil
}

// Append inserts a new document with a generated id under collection.
func (p *PostgresStore) Append(ctx context.Context, collection string, fields Fields) (*Document, error) {
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
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}

	path := collection + "/" + uuid.New().String()
	query := fmt.Sprintf(`
		INSERT INTO %s (path, parent, fields)
		VALUES ($1, $2, $3::jsonb)
		RETURNING path, seq, fields, created_at, updated_at`, postgresTableName)
	d, err := scanPostgresDocument(p.db.QueryRowContext(ctx, query, path, collection, encoded))
	if err != nil {
		return nil, fmt.Errorf("appending document: %w", err)
	}
	p.broadcaster.Publish(Change{Kind: ChangeAppend, Document: d})
	return cloneDocument(d), nil
}

// List returns the direct children of collection in insertion order.
func (p *PostgresStore) List(ctx context.Context, collection string, limit int) ([]*Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT path, seq, fields, created_at, updated_at FROM %s WHERE parent = $1 ORDER BY seq ASC`, postgresTableName)
	args := []any{collection}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanPostgresDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Subscribe streams changes made through this process at or below prefix.
func (p *PostgresStore) Subscribe(ctx context.Context, prefix string) (<-chan Change, string) {
	return p.broadcaster.Subscribe(ctx, prefix)
}

// Close closes subscriptions and the connection pool.
func (p *PostgresStore) Close() error {
	p.broadcaster.Close()
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func scanPostgresDocument(row rowScanner) (*Document, error) {
	var (
		d   Document
		raw []byte
	)
	if err := row.Scan(&d.Path, &d.Seq, &raw, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	d.Fields = fields
	d.ID = lastSegment(d.Path)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}
