// ABOUTME: In-memory Store implementation for tests and the memory: DSN
// ABOUTME: Values are JSON-cloned on the way in and out, matching the SQL stores

package docstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*Document // keyed by path
	seq    int64
	closed bool

	broadcaster *Broadcaster
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:        make(map[string]*Document),
		broadcaster: NewBroadcaster(slog.Default()),
	}
}

// Get returns a copy of the document at path.
func (m *MemoryStore) Get(ctx context.Context, path string) (*Document, error) {
	if _, _, err := splitPath(path); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(d), nil
}

// SetMerge creates or merges into the document at path.
func (m *MemoryStore) SetMerge(ctx context.Context, path string, fields Fields) error {
	_, id, err := splitPath(path)
	if err != nil {
		return err
	}
	patch, err := normalize(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	now := time.Now().UTC()
	d, ok := m.docs[path]
	if !ok {
		m.seq++
		d = &Document{Path: path, ID: id, Seq: m.seq, Fields: Fields{}, CreatedAt: now}
		m.docs[path] = d
	}
	d.Fields = merge(d.Fields, patch)
	d.UpdatedAt = now
	out := cloneDocument(d)
	m.mu.Unlock()

	m.broadcaster.Publish(Change{Kind: ChangeSet, Document: out})
	return nil
}

// Append adds a new document with a generated id under collection.
func (m *MemoryStore) Append(ctx context.Context, collection string, fields Fields) (*Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	values, err := normalize(fields)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	path := collection + "/" + id
	now := time.Now().UTC()

	m.mu.Lock()
	m.seq++
	d := &Document{Path: path, ID: id, Seq: m.seq, Fields: values, CreatedAt: now, UpdatedAt: now}
	m.docs[path] = d
	out := cloneDocument(d)
	m.mu.Unlock()

	m.broadcaster.Publish(Change{Kind: ChangeAppend, Document: out})
	return cloneDocument(out), nil
}

// List returns the direct children of collection in insertion order.
func (m *MemoryStore) List(ctx context.Context, collection string, limit int) ([]*Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []*Document
	for path, d := range m.docs {
		parent, _, err := splitPath(path)
		if err != nil || parent != collection {
			continue
		}
		docs = append(docs, cloneDocument(d))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Seq < docs[j].Seq })

	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// Subscribe streams changes at or below prefix.
func (m *MemoryStore) Subscribe(ctx context.Context, prefix string) (<-chan Change, string) {
	return m.broadcaster.Subscribe(ctx, prefix)
}

// Paths returns every stored path, sorted. Tests use it to assert tenant isolation.
func (m *MemoryStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.docs))
	for p := range m.docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Close closes all subscriptions.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcaster.Close()
	}
	return nil
}
