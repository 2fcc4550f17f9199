// ABOUTME: Document store contract used for sessions, conversations and messages
// ABOUTME: Defines Document, Fields, Change and the Store interface with tenant-scoped paths

package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a document does not exist
var ErrNotFound = errors.New("document not found")

// ErrInvalidPath is returned for empty paths, empty segments, or segments containing a slash
var ErrInvalidPath = errors.New("invalid document path")

// Fields is a JSON-compatible set of document fields. A nil value is stored as JSON null.
type Fields map[string]any

// Document is one stored record.
type Document struct {
	Path      string
	ID        string // last path segment
	Seq       int64  // store-wide insertion sequence, used for append ordering
	Fields    Fields
	CreatedAt time.Time
	UpdatedAt time.Time
}

// String returns a string field, or "" if absent, null, or not a string.
func (d *Document) String(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d.Fields[key].(string)
	return s
}

// Has reports whether the field exists, even if it is null.
func (d *Document) Has(key string) bool {
	if d == nil {
		return false
	}
	_, ok := d.Fields[key]
	return ok
}

// IsNull reports whether the field exists and holds JSON null.
func (d *Document) IsNull(key string) bool {
	if d == nil {
		return false
	}
	v, ok := d.Fields[key]
	return ok && v == nil
}

// Time parses a timestamp field written with FormatTime.
func (d *Document) Time(key string) (time.Time, bool) {
	s := d.String(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatTime is the canonical timestamp encoding for document fields.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ChangeKind identifies the write that produced a Change.
type ChangeKind string

const (
	ChangeSet    ChangeKind = "set"
	ChangeAppend ChangeKind = "append"
)

// Change is delivered to subscribers after a write commits.
type Change struct {
	Kind     ChangeKind
	Document *Document
}

// Store is the document store contract. All implementations are safe for concurrent use.
type Store interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path string) (*Document, error)

	// SetMerge creates the document if absent and otherwise updates only the
	// named fields. Fields not named are preserved.
	SetMerge(ctx context.Context, path string, fields Fields) error

	// Append adds a new document with a generated id under collection.
	Append(ctx context.Context, collection string, fields Fields) (*Document, error)

	// List returns the direct children of collection in insertion order.
	// A limit <= 0 means no limit.
	List(ctx context.Context, collection string, limit int) ([]*Document, error)

	// Subscribe streams every change at or below prefix until ctx is done.
	Subscribe(ctx context.Context, prefix string) (<-chan Change, string)

	// Close releases any resources held by the store.
	Close() error
}

// Join builds a path from segments, rejecting segments that could escape their prefix.
func Join(segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", ErrInvalidPath
	}
	for _, seg := range segments {
		if seg == "" || strings.Contains(seg, "/") {
			return "", ErrInvalidPath
		}
	}
	return strings.Join(segments, "/"), nil
}

// SessionPath is the persisted session document of a tenant.
func SessionPath(tenantID string) (string, error) {
	return Join("tenant", tenantID, "session")
}

// ConversationsPath is the collection of a tenant's conversations.
func ConversationsPath(tenantID string) (string, error) {
	return Join("tenant", tenantID, "conversations")
}

// ConversationPath is the conversation with one remote contact.
func ConversationPath(tenantID, remoteContactID string) (string, error) {
	return Join("tenant", tenantID, "conversations", remoteContactID)
}

// MessagesPath is the message log of one conversation.
func MessagesPath(tenantID, remoteContactID string) (string, error) {
	return Join("tenant", tenantID, "conversations", remoteContactID, "messages")
}

// TenantPrefix is the prefix under which every document of a tenant lives.
func TenantPrefix(tenantID string) (string, error) {
	p, err := Join("tenant", tenantID)
	if err != nil {
		return "", err
	}
	return p + "/", nil
}

// splitPath returns the parent collection and the last segment of path.
func splitPath(path string) (parent, id string, err error) {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return "", "", ErrInvalidPath
	}
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path, nil
	}
	return path[:i], path[i+1:], nil
}

// validCollection checks a collection path used for Append and List.
func validCollection(collection string) error {
	_, _, err := splitPath(collection)
	return err
}
