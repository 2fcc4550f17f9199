// Package docstore is the document store the inbox persists into.
//
// # Contract
//
// The Store interface exposes five operations:
//
//   - Get(path): one document, or ErrNotFound
//   - SetMerge(path, fields): create-or-merge; unnamed fields are preserved
//   - Append(collection, fields): new child with a generated id
//   - List(collection, limit): direct children in insertion order
//   - Subscribe(prefix): live stream of committed changes
//
// # Paths
//
// Every path written by the inbox is scoped under "tenant/{tenantId}/":
//
//	tenant/{t}/session
//	tenant/{t}/conversations/{contact}
//	tenant/{t}/conversations/{contact}/messages/{id}
//
// Use SessionPath, ConversationPath and MessagesPath to build them. Segments
// are validated so an identifier containing "/" cannot address another
// tenant's documents.
//
// # Implementations
//
//   - MemoryStore: tests and the "memory:" DSN
//   - SQLiteStore: modernc.org/sqlite, WAL mode, single writer connection
//   - PostgresStore: lib/pq, jsonb fields merged with ||
//
// Open(dsn) picks one by scheme. Subscriptions see writes made through the
// same Store value only.
package docstore
