package oplog

import (
	"context"
	"fmt"
	"strings"
)

// Operation identifies the kind of write an entry records.
type Operation string

const (
	// OpInsert records a new document.
	OpInsert Operation = "insert"
	// OpUpdate records a modification; Document holds the update operators.
	OpUpdate Operation = "update"
	// OpDelete records a removal; Document holds the deleted reference.
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the three supported operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation accepts both the long names and the single-letter oplog
// codes ("i", "u", "d").
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "i", string(OpInsert):
		return OpInsert, nil
	case "u", string(OpUpdate):
		return OpUpdate, nil
	case "d", string(OpDelete):
		return OpDelete, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Code returns the single-letter oplog code for op.
func (op Operation) Code() string {
	switch op {
	case OpInsert:
		return "i"
	case OpUpdate:
		return "u"
	case OpDelete:
		return "d"
	}
	return ""
}

// Entry is one operation-log record.
type Entry struct {
	Position   Position       `json:"position"`
	Namespace  string         `json:"namespace"`
	Operation  Operation      `json:"operation"`
	DocumentID string         `json:"document_id"`
	Document   map[string]any `json:"document"`
}

// Collection returns the part of the namespace after the database name.
func (e Entry) Collection() string {
	_, coll := SplitNamespace(e.Namespace)
	return coll
}

// UpdatedFields returns the replacement-set fields of an update entry.
//
// Update documents either carry operators ({"$set": {...}}) or are full
// replacements. For the operator form the "$set" map is returned; for a
// replacement the document itself is returned. Non-update entries return
// their document unchanged.
func (e Entry) UpdatedFields() map[string]any {
	if e.Operation != OpUpdate {
		return e.Document
	}
	if set, ok := e.Document["$set"].(map[string]any); ok {
		return set
	}
	for key := range e.Document {
		if strings.HasPrefix(key, "$") {
			// Operator document without $set: nothing was replaced.
			return map[string]any{}
		}
	}
	return e.Document
}

// Namespace joins a database and collection name ("db.posts").
func Namespace(database, collection string) string {
	return database + "." + collection
}

// SplitNamespace splits a namespace at the first dot. Collection names may
// themselves contain dots (e.g. "oplog.rs").
func SplitNamespace(ns string) (database, collection string) {
	database, collection, ok := strings.Cut(ns, ".")
	if !ok {
		return "", ns
	}
	return database, collection
}

// Lookup resolves a dotted path ("author.name") inside a document.
// It returns false when any segment is missing or not a nested object.
func Lookup(doc map[string]any, path string) (any, bool) {
	if doc == nil || path == "" {
		return nil, false
	}

	current := any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

// Cursor is an open, lazily-evaluated view over the log.
//
// Next blocks until an entry is available, the context is cancelled or the
// underlying source fails. A cursor is not safe for concurrent use.
type Cursor interface {
	Next(ctx context.Context) (Entry, error)
	Close() error
}

// Log is a tailable operation log.
type Log interface {
	// Tail opens a cursor that yields every entry with a position strictly
	// after since, waiting for new entries rather than terminating.
	Tail(ctx context.Context, since Position) (Cursor, error)

	// Read returns up to limit entries after since without blocking.
	Read(ctx context.Context, since Position, limit int) ([]Entry, error)

	// Head returns the position of the newest entry, or the zero position
	// for an empty log.
	Head(ctx context.Context) (Position, error)
}
