// Package resource defines the narrow adapter contract the change pipeline
// consumes from the generic CRUD layer, plus collection-name resolution.
package resource

import (
	"context"
	"errors"
	"strings"

	"github.com/jinzhu/inflection"
	"golang.org/x/text/cases"

	"github.com/roach88/harvester/internal/oplog"
)

// ErrNotFound is returned by Adapter.Find when no record matches.
var ErrNotFound = errors.New("record not found")

// Record is the externally visible representation of a stored document.
// The identifier is always stored under "id".
type Record map[string]any

// ID returns the record identifier, or "" if absent.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Adapter is the subset of the CRUD adapter used by the checkpoint store
// and the SSE registry.
type Adapter interface {
	Find(ctx context.Context, typ string, query map[string]any) (Record, error)
	Create(ctx context.Context, typ string, record Record) (Record, error)
	Update(ctx context.Context, typ, id string, partial map[string]any) error
	Delete(ctx context.Context, typ, id string) error

	// Deserialize converts the raw document of a log entry into the record
	// representation of the given resource type.
	Deserialize(typ string, entry oplog.Entry) Record

	// Namespace returns the fully qualified collection for typ ("db.posts").
	Namespace(typ string) string
}

// Fold case-folds s for name comparison. Casers are not safe for
// concurrent use, so each call builds its own.
func Fold(s string) string {
	return cases.Fold().String(s)
}

// Collection resolves a resource name to its collection name: the plural
// form, case folded. "Post" and "post" both resolve to "posts".
func Collection(name string) string {
	return Fold(inflection.Plural(strings.TrimSpace(name)))
}

// Deserialize is the default output transform shared by the adapters.
//
// Inserts yield the inserted document. Updates yield the replacement-set
// fields. Deletes yield only the identifier. Backend-internal fields
// (leading underscore) are dropped and "_id" becomes "id".
func Deserialize(entry oplog.Entry) Record {
	var src map[string]any
	switch entry.Operation {
	case oplog.OpInsert:
		src = entry.Document
	case oplog.OpUpdate:
		src = entry.UpdatedFields()
	}

	rec := make(Record, len(src)+1)
	for key, value := range src {
		if strings.HasPrefix(key, "_") {
			continue
		}
		rec[key] = value
	}
	rec["id"] = entry.DocumentID
	return rec
}
