package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

const headQuery = `
	SELECT seconds, sequence FROM oplog
	ORDER BY seconds DESC, sequence DESC
	LIMIT 1
`

// Find returns the first record of typ whose fields equal every value in
// query. A query with an "id" key is answered by primary key.
//
// Returns resource.ErrNotFound if nothing matches.
func (s *Store) Find(ctx context.Context, typ string, query map[string]any) (resource.Record, error) {
	collection := resource.Collection(typ)

	if id, ok := query["id"].(string); ok {
		var docJSON string
		err := s.db.QueryRowContext(ctx, `
			SELECT doc FROM records WHERE collection = ? AND id = ?
		`, collection, id).Scan(&docJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, resource.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", typ, err)
		}
		doc, err := unmarshalDoc(docJSON)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", typ, err)
		}
		rec := toRecord(doc)
		if !matches(rec, query) {
			return nil, resource.ErrNotFound
		}
		return rec, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM records WHERE collection = ?
		ORDER BY id COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", typ, err)
	}
	defer rows.Close()

	for rows.Next() {
		var docJSON string
		if err := rows.Scan(&docJSON); err != nil {
			return nil, fmt.Errorf("find %s: scan: %w", typ, err)
		}
		doc, err := unmarshalDoc(docJSON)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", typ, err)
		}
		if rec := toRecord(doc); matches(rec, query) {
			return rec, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: iterate: %w", typ, err)
	}

	return nil, resource.ErrNotFound
}

// matches compares query values against record fields by their printed form,
// so json.Number("3") equals int 3.
func matches(rec resource.Record, query map[string]any) bool {
	for key, want := range query {
		got, ok := oplog.Lookup(rec, key)
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Read returns up to limit oplog entries strictly after since, in position
// order. It never blocks.
func (s *Store) Read(ctx context.Context, since oplog.Position, limit int) ([]oplog.Entry, error) {
	if limit <= 0 {
		limit = readBatchSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seconds, sequence, namespace, op, document_id, doc
		FROM oplog
		WHERE seconds > ? OR (seconds = ? AND sequence > ?)
		ORDER BY seconds ASC, sequence ASC
		LIMIT ?
	`, since.Seconds, since.Seconds, since.Sequence, limit)
	if err != nil {
		return nil, fmt.Errorf("read oplog: %w", err)
	}
	defer rows.Close()

	entries := []oplog.Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate oplog: %w", err)
	}

	return entries, nil
}

// Head returns the newest oplog position, or the zero position when the log
// is empty.
func (s *Store) Head(ctx context.Context) (oplog.Position, error) {
	return scanHead(s.db.QueryRowContext(ctx, headQuery))
}

func scanHead(row *sql.Row) (oplog.Position, error) {
	var pos oplog.Position
	err := row.Scan(&pos.Seconds, &pos.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return oplog.Position{}, nil
	}
	if err != nil {
		return oplog.Position{}, fmt.Errorf("read oplog head: %w", err)
	}
	return pos, nil
}

func scanEntry(rows *sql.Rows) (oplog.Entry, error) {
	var (
		entry   oplog.Entry
		op      string
		docJSON string
	)
	if err := rows.Scan(
		&entry.Position.Seconds,
		&entry.Position.Sequence,
		&entry.Namespace,
		&op,
		&entry.DocumentID,
		&docJSON,
	); err != nil {
		return oplog.Entry{}, fmt.Errorf("scan oplog entry: %w", err)
	}

	var err error
	if entry.Operation, err = oplog.ParseOperation(op); err != nil {
		return oplog.Entry{}, fmt.Errorf("scan oplog entry %s: %w", entry.Position, err)
	}
	if entry.Document, err = unmarshalDoc(docJSON); err != nil {
		return oplog.Entry{}, fmt.Errorf("scan oplog entry %s: %w", entry.Position, err)
	}
	return entry, nil
}
