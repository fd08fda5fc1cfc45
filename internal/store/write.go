package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

// ErrDuplicate is returned by Create when a record with the same id exists.
var ErrDuplicate = errors.New("duplicate record")

// Create inserts a record and appends an insert entry to the oplog.
//
// A missing "id" is filled with a random UUID. The returned record carries
// the final id.
func (s *Store) Create(ctx context.Context, typ string, rec resource.Record) (resource.Record, error) {
	id := rec.ID()
	if id == "" {
		id = uuid.NewString()
	}
	doc := toStored(rec, id)

	err := s.write(ctx, func(tx *sql.Tx) (oplog.Entry, error) {
		docJSON, err := marshalDoc(doc)
		if err != nil {
			return oplog.Entry{}, err
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO records (collection, id, doc)
			VALUES (?, ?, ?)
			ON CONFLICT(collection, id) DO NOTHING
		`, resource.Collection(typ), id, docJSON)
		if err != nil {
			return oplog.Entry{}, fmt.Errorf("insert record: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return oplog.Entry{}, fmt.Errorf("insert record: rows affected: %w", err)
		} else if n == 0 {
			return oplog.Entry{}, fmt.Errorf("%w: %s/%s", ErrDuplicate, typ, id)
		}

		return oplog.Entry{
			Namespace:  s.Namespace(typ),
			Operation:  oplog.OpInsert,
			DocumentID: id,
			Document:   doc,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", typ, err)
	}

	return toRecord(doc), nil
}

// Update merges partial into the stored record and appends an update entry
// whose document is {"$set": partial}.
//
// Returns resource.ErrNotFound if the record does not exist.
func (s *Store) Update(ctx context.Context, typ, id string, partial map[string]any) error {
	err := s.write(ctx, func(tx *sql.Tx) (oplog.Entry, error) {
		doc, err := readDoc(ctx, tx, resource.Collection(typ), id)
		if err != nil {
			return oplog.Entry{}, err
		}

		set := make(map[string]any, len(partial))
		for key, value := range partial {
			if key == "id" || key == "_id" {
				continue
			}
			doc[key] = value
			set[key] = value
		}

		docJSON, err := marshalDoc(doc)
		if err != nil {
			return oplog.Entry{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET doc = ? WHERE collection = ? AND id = ?
		`, docJSON, resource.Collection(typ), id); err != nil {
			return oplog.Entry{}, fmt.Errorf("update record: %w", err)
		}

		return oplog.Entry{
			Namespace:  s.Namespace(typ),
			Operation:  oplog.OpUpdate,
			DocumentID: id,
			Document:   map[string]any{"$set": set},
		}, nil
	})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", typ, id, err)
	}
	return nil
}

// Delete removes a record and appends a delete entry.
//
// Returns resource.ErrNotFound if the record does not exist.
func (s *Store) Delete(ctx context.Context, typ, id string) error {
	err := s.write(ctx, func(tx *sql.Tx) (oplog.Entry, error) {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE collection = ? AND id = ?
		`, resource.Collection(typ), id)
		if err != nil {
			return oplog.Entry{}, fmt.Errorf("delete record: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return oplog.Entry{}, fmt.Errorf("delete record: rows affected: %w", err)
		} else if n == 0 {
			return oplog.Entry{}, resource.ErrNotFound
		}

		return oplog.Entry{
			Namespace:  s.Namespace(typ),
			Operation:  oplog.OpDelete,
			DocumentID: id,
			Document:   map[string]any{"_id": id},
		}, nil
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", typ, id, err)
	}
	return nil
}

// write runs fn and appends the entry it returns to the oplog, all in one
// transaction. Waiting cursors are woken after commit.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) (oplog.Entry, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	entry, err := fn(tx)
	if err != nil {
		return err
	}

	pos, err := s.nextPosition(ctx, tx)
	if err != nil {
		return err
	}

	docJSON, err := marshalDoc(entry.Document)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO oplog (seconds, sequence, namespace, op, document_id, doc)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		pos.Seconds,
		pos.Sequence,
		entry.Namespace,
		entry.Operation.Code(),
		entry.DocumentID,
		docJSON,
	); err != nil {
		return fmt.Errorf("append oplog: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.broadcast()
	return nil
}

// nextPosition allocates the position for a new oplog row.
// Must be called inside the write transaction.
func (s *Store) nextPosition(ctx context.Context, tx *sql.Tx) (oplog.Position, error) {
	last, err := scanHead(tx.QueryRowContext(ctx, headQuery))
	if err != nil {
		return oplog.Position{}, err
	}

	now := uint32(s.clock.Now().Unix())
	if now > last.Seconds {
		return oplog.Position{Seconds: now, Sequence: 1}, nil
	}
	return oplog.Position{Seconds: last.Seconds, Sequence: last.Sequence + 1}, nil
}

// readDoc loads a stored document inside a transaction.
func readDoc(ctx context.Context, tx *sql.Tx, collection, id string) (map[string]any, error) {
	var docJSON string
	err := tx.QueryRowContext(ctx, `
		SELECT doc FROM records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&docJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resource.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return unmarshalDoc(docJSON)
}
