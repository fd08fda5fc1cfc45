package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/roach88/harvester/internal/oplog"
)

// ErrCursorClosed is returned by Next after Close.
var ErrCursorClosed = errors.New("cursor closed")

// rawEntry is the server's oplog document.
type rawEntry struct {
	Timestamp bson.MongoTimestamp `bson:"ts"`
	Operation string              `bson:"op"`
	Namespace string              `bson:"ns"`
	Object    bson.M              `bson:"o"`
	Query     bson.M              `bson:"o2"`
}

var opCodes = map[string]oplog.Operation{
	"i": oplog.OpInsert,
	"u": oplog.OpUpdate,
	"d": oplog.OpDelete,
}

// entry converts the raw document. Commands and no-ops report false.
func (r rawEntry) entry() (oplog.Entry, bool) {
	op, ok := opCodes[r.Operation]
	if !ok {
		return oplog.Entry{}, false
	}

	source := r.Object
	if op == oplog.OpUpdate {
		source = r.Query
	}
	id, ok := source["_id"]
	if !ok {
		return oplog.Entry{}, false
	}

	doc := plainDoc(r.Object)
	if op == oplog.OpUpdate {
		doc = normalizeUpdate(doc)
	}

	return oplog.Entry{
		Position:   oplog.FromInt64(int64(r.Timestamp)),
		Namespace:  r.Namespace,
		Operation:  op,
		DocumentID: idString(id),
		Document:   doc,
	}, true
}

// normalizeUpdate rewrites the delta format written by MongoDB 5.0 and
// later ({"$v": 2, "diff": {...}}) into "$set"/"$unset" form. Nested
// sub-diffs ("s<field>") become nested maps under "$set" so dotted filters
// resolve; removed fields are listed under "$unset" as dotted paths.
// Older operator and replacement documents are returned unchanged.
func normalizeUpdate(doc map[string]any) map[string]any {
	if _, versioned := doc["$v"]; !versioned {
		return doc
	}
	diff, ok := doc["diff"].(map[string]any)
	if !ok {
		return doc
	}
	set := map[string]any{}
	unset := map[string]any{}
	applyDiff(diff, "", set, unset)

	out := map[string]any{"$set": set}
	if len(unset) > 0 {
		out["$unset"] = unset
	}
	return out
}

// applyDiff folds one (sub-)diff into set and unset. prefix is the dotted
// path of the diff's parent, used for $unset keys.
//
// Array sub-diffs carry "a": true and address elements as "u<index>" and
// "s<index>"; elements land in set keyed by their index.
func applyDiff(diff map[string]any, prefix string, set, unset map[string]any) {
	for _, section := range []string{"i", "u"} {
		fields, _ := diff[section].(map[string]any)
		for key, value := range fields {
			set[key] = value
		}
	}
	if removed, ok := diff["d"].(map[string]any); ok {
		for key, value := range removed {
			unset[prefix+key] = value
		}
	}

	array, _ := diff["a"].(bool)
	for key, value := range diff {
		if len(key) < 2 {
			continue
		}
		field := key[1:]
		switch key[0] {
		case 's':
			sub, ok := value.(map[string]any)
			if !ok {
				continue
			}
			nested, _ := set[field].(map[string]any)
			if nested == nil {
				nested = map[string]any{}
			}
			applyDiff(sub, prefix+field+".", nested, unset)
			if len(nested) > 0 {
				set[field] = nested
			}
		case 'u':
			if array {
				set[field] = value
			}
		}
	}
}

func idString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case bson.ObjectId:
		return v.Hex()
	}
	return fmt.Sprint(id)
}

// plainDoc converts decoded BSON into plain maps and slices so the rest of
// the pipeline can type-assert map[string]any.
func plainDoc(m bson.M) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		out[key] = plainValue(value)
	}
	return out
}

func plainValue(v any) any {
	switch v := v.(type) {
	case bson.M:
		return plainDoc(v)
	case map[string]any:
		return plainDoc(bson.M(v))
	case bson.D:
		out := make(map[string]any, len(v))
		for _, elem := range v {
			out[elem.Name] = plainValue(elem.Value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = plainValue(item)
		}
		return out
	case bson.ObjectId:
		return v.Hex()
	}
	return v
}

func (s *Store) oplogQuery(since oplog.Position) bson.M {
	return bson.M{
		"ts": bson.M{"$gt": bson.MongoTimestamp(since.Int64())},
		"op": bson.M{"$in": []string{"i", "u", "d"}},
		"ns": bson.RegEx{Pattern: "^" + regexp.QuoteMeta(s.database) + `\.`},
	}
}

// Read implements oplog.Log.
func (s *Store) Read(ctx context.Context, since oplog.Position, limit int) ([]oplog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session := s.session.Copy()
	defer session.Close()

	query := session.DB(oplogDatabase).C(oplogCollection).Find(s.oplogQuery(since)).Sort("$natural")
	if limit > 0 {
		query = query.Limit(limit)
	}

	entries := []oplog.Entry{}
	iter := query.Iter()
	var raw rawEntry
	for iter.Next(&raw) {
		if e, ok := raw.entry(); ok {
			entries = append(entries, e)
		}
		raw = rawEntry{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read oplog: %w", err)
	}
	return entries, nil
}

// Head implements oplog.Log. It reports the newest entry of the whole
// oplog, which is a valid lower bound for tailing this database.
func (s *Store) Head(ctx context.Context) (oplog.Position, error) {
	if err := ctx.Err(); err != nil {
		return oplog.Position{}, err
	}
	session := s.session.Copy()
	defer session.Close()

	var raw rawEntry
	err := session.DB(oplogDatabase).C(oplogCollection).Find(nil).Sort("-$natural").One(&raw)
	if errors.Is(err, mgo.ErrNotFound) {
		return oplog.Position{}, nil
	}
	if err != nil {
		return oplog.Position{}, fmt.Errorf("oplog head: %w", err)
	}
	return oplog.FromInt64(int64(raw.Timestamp)), nil
}

// Tail implements oplog.Log.
func (s *Store) Tail(ctx context.Context, since oplog.Position) (oplog.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &cursor{
		store:   s,
		session: s.session.Copy(),
		since:   since,
		done:    make(chan struct{}),
	}
	c.iter = c.open()
	return c, nil
}

type cursor struct {
	store   *Store
	session *mgo.Session
	since   oplog.Position

	mu   sync.Mutex
	iter *mgo.Iter

	closeOnce sync.Once
	done      chan struct{}
}

func (c *cursor) open() *mgo.Iter {
	return c.session.DB(oplogDatabase).C(oplogCollection).
		Find(c.store.oplogQuery(c.since)).
		LogReplay().
		Tail(c.store.tailTimeout)
}

// Next blocks until an entry arrives. The server is polled in tailTimeout
// slices so cancellation is noticed promptly.
func (c *cursor) Next(ctx context.Context) (oplog.Entry, error) {
	for {
		select {
		case <-c.done:
			return oplog.Entry{}, ErrCursorClosed
		case <-ctx.Done():
			return oplog.Entry{}, ctx.Err()
		default:
		}

		c.mu.Lock()
		iter := c.iter
		c.mu.Unlock()

		var raw rawEntry
		if iter.Next(&raw) {
			c.since = oplog.FromInt64(int64(raw.Timestamp))
			if e, ok := raw.entry(); ok {
				return e, nil
			}
			continue
		}
		if iter.Timeout() {
			continue
		}
		if err := iter.Err(); err != nil {
			return oplog.Entry{}, fmt.Errorf("tail oplog: %w", err)
		}

		// The server dropped the cursor (empty collection or rollover).
		// Reopen from the last position seen.
		select {
		case <-c.done:
			return oplog.Entry{}, ErrCursorClosed
		case <-ctx.Done():
			return oplog.Entry{}, ctx.Err()
		case <-time.After(c.store.tailTimeout):
		}
		c.mu.Lock()
		_ = c.iter.Close()
		c.iter = c.open()
		c.mu.Unlock()
	}
}

// Close releases the cursor and its session. Safe to call more than once.
func (c *cursor) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		err = c.iter.Close()
		c.mu.Unlock()
		c.session.Close()
	})
	return err
}
