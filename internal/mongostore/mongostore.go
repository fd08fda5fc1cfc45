// Package mongostore runs the pipeline against a MongoDB replica set.
//
// The operation log is the server's own local.oplog.rs, read through a
// tailable cursor. Records live in ordinary collections of the configured
// database, so writes made by any client show up in the log.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

const (
	// DefaultDatabaseName is used when neither the URL nor an option names
	// a database.
	DefaultDatabaseName = "harvester"

	// DefaultTailTimeout bounds how long a tailable cursor blocks on the
	// server before Next re-checks its context.
	DefaultTailTimeout = time.Second

	oplogDatabase   = "local"
	oplogCollection = "oplog.rs"
)

// ErrDuplicate is returned by Create when a record with the same id exists.
var ErrDuplicate = errors.New("duplicate record")

// Store is a resource.Adapter and oplog.Log backed by MongoDB.
type Store struct {
	session     *mgo.Session
	database    string
	tailTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithDatabaseName overrides the database named in the URL.
func WithDatabaseName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.database = name
		}
	}
}

// WithTailTimeout sets how long a tailable cursor waits per round trip.
func WithTailTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.tailTimeout = d
		}
	}
}

// Dial connects to the replica set at url.
func Dial(url string, opts ...Option) (*Store, error) {
	info, err := mgo.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse mongo url: %w", err)
	}

	s := &Store{
		database:    info.Database,
		tailTimeout: DefaultTailTimeout,
	}
	if s.database == "" {
		s.database = DefaultDatabaseName
	}
	for _, opt := range opts {
		opt(s)
	}

	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, fmt.Errorf("dial mongo: %w", err)
	}
	session.SetMode(mgo.Monotonic, true)
	s.session = session
	return s, nil
}

// Close ends the root session.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// DatabaseName returns the namespace prefix.
func (s *Store) DatabaseName() string {
	return s.database
}

// Namespace implements resource.Adapter.
func (s *Store) Namespace(typ string) string {
	return oplog.Namespace(s.database, resource.Collection(typ))
}

// Deserialize implements resource.Adapter.
func (s *Store) Deserialize(_ string, entry oplog.Entry) resource.Record {
	return resource.Deserialize(entry)
}

// Find returns the first record of typ, by _id order, matching every field
// of query.
func (s *Store) Find(ctx context.Context, typ string, query map[string]any) (resource.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session := s.session.Copy()
	defer session.Close()

	filter := bson.M{}
	for key, value := range query {
		if key == "id" {
			key = "_id"
		}
		filter[key] = value
	}

	var doc bson.M
	err := session.DB(s.database).C(resource.Collection(typ)).Find(filter).Sort("_id").One(&doc)
	if errors.Is(err, mgo.ErrNotFound) {
		return nil, resource.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", typ, err)
	}
	return toRecord(plainDoc(doc)), nil
}

// Create inserts rec, generating an id when it has none.
func (s *Store) Create(ctx context.Context, typ string, rec resource.Record) (resource.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := rec.ID()
	if id == "" {
		id = uuid.NewString()
	}

	doc := bson.M{"_id": id}
	out := resource.Record{"id": id}
	for key, value := range rec {
		if key == "id" {
			continue
		}
		doc[key] = value
		out[key] = value
	}

	session := s.session.Copy()
	defer session.Close()

	err := session.DB(s.database).C(resource.Collection(typ)).Insert(doc)
	if mgo.IsDup(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, typ, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", typ, err)
	}
	return out, nil
}

// Update sets the fields of partial on record id.
func (s *Store) Update(ctx context.Context, typ, id string, partial map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session := s.session.Copy()
	defer session.Close()

	err := session.DB(s.database).C(resource.Collection(typ)).UpdateId(id, bson.M{"$set": bson.M(partial)})
	if errors.Is(err, mgo.ErrNotFound) {
		return resource.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", typ, id, err)
	}
	return nil
}

// Delete removes record id.
func (s *Store) Delete(ctx context.Context, typ, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session := s.session.Copy()
	defer session.Close()

	err := session.DB(s.database).C(resource.Collection(typ)).RemoveId(id)
	if errors.Is(err, mgo.ErrNotFound) {
		return resource.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", typ, id, err)
	}
	return nil
}

func toRecord(doc map[string]any) resource.Record {
	rec := make(resource.Record, len(doc))
	for key, value := range doc {
		if key == "_id" {
			rec["id"] = value
			continue
		}
		rec[key] = value
	}
	return rec
}
