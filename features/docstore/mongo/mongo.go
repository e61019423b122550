// Package mongo provides a MongoDB-backed implementation of the document
// store.
//
// Each document lives in one collection row keyed by _id, with the JSON value
// stored verbatim as a string and a monotonically increasing revision counter.
// Optimistic concurrency replaces the row with a filter on the previously read
// revision; a miss means a concurrent writer won the round and the cycle
// retries. Expiry uses a TTL index on expire_at plus a lazy check, since the
// server-side reaper only runs periodically.
//
// Extra writes staged by a Mutation are applied sequentially after the primary
// write commits: standalone MongoDB deployments have no cross-document
// transactions, and the control plane only relies on single-document
// atomicity.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
)

const (
	defaultCollection = "documents"
	defaultOpTimeout  = 5 * time.Second
	defaultMaxRounds  = 8
	pingerName        = "docstore-mongo"
)

// Store is a MongoDB-backed implementation of the docstore.Store interface.
type Store struct {
	client    *mongodriver.Client
	coll      collection
	timeout   time.Duration
	maxRounds int
	now       func() time.Time
}

// Options configures the store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Collection is the collection name. Defaults to "documents".
	Collection string
	// Timeout bounds each store operation. Defaults to 5s.
	Timeout time.Duration
	// MaxRounds bounds CAS retry rounds for Update and Patch. Defaults to 8.
	MaxRounds int
}

// Compile-time check that Store implements docstore.Store.
var _ docstore.Store = (*Store)(nil)

// New returns a document store backed by MongoDB. It creates the TTL index
// used for document expiry.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(coll)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := wrapper.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	s := newStoreWithCollection(wrapper, timeout, opts.MaxRounds)
	s.client = opts.Client
	return s, nil
}

func newStoreWithCollection(coll collection, timeout time.Duration, maxRounds int) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &Store{
		coll:      coll,
		timeout:   timeout,
		maxRounds: maxRounds,
		now:       time.Now,
	}
}

// document is the stored row shape.
type document struct {
	Key      string     `bson:"_id"`
	Rev      int64      `bson:"rev"`
	Doc      string     `bson:"doc"`
	ExpireAt *time.Time `bson:"expire_at,omitempty"`
}

// Get retrieves the document stored at key.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	d, err := s.coll.findOne(ctx, key)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, docstore.ErrNotFound
		}
		return nil, unavailable("get", key, err)
	}
	if s.expired(d) {
		return nil, docstore.ErrNotFound
	}
	return json.RawMessage(d.Doc), nil
}

// Create stores doc at key when no live document exists there.
func (s *Store) Create(ctx context.Context, key string, doc json.RawMessage, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	next := document{Key: key, Rev: 1, Doc: string(doc), ExpireAt: s.expiry(ttl)}
	err := s.coll.insertOne(ctx, next)
	if err == nil {
		return true, nil
	}
	if !mongodriver.IsDuplicateKeyError(err) {
		return false, unavailable("create", key, err)
	}
	cur, err := s.coll.findOne(ctx, key)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			// The reaper removed the row between insert and read.
			if err := s.coll.insertOne(ctx, next); err != nil {
				return false, unavailable("create", key, err)
			}
			return true, nil
		}
		return false, unavailable("create", key, err)
	}
	if !s.expired(cur) {
		return false, nil
	}
	next.Rev = cur.Rev + 1
	replaced, err := s.coll.replaceOne(ctx, key, cur.Rev, next)
	if err != nil {
		return false, unavailable("create", key, err)
	}
	return replaced, nil
}

// Set unconditionally replaces the document at key, bumping its revision.
func (s *Store) Set(ctx context.Context, key string, doc json.RawMessage, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.coll.upsertSet(ctx, key, string(doc), s.expiry(ttl)); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Update applies fn to the current document under optimistic concurrency.
func (s *Store) Update(ctx context.Context, key string, fn docstore.UpdateFunc) (json.RawMessage, error) {
	for round := 0; round < s.maxRounds; round++ {
		out, committed, err := s.updateRound(ctx, key, fn)
		if err != nil {
			return nil, err
		}
		if committed {
			return out, nil
		}
	}
	return nil, fmt.Errorf("update %q: %w", key, docstore.ErrConflict)
}

func (s *Store) updateRound(ctx context.Context, key string, fn docstore.UpdateFunc) (json.RawMessage, bool, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		cur    json.RawMessage // nil when absent or expired
		prev   document
		stored bool // a row exists, live or expired
	)
	d, err := s.coll.findOne(opCtx, key)
	switch {
	case err == nil:
		prev, stored = d, true
		if !s.expired(d) {
			cur = json.RawMessage(d.Doc)
		}
	case errors.Is(err, mongodriver.ErrNoDocuments):
	default:
		return nil, false, unavailable("update", key, err)
	}

	m, err := fn(cur)
	if err != nil {
		return nil, false, err
	}
	if m.Doc == nil {
		return cur, true, nil
	}

	next := document{Key: key, Rev: prev.Rev + 1, Doc: string(m.Doc)}
	if m.KeepTTL {
		next.ExpireAt = prev.ExpireAt
	} else {
		next.ExpireAt = s.expiry(m.TTL)
	}
	if stored {
		replaced, err := s.coll.replaceOne(opCtx, key, prev.Rev, next)
		if err != nil {
			return nil, false, unavailable("update", key, err)
		}
		if !replaced {
			return nil, false, nil // lost the round
		}
	} else {
		if err := s.coll.insertOne(opCtx, next); err != nil {
			if mongodriver.IsDuplicateKeyError(err) {
				return nil, false, nil // lost the round
			}
			return nil, false, unavailable("update", key, err)
		}
	}
	for _, w := range m.Extra {
		if err := s.coll.upsertSet(opCtx, w.Key, string(w.Doc), s.expiry(w.TTL)); err != nil {
			return nil, false, unavailable("update", w.Key, err)
		}
	}
	return m.Doc, true, nil
}

// Patch applies path operations to the document at key, preserving its expiry.
func (s *Store) Patch(ctx context.Context, key string, ops []docstore.PatchOp) (json.RawMessage, error) {
	return s.Update(ctx, key, func(cur json.RawMessage) (docstore.Mutation, error) {
		if cur == nil {
			return docstore.Mutation{}, docstore.ErrNotFound
		}
		next, err := docstore.ApplyPatch(cur, ops)
		if err != nil {
			return docstore.Mutation{}, err
		}
		return docstore.Mutation{Doc: next, KeepTTL: true}, nil
	})
}

// Delete removes the document at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	deleted, err := s.coll.deleteOne(ctx, key)
	if err != nil {
		return unavailable("delete", key, err)
	}
	if !deleted {
		return docstore.ErrNotFound
	}
	return nil
}

// Ping reports whether MongoDB is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: mongo ping: %v", docstore.ErrUnavailable, err)
	}
	return nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string {
	return pingerName
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) expired(d document) bool {
	return d.ExpireAt != nil && !s.now().Before(*d.ExpireAt)
}

func (s *Store) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().Add(ttl).UTC()
	return &t
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: mongo %s %q: %v", docstore.ErrUnavailable, op, key, err)
}

// collection abstracts the driver collection so unit tests can stub it.
type collection interface {
	findOne(ctx context.Context, key string) (document, error)
	insertOne(ctx context.Context, doc document) error
	replaceOne(ctx context.Context, key string, rev int64, doc document) (bool, error)
	upsertSet(ctx context.Context, key, doc string, expireAt *time.Time) error
	deleteOne(ctx context.Context, key string) (bool, error)
	ensureIndexes(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) findOne(ctx context.Context, key string) (document, error) {
	var d document
	err := c.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&d)
	return d, err
}

func (c mongoCollection) insertOne(ctx context.Context, doc document) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) replaceOne(ctx context.Context, key string, rev int64, doc document) (bool, error) {
	res, err := c.coll.ReplaceOne(ctx, bson.M{"_id": key, "rev": rev}, doc)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (c mongoCollection) upsertSet(ctx context.Context, key, doc string, expireAt *time.Time) error {
	set := bson.M{"doc": doc}
	update := bson.M{"$set": set, "$inc": bson.M{"rev": int64(1)}}
	if expireAt != nil {
		set["expire_at"] = *expireAt
	} else {
		update["$unset"] = bson.M{"expire_at": ""}
	}
	_, err := c.coll.UpdateOne(ctx, bson.M{"_id": key}, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c mongoCollection) deleteOne(ctx context.Context, key string) (bool, error) {
	res, err := c.coll.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (c mongoCollection) ensureIndexes(ctx context.Context) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expire_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	_, err := c.coll.Indexes().CreateOne(ctx, index)
	return err
}
