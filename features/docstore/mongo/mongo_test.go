package mongo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
)

// stubCollection fakes the driver collection for unit tests. afterFind runs
// after each read and lets tests interleave a concurrent writer between the
// read and the CAS write.
type stubCollection struct {
	mu        sync.Mutex
	rows      map[string]document
	afterFind func(c *stubCollection, key string)
}

func newStubCollection() *stubCollection {
	return &stubCollection{rows: make(map[string]document)}
}

func duplicateKeyErr() error {
	return mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{Code: 11000}}}
}

func (c *stubCollection) findOne(_ context.Context, key string) (document, error) {
	c.mu.Lock()
	d, ok := c.rows[key]
	c.mu.Unlock()
	if f := c.afterFind; f != nil {
		f(c, key)
	}
	if !ok {
		return document{}, mongodriver.ErrNoDocuments
	}
	return d, nil
}

func (c *stubCollection) insertOne(_ context.Context, doc document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rows[doc.Key]; ok {
		return duplicateKeyErr()
	}
	c.rows[doc.Key] = doc
	return nil
}

func (c *stubCollection) replaceOne(_ context.Context, key string, rev int64, doc document) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.rows[key]
	if !ok || cur.Rev != rev {
		return false, nil
	}
	c.rows[key] = doc
	return true, nil
}

func (c *stubCollection) upsertSet(_ context.Context, key, doc string, expireAt *time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.rows[key]
	c.rows[key] = document{Key: key, Rev: cur.Rev + 1, Doc: doc, ExpireAt: expireAt}
	return nil
}

func (c *stubCollection) deleteOne(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rows[key]; !ok {
		return false, nil
	}
	delete(c.rows, key)
	return true, nil
}

func (c *stubCollection) ensureIndexes(context.Context) error { return nil }

func newStubStore(coll *stubCollection, maxRounds int) *Store {
	s := newStoreWithCollection(coll, time.Second, maxRounds)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return base }
	return s
}

func TestGetExpiredRowIsNotFound(t *testing.T) {
	ctx := context.Background()
	coll := newStubCollection()
	s := newStubStore(coll, 0)

	past := s.now().Add(-time.Minute)
	coll.rows["k"] = document{Key: "k", Rev: 3, Doc: `{"n":1}`, ExpireAt: &past}

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestCreateOverExpiredRow(t *testing.T) {
	ctx := context.Background()
	coll := newStubCollection()
	s := newStubStore(coll, 0)

	past := s.now().Add(-time.Minute)
	coll.rows["k"] = document{Key: "k", Rev: 3, Doc: `{"old":true}`, ExpireAt: &past}

	created, err := s.Create(ctx, "k", []byte(`{"new":true}`), 0)
	require.NoError(t, err)
	require.True(t, created)

	doc, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"new":true}`, string(doc))
	require.Equal(t, int64(4), coll.rows["k"].Rev)
}

func TestCreateExistingLiveRow(t *testing.T) {
	ctx := context.Background()
	coll := newStubCollection()
	s := newStubStore(coll, 0)
	coll.rows["k"] = document{Key: "k", Rev: 1, Doc: `{"v":1}`}

	created, err := s.Create(ctx, "k", []byte(`{"v":2}`), 0)
	require.NoError(t, err)
	require.False(t, created)
}

func TestUpdateRetriesOnRevisionMiss(t *testing.T) {
	ctx := context.Background()
	coll := newStubCollection()
	s := newStubStore(coll, 0)
	coll.rows["k"] = document{Key: "k", Rev: 1, Doc: `{"n":1}`}

	interfered := false
	coll.afterFind = func(c *stubCollection, key string) {
		if interfered {
			return
		}
		interfered = true
		c.mu.Lock()
		c.rows[key] = document{Key: key, Rev: 2, Doc: `{"n":10}`}
		c.mu.Unlock()
	}

	rounds := 0
	out, err := s.Update(ctx, "k", func(cur json.RawMessage) (docstore.Mutation, error) {
		rounds++
		var v map[string]int
		require.NoError(t, json.Unmarshal(cur, &v))
		doc, _ := json.Marshal(map[string]int{"n": v["n"] + 1})
		return docstore.Mutation{Doc: doc}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, rounds)
	require.JSONEq(t, `{"n":11}`, string(out))
	require.Equal(t, int64(3), coll.rows["k"].Rev)
}

func TestUpdateConflictAfterMaxRounds(t *testing.T) {
	ctx := context.Background()
	coll := newStubCollection()
	s := newStubStore(coll, 3)
	coll.rows["k"] = document{Key: "k", Rev: 1, Doc: `{"n":1}`}

	coll.afterFind = func(c *stubCollection, key string) {
		c.mu.Lock()
		cur := c.rows[key]
		cur.Rev++
		c.rows[key] = cur
		c.mu.Unlock()
	}

	_, err := s.Update(ctx, "k", func(json.RawMessage) (docstore.Mutation, error) {
		return docstore.Mutation{Doc: []byte(`{"n":2}`)}, nil
	})
	require.ErrorIs(t, err, docstore.ErrConflict)
}

func TestUpdateInsertLosesToConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	coll := newStubCollection()
	s := newStubStore(coll, 0)

	interfered := false
	coll.afterFind = func(c *stubCollection, key string) {
		if interfered {
			return
		}
		interfered = true
		c.mu.Lock()
		c.rows[key] = document{Key: key, Rev: 1, Doc: `{"winner":true}`}
		c.mu.Unlock()
	}

	out, err := s.Update(ctx, "k", func(cur json.RawMessage) (docstore.Mutation, error) {
		if cur == nil {
			return docstore.Mutation{Doc: []byte(`{"created":true}`)}, nil
		}
		return docstore.Mutation{}, nil // second round observes the winner
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"winner":true}`, string(out))
}

func TestPatchPreservesExpiry(t *testing.T) {
	ctx := context.Background()
	coll := newStubCollection()
	s := newStubStore(coll, 0)

	future := s.now().Add(time.Hour)
	coll.rows["k"] = document{Key: "k", Rev: 1, Doc: `{"status":"pending"}`, ExpireAt: &future}

	out, err := s.Patch(ctx, "k", []docstore.PatchOp{
		{Path: docstore.Path{"status"}, Value: []byte(`"running"`)},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"running"}`, string(out))
	require.NotNil(t, coll.rows["k"].ExpireAt)
	require.Equal(t, future, *coll.rows["k"].ExpireAt)
}

func TestUpdateExtraWrites(t *testing.T) {
	ctx := context.Background()
	coll := newStubCollection()
	s := newStubStore(coll, 0)
	coll.rows["cp:wf:1:state:a"] = document{Key: "cp:wf:1:state:a", Rev: 1, Doc: `{"status":"running"}`}

	_, err := s.Update(ctx, "cp:wf:1:state:a", func(json.RawMessage) (docstore.Mutation, error) {
		return docstore.Mutation{
			Doc: []byte(`{"status":"succeeded"}`),
			Extra: []docstore.Write{
				{Key: "dp:wf:1:output:a", Doc: []byte(`{"result":1}`), TTL: time.Hour},
			},
		}, nil
	})
	require.NoError(t, err)

	out, err := s.Get(ctx, "dp:wf:1:output:a")
	require.NoError(t, err)
	require.JSONEq(t, `{"result":1}`, string(out))
	require.NotNil(t, coll.rows["dp:wf:1:output:a"].ExpireAt)
}

func TestDeleteAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStubStore(newStubCollection(), 0)
	require.ErrorIs(t, s.Delete(ctx, "missing"), docstore.ErrNotFound)
}
