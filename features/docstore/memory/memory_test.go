package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
)

func TestCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, "cp:wf:1:meta")
	require.ErrorIs(t, err, docstore.ErrNotFound)

	created, err := s.Create(ctx, "cp:wf:1:meta", []byte(`{"status":"pending"}`), 0)
	require.NoError(t, err)
	require.True(t, created)

	// Second create leaves the stored document untouched.
	created, err = s.Create(ctx, "cp:wf:1:meta", []byte(`{"status":"overwritten"}`), 0)
	require.NoError(t, err)
	require.False(t, created)

	doc, err := s.Get(ctx, "cp:wf:1:meta")
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"pending"}`, string(doc))

	require.NoError(t, s.Delete(ctx, "cp:wf:1:meta"))
	require.ErrorIs(t, s.Delete(ctx, "cp:wf:1:meta"), docstore.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "k", []byte(`{"n":1}`), 0))

	out, err := s.Update(ctx, "k", func(cur json.RawMessage) (docstore.Mutation, error) {
		var v struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(cur, &v))
		doc, _ := json.Marshal(map[string]int{"n": v.N + 1})
		return docstore.Mutation{Doc: doc}, nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(out))
}

func TestUpdateCreatesAbsentDocument(t *testing.T) {
	ctx := context.Background()
	s := New()

	out, err := s.Update(ctx, "k", func(cur json.RawMessage) (docstore.Mutation, error) {
		require.Nil(t, cur)
		return docstore.Mutation{Doc: []byte(`{"fresh":true}`)}, nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"fresh":true}`, string(out))
}

func TestUpdateErrorAborts(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "k", []byte(`{"n":1}`), 0))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "k", func(json.RawMessage) (docstore.Mutation, error) {
		return docstore.Mutation{}, boom
	})
	require.ErrorIs(t, err, boom)

	doc, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(doc))
}

func TestUpdateNilDocLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "k", []byte(`{"n":1}`), 0))

	out, err := s.Update(ctx, "k", func(cur json.RawMessage) (docstore.Mutation, error) {
		return docstore.Mutation{}, nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(out))
}

func TestUpdateExtraWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "cp:wf:1:state:a", []byte(`{"status":"running"}`), 0))

	_, err := s.Update(ctx, "cp:wf:1:state:a", func(json.RawMessage) (docstore.Mutation, error) {
		return docstore.Mutation{
			Doc: []byte(`{"status":"succeeded"}`),
			Extra: []docstore.Write{
				{Key: "dp:wf:1:output:a", Doc: []byte(`{"result":42}`), TTL: time.Hour},
			},
		}, nil
	})
	require.NoError(t, err)

	out, err := s.Get(ctx, "dp:wf:1:output:a")
	require.NoError(t, err)
	require.JSONEq(t, `{"result":42}`, string(out))
}

func TestPatch(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Patch(ctx, "k", nil)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte(`{"status":"pending","lease":{"token":"t"}}`), 0))
	out, err := s.Patch(ctx, "k", []docstore.PatchOp{
		{Path: docstore.Path{"status"}, Value: []byte(`"running"`)},
		{Path: docstore.Path{"lease", "token"}, Delete: true},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"running","lease":{}}`, string(out))
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.Set(ctx, "k", []byte(`{}`), time.Minute))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	base = base.Add(61 * time.Second)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, docstore.ErrNotFound)

	// An expired key can be re-created.
	require.NoError(t, s.Set(ctx, "k", []byte(`{}`), time.Minute))
	created, err := s.Create(ctx, "k", []byte(`{}`), 0)
	require.NoError(t, err)
	require.False(t, created)
	base = base.Add(2 * time.Minute)
	created, err = s.Create(ctx, "k", []byte(`{"v":2}`), 0)
	require.NoError(t, err)
	require.True(t, created)
}

func TestStoredDocumentsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := New()

	doc := []byte(`{"a":1}`)
	require.NoError(t, s.Set(ctx, "k", doc, 0))
	doc[2] = 'b' // mutate caller copy

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(got))

	got[1] = 'x' // mutate returned copy
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(again))
}
