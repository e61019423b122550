// Package memory provides an in-memory implementation of the document store.
//
// This implementation is suitable for development and testing where
// persistence across restarts is not required. Atomicity is provided by a
// single mutex, so update functions must not call back into the store.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
)

// Store is an in-memory implementation of the docstore.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	docs map[string]entry
	now  func() time.Time
}

type entry struct {
	doc      json.RawMessage
	expireAt time.Time // zero means no expiry
}

// Compile-time check that Store implements docstore.Store.
var _ docstore.Store = (*Store)(nil)

// New creates a new in-memory document store.
func New() *Store {
	return &Store{
		docs: make(map[string]entry),
		now:  time.Now,
	}
}

// Get retrieves the document stored at key.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return clone(e.doc), nil
}

// Create stores doc at key when the key is absent.
func (s *Store) Create(ctx context.Context, key string, doc json.RawMessage, ttl time.Duration) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, doc, ttl)
	return true, nil
}

// Set unconditionally replaces the document at key.
func (s *Store) Set(ctx context.Context, key string, doc json.RawMessage, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, doc, ttl)
	return nil
}

// Update applies fn to the current document. The whole read-modify-write
// cycle runs under the store mutex, so concurrent updates serialize and fn
// always observes the latest committed value.
func (s *Store) Update(ctx context.Context, key string, fn docstore.UpdateFunc) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur json.RawMessage
	if e, ok := s.live(key); ok {
		cur = clone(e.doc)
	}
	m, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if m.Doc == nil {
		return cur, nil
	}
	if m.KeepTTL {
		var exp time.Time
		if e, ok := s.docs[key]; ok {
			exp = e.expireAt
		}
		s.docs[key] = entry{doc: clone(m.Doc), expireAt: exp}
	} else {
		s.put(key, m.Doc, m.TTL)
	}
	for _, w := range m.Extra {
		s.put(w.Key, w.Doc, w.TTL)
	}
	return clone(m.Doc), nil
}

// Patch applies path operations to the document at key.
func (s *Store) Patch(ctx context.Context, key string, ops []docstore.PatchOp) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, docstore.ErrNotFound
	}
	next, err := docstore.ApplyPatch(e.doc, ops)
	if err != nil {
		return nil, err
	}
	s.docs[key] = entry{doc: next, expireAt: e.expireAt}
	return clone(next), nil
}

// Delete removes the document at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); !ok {
		return docstore.ErrNotFound
	}
	delete(s.docs, key)
	return nil
}

// Ping reports store health. The in-memory store is always healthy.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// live returns the entry at key, expiring it lazily. Callers must hold the
// mutex.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.docs[key]
	if !ok {
		return entry{}, false
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.docs, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) put(key string, doc json.RawMessage, ttl time.Duration) {
	e := entry{doc: clone(doc)}
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}
	s.docs[key] = e
}

func clone(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
