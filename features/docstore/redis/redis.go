// Package redis provides a Redis-backed implementation of the document store.
//
// Documents are stored as JSON strings under their verbatim keys, so the data
// remains inspectable with plain GET from redis-cli. Atomic read-modify-write
// cycles use optimistic locking (WATCH/MULTI/EXEC): when a concurrent writer
// touches the watched key between the read and the EXEC, the transaction
// aborts and the cycle is retried with the fresh value, up to a bounded number
// of rounds.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
)

const (
	// pingerName identifies this store in health reports.
	pingerName = "docstore-redis"

	// defaultMaxRounds bounds CAS retries before giving up with ErrConflict.
	defaultMaxRounds = 8
)

// Store is a Redis-backed implementation of the docstore.Store interface.
type Store struct {
	client    redis.UniversalClient
	maxRounds int
}

// Options configures the store.
type Options struct {
	// MaxRounds bounds the number of optimistic retry rounds for Update and
	// Patch. Defaults to 8.
	MaxRounds int
}

// Compile-time check that Store implements docstore.Store.
var _ docstore.Store = (*Store)(nil)

// New creates a Redis-backed document store on top of an existing client.
// The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts *Options) *Store {
	rounds := defaultMaxRounds
	if opts != nil && opts.MaxRounds > 0 {
		rounds = opts.MaxRounds
	}
	return &Store{client: client, maxRounds: rounds}
}

// Get retrieves the document stored at key.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, docstore.ErrNotFound
		}
		return nil, unavailable("get", key, err)
	}
	return val, nil
}

// Create stores doc at key when the key is absent (SET NX).
func (s *Store) Create(ctx context.Context, key string, doc json.RawMessage, ttl time.Duration) (bool, error) {
	created, err := s.client.SetNX(ctx, key, []byte(doc), ttl).Result()
	if err != nil {
		return false, unavailable("create", key, err)
	}
	return created, nil
}

// Set unconditionally replaces the document at key.
func (s *Store) Set(ctx context.Context, key string, doc json.RawMessage, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, []byte(doc), ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Update applies fn to the current document under WATCH. Errors returned by
// fn abort the cycle immediately; transaction aborts caused by concurrent
// writers retry with the fresh value until MaxRounds is exhausted.
func (s *Store) Update(ctx context.Context, key string, fn docstore.UpdateFunc) (json.RawMessage, error) {
	var out json.RawMessage
	for round := 0; round < s.maxRounds; round++ {
		var fnErr error
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					return err
				}
				cur = nil
			}
			m, err := fn(cur)
			if err != nil {
				fnErr = err
				return err
			}
			if m.Doc == nil {
				out = cur
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, []byte(m.Doc), writeTTL(m.TTL, m.KeepTTL))
				for _, w := range m.Extra {
					pipe.Set(ctx, w.Key, []byte(w.Doc), w.TTL)
				}
				return nil
			})
			if err == nil {
				out = m.Doc
			}
			return err
		}, key)
		switch {
		case err == nil:
			return out, nil
		case fnErr != nil:
			return nil, fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, unavailable("update", key, err)
		}
	}
	return nil, fmt.Errorf("update %q: %w", key, docstore.ErrConflict)
}

// Patch applies path operations to the document at key, preserving any expiry
// already set on the key.
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
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return unavailable("delete", key, err)
	}
	if n == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", docstore.ErrUnavailable, err)
	}
	return nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string {
	return pingerName
}

func writeTTL(ttl time.Duration, keep bool) time.Duration {
	if keep {
		return redis.KeepTTL
	}
	return ttl
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: redis %s %q: %v", docstore.ErrUnavailable, op, key, err)
}
