// Package docstore defines the document store contract shared by the control
// plane and the session coordinator.
//
// Documents are small JSON values addressed by flat string keys (for example
// "cp:wf:{id}:meta"). The contract deliberately stays at single-document
// granularity: there are no cross-document transactions beyond the extra
// writes a Mutation may stage, and no queries beyond direct key access.
// Coordination correctness rests on optimistic concurrency for
// read-modify-write cycles, which every backend must provide.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Store persists JSON documents under flat keys.
	//
	// Contract:
	// - Documents are opaque JSON values; backends never interpret them.
	// - Update and Patch are atomic per key: concurrent writers observe
	//   each other and at most one wins per round.
	// - A zero TTL means the document does not expire.
	Store interface {
		// Get returns the document stored at key.
		// Returns ErrNotFound when the key is absent.
		Get(ctx context.Context, key string) (json.RawMessage, error)
		// Create writes doc at key only when the key is absent. It reports
		// whether the document was created; false means the key already
		// existed and the stored document was left untouched.
		Create(ctx context.Context, key string, doc json.RawMessage, ttl time.Duration) (bool, error)
		// Set unconditionally replaces the document at key.
		Set(ctx context.Context, key string, doc json.RawMessage, ttl time.Duration) error
		// Update applies fn to the current document under optimistic
		// concurrency and returns the stored result. fn receives nil when the
		// key is absent and may create the document by returning a Mutation
		// with a non-nil Doc. Backends retry a bounded number of rounds when
		// a concurrent writer invalidates the read; exhausting the rounds
		// returns ErrConflict. Errors returned by fn abort the update and are
		// returned unwrapped.
		Update(ctx context.Context, key string, fn UpdateFunc) (json.RawMessage, error)
		// Patch applies path-level operations to the document at key as a
		// single atomic read-modify-write and returns the stored result.
		// Returns ErrNotFound when the key is absent.
		Patch(ctx context.Context, key string, ops []PatchOp) (json.RawMessage, error)
		// Delete removes the document at key.
		// Returns ErrNotFound when the key is absent.
		Delete(ctx context.Context, key string) error
		// Ping reports whether the backend is reachable.
		Ping(ctx context.Context) error
	}

	// UpdateFunc computes the next revision of a document. cur is the current
	// stored value, nil when the document does not exist. Returning a
	// Mutation with a nil Doc leaves the store untouched.
	UpdateFunc func(cur json.RawMessage) (Mutation, error)

	// Mutation is the outcome of one update round.
	Mutation struct {
		// Doc replaces the document under update. nil means no write.
		Doc json.RawMessage
		// TTL sets the expiry of the written document. Zero keeps it
		// non-expiring.
		TTL time.Duration
		// KeepTTL retains the expiry already set on the document instead of
		// applying TTL. Patch uses this so field edits never clear expiries.
		KeepTTL bool
		// Extra stages additional writes committed atomically with Doc.
		// Extra writes are unconditional (no concurrency check of their own).
		Extra []Write
	}

	// Write is a single unconditional document write.
	Write struct {
		Key string
		Doc json.RawMessage
		TTL time.Duration
	}

	// PatchOp mutates a single field addressed by Path.
	PatchOp struct {
		// Path addresses the field. The document root is not a valid patch
		// target; use Set to replace whole documents.
		Path Path
		// Value is the replacement field value. Ignored when Delete is set.
		Value json.RawMessage
		// Delete removes the field instead of writing it. Deleting an absent
		// field is a no-op.
		Delete bool
	}
)

var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict indicates an optimistic concurrency cycle could not commit.
	ErrConflict = errors.New("concurrent document modification")
	// ErrUnavailable indicates the backend could not be reached.
	ErrUnavailable = errors.New("document store unavailable")
)

// ApplyPatch applies ops to a decoded copy of doc and re-encodes the result.
// Backends without native path patching build Patch on top of Update with
// this helper. The input is never modified.
func ApplyPatch(doc json.RawMessage, ops []PatchOp) (json.RawMessage, error) {
	var root map[string]any
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, errors.New("patch target is not a JSON object")
	}
	if root == nil {
		root = make(map[string]any)
	}
	for _, op := range ops {
		if op.Delete {
			op.Path.Delete(root)
			continue
		}
		var v any
		if err := json.Unmarshal(op.Value, &v); err != nil {
			return nil, errors.New("patch value is not valid JSON")
		}
		if err := op.Path.Set(root, v); err != nil {
			return nil, err
		}
	}
	return json.Marshal(root)
}
