package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow"
)

type (
	// Store provides atomic access to control-plane documents on top of a
	// document store backend. All mutations are per-document optimistic
	// read-modify-writes; concurrent writers surface as
	// docstore.ErrConflict and retry at the caller's discretion.
	Store struct {
		docs    docstore.Store
		log     telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// Option configures a Store.
	Option func(*Store)

	// CreateOptions carries the optional bootstrap inputs of Create.
	CreateOptions struct {
		// Agents maps state names to the worker agents bound to them.
		Agents map[string]string
		// PlannerAgentID names an agent finalize must preserve.
		PlannerAgentID string
	}

	// CreateResult reports which documents Create wrote and which already
	// existed, plus the stored meta document.
	CreateResult struct {
		CreatedKeys  []string     `json:"created_keys"`
		ExistingKeys []string     `json:"existing_keys"`
		Meta         WorkflowMeta `json:"meta"`
	}

	// ReadOptions selects what Read returns.
	ReadOptions struct {
		// States restricts the read to the named states. Empty reads all.
		States []string
		// IncludeMeta attaches the meta document to the snapshot.
		IncludeMeta bool
		// ComputeReadiness attaches per-state readiness booleans.
		ComputeReadiness bool
	}

	// Snapshot is a point-in-time view of a workflow's control plane. It is
	// assembled from independent single-document reads, so states may be
	// observed mid-transition relative to each other.
	Snapshot struct {
		Meta      *WorkflowMeta       `json:"meta,omitempty"`
		States    map[string]StateDoc `json:"states"`
		Readiness map[string]bool     `json:"readiness,omitempty"`
	}

	// StatePatch is one updateState request. Zero-valued fields are left
	// unchanged.
	StatePatch struct {
		// NewStatus sets the status. The done alias is accepted; unknown
		// values are rejected. Setting running requires a held lease.
		NewStatus string
		// AttemptsIncrement adds to the attempt counter. Attempts never
		// decrease, so negative increments are rejected.
		AttemptsIncrement int
		// LeaseToken guards the patch: when set and the held token differs,
		// the patch fails with ErrLeaseMismatch. It never sets the token.
		LeaseToken string
		// OwnerAgentID overwrites the lease owner.
		OwnerAgentID string
		// LeaseTTLSeconds overwrites the lease TTL when non-nil.
		LeaseTTLSeconds *int
		// ErrorMessage overwrites last_error.
		ErrorMessage string
		// SetStartedAt / SetFinishedAt stamp the timestamps with now even
		// when already set.
		SetStartedAt  bool
		SetFinishedAt bool
		// Output writes the state's output artifact at OutputKey in the
		// same transaction as the state document.
		Output json.RawMessage
		// OutputTTL expires the output artifact. Zero keeps it forever.
		OutputTTL time.Duration
	}

	// DeleteResult reports which documents Delete removed.
	DeleteResult struct {
		DeletedKeys []string `json:"deleted_keys"`
		MissingKeys []string `json:"missing_keys"`
	}
)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source used for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store on the given document store backend.
func New(docs docstore.Store, opts ...Option) *Store {
	s := &Store{
		docs:    docs,
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create seeds the control plane for a workflow definition: the meta document
// and one pending StateDoc per state, all with create-if-absent semantics.
// Calling it again for the same workflow writes nothing and reports every key
// as existing, so bootstrap retries are safe.
func (s *Store) Create(ctx context.Context, def *workflow.Definition, opts CreateOptions) (*CreateResult, error) {
	defer s.timed("create")()
	if def == nil || def.WorkflowID == "" {
		return nil, fmt.Errorf("%w: workflow_id is required", ErrInvalidInput)
	}
	graph, err := workflow.NewGraph(def.ASL)
	if err != nil {
		return nil, fmt.Errorf("derive transition graph: %w", err)
	}
	known := make(map[string]bool, len(graph.States))
	for _, name := range graph.States {
		known[name] = true
	}
	for name := range opts.Agents {
		if !known[name] {
			return nil, fmt.Errorf("%w: agent mapping names unknown state %q", ErrInvalidInput, name)
		}
	}

	agents := opts.Agents
	if agents == nil {
		agents = map[string]string{}
	}
	meta := WorkflowMeta{
		WorkflowID:     def.WorkflowID,
		WorkflowName:   def.WorkflowName,
		SchemaVersion:  def.SchemaVersion,
		StartAt:        def.ASL.StartAt,
		States:         graph.States,
		TerminalStates: graph.Terminal,
		Agents:         agents,
		PlannerAgentID: opts.PlannerAgentID,
		Deps:           graph.Deps,
		CreatedAt:      s.now().UTC(),
	}

	res := &CreateResult{Meta: meta}
	metaKey := MetaKey(def.WorkflowID)
	metaDoc, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	created, err := s.docs.Create(ctx, metaKey, metaDoc, 0)
	if err != nil {
		return nil, fmt.Errorf("write meta %q: %w", metaKey, err)
	}
	if created {
		res.CreatedKeys = append(res.CreatedKeys, metaKey)
	} else {
		res.ExistingKeys = append(res.ExistingKeys, metaKey)
		stored, err := s.Meta(ctx, def.WorkflowID)
		if err != nil {
			return nil, err
		}
		res.Meta = *stored
	}

	stateDoc, err := json.Marshal(StateDoc{Status: StatusPending})
	if err != nil {
		return nil, fmt.Errorf("encode state doc: %w", err)
	}
	for _, name := range graph.States {
		key := StateKey(def.WorkflowID, name)
		created, err := s.docs.Create(ctx, key, stateDoc, 0)
		if err != nil {
			return nil, fmt.Errorf("write state %q: %w", key, err)
		}
		if created {
			res.CreatedKeys = append(res.CreatedKeys, key)
		} else {
			res.ExistingKeys = append(res.ExistingKeys, key)
		}
	}
	s.log.Debug(ctx, "control plane seeded",
		"workflow_id", def.WorkflowID,
		"created", len(res.CreatedKeys),
		"existing", len(res.ExistingKeys))
	return res, nil
}

// Read returns a snapshot of the workflow's control plane, optionally
// restricted to a subset of states and optionally annotated with readiness.
func (s *Store) Read(ctx context.Context, workflowID string, opts ReadOptions) (*Snapshot, error) {
	defer s.timed("read")()
	meta, err := s.Meta(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(meta.States))
	for _, name := range meta.States {
		known[name] = true
	}
	requested := opts.States
	if len(requested) == 0 {
		requested = meta.States
	}
	for _, name := range requested {
		if !known[name] {
			return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, name)
		}
	}

	cache := make(map[string]*StateDoc, len(requested))
	load := func(name string) (*StateDoc, error) {
		if doc, ok := cache[name]; ok {
			return doc, nil
		}
		doc, err := s.State(ctx, workflowID, name)
		if err != nil {
			return nil, err
		}
		cache[name] = doc
		return doc, nil
	}

	snap := &Snapshot{States: make(map[string]StateDoc, len(requested))}
	for _, name := range requested {
		doc, err := load(name)
		if err != nil {
			return nil, err
		}
		snap.States[name] = *doc
	}
	if opts.IncludeMeta {
		snap.Meta = meta
	}
	if opts.ComputeReadiness {
		snap.Readiness = make(map[string]bool, len(requested))
		for _, name := range requested {
			ready, err := readiness(meta, name, load)
			if err != nil {
				return nil, err
			}
			snap.Readiness[name] = ready
		}
	}
	return snap, nil
}

// PatchState applies a partial update to one state document as a single
// optimistic transaction, writing the output artifact alongside when the
// patch carries one. Terminal statuses stamp finished_at and running stamps
// started_at so the document invariants hold after every patch.
func (s *Store) PatchState(ctx context.Context, workflowID, state string, patch StatePatch) (*StateDoc, error) {
	defer s.timed("patch_state")()
	if patch.AttemptsIncrement < 0 {
		return nil, fmt.Errorf("%w: attempts_increment must not be negative", ErrInvalidInput)
	}
	if patch.OutputTTL < 0 {
		return nil, fmt.Errorf("%w: output_ttl_secs must not be negative", ErrInvalidInput)
	}
	var newStatus Status
	if patch.NewStatus != "" {
		st, err := ParseStatus(patch.NewStatus)
		if err != nil {
			return nil, err
		}
		newStatus = st
	}
	if patch.Output != nil && !json.Valid(patch.Output) {
		return nil, fmt.Errorf("%w: output_json is not valid JSON", ErrInvalidInput)
	}

	key := StateKey(workflowID, state)
	raw, err := s.docs.Update(ctx, key, func(cur json.RawMessage) (docstore.Mutation, error) {
		if cur == nil {
			return docstore.Mutation{}, fmt.Errorf("state %q of workflow %q: %w", state, workflowID, docstore.ErrNotFound)
		}
		var doc StateDoc
		if err := json.Unmarshal(cur, &doc); err != nil {
			return docstore.Mutation{}, fmt.Errorf("decode state %q: %w", key, err)
		}
		if patch.LeaseToken != "" && doc.Lease.Held() && doc.Lease.Token != patch.LeaseToken {
			return docstore.Mutation{}, fmt.Errorf("state %q: %w", state, ErrLeaseMismatch)
		}

		now := s.now().UTC()
		doc.Attempts += patch.AttemptsIncrement
		if patch.OwnerAgentID != "" {
			doc.Lease.OwnerAgentID = patch.OwnerAgentID
		}
		if patch.LeaseTTLSeconds != nil {
			doc.Lease.TTLSeconds = *patch.LeaseTTLSeconds
		}
		if patch.ErrorMessage != "" {
			doc.LastError = patch.ErrorMessage
		}
		if newStatus != "" {
			if newStatus == StatusRunning && !doc.Lease.Held() {
				return docstore.Mutation{}, fmt.Errorf("%w: cannot set %q running without a held lease", ErrInvalidInput, state)
			}
			doc.Status = newStatus
		}
		if patch.SetStartedAt || (newStatus == StatusRunning && doc.StartedAt == nil) {
			t := now
			doc.StartedAt = &t
		}
		if patch.SetFinishedAt || (newStatus.Terminal() && doc.FinishedAt == nil) {
			t := now
			doc.FinishedAt = &t
		}

		out, err := json.Marshal(doc)
		if err != nil {
			return docstore.Mutation{}, fmt.Errorf("encode state %q: %w", key, err)
		}
		m := docstore.Mutation{Doc: out}
		if patch.Output != nil {
			m.Extra = []docstore.Write{{
				Key: OutputKey(workflowID, state),
				Doc: patch.Output,
				TTL: patch.OutputTTL,
			}}
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	var updated StateDoc
	if err := json.Unmarshal(raw, &updated); err != nil {
		return nil, fmt.Errorf("decode state %q: %w", key, err)
	}
	return &updated, nil
}

// Meta returns the workflow's meta document.
func (s *Store) Meta(ctx context.Context, workflowID string) (*WorkflowMeta, error) {
	key := MetaKey(workflowID)
	raw, err := s.docs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("meta of workflow %q: %w", workflowID, err)
	}
	var meta WorkflowMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode meta %q: %w", key, err)
	}
	return &meta, nil
}

// State returns one state document.
func (s *Store) State(ctx context.Context, workflowID, state string) (*StateDoc, error) {
	key := StateKey(workflowID, state)
	raw, err := s.docs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("state %q of workflow %q: %w", state, workflowID, err)
	}
	var doc StateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode state %q: %w", key, err)
	}
	return &doc, nil
}

// Ready reports whether a state's prerequisites are met: every upstream
// state has succeeded. Source states are ready only while still pending,
// which keeps them from being re-acquired after they ran.
func (s *Store) Ready(ctx context.Context, meta *WorkflowMeta, state string) (bool, error) {
	return readiness(meta, state, func(name string) (*StateDoc, error) {
		return s.State(ctx, meta.WorkflowID, name)
	})
}

// MutateMeta applies fn to the stored meta document under optimistic
// concurrency and returns the committed result. Errors from fn abort the
// mutation unchanged.
func (s *Store) MutateMeta(ctx context.Context, workflowID string, fn func(*WorkflowMeta) error) (*WorkflowMeta, error) {
	key := MetaKey(workflowID)
	raw, err := s.docs.Update(ctx, key, func(cur json.RawMessage) (docstore.Mutation, error) {
		if cur == nil {
			return docstore.Mutation{}, fmt.Errorf("meta of workflow %q: %w", workflowID, docstore.ErrNotFound)
		}
		var meta WorkflowMeta
		if err := json.Unmarshal(cur, &meta); err != nil {
			return docstore.Mutation{}, fmt.Errorf("decode meta %q: %w", key, err)
		}
		if err := fn(&meta); err != nil {
			return docstore.Mutation{}, err
		}
		out, err := json.Marshal(meta)
		if err != nil {
			return docstore.Mutation{}, fmt.Errorf("encode meta %q: %w", key, err)
		}
		return docstore.Mutation{Doc: out}, nil
	})
	if err != nil {
		return nil, err
	}
	var meta WorkflowMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode meta %q: %w", key, err)
	}
	return &meta, nil
}

// MutateState applies fn to one state document under optimistic concurrency
// and returns the committed result. Errors from fn abort the mutation
// unchanged. The lease subpackage builds acquire, renew and release on this.
func (s *Store) MutateState(ctx context.Context, workflowID, state string, fn func(*StateDoc) error) (*StateDoc, error) {
	key := StateKey(workflowID, state)
	raw, err := s.docs.Update(ctx, key, func(cur json.RawMessage) (docstore.Mutation, error) {
		if cur == nil {
			return docstore.Mutation{}, fmt.Errorf("state %q of workflow %q: %w", state, workflowID, docstore.ErrNotFound)
		}
		var doc StateDoc
		if err := json.Unmarshal(cur, &doc); err != nil {
			return docstore.Mutation{}, fmt.Errorf("decode state %q: %w", key, err)
		}
		if err := fn(&doc); err != nil {
			return docstore.Mutation{}, err
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return docstore.Mutation{}, fmt.Errorf("encode state %q: %w", key, err)
		}
		return docstore.Mutation{Doc: out}, nil
	})
	if err != nil {
		return nil, err
	}
	var doc StateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode state %q: %w", key, err)
	}
	return &doc, nil
}

// WriteAudit stores an audit record for the workflow under the given kind,
// replacing any earlier record of that kind. Audit records live in the data
// plane and survive everything except an administrative Delete.
func (s *Store) WriteAudit(ctx context.Context, workflowID, kind string, record any) error {
	key := AuditKey(workflowID, kind)
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode audit %q: %w", key, err)
	}
	if err := s.docs.Set(ctx, key, raw, 0); err != nil {
		return fmt.Errorf("write audit %q: %w", key, err)
	}
	return nil
}

// Delete removes every document of a workflow: meta, states, outputs and
// audit records. It is an administrative cleanup; nothing in the execution
// path deletes control-plane keys, finalize included.
func (s *Store) Delete(ctx context.Context, workflowID string) (*DeleteResult, error) {
	meta, err := s.Meta(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	keys := []string{MetaKey(workflowID)}
	for _, name := range meta.States {
		keys = append(keys, StateKey(workflowID, name), OutputKey(workflowID, name))
	}
	keys = append(keys, AuditKey(workflowID, "finalize"), AuditKey(workflowID, "amsp"))

	res := &DeleteResult{}
	for _, key := range keys {
		switch err := s.docs.Delete(ctx, key); {
		case err == nil:
			res.DeletedKeys = append(res.DeletedKeys, key)
		case errors.Is(err, docstore.ErrNotFound):
			res.MissingKeys = append(res.MissingKeys, key)
		default:
			return nil, fmt.Errorf("delete %q: %w", key, err)
		}
	}
	s.log.Info(ctx, "control plane deleted",
		"workflow_id", workflowID,
		"deleted", len(res.DeletedKeys))
	return res, nil
}

// readiness computes the readiness of one state with load supplying state
// documents, so callers can share a per-snapshot cache.
func readiness(meta *WorkflowMeta, state string, load func(string) (*StateDoc, error)) (bool, error) {
	dep, ok := meta.Deps[state]
	if !ok {
		return false, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, state)
	}
	if len(dep.Upstream) == 0 {
		doc, err := load(state)
		if err != nil {
			return false, err
		}
		return doc.Status == StatusPending, nil
	}
	for _, up := range dep.Upstream {
		doc, err := load(up)
		if err != nil {
			return false, err
		}
		if doc.Status != StatusSucceeded {
			return false, nil
		}
	}
	return true, nil
}

// timed records a duration metric for one store operation.
func (s *Store) timed(op string) func() {
	start := time.Now()
	return func() {
		s.metrics.RecordTimer("controlplane.store", time.Since(start), "op", op)
	}
}
