// Package session coordinates interactive agent pools on top of the same
// primitives the workflow control plane uses.
//
// A conductor agent owns a session: it holds the shared session-context
// memory block, delegates tasks to companion agents and keeps an append-only
// delegation log. Companions are fungible workers whose lifecycle state is
// encoded in their platform tags (role, session, specialization, status,
// current task). A strategist may observe session activity through
// ReadSessionActivity and publish guidance back with
// UpdateConductorGuidelines.
//
// Shared memory blocks are mutated with read-modify-write cycles; the
// delegation log and the announcement list are bounded rings, so concurrent
// writers may drop entries beyond the bound. Both are telemetry, not
// coordination state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/skills"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
)

// Session lifecycle states stored in the session context block.
const (
	StateActive     = "active"
	StatePaused     = "paused"
	StateCompleting = "completing"
	StateCompleted  = "completed"
)

// Memory block labels managed by the coordinator. The active-skills label
// lives in the skills package because the loader owns that block.
const (
	// SessionBlockPrefix prefixes the session context block label; the full
	// label is SessionBlockLabel(sessionID).
	SessionBlockPrefix = "session_context:"
	// DelegationLogLabel is the conductor block holding the delegation log.
	DelegationLogLabel = "delegation_log"
	// GuidelinesLabel is the conductor block holding strategist guidelines.
	GuidelinesLabel = "dcf_guidelines"
	// PersonaLabel is the companion block holding its persona.
	PersonaLabel = "persona"
	// TaskContextLabel is the companion block holding the current task and
	// the bounded task history.
	TaskContextLabel = "task_context"
)

// Ring bounds. Entries beyond the bound are dropped oldest-first.
const (
	maxAnnouncements   = 20
	maxDelegations     = 100
	maxRecommendations = 20
	maxTaskHistory     = 10
)

var (
	// ErrInvalidInput flags a malformed or out-of-contract argument.
	ErrInvalidInput = errors.New("session: invalid input")
	// ErrSessionMismatch means a block's session_id differs from the argument.
	ErrSessionMismatch = errors.New("session: block belongs to another session")
	// ErrCompanionBusy means the companion already executes a task.
	ErrCompanionBusy = errors.New("session: companion is busy")
	// ErrNotCompanion means the agent does not carry the companion role tag.
	ErrNotCompanion = errors.New("session: agent is not a companion")
	// ErrBlockMissing means an expected conductor or companion block is absent.
	ErrBlockMissing = errors.New("session: memory block not found")
)

type (
	// Coordinator implements the DCF+ session operations on the agent
	// platform. The document store is used only for wisdom preservation at
	// session finalize; a nil store degrades that step to a warning.
	Coordinator struct {
		platform agentruntime.Client
		docs     docstore.Store
		loader   *skills.Loader
		index    *skills.Index
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
		newID    func() string
	}

	// Option configures a Coordinator.
	Option func(*Coordinator)

	// Context is the shared session state stored in the session context
	// block. Any agent holding the block may mutate it.
	Context struct {
		SessionID      string         `json:"session_id"`
		ConductorID    string         `json:"conductor_id"`
		State          string         `json:"state"`
		Objective      string         `json:"objective,omitempty"`
		CompanionCount int            `json:"companion_count"`
		ActiveTasks    []string       `json:"active_tasks,omitempty"`
		CompletedTasks []string       `json:"completed_tasks,omitempty"`
		SharedData     map[string]any `json:"shared_data,omitempty"`
		// Announcements is a bounded ring of the most recent announcements.
		Announcements []Announcement `json:"announcements,omitempty"`
		CreatedAt     time.Time      `json:"created_at"`
		UpdatedAt     time.Time      `json:"updated_at"`
	}

	// Announcement is one timestamped session-wide notice.
	Announcement struct {
		Text string    `json:"text"`
		TS   time.Time `json:"ts"`
	}

	// ContextPatch mutates selected session context fields. Zero-valued
	// fields are left unchanged.
	ContextPatch struct {
		// State moves the session lifecycle state.
		State string
		// Objective replaces the session objective.
		Objective string
		// CompanionCount overwrites the companion count when non-nil.
		CompanionCount *int
		// AddActiveTask appends a task id to the active list.
		AddActiveTask string
		// CompleteTask moves a task id from active to completed.
		CompleteTask string
		// Announcement appends to the bounded announcement ring.
		Announcement string
		// SharedData merges the given object's top-level keys into
		// shared_data. Null values delete the key.
		SharedData json.RawMessage
	}
)

// WithDocumentStore enables wisdom preservation on session finalize.
func WithDocumentStore(docs docstore.Store) Option {
	return func(c *Coordinator) { c.docs = docs }
}

// WithSkills wires skill resolution and loading for companions.
func WithSkills(index *skills.Index, loader *skills.Loader) Option {
	return func(c *Coordinator) {
		c.index = index
		c.loader = loader
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDSource overrides task and name token generation.
func WithIDSource(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// New creates a Coordinator on the given agent platform.
func New(platform agentruntime.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		platform: platform,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		now:      time.Now,
		newID:    func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionBlockLabel returns the session context block label for a session.
func SessionBlockLabel(sessionID string) string {
	return SessionBlockPrefix + sessionID
}

// WisdomKey returns the document key preserving companion task histories
// captured at session finalize.
func WisdomKey(sessionID string) string {
	return "dp:session:" + sessionID + ":audit:wisdom"
}

// CreateContext allocates the shared session context block and attaches it to
// the conductor. The block starts in the active state with the given
// objective and initial shared data.
func (c *Coordinator) CreateContext(ctx context.Context, sessionID, conductorID, objective string, initial json.RawMessage) (string, error) {
	if sessionID == "" || conductorID == "" {
		return "", fmt.Errorf("%w: session_id and conductor_id are required", ErrInvalidInput)
	}
	var shared map[string]any
	if len(initial) > 0 {
		if err := json.Unmarshal(initial, &shared); err != nil {
			return "", fmt.Errorf("%w: initial_context is not a JSON object", ErrInvalidInput)
		}
	}
	now := c.now().UTC()
	sc := Context{
		SessionID:   sessionID,
		ConductorID: conductorID,
		State:       StateActive,
		Objective:   objective,
		SharedData:  shared,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	value, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("encode session context: %w", err)
	}
	block, err := c.platform.CreateBlock(ctx, agentruntime.BlockSpec{
		Label: SessionBlockLabel(sessionID),
		Value: string(value),
	})
	if err != nil {
		return "", fmt.Errorf("create session block: %w", err)
	}
	if err := c.platform.AttachBlock(ctx, conductorID, block.ID); err != nil {
		return "", fmt.Errorf("attach session block to conductor %q: %w", conductorID, err)
	}
	c.metrics.IncCounter("session.created", 1)
	c.log.Info(ctx, "session context created",
		"session_id", sessionID, "conductor_id", conductorID, "block_id", block.ID)
	return block.ID, nil
}

// UpdateContext applies a patch to the session context block after verifying
// the block belongs to the session. Returns the committed context.
func (c *Coordinator) UpdateContext(ctx context.Context, sessionID, blockID string, patch ContextPatch) (*Context, error) {
	if patch.State != "" {
		if err := validSessionState(patch.State); err != nil {
			return nil, err
		}
	}
	var sharedPatch map[string]json.RawMessage
	if len(patch.SharedData) > 0 {
		if err := json.Unmarshal(patch.SharedData, &sharedPatch); err != nil {
			return nil, fmt.Errorf("%w: shared_data_json is not a JSON object", ErrInvalidInput)
		}
	}
	return c.mutateContext(ctx, sessionID, blockID, func(sc *Context) error {
		if patch.State != "" {
			sc.State = patch.State
		}
		if patch.Objective != "" {
			sc.Objective = patch.Objective
		}
		if patch.CompanionCount != nil {
			sc.CompanionCount = *patch.CompanionCount
		}
		if patch.AddActiveTask != "" {
			sc.ActiveTasks = appendUnique(sc.ActiveTasks, patch.AddActiveTask)
		}
		if patch.CompleteTask != "" {
			sc.completeTask(patch.CompleteTask)
		}
		if patch.Announcement != "" {
			sc.Announcements = appendBounded(sc.Announcements,
				Announcement{Text: patch.Announcement, TS: c.now().UTC()}, maxAnnouncements)
		}
		for k, v := range sharedPatch {
			if string(v) == "null" {
				delete(sc.SharedData, k)
				continue
			}
			var decoded any
			if err := json.Unmarshal(v, &decoded); err != nil {
				return fmt.Errorf("%w: shared_data_json value at %q", ErrInvalidInput, k)
			}
			if sc.SharedData == nil {
				sc.SharedData = make(map[string]any)
			}
			sc.SharedData[k] = decoded
		}
		return nil
	})
}

// ReadContext returns the session context stored in the block.
func (c *Coordinator) ReadContext(ctx context.Context, sessionID, blockID string) (*Context, error) {
	block, err := c.platform.GetBlock(ctx, blockID)
	if err != nil {
		return nil, fmt.Errorf("read session block %q: %w", blockID, err)
	}
	var sc Context
	if err := json.Unmarshal([]byte(block.Value), &sc); err != nil {
		return nil, fmt.Errorf("decode session block %q: %w", blockID, err)
	}
	if sessionID != "" && sc.SessionID != sessionID {
		return nil, fmt.Errorf("block %q holds session %q: %w", blockID, sc.SessionID, ErrSessionMismatch)
	}
	return &sc, nil
}

// mutateContext runs a read-modify-write cycle on the session context block.
func (c *Coordinator) mutateContext(ctx context.Context, sessionID, blockID string, fn func(*Context) error) (*Context, error) {
	sc, err := c.ReadContext(ctx, sessionID, blockID)
	if err != nil {
		return nil, err
	}
	if err := fn(sc); err != nil {
		return nil, err
	}
	sc.UpdatedAt = c.now().UTC()
	value, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("encode session context: %w", err)
	}
	if err := c.platform.UpdateBlockValue(ctx, blockID, string(value)); err != nil {
		return nil, fmt.Errorf("write session block %q: %w", blockID, err)
	}
	return sc, nil
}

// findSessionBlock locates the session context block among the conductor's
// attached blocks.
func (c *Coordinator) findSessionBlock(ctx context.Context, conductorID, sessionID string) (agentruntime.Block, error) {
	blocks, err := c.platform.ListAgentBlocks(ctx, conductorID)
	if err != nil {
		return agentruntime.Block{}, fmt.Errorf("list conductor blocks: %w", err)
	}
	label := SessionBlockLabel(sessionID)
	for _, b := range blocks {
		if b.Label == label {
			return b, nil
		}
	}
	return agentruntime.Block{}, fmt.Errorf("session block %q on conductor %q: %w", label, conductorID, ErrBlockMissing)
}

// completeTask moves id from the active list to the completed list. Unknown
// ids still land in completed so late reports are not lost.
func (sc *Context) completeTask(id string) {
	for i, t := range sc.ActiveTasks {
		if t == id {
			sc.ActiveTasks = append(sc.ActiveTasks[:i], sc.ActiveTasks[i+1:]...)
			break
		}
	}
	sc.CompletedTasks = appendUnique(sc.CompletedTasks, id)
}

func validSessionState(s string) error {
	switch s {
	case StateActive, StatePaused, StateCompleting, StateCompleted:
		return nil
	default:
		return fmt.Errorf("%w: unknown session state %q", ErrInvalidInput, s)
	}
}

// appendBounded appends and drops the oldest entries beyond the bound.
func appendBounded[T any](list []T, entry T, bound int) []T {
	list = append(list, entry)
	if len(list) > bound {
		list = list[len(list)-bound:]
	}
	return list
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
