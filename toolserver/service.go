// Package toolserver assembles the control-plane tool service: it composes
// the runtime packages behind the 23 MCP tools, maps domain errors onto the
// structured result contract, and serves everything over the streamable HTTP
// transport in runtime/mcp.
//
// Tool handlers never surface Go errors to the transport. Every call returns
// a structured record; failures carry a machine-readable error kind
// ("invalid_input", "lease_held", "conflict", ...) plus a human-readable
// detail string, so agent callers can branch on the kind without parsing
// prose.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lujunbofan2019/LettaPlus-sub000/features/activity/pulse"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/complexity"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane/bootstrap"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane/finalize"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane/lease"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane/notify"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/session"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/skills"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow/validator"
)

// Error kinds carried by failure results.
const (
	KindInvalidInput  = "invalid_input"
	KindNotFound      = "not_found"
	KindConflict      = "conflict"
	KindLeaseHeld     = "lease_held"
	KindLeaseMismatch = "lease_mismatch"
	KindLeaseExpired  = "lease_expired"
	KindOwnerMismatch = "owner_mismatch"
	KindNotReady      = "not_ready"
	KindUnresolvedRef = "unresolved_reference"
	KindConnection    = "connection_failed"
	KindBackend       = "backend_error"
)

type (
	// Options wires the service. Docs and Platform are required; their
	// absence is a startup configuration error, never a per-call check.
	Options struct {
		// Docs is the document store holding control- and data-plane keys.
		Docs docstore.Store
		// Platform is the agent runtime adapter.
		Platform agentruntime.Client
		// BaseDir anchors relative workflow import URIs.
		BaseDir string
		// SkillImports seed the skill index at startup.
		SkillImports []string
		// ModelTiers maps complexity tiers to default models, from the
		// config overlay. Optional.
		ModelTiers map[int]ModelTier
		// Feed publishes activity events. Nil disables publishing.
		Feed *pulse.Feed

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock overrides the time source, for tests.
		Clock func() time.Time
		// IDSource overrides task/workflow id generation, for tests.
		IDSource func() string
	}

	// Service implements the tool operations by composing the runtime
	// packages. All methods are safe for concurrent use.
	Service struct {
		validator *validator.Validator
		store     *controlplane.Store
		boot      *bootstrap.Bootstrapper
		leases    *lease.Manager
		notifier  *notify.Notifier
		finalizer *finalize.Finalizer
		sessions  *session.Coordinator
		feed      *pulse.Feed

		platform agentruntime.Client
		baseDir  string
		tiers    map[int]ModelTier
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// failure is the structured error result every tool shares.
	failure struct {
		Status string `json:"status"`
		Error  string `json:"error"`
		Detail string `json:"detail,omitempty"`
	}
)

// New composes the service. A nil document store or agent runtime is a
// configuration error.
func New(opts Options) (*Service, error) {
	if opts.Docs == nil {
		return nil, errors.New("toolserver: document store is required")
	}
	if opts.Platform == nil {
		return nil, errors.New("toolserver: agent runtime is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	newID := opts.IDSource
	if newID == nil {
		newID = uuid.NewString
	}

	val, err := validator.New(validator.Options{BaseDir: opts.BaseDir})
	if err != nil {
		return nil, fmt.Errorf("toolserver: %w", err)
	}

	index := skills.NewIndex()
	for _, path := range opts.SkillImports {
		manifests, err := skills.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("toolserver: skill import %q: %w", path, err)
		}
		for _, m := range manifests {
			index.Add(m)
		}
	}
	loader := skills.NewLoader(opts.Platform, logger)

	store := controlplane.New(opts.Docs,
		controlplane.WithLogger(logger),
		controlplane.WithMetrics(metrics),
		controlplane.WithClock(now),
	)

	s := &Service{
		validator: val,
		store:     store,
		boot: bootstrap.New(store, opts.Platform,
			bootstrap.WithLogger(logger), bootstrap.WithMetrics(metrics)),
		leases: lease.New(store,
			lease.WithLogger(logger), lease.WithMetrics(metrics), lease.WithClock(now)),
		notifier: notify.New(store, opts.Platform,
			notify.WithLogger(logger), notify.WithMetrics(metrics), notify.WithClock(now)),
		finalizer: finalize.New(store, opts.Platform,
			finalize.WithLogger(logger), finalize.WithMetrics(metrics), finalize.WithClock(now)),
		sessions: session.New(opts.Platform,
			session.WithDocumentStore(opts.Docs),
			session.WithSkills(index, loader),
			session.WithLogger(logger),
			session.WithMetrics(metrics),
			session.WithClock(now),
			session.WithIDSource(newID)),
		feed:     opts.Feed,
		platform: opts.Platform,
		baseDir:  opts.BaseDir,
		tiers:    opts.ModelTiers,
		log:      logger,
		metrics:  metrics,
		now:      now,
	}
	return s, nil
}

// fail converts a domain error into the structured failure record.
func (s *Service) fail(err error) failure {
	return failure{Status: "failed", Error: errKind(err), Detail: err.Error()}
}

func failInput(format string, args ...any) failure {
	return failure{Status: "failed", Error: KindInvalidInput, Detail: fmt.Sprintf(format, args...)}
}

// errKind maps sentinel errors onto the error taxonomy. Unknown errors are
// backend errors: something below the contract surface broke.
func errKind(err error) string {
	switch {
	case errors.Is(err, controlplane.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, session.ErrSessionMismatch),
		errors.Is(err, session.ErrNotCompanion),
		errors.Is(err, workflow.ErrNoStates),
		errors.Is(err, workflow.ErrNoStart),
		errors.Is(err, workflow.ErrBadImport),
		errors.Is(err, complexity.ErrInvalidScore),
		errors.Is(err, docstore.ErrBadPath):
		return KindInvalidInput
	case errors.Is(err, controlplane.ErrLeaseHeld):
		return KindLeaseHeld
	case errors.Is(err, controlplane.ErrLeaseMismatch):
		return KindLeaseMismatch
	case errors.Is(err, controlplane.ErrLeaseExpired):
		return KindLeaseExpired
	case errors.Is(err, controlplane.ErrOwnerMismatch):
		return KindOwnerMismatch
	case errors.Is(err, controlplane.ErrNotReady):
		return KindNotReady
	case errors.Is(err, session.ErrCompanionBusy):
		return KindConflict
	case errors.Is(err, docstore.ErrConflict):
		return KindConflict
	case errors.Is(err, docstore.ErrNotFound),
		errors.Is(err, agentruntime.ErrAgentNotFound),
		errors.Is(err, agentruntime.ErrBlockNotFound),
		errors.Is(err, agentruntime.ErrToolNotFound),
		errors.Is(err, session.ErrBlockMissing):
		return KindNotFound
	case errors.Is(err, bootstrap.ErrTemplateUnresolved),
		errors.Is(err, notify.ErrNoAgent):
		return KindUnresolvedRef
	case errors.Is(err, docstore.ErrUnavailable),
		errors.Is(err, agentruntime.ErrUnavailable):
		return KindConnection
	default:
		return KindBackend
	}
}

// rawObject accepts a decoded JSON value or a JSON string holding one and
// returns the raw object bytes. Callers pass fields that agent frameworks
// sometimes double-encode.
func rawObject(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		raw = json.RawMessage(inner)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDefinition decodes the definition argument, accepting both an embedded
// object and a JSON string.
func (s *Service) parseDefinition(raw json.RawMessage) (*workflow.Definition, error) {
	obj, err := rawObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: definition: %v", controlplane.ErrInvalidInput, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: definition is required", controlplane.ErrInvalidInput)
	}
	return workflow.Parse(obj)
}

// publish forwards an activity event to the feed. The feed is best-effort
// and may be nil.
func (s *Service) publish(ctx context.Context, ev pulse.Event) {
	s.feed.Publish(ctx, ev)
}
