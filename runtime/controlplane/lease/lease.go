// Package lease grants workers exclusive, time-bounded ownership of workflow
// states.
//
// A lease is a CAS-guarded token inside the state document. Acquire, renew
// and release are point operations on that single document: no cross-document
// lock exists, and staleness is bounded by the lease TTL plus clock skew.
// Workers renew while executing and set a terminal status before releasing;
// peers may steal a lease only once it has expired.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
)

// DefaultTTL bounds leases acquired without an explicit TTL.
const DefaultTTL = 5 * time.Minute

type (
	// Manager performs lease operations against the control-plane store.
	Manager struct {
		store    *controlplane.Store
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
		newToken func() string
	}

	// Option configures a Manager.
	Option func(*Manager)

	// AcquireOptions tunes one acquire call. Start from
	// DefaultAcquireOptions and adjust; the zero value disables every check
	// and increments nothing.
	AcquireOptions struct {
		// TTL bounds the lease. Zero uses DefaultTTL.
		TTL time.Duration
		// Token is the lease token to install. Empty generates one.
		Token string
		// RequireReady refuses the acquire while upstream prerequisites
		// are unmet.
		RequireReady bool
		// RequireOwnerMatch refuses owners other than the agent bound to
		// the state in the workflow meta.
		RequireOwnerMatch bool
		// AllowStealIfExpired lets the acquire displace a held lease whose
		// TTL has elapsed.
		AllowStealIfExpired bool
		// SetRunningOnAcquire moves a pending state to running and stamps
		// started_at.
		SetRunningOnAcquire bool
		// AttemptsIncrement is added to the attempt counter on every
		// successful grant.
		AttemptsIncrement int
	}

	// RenewOptions tunes one renew call. Start from DefaultRenewOptions.
	RenewOptions struct {
		// TTL replaces the lease TTL. Zero keeps the current one.
		TTL time.Duration
		// OwnerAgentID, when set, must match the lease owner.
		OwnerAgentID string
		// RejectIfExpired refuses to renew a lease whose TTL has elapsed.
		RejectIfExpired bool
		// TouchOnly refreshes the lease timestamp without touching the TTL.
		TouchOnly bool
	}

	// ReleaseOptions tunes one release call. The zero value requires a
	// matching token and keeps the owner recorded.
	ReleaseOptions struct {
		// Force releases regardless of the held token.
		Force bool
		// ClearOwner also clears the recorded owner agent.
		ClearOwner bool
	}
)

// DefaultAcquireOptions returns the standard acquire behavior: readiness and
// owner checks on, expired leases stealable, pending states set running, one
// attempt counted.
func DefaultAcquireOptions() AcquireOptions {
	return AcquireOptions{
		RequireReady:        true,
		RequireOwnerMatch:   true,
		AllowStealIfExpired: true,
		SetRunningOnAcquire: true,
		AttemptsIncrement:   1,
	}
}

// DefaultRenewOptions returns the standard renew behavior: expired leases
// are not renewable.
func DefaultRenewOptions() RenewOptions {
	return RenewOptions{RejectIfExpired: true}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source used for lease timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokenSource overrides lease token generation. Defaults to random
// UUIDs.
func WithTokenSource(fn func() string) Option {
	return func(m *Manager) { m.newToken = fn }
}

// New creates a lease manager on the given control-plane store.
func New(store *controlplane.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire grants the caller a lease on the state, minting a token when none
// is held and displacing an expired one when stealing is allowed. With
// SetRunningOnAcquire a pending state moves to running with started_at
// stamped. The attempt counter grows on every successful grant, steals
// included, so retry accounting survives worker crashes.
func (m *Manager) Acquire(ctx context.Context, workflowID, state, ownerAgentID string, opts AcquireOptions) (*controlplane.StateDoc, error) {
	if ownerAgentID == "" {
		return nil, fmt.Errorf("%w: owner_agent_id is required", controlplane.ErrInvalidInput)
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", controlplane.ErrInvalidInput)
	}

	if opts.RequireReady || opts.RequireOwnerMatch {
		meta, err := m.store.Meta(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if opts.RequireOwnerMatch {
			if bound := meta.Agents[state]; bound != "" && bound != ownerAgentID {
				return nil, fmt.Errorf("state %q is bound to agent %q, not %q: %w",
					state, bound, ownerAgentID, controlplane.ErrOwnerMismatch)
			}
		}
		if opts.RequireReady {
			ready, err := m.store.Ready(ctx, meta, state)
			if err != nil {
				return nil, err
			}
			if !ready {
				m.metrics.IncCounter("lease.rejected", 1, "reason", "not_ready")
				return nil, fmt.Errorf("state %q of workflow %q: %w", state, workflowID, controlplane.ErrNotReady)
			}
		}
	}

	token := opts.Token
	if token == "" {
		token = m.newToken()
	}

	var stolen bool
	doc, err := m.store.MutateState(ctx, workflowID, state, func(doc *controlplane.StateDoc) error {
		now := m.now().UTC()
		stolen = false
		if doc.Lease.Held() && doc.Lease.Token != token {
			if !doc.Lease.Expired(now) || !opts.AllowStealIfExpired {
				return fmt.Errorf("state %q of workflow %q: %w", state, workflowID, controlplane.ErrLeaseHeld)
			}
			stolen = true
		}
		refresh := doc.Lease.Held() && doc.Lease.Token == token

		ts := now
		doc.Lease = controlplane.Lease{
			Token:        token,
			OwnerAgentID: ownerAgentID,
			TS:           &ts,
			TTLSeconds:   int(ttl / time.Second),
		}
		if !refresh {
			doc.Attempts += opts.AttemptsIncrement
		}
		if opts.SetRunningOnAcquire && doc.Status == controlplane.StatusPending {
			doc.Status = controlplane.StatusRunning
			if doc.StartedAt == nil {
				doc.StartedAt = &ts
			}
		}
		return nil
	})
	if err != nil {
		m.countFailure(err)
		return nil, err
	}
	if stolen {
		m.log.Info(ctx, "expired lease stolen",
			"workflow_id", workflowID, "state", state, "owner", ownerAgentID)
		m.metrics.IncCounter("lease.stolen", 1)
	} else {
		m.log.Debug(ctx, "lease acquired",
			"workflow_id", workflowID, "state", state, "owner", ownerAgentID)
	}
	m.metrics.IncCounter("lease.acquired", 1)
	return doc, nil
}

// Renew extends a held lease: the timestamp moves to now and the TTL is
// replaced when requested. The supplied token must match the held one, and
// an expired lease renews only when RejectIfExpired is off.
func (m *Manager) Renew(ctx context.Context, workflowID, state, token string, opts RenewOptions) (*controlplane.StateDoc, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: lease_token is required", controlplane.ErrInvalidInput)
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", controlplane.ErrInvalidInput)
	}

	doc, err := m.store.MutateState(ctx, workflowID, state, func(doc *controlplane.StateDoc) error {
		now := m.now().UTC()
		if !doc.Lease.Held() || doc.Lease.Token != token {
			return fmt.Errorf("state %q of workflow %q: %w", state, workflowID, controlplane.ErrLeaseMismatch)
		}
		if opts.OwnerAgentID != "" && doc.Lease.OwnerAgentID != opts.OwnerAgentID {
			return fmt.Errorf("lease on state %q is owned by %q: %w",
				state, doc.Lease.OwnerAgentID, controlplane.ErrOwnerMismatch)
		}
		if opts.RejectIfExpired && doc.Lease.Expired(now) {
			return fmt.Errorf("state %q of workflow %q: %w", state, workflowID, controlplane.ErrLeaseExpired)
		}
		ts := now
		doc.Lease.TS = &ts
		if !opts.TouchOnly && opts.TTL > 0 {
			doc.Lease.TTLSeconds = int(opts.TTL / time.Second)
		}
		return nil
	})
	if err != nil {
		m.countFailure(err)
		return nil, err
	}
	m.log.Debug(ctx, "lease renewed", "workflow_id", workflowID, "state", state)
	return doc, nil
}

// Release clears the lease token so the state can be acquired again. The
// status is never touched: workers set a terminal status before releasing.
// Force skips the token match for administrative cleanup.
func (m *Manager) Release(ctx context.Context, workflowID, state, token string, opts ReleaseOptions) (*controlplane.StateDoc, error) {
	if token == "" && !opts.Force {
		return nil, fmt.Errorf("%w: lease_token is required", controlplane.ErrInvalidInput)
	}

	doc, err := m.store.MutateState(ctx, workflowID, state, func(doc *controlplane.StateDoc) error {
		if !opts.Force && doc.Lease.Token != token {
			return fmt.Errorf("state %q of workflow %q: %w", state, workflowID, controlplane.ErrLeaseMismatch)
		}
		now := m.now().UTC()
		doc.Lease.Token = ""
		doc.Lease.TS = &now
		if opts.ClearOwner {
			doc.Lease.OwnerAgentID = ""
		}
		return nil
	})
	if err != nil {
		m.countFailure(err)
		return nil, err
	}
	m.log.Debug(ctx, "lease released", "workflow_id", workflowID, "state", state)
	m.metrics.IncCounter("lease.released", 1)
	return doc, nil
}

// countFailure records lease contention outcomes.
func (m *Manager) countFailure(err error) {
	switch {
	case errors.Is(err, controlplane.ErrLeaseHeld):
		m.metrics.IncCounter("lease.rejected", 1, "reason", "held")
	case errors.Is(err, controlplane.ErrLeaseMismatch):
		m.metrics.IncCounter("lease.rejected", 1, "reason", "mismatch")
	case errors.Is(err, controlplane.ErrLeaseExpired):
		m.metrics.IncCounter("lease.rejected", 1, "reason", "expired")
	case errors.Is(err, controlplane.ErrOwnerMismatch):
		m.metrics.IncCounter("lease.rejected", 1, "reason", "owner_mismatch")
	}
}
