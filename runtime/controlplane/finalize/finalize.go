// Package finalize ends workflow runs: it closes states left open, derives
// the final status, retires the worker agents, aggregates execution cost and
// writes the audit records.
//
// Finalization is best-effort. Only a missing workflow or an unwritable meta
// document abort the run; everything else that goes wrong is collected into
// warnings so a half-broken run can still be closed out. No control-plane or
// data-plane key is ever deleted here.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
)

// ClosedStateError is recorded on states the finalizer cancels.
const ClosedStateError = "finalized: state closed by finalize_workflow"

// Audit record kinds written by the finalizer.
const (
	AuditKindFinalize       = "finalize"
	AuditKindModelSelection = "amsp"
)

type (
	// Finalizer closes out workflow runs on a control-plane store and an
	// agent runtime.
	Finalizer struct {
		store    *controlplane.Store
		platform agentruntime.Client
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// Option configures a Finalizer.
	Option func(*Finalizer)

	// Options tunes one finalize run. Start from DefaultOptions.
	Options struct {
		// OverallStatus overrides the derived final status. Empty derives
		// it from the per-state counts.
		OverallStatus string
		// CloseOpenStates cancels states still pending or running.
		CloseOpenStates bool
		// DeleteAgents retires the worker agents bound in the meta document.
		DeleteAgents bool
		// PreservePlanner keeps the planner agent alive. The planner is
		// never part of the worker sweep; disabling this deletes it
		// explicitly.
		PreservePlanner bool
		// Note is stored as the finalize note on the meta document.
		Note string
	}

	// Result reports one finalize run.
	Result struct {
		WorkflowID      string                    `json:"workflow_id"`
		FinalStatus     string                    `json:"final_status"`
		StatusCounts    map[string]int            `json:"status_counts"`
		ClosedStates    []string                  `json:"closed_states,omitempty"`
		DeletedAgents   []string                  `json:"deleted_agents,omitempty"`
		PreservedAgents []string                  `json:"preserved_agents,omitempty"`
		CostSummary     *controlplane.CostSummary `json:"cost_summary,omitempty"`
		FinalizedAt     time.Time                 `json:"finalized_at"`
		Warnings        []string                  `json:"warnings,omitempty"`
	}

	// AuditRecord is the immutable finalize audit document.
	AuditRecord struct {
		WorkflowID    string                    `json:"workflow_id"`
		FinalStatus   string                    `json:"final_status"`
		StatusCounts  map[string]int            `json:"status_counts"`
		ClosedStates  []string                  `json:"closed_states,omitempty"`
		DeletedAgents []string                  `json:"deleted_agents,omitempty"`
		CostSummary   *controlplane.CostSummary `json:"cost_summary,omitempty"`
		Note          string                    `json:"note,omitempty"`
		Warnings      []string                  `json:"warnings,omitempty"`
		FinalizedAt   time.Time                 `json:"finalized_at"`
	}

	// ModelSelectionAudit captures the per-state model selections and the
	// escalation rate across them.
	ModelSelectionAudit struct {
		WorkflowID     string                                 `json:"workflow_id"`
		Selections     map[string]controlplane.ModelSelection `json:"selections"`
		EscalationRate float64                                `json:"escalation_rate"`
		RecordedAt     time.Time                              `json:"recorded_at"`
	}
)

// DefaultOptions returns the standard finalize behavior: open states are
// closed, worker agents are deleted, the planner survives.
func DefaultOptions() Options {
	return Options{
		CloseOpenStates: true,
		DeleteAgents:    true,
		PreservePlanner: true,
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(f *Finalizer) { f.log = l }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(f *Finalizer) { f.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(f *Finalizer) { f.now = now }
}

// New creates a Finalizer on the given store and agent runtime.
func New(store *controlplane.Store, platform agentruntime.Client, opts ...Option) *Finalizer {
	f := &Finalizer{
		store:    store,
		platform: platform,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run finalizes the workflow. Calling it again is idempotent with respect to
// the meta document: finalized_at keeps its first value unless OverallStatus
// explicitly moves the status.
func (f *Finalizer) Run(ctx context.Context, workflowID string, opts Options) (*Result, error) {
	if err := validOverall(opts.OverallStatus); err != nil {
		return nil, err
	}
	meta, err := f.store.Meta(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	res := &Result{WorkflowID: workflowID}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		f.log.Warn(ctx, "finalize warning", "workflow_id", workflowID, "warning", msg)
	}

	docs := f.loadStates(ctx, meta, warn)
	if opts.CloseOpenStates {
		res.ClosedStates = f.closeOpenStates(ctx, meta, docs, warn)
	}

	res.StatusCounts = make(map[string]int, len(docs))
	for _, doc := range docs {
		res.StatusCounts[string(doc.Status)]++
	}
	res.FinalStatus = opts.OverallStatus
	if res.FinalStatus == "" {
		res.FinalStatus = deriveStatus(res.StatusCounts)
	}

	if opts.DeleteAgents {
		f.deleteAgents(ctx, meta, opts.PreservePlanner, res, warn)
	}

	res.CostSummary = aggregateCost(meta.States, docs)

	finalizedAt, err := f.updateMeta(ctx, workflowID, opts, res)
	if err != nil {
		return nil, err
	}
	res.FinalizedAt = finalizedAt

	f.writeAudits(ctx, meta, docs, opts, res, warn)

	f.metrics.IncCounter("finalize.completed", 1, "status", res.FinalStatus)
	f.log.Info(ctx, "workflow finalized",
		"workflow_id", workflowID,
		"final_status", res.FinalStatus,
		"closed_states", len(res.ClosedStates),
		"deleted_agents", len(res.DeletedAgents),
		"warnings", len(res.Warnings))
	return res, nil
}

// loadStates fetches every state document, downgrading load failures to
// warnings so a damaged run can still be closed.
func (f *Finalizer) loadStates(ctx context.Context, meta *controlplane.WorkflowMeta, warn func(string, ...any)) map[string]*controlplane.StateDoc {
	docs := make(map[string]*controlplane.StateDoc, len(meta.States))
	for _, name := range meta.States {
		doc, err := f.store.State(ctx, meta.WorkflowID, name)
		if err != nil {
			warn("load state %q: %v", name, err)
			continue
		}
		docs[name] = doc
	}
	return docs
}

// closeOpenStates cancels every pending or running state and returns the
// names that actually flipped. The committed documents replace the loaded
// snapshot so the status counts see the post-close picture.
func (f *Finalizer) closeOpenStates(ctx context.Context, meta *controlplane.WorkflowMeta, docs map[string]*controlplane.StateDoc, warn func(string, ...any)) []string {
	var closed []string
	for _, name := range meta.States {
		doc, ok := docs[name]
		if !ok || doc.Status.Terminal() {
			continue
		}
		flipped := false
		committed, err := f.store.MutateState(ctx, meta.WorkflowID, name, func(d *controlplane.StateDoc) error {
			// Re-check under CAS: the worker may have finished meanwhile.
			if d.Status.Terminal() {
				return nil
			}
			d.Status = controlplane.StatusCancelled
			if d.FinishedAt == nil {
				now := f.now().UTC()
				d.FinishedAt = &now
			}
			d.LastError = ClosedStateError
			flipped = true
			return nil
		})
		if err != nil {
			warn("close state %q: %v", name, err)
			continue
		}
		docs[name] = committed
		if flipped {
			closed = append(closed, name)
			f.metrics.IncCounter("finalize.states_closed", 1)
		}
	}
	return closed
}

// deleteAgents retires the worker agents bound in the meta document. The
// planner agent is never part of the worker sweep; when preservation is off
// it is deleted explicitly afterwards. Agents already gone are ignored.
func (f *Finalizer) deleteAgents(ctx context.Context, meta *controlplane.WorkflowMeta, preservePlanner bool, res *Result, warn func(string, ...any)) {
	seen := make(map[string]bool)
	for _, name := range meta.States {
		id := meta.Agents[name]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if meta.PlannerAgentID != "" && id == meta.PlannerAgentID {
			res.PreservedAgents = append(res.PreservedAgents, id)
			continue
		}
		f.deleteAgent(ctx, id, res, warn)
	}
	if !preservePlanner && meta.PlannerAgentID != "" && !seen[meta.PlannerAgentID] {
		f.deleteAgent(ctx, meta.PlannerAgentID, res, warn)
	}
}

func (f *Finalizer) deleteAgent(ctx context.Context, id string, res *Result, warn func(string, ...any)) {
	switch err := f.platform.DeleteAgent(ctx, id); {
	case err == nil:
		res.DeletedAgents = append(res.DeletedAgents, id)
		f.metrics.IncCounter("finalize.agents_deleted", 1)
	case errors.Is(err, agentruntime.ErrAgentNotFound):
		// Already gone, typically a repeated finalize.
	default:
		warn("delete agent %q: %v", id, err)
	}
}

// updateMeta records the outcome on the meta document. finalized_at is
// stamped once and kept unless an explicit OverallStatus moves the stored
// status.
func (f *Finalizer) updateMeta(ctx context.Context, workflowID string, opts Options, res *Result) (time.Time, error) {
	var finalizedAt time.Time
	_, err := f.store.MutateMeta(ctx, workflowID, func(meta *controlplane.WorkflowMeta) error {
		restamp := meta.FinalizedAt == nil ||
			(opts.OverallStatus != "" && meta.Status != opts.OverallStatus)
		if restamp {
			now := f.now().UTC()
			meta.FinalizedAt = &now
		}
		meta.Status = res.FinalStatus
		if opts.Note != "" {
			meta.FinalizeNote = opts.Note
		}
		if res.CostSummary != nil {
			meta.CostSummary = res.CostSummary
		}
		finalizedAt = *meta.FinalizedAt
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("record finalize on meta: %w", err)
	}
	return finalizedAt, nil
}

// writeAudits emits the finalize audit record and, when any state carries a
// model selection, the model-selection trace.
func (f *Finalizer) writeAudits(ctx context.Context, meta *controlplane.WorkflowMeta, docs map[string]*controlplane.StateDoc, opts Options, res *Result, warn func(string, ...any)) {
	record := AuditRecord{
		WorkflowID:    meta.WorkflowID,
		FinalStatus:   res.FinalStatus,
		StatusCounts:  res.StatusCounts,
		ClosedStates:  res.ClosedStates,
		DeletedAgents: res.DeletedAgents,
		CostSummary:   res.CostSummary,
		Note:          opts.Note,
		Warnings:      res.Warnings,
		FinalizedAt:   res.FinalizedAt,
	}
	if err := f.store.WriteAudit(ctx, meta.WorkflowID, AuditKindFinalize, record); err != nil {
		warn("write finalize audit: %v", err)
	}

	selections := make(map[string]controlplane.ModelSelection)
	escalated := 0
	for name, doc := range docs {
		if doc.ModelSelection == nil {
			continue
		}
		selections[name] = *doc.ModelSelection
		if doc.ModelSelection.TierEscalated {
			escalated++
		}
	}
	if len(selections) == 0 {
		return
	}
	trace := ModelSelectionAudit{
		WorkflowID:     meta.WorkflowID,
		Selections:     selections,
		EscalationRate: float64(escalated) / float64(len(selections)),
		RecordedAt:     res.FinalizedAt,
	}
	if err := f.store.WriteAudit(ctx, meta.WorkflowID, AuditKindModelSelection, trace); err != nil {
		warn("write model-selection audit: %v", err)
	}
}

// deriveStatus folds the per-state counts into the workflow status: any
// failure fails the run, any state left open makes it partial, otherwise it
// succeeded. States cancelled by the close step count as closed, so a run
// fully closed out without failures ends as succeeded.
func deriveStatus(counts map[string]int) string {
	switch {
	case counts[string(controlplane.StatusFailed)] > 0:
		return controlplane.WorkflowFailed
	case counts[string(controlplane.StatusPending)]+counts[string(controlplane.StatusRunning)] > 0:
		return controlplane.WorkflowPartial
	default:
		return controlplane.WorkflowSucceeded
	}
}

// validOverall accepts the workflow-level statuses an override may set.
func validOverall(status string) error {
	switch status {
	case "", controlplane.WorkflowSucceeded, controlplane.WorkflowFailed,
		controlplane.WorkflowPartial, controlplane.WorkflowCancelled:
		return nil
	default:
		return fmt.Errorf("%w: unknown overall status %q", controlplane.ErrInvalidInput, status)
	}
}

// aggregateCost sums execution metrics across states and attributes cost to
// model tiers. Returns nil when no state contributed metrics.
func aggregateCost(states []string, docs map[string]*controlplane.StateDoc) *controlplane.CostSummary {
	sum := &controlplane.CostSummary{}
	for _, name := range states {
		doc, ok := docs[name]
		if !ok {
			continue
		}
		sel := doc.ModelSelection
		if sel != nil && sel.TierEscalated {
			sum.Escalations++
		}
		m := doc.ExecutionMetrics
		if m == nil {
			continue
		}
		sum.StatesWithMetrics++
		sum.TotalTokens += m.TotalTokens
		sum.PromptTokens += m.PromptTokens
		sum.CompletionTokens += m.CompletionTokens
		sum.LLMCalls += m.LLMCalls
		sum.ToolCalls += m.ToolCalls
		sum.TotalDurationMS += m.DurationMS
		sum.EstimatedCostUSD += m.EstimatedCostUSD
		if sel != nil {
			if sum.ByTier == nil {
				sum.ByTier = make(map[int]controlplane.TierCost)
			}
			tier := sum.ByTier[sel.Tier]
			tier.States++
			tier.TotalTokens += m.TotalTokens
			tier.EstimatedCostUSD += m.EstimatedCostUSD
			sum.ByTier[sel.Tier] = tier
		}
	}
	if sum.StatesWithMetrics == 0 {
		return nil
	}
	return sum
}