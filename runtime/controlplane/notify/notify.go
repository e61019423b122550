// Package notify propagates workflow execution by messaging the worker
// agents of states whose prerequisites are met.
//
// Notifications are best-effort and at-least-once: receivers consult their
// own state document before acting, so duplicates produce skips rather than
// double execution. The notifier itself applies two filters before sending,
// a skip list on the target's own status and a readiness check on its
// upstream states.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
)

// EventType tags every envelope sent to a worker agent.
const EventType = "workflow_event"

// Reasons carried by event envelopes.
const (
	// ReasonInitial marks the kickoff notification to source states.
	ReasonInitial = "initial"
	// ReasonUpstreamDone marks fan-out after an upstream state succeeded.
	ReasonUpstreamDone = "upstream_done"
	// ReasonNotifyIfReady marks a direct readiness probe.
	ReasonNotifyIfReady = "notify_if_ready"
)

// ErrNoAgent means the workflow meta has no agent bound to the target state.
var ErrNoAgent = errors.New("notify: no agent bound to state")

type (
	// Notifier sends workflow events through the agent runtime.
	Notifier struct {
		store    *controlplane.Store
		platform agentruntime.Client
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// Option configures a Notifier.
	Option func(*Notifier)

	// Event is the envelope delivered to a worker agent as the text content
	// of a system-role message.
	Event struct {
		Type        string          `json:"type"`
		WorkflowID  string          `json:"workflow_id"`
		TargetState string          `json:"target_state"`
		SourceState string          `json:"source_state,omitempty"`
		Reason      string          `json:"reason"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		TS          time.Time       `json:"ts"`
		// ControlPlane tells the receiver where its documents live.
		ControlPlane EventKeys `json:"control_plane"`
	}

	// EventKeys locates the target state's control-plane documents.
	EventKeys struct {
		MetaKey   string `json:"meta_key"`
		StateKey  string `json:"state_key"`
		OutputKey string `json:"output_key"`
	}

	// Options tunes one notification. Start from DefaultOptions; the zero
	// value sends unconditionally.
	Options struct {
		// RequireReady suppresses the send while upstream states are
		// incomplete.
		RequireReady bool
		// SkipStatuses suppresses the send when the target's own status is
		// listed.
		SkipStatuses []controlplane.Status
		// Async enqueues the message and returns a run id instead of
		// waiting for processing.
		Async bool
		// Payload is forwarded verbatim inside the envelope.
		Payload json.RawMessage
		// Reason overrides the envelope reason.
		Reason string
	}

	// Result reports the outcome for one target state.
	Result struct {
		TargetState string `json:"target_state"`
		AgentID     string `json:"agent_id,omitempty"`
		Ready       bool   `json:"ready"`
		Skipped     bool   `json:"skipped"`
		SkipReason  string `json:"skip_reason,omitempty"`
		MessageID   string `json:"message_id,omitempty"`
		RunID       string `json:"run_id,omitempty"`
		// Error carries per-target send failures on fan-out, where one
		// broken target must not hide the others.
		Error string `json:"error,omitempty"`
	}

	// Fanout reports a multi-target notification.
	Fanout struct {
		SourceState string   `json:"source_state,omitempty"`
		Targets     []Result `json:"targets"`
	}
)

// DefaultSkipStatuses returns the statuses that suppress a notification:
// already running, already succeeded, or failed.
func DefaultSkipStatuses() []controlplane.Status {
	return []controlplane.Status{
		controlplane.StatusRunning,
		controlplane.StatusSucceeded,
		controlplane.StatusFailed,
	}
}

// DefaultOptions returns the standard notification behavior: readiness
// required, the default skip list, synchronous delivery.
func DefaultOptions() Options {
	return Options{
		RequireReady: true,
		SkipStatuses: DefaultSkipStatuses(),
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a Notifier on the given store and agent runtime.
func New(store *controlplane.Store, platform agentruntime.Client, opts ...Option) *Notifier {
	n := &Notifier{
		store:    store,
		platform: platform,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyIfReady sends a workflow event to the state's worker when the state
// passes the skip-list and readiness filters. A skipped notification is a
// successful no-op with the reason recorded; a missing agent binding is an
// error.
func (n *Notifier) NotifyIfReady(ctx context.Context, workflowID, state string, opts Options) (*Result, error) {
	meta, err := n.store.Meta(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if opts.Reason == "" {
		opts.Reason = ReasonNotifyIfReady
	}
	return n.notify(ctx, meta, state, "", opts)
}

// NotifyNextWorkers fans a workflow event out to the downstream states of
// sourceState, or to every source state when sourceState is empty (the
// initial kickoff). Per-target failures are reported in the results instead
// of aborting the fan-out.
func (n *Notifier) NotifyNextWorkers(ctx context.Context, workflowID, sourceState string, opts Options) (*Fanout, error) {
	meta, err := n.store.Meta(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	var targets []string
	if sourceState != "" {
		dep, ok := meta.Deps[sourceState]
		if !ok {
			return nil, fmt.Errorf("%w: unknown state %q", controlplane.ErrInvalidInput, sourceState)
		}
		targets = dep.Downstream
		if opts.Reason == "" {
			opts.Reason = ReasonUpstreamDone
		}
	} else {
		for _, name := range meta.States {
			if len(meta.Deps[name].Upstream) == 0 {
				targets = append(targets, name)
			}
		}
		if opts.Reason == "" {
			opts.Reason = ReasonInitial
		}
	}

	fanout := &Fanout{SourceState: sourceState, Targets: make([]Result, 0, len(targets))}
	for _, target := range targets {
		res, err := n.notify(ctx, meta, target, sourceState, opts)
		if err != nil {
			res = &Result{TargetState: target, Error: err.Error()}
			n.log.Warn(ctx, "notify target failed",
				"workflow_id", workflowID, "state", target, "error", err.Error())
		}
		fanout.Targets = append(fanout.Targets, *res)
	}
	return fanout, nil
}

// notify runs the filters and sends the envelope to one target state.
func (n *Notifier) notify(ctx context.Context, meta *controlplane.WorkflowMeta, state, source string, opts Options) (*Result, error) {
	agentID := meta.Agents[state]
	if agentID == "" {
		return nil, fmt.Errorf("state %q of workflow %q: %w", state, meta.WorkflowID, ErrNoAgent)
	}
	res := &Result{TargetState: state, AgentID: agentID}

	doc, err := n.store.State(ctx, meta.WorkflowID, state)
	if err != nil {
		return nil, err
	}
	for _, skip := range opts.SkipStatuses {
		if doc.Status == skip {
			res.Skipped = true
			res.SkipReason = "status_in_skip_list:" + string(doc.Status)
			n.metrics.IncCounter("notify.skipped", 1, "reason", "status_in_skip_list")
			n.log.Debug(ctx, "notification skipped",
				"workflow_id", meta.WorkflowID, "state", state, "reason", res.SkipReason)
			return res, nil
		}
	}
	if opts.RequireReady {
		ready, err := n.store.Ready(ctx, meta, state)
		if err != nil {
			return nil, err
		}
		if !ready {
			res.Skipped = true
			res.SkipReason = "upstream_incomplete"
			n.metrics.IncCounter("notify.skipped", 1, "reason", "upstream_incomplete")
			n.log.Debug(ctx, "notification skipped",
				"workflow_id", meta.WorkflowID, "state", state, "reason", res.SkipReason)
			return res, nil
		}
	}
	res.Ready = true

	event := Event{
		Type:        EventType,
		WorkflowID:  meta.WorkflowID,
		TargetState: state,
		SourceState: source,
		Reason:      opts.Reason,
		Payload:     opts.Payload,
		TS:          n.now().UTC(),
		ControlPlane: EventKeys{
			MetaKey:   controlplane.MetaKey(meta.WorkflowID),
			StateKey:  controlplane.StateKey(meta.WorkflowID, state),
			OutputKey: controlplane.OutputKey(meta.WorkflowID, state),
		},
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	msg := agentruntime.Message{Role: "system", Content: string(body)}

	var sent agentruntime.SendResult
	if opts.Async {
		sent, err = n.platform.SendMessageAsync(ctx, agentID, msg)
	} else {
		sent, err = n.platform.SendMessage(ctx, agentID, msg)
	}
	if err != nil {
		return nil, fmt.Errorf("send event to agent %q: %w", agentID, err)
	}
	res.MessageID = sent.MessageID
	res.RunID = sent.RunID
	n.metrics.IncCounter("notify.sent", 1, "reason", opts.Reason)
	n.log.Debug(ctx, "workflow event sent",
		"workflow_id", meta.WorkflowID, "state", state, "agent_id", agentID, "reason", opts.Reason)
	return res, nil
}
