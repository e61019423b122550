package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentmem "github.com/lujunbofan2019/LettaPlus-sub000/features/agentruntime/memory"
	docmem "github.com/lujunbofan2019/LettaPlus-sub000/features/docstore/memory"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow"
)

// veeDefJSON declares two source states fanning into a single sink.
const veeDefJSON = `{
	"workflow_id": "wf-notify",
	"asl": {
		"StartAt": "A",
		"States": {
			"A": {"Type": "Task", "Next": "C"},
			"B": {"Type": "Task", "Next": "C"},
			"C": {"Type": "Task", "End": true}
		}
	}
}`

var fixedNow = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

// newFixture seeds the vee-shaped control plane with one platform agent per
// state and returns the notifier, the store, the platform and the agent ids
// keyed by state.
func newFixture(t *testing.T) (*Notifier, *controlplane.Store, *agentmem.Platform, map[string]string) {
	t.Helper()
	ctx := context.Background()

	platform := agentmem.New()
	agents := make(map[string]string)
	for _, state := range []string{"A", "B", "C"} {
		agent, err := platform.CreateAgent(ctx, agentruntime.CreateAgentRequest{Name: "worker-" + state})
		require.NoError(t, err)
		agents[state] = agent.ID
	}

	store := controlplane.New(docmem.New())
	def, err := workflow.Parse([]byte(veeDefJSON))
	require.NoError(t, err)
	_, err = store.Create(ctx, def, controlplane.CreateOptions{Agents: agents})
	require.NoError(t, err)

	n := New(store, platform, WithClock(func() time.Time { return fixedNow }))
	return n, store, platform, agents
}

// markSucceeded flips a state document straight to succeeded.
func markSucceeded(t *testing.T, store *controlplane.Store, state string) {
	t.Helper()
	_, err := store.MutateState(context.Background(), "wf-notify", state, func(doc *controlplane.StateDoc) error {
		doc.Status = controlplane.StatusSucceeded
		return nil
	})
	require.NoError(t, err)
}

// TestNotifyIfReadySendsEnvelope verifies the delivered message is a
// system-role workflow event carrying the payload and the control-plane keys
// the receiver needs.
func TestNotifyIfReadySendsEnvelope(t *testing.T) {
	n, _, platform, agents := newFixture(t)
	ctx := context.Background()

	opts := DefaultOptions()
	opts.Payload = json.RawMessage(`{"hint": "go"}`)
	res, err := n.NotifyIfReady(ctx, "wf-notify", "A", opts)
	require.NoError(t, err)
	require.True(t, res.Ready)
	require.False(t, res.Skipped)
	require.Equal(t, agents["A"], res.AgentID)
	require.NotEmpty(t, res.MessageID)
	require.Empty(t, res.RunID)

	deliveries := platform.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, agents["A"], deliveries[0].AgentID)
	require.Equal(t, "system", deliveries[0].Msg.Role)
	require.False(t, deliveries[0].Async)

	var event Event
	require.NoError(t, json.Unmarshal([]byte(deliveries[0].Msg.Content), &event))
	require.Equal(t, EventType, event.Type)
	require.Equal(t, "wf-notify", event.WorkflowID)
	require.Equal(t, "A", event.TargetState)
	require.Empty(t, event.SourceState)
	require.Equal(t, ReasonNotifyIfReady, event.Reason)
	require.JSONEq(t, `{"hint": "go"}`, string(event.Payload))
	require.True(t, event.TS.Equal(fixedNow))
	require.Equal(t, "cp:wf:wf-notify:meta", event.ControlPlane.MetaKey)
	require.Equal(t, "cp:wf:wf-notify:state:A", event.ControlPlane.StateKey)
	require.Equal(t, "dp:wf:wf-notify:output:A", event.ControlPlane.OutputKey)
}

// TestNotifyIfReadySkipListed verifies states already in flight or finished
// are not re-notified and the skip reason names the offending status.
func TestNotifyIfReadySkipListed(t *testing.T) {
	n, store, platform, _ := newFixture(t)
	ctx := context.Background()

	_, err := store.MutateState(ctx, "wf-notify", "A", func(doc *controlplane.StateDoc) error {
		doc.Status = controlplane.StatusRunning
		return nil
	})
	require.NoError(t, err)

	res, err := n.NotifyIfReady(ctx, "wf-notify", "A", DefaultOptions())
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, "status_in_skip_list:running", res.SkipReason)
	require.False(t, res.Ready)
	require.Empty(t, platform.Deliveries())

	// An empty skip list lifts the filter, though the running source state
	// then fails the readiness gate instead.
	res, err = n.NotifyIfReady(ctx, "wf-notify", "A", Options{RequireReady: true})
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, "upstream_incomplete", res.SkipReason)
}

// TestNotifyIfReadyUpstreamIncomplete verifies a downstream state is held
// back until every upstream state succeeded.
func TestNotifyIfReadyUpstreamIncomplete(t *testing.T) {
	n, store, platform, agents := newFixture(t)
	ctx := context.Background()

	res, err := n.NotifyIfReady(ctx, "wf-notify", "C", DefaultOptions())
	require.NoError(t, err)
	require.False(t, res.Ready)
	require.True(t, res.Skipped)
	require.Equal(t, "upstream_incomplete", res.SkipReason)
	require.Empty(t, platform.Deliveries())

	markSucceeded(t, store, "A")

	// One of two upstreams done is still incomplete.
	res, err = n.NotifyIfReady(ctx, "wf-notify", "C", DefaultOptions())
	require.NoError(t, err)
	require.True(t, res.Skipped)

	markSucceeded(t, store, "B")

	res, err = n.NotifyIfReady(ctx, "wf-notify", "C", DefaultOptions())
	require.NoError(t, err)
	require.True(t, res.Ready)
	require.False(t, res.Skipped)
	deliveries := platform.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, agents["C"], deliveries[0].AgentID)
}

// TestNotifyIfReadyNoAgent verifies a state without an agent binding is an
// error rather than a silent skip.
func TestNotifyIfReadyNoAgent(t *testing.T) {
	ctx := context.Background()
	store := controlplane.New(docmem.New())
	def, err := workflow.Parse([]byte(veeDefJSON))
	require.NoError(t, err)
	_, err = store.Create(ctx, def, controlplane.CreateOptions{})
	require.NoError(t, err)
	n := New(store, agentmem.New())

	_, err = n.NotifyIfReady(ctx, "wf-notify", "A", DefaultOptions())
	require.ErrorIs(t, err, ErrNoAgent)
}

// TestNotifyNextWorkersInitialKickoff verifies the empty source state fans
// out to every state with no upstream dependencies.
func TestNotifyNextWorkersInitialKickoff(t *testing.T) {
	n, _, platform, agents := newFixture(t)

	fanout, err := n.NotifyNextWorkers(context.Background(), "wf-notify", "", DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, fanout.SourceState)
	require.Len(t, fanout.Targets, 2)

	byState := make(map[string]Result)
	for _, res := range fanout.Targets {
		byState[res.TargetState] = res
	}
	for _, state := range []string{"A", "B"} {
		require.True(t, byState[state].Ready)
		require.Equal(t, agents[state], byState[state].AgentID)
		require.NotEmpty(t, byState[state].MessageID)
	}

	deliveries := platform.Deliveries()
	require.Len(t, deliveries, 2)
	var event Event
	require.NoError(t, json.Unmarshal([]byte(deliveries[0].Msg.Content), &event))
	require.Equal(t, ReasonInitial, event.Reason)
	require.Empty(t, event.SourceState)
}

// TestNotifyNextWorkersDownstream verifies fan-out after an upstream
// completion respects the sink's readiness across both branches.
func TestNotifyNextWorkersDownstream(t *testing.T) {
	n, store, platform, agents := newFixture(t)
	ctx := context.Background()

	markSucceeded(t, store, "A")
	fanout, err := n.NotifyNextWorkers(ctx, "wf-notify", "A", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, fanout.Targets, 1)
	require.Equal(t, "C", fanout.Targets[0].TargetState)
	require.True(t, fanout.Targets[0].Skipped)
	require.Equal(t, "upstream_incomplete", fanout.Targets[0].SkipReason)
	require.Empty(t, platform.Deliveries())

	markSucceeded(t, store, "B")
	fanout, err = n.NotifyNextWorkers(ctx, "wf-notify", "B", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, fanout.Targets, 1)
	require.True(t, fanout.Targets[0].Ready)
	require.Equal(t, agents["C"], fanout.Targets[0].AgentID)

	deliveries := platform.Deliveries()
	require.Len(t, deliveries, 1)
	var event Event
	require.NoError(t, json.Unmarshal([]byte(deliveries[0].Msg.Content), &event))
	require.Equal(t, ReasonUpstreamDone, event.Reason)
	require.Equal(t, "B", event.SourceState)
	require.Equal(t, "C", event.TargetState)

	_, err = n.NotifyNextWorkers(ctx, "wf-notify", "Ghost", DefaultOptions())
	require.ErrorIs(t, err, controlplane.ErrInvalidInput)
}

// TestNotifyNextWorkersReportsPerTargetFailures verifies one broken target
// does not abort the fan-out and the failure lands in that target's result.
func TestNotifyNextWorkersReportsPerTargetFailures(t *testing.T) {
	n, _, platform, agents := newFixture(t)

	platform.OnSend = func(agentID string, msg agentruntime.Message) error {
		if agentID == agents["B"] {
			return errors.New("mailbox full")
		}
		return nil
	}

	fanout, err := n.NotifyNextWorkers(context.Background(), "wf-notify", "", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, fanout.Targets, 2)

	byState := make(map[string]Result)
	for _, res := range fanout.Targets {
		byState[res.TargetState] = res
	}
	require.NotEmpty(t, byState["A"].MessageID)
	require.Empty(t, byState["A"].Error)
	require.Contains(t, byState["B"].Error, "mailbox full")
	require.Empty(t, byState["B"].MessageID)

	deliveries := platform.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, agents["A"], deliveries[0].AgentID)
}

// TestNotifyAsync verifies asynchronous delivery returns a run id and flags
// the delivery accordingly.
func TestNotifyAsync(t *testing.T) {
	n, _, platform, _ := newFixture(t)

	opts := DefaultOptions()
	opts.Async = true
	res, err := n.NotifyIfReady(context.Background(), "wf-notify", "A", opts)
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)
	require.NotEmpty(t, res.MessageID)

	deliveries := platform.Deliveries()
	require.Len(t, deliveries, 1)
	require.True(t, deliveries[0].Async)
}