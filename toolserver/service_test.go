package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentmem "github.com/lujunbofan2019/LettaPlus-sub000/features/agentruntime/memory"
	docmem "github.com/lujunbofan2019/LettaPlus-sub000/features/docstore/memory"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	platform *agentmem.Platform
	docs     *docmem.Store
	svc      *Service
	now      time.Time
	seq      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		platform: agentmem.New(),
		docs:     docmem.New(),
		now:      fixedNow,
	}
	svc, err := New(Options{
		Docs:     f.docs,
		Platform: f.platform,
		Clock:    func() time.Time { return f.now },
		IDSource: func() string {
			f.seq++
			return fmt.Sprintf("%08x", f.seq)
		},
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

// linearDefJSON is a two-Task chain bound to inline agent templates.
const linearDefJSON = `{
	"workflow_id": "wf-e2e",
	"asl": {
		"StartAt": "A",
		"States": {
			"A": {"Type": "Task", "Next": "B", "AgentBinding": {"agent_ref": {"name": "a1"}}},
			"B": {"Type": "Task", "End": true, "AgentBinding": {"agent_ref": {"name": "a2"}}}
		}
	},
	"agents": [
		{"agent_config": {"name": "a1", "system": "Worker one."}},
		{"agent_config": {"name": "a2", "system": "Worker two."}}
	]
}`

func asFailure(t *testing.T, out any) failure {
	t.Helper()
	f, ok := out.(failure)
	require.True(t, ok, "expected failure, got %T: %+v", out, out)
	return f
}

func TestNewRequiresAdapters(t *testing.T) {
	_, err := New(Options{Platform: agentmem.New()})
	require.Error(t, err)
	_, err = New(Options{Docs: docmem.New()})
	require.Error(t, err)
}

func TestValidateWorkflowReportsExitCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.svc.ValidateWorkflow(ctx, validateWorkflowArgs{
		Definition: json.RawMessage(linearDefJSON),
	})
	res, ok := out.(validateWorkflowResult)
	require.True(t, ok, "got %T", out)
	require.Equal(t, "valid", res.Status)
	require.Zero(t, res.Report.ExitCode)

	// Unresolved skill import fails phase 2 inside the report, not the call.
	out = f.svc.ValidateWorkflow(ctx, validateWorkflowArgs{
		Definition: json.RawMessage(`{
			"workflow_id": "wf-bad",
			"asl": {"StartAt": "A", "States": {"A": {"Type": "Task", "End": true,
				"AgentBinding": {"agent_ref": {"name": "a1"}, "skills": ["skill://research.web@0.1.0"]}}}},
			"agents": [{"agent_config": {"name": "a1"}}]
		}`),
	})
	res, ok = out.(validateWorkflowResult)
	require.True(t, ok, "got %T", out)
	require.Equal(t, "invalid", res.Status)
	require.Equal(t, 2, res.Report.ExitCode)
	require.Contains(t, res.Report.Resolution.UnresolvedSkillIDs, "skill://research.web@0.1.0")
}

func TestValidateWorkflowAcceptsJSONString(t *testing.T) {
	f := newFixture(t)
	quoted, err := json.Marshal(linearDefJSON)
	require.NoError(t, err)

	out := f.svc.ValidateWorkflow(context.Background(), validateWorkflowArgs{Definition: quoted})
	res, ok := out.(validateWorkflowResult)
	require.True(t, ok, "got %T", out)
	require.Equal(t, "valid", res.Status)
}

func TestValidateWorkflowRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	out := f.svc.ValidateWorkflow(context.Background(), validateWorkflowArgs{
		Definition: json.RawMessage(`[1,2,3]`),
	})
	fail := asFailure(t, out)
	require.Equal(t, KindInvalidInput, fail.Error)
}

func TestReadControlPlaneNotFound(t *testing.T) {
	f := newFixture(t)
	out := f.svc.ReadControlPlane(context.Background(), readControlPlaneArgs{WorkflowID: "nope"})
	fail := asFailure(t, out)
	require.Equal(t, KindNotFound, fail.Error)
}

func TestLeaseContentionKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.svc.CreateWorkflowAgents(ctx, createAgentsArgs{Definition: json.RawMessage(linearDefJSON)})
	created, ok := out.(createAgentsResult)
	require.True(t, ok, "got %T", out)
	require.Equal(t, "created", created.Status)

	ownerA := created.Agents["A"]
	out = f.svc.AcquireStateLease(ctx, acquireLeaseArgs{
		WorkflowID: "wf-e2e", State: "A", OwnerAgentID: ownerA,
	})
	granted, ok := out.(leaseResult)
	require.True(t, ok, "got %T", out)
	require.Equal(t, "lease_acquired", granted.Status)
	require.NotEmpty(t, granted.Lease.Token)

	// A second owner is refused while the lease is held.
	noMatch := false
	out = f.svc.AcquireStateLease(ctx, acquireLeaseArgs{
		WorkflowID: "wf-e2e", State: "A", OwnerAgentID: "intruder",
		RequireOwnerMatch: &noMatch,
	})
	fail := asFailure(t, out)
	require.Equal(t, KindLeaseHeld, fail.Error)

	// A renew with a stale token reports the mismatch kind.
	out = f.svc.RenewStateLease(ctx, renewLeaseArgs{
		WorkflowID: "wf-e2e", State: "A", LeaseToken: "stale",
	})
	fail = asFailure(t, out)
	require.Equal(t, KindLeaseMismatch, fail.Error)

	// B is not ready while A has not succeeded.
	out = f.svc.AcquireStateLease(ctx, acquireLeaseArgs{
		WorkflowID: "wf-e2e", State: "B", OwnerAgentID: created.Agents["B"],
	})
	fail = asFailure(t, out)
	require.Equal(t, KindNotReady, fail.Error)
}

func TestUpdateWorkflowStateConflictingToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.svc.CreateWorkflowAgents(ctx, createAgentsArgs{Definition: json.RawMessage(linearDefJSON)})
	created := out.(createAgentsResult)

	out = f.svc.AcquireStateLease(ctx, acquireLeaseArgs{
		WorkflowID: "wf-e2e", State: "A", OwnerAgentID: created.Agents["A"],
	})
	require.IsType(t, leaseResult{}, out)

	out = f.svc.UpdateWorkflowState(ctx, updateStateArgs{
		WorkflowID: "wf-e2e", State: "A", NewStatus: "succeeded", LeaseToken: "wrong",
	})
	fail := asFailure(t, out)
	require.Equal(t, KindLeaseMismatch, fail.Error)
}

// TestLinearWorkflowEndToEnd walks the full choreography of a two-state
// workflow through the tool surface: bootstrap, kickoff, per-state
// lease/execute/release cycles, downstream fan-out and finalize.
func TestLinearWorkflowEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.svc.CreateWorkflowAgents(ctx, createAgentsArgs{
		Definition: json.RawMessage(linearDefJSON), PlannerAgentID: "planner-1",
	})
	created, ok := out.(createAgentsResult)
	require.True(t, ok, "got %T", out)
	require.Len(t, created.Agents, 2)

	// Initial readiness: A yes, B no.
	out = f.svc.ReadControlPlane(ctx, readControlPlaneArgs{
		WorkflowID: "wf-e2e", IncludeMeta: true, ComputeReadiness: true,
	})
	snap := out.(readControlPlaneResult)
	require.Equal(t, []string{"A", "B"}, snap.Meta.States)
	require.Equal(t, []string{"B"}, snap.Meta.Deps["A"].Downstream)
	require.Equal(t, []string{"A"}, snap.Meta.Deps["B"].Upstream)
	require.True(t, snap.Readiness["A"])
	require.False(t, snap.Readiness["B"])

	// Kickoff notifies only the source state.
	out = f.svc.NotifyNextWorkers(ctx, notifyNextArgs{WorkflowID: "wf-e2e"})
	kickoff := out.(notifyNextResult)
	require.Len(t, kickoff.Targets, 1)
	require.Equal(t, "A", kickoff.Targets[0].TargetState)
	require.False(t, kickoff.Targets[0].Skipped)
	require.Len(t, f.platform.Deliveries(), 1)

	// Probing B before A finished is a skip, and no message goes out.
	out = f.svc.NotifyIfReady(ctx, notifyIfReadyArgs{WorkflowID: "wf-e2e", State: "B"})
	probe := out.(notifyIfReadyResult)
	require.True(t, probe.Skipped)
	require.Equal(t, "upstream_incomplete", probe.SkipReason)
	require.Len(t, f.platform.Deliveries(), 1)

	// Worker A runs its state.
	for _, step := range []struct{ state, owner string }{
		{"A", created.Agents["A"]},
		{"B", created.Agents["B"]},
	} {
		out = f.svc.AcquireStateLease(ctx, acquireLeaseArgs{
			WorkflowID: "wf-e2e", State: step.state, OwnerAgentID: step.owner,
		})
		granted, ok := out.(leaseResult)
		require.True(t, ok, "acquire %s: got %+v", step.state, out)
		require.Equal(t, "running", string(granted.UpdatedState.Status))

		out = f.svc.UpdateWorkflowState(ctx, updateStateArgs{
			WorkflowID: "wf-e2e", State: step.state,
			NewStatus:     "succeeded",
			LeaseToken:    granted.Lease.Token,
			SetFinishedAt: true,
			OutputJSON:    json.RawMessage(`{"result": "done"}`),
		})
		updated, ok := out.(stateResult)
		require.True(t, ok, "update %s: got %+v", step.state, out)
		require.Equal(t, "succeeded", string(updated.UpdatedState.Status))

		out = f.svc.ReleaseStateLease(ctx, releaseLeaseArgs{
			WorkflowID: "wf-e2e", State: step.state, LeaseToken: granted.Lease.Token,
		})
		released, ok := out.(leaseResult)
		require.True(t, ok, "release %s: got %+v", step.state, out)
		require.Empty(t, released.Lease.Token)

		out = f.svc.NotifyNextWorkers(ctx, notifyNextArgs{
			WorkflowID: "wf-e2e", SourceState: step.state,
		})
		require.IsType(t, notifyNextResult{}, out)
	}

	// B became ready after A succeeded and received its event.
	deliveries := f.platform.Deliveries()
	require.Len(t, deliveries, 2)
	require.Equal(t, created.Agents["B"], deliveries[1].AgentID)
	require.Contains(t, deliveries[1].Msg.Content, `"upstream_done"`)

	out = f.svc.FinalizeWorkflow(ctx, finalizeWorkflowArgs{WorkflowID: "wf-e2e"})
	final, ok := out.(finalizeWorkflowResult)
	require.True(t, ok, "got %+v", out)
	require.Equal(t, "succeeded", final.FinalStatus)
	require.Equal(t, 2, final.StatusCounts["succeeded"])
	require.Len(t, final.DeletedAgents, 2)

	// Finalize never deletes control- or data-plane keys.
	_, err := f.docs.Get(ctx, "cp:wf:wf-e2e:meta")
	require.NoError(t, err)
	_, err = f.docs.Get(ctx, "dp:wf:wf-e2e:audit:finalize")
	require.NoError(t, err)
	_, err = f.docs.Get(ctx, "dp:wf:wf-e2e:output:A")
	require.NoError(t, err)
}

func TestSessionToolsRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conductor, err := f.platform.CreateAgent(ctx, agentruntime.CreateAgentRequest{
		Name: "maestro", Tags: []string{"role:conductor"},
	})
	require.NoError(t, err)

	out := f.svc.CreateSessionContext(ctx, createSessionContextArgs{
		SessionID: "sess-1", ConductorID: conductor.ID, Objective: "research sprint",
	})
	createdCtx, ok := out.(createSessionContextResult)
	require.True(t, ok, "got %+v", out)
	require.NotEmpty(t, createdCtx.BlockID)

	out = f.svc.CreateCompanion(ctx, createCompanionArgs{
		SessionID: "sess-1", ConductorID: conductor.ID, Specialization: "research",
		SharedBlockIDs: []string{createdCtx.BlockID},
	})
	comp, ok := out.(createCompanionResult)
	require.True(t, ok, "got %+v", out)

	out = f.svc.DelegateTask(ctx, delegateTaskArgs{
		ConductorID: conductor.ID, CompanionID: comp.CompanionID,
		Description: "survey the field", SessionID: "sess-1",
	})
	delegated, ok := out.(delegateTaskResult)
	require.True(t, ok, "got %+v", out)
	require.True(t, delegated.MessageSent)

	// The companion is busy now; a second delegation conflicts.
	out = f.svc.DelegateTask(ctx, delegateTaskArgs{
		ConductorID: conductor.ID, CompanionID: comp.CompanionID,
		Description: "another task", SessionID: "sess-1",
	})
	fail := asFailure(t, out)
	require.Equal(t, KindConflict, fail.Error)

	f.now = fixedNow.Add(45 * time.Second)
	out = f.svc.ReportTaskResult(ctx, reportResultArgs{
		CompanionID: comp.CompanionID, TaskID: delegated.TaskID,
		ConductorID: conductor.ID, ResultStatus: "succeeded", Summary: "done",
	})
	reported, ok := out.(reportResultResult)
	require.True(t, ok, "got %+v", out)
	require.InDelta(t, 45, reported.DurationS, 0.1)

	out = f.svc.ReadSessionActivity(ctx, readActivityArgs{SessionID: "sess-1"})
	activity, ok := out.(readActivityResult)
	require.True(t, ok, "got %+v", out)
	require.Equal(t, 1, activity.Metrics.TotalDelegations)
	require.Equal(t, 1, activity.Metrics.CompletedTasks)

	out = f.svc.FinalizeSession(ctx, finalizeSessionArgs{
		SessionID: "sess-1", ConductorID: conductor.ID,
		DeleteCompanions: true, DeleteSessionBlock: true, PreserveWisdom: true,
	})
	finalized, ok := out.(finalizeSessionResult)
	require.True(t, ok, "got %+v", out)
	require.Equal(t, []string{comp.CompanionID}, finalized.DismissedCompanions)
	require.Equal(t, "dp:session:sess-1:audit:wisdom", finalized.WisdomKey)

	_, err = f.docs.Get(ctx, finalized.WisdomKey)
	require.NoError(t, err)
}

func TestReportTaskResultRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	out := f.svc.ReportTaskResult(context.Background(), reportResultArgs{
		CompanionID: "c", TaskID: "t", ConductorID: "m", ResultStatus: "exploded",
	})
	fail := asFailure(t, out)
	require.Equal(t, KindInvalidInput, fail.Error)
}

func TestComputeTaskComplexity(t *testing.T) {
	f := newFixture(t)
	f.svc.tiers = map[int]ModelTier{3: {Model: "frontier-xl"}}

	out := f.svc.ComputeTaskComplexity(context.Background(), complexityArgs{
		Reasoning: 3, Context: 3, Ambiguity: 3, Coordination: 3,
		Stakes: 3, Precision: 3, Novelty: 3,
		SampleSize: 25, DomainMaturity: "established",
	})
	res, ok := out.(complexityResult)
	require.True(t, ok, "got %+v", out)
	require.Equal(t, 3, res.Tier)
	require.Equal(t, "frontier-xl", res.RecommendedModel)

	out = f.svc.ComputeTaskComplexity(context.Background(), complexityArgs{Reasoning: 7})
	fail := asFailure(t, out)
	require.Equal(t, KindInvalidInput, fail.Error)
}
