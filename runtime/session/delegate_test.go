package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
)

func TestDelegateSendsEnvelopeAndFlipsTags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "sess-1")
	companionID := f.createCompanion(t, "sess-1", "research", "research.web")

	res, err := f.coord.Delegate(ctx, DelegateParams{
		ConductorID: f.conductorID,
		CompanionID: companionID,
		Description: "summarize the caching literature",
		Skills:      []string{"skill://research.web@0.1.0"},
		Input:       json.RawMessage(`{"query":"caching"}`),
		Priority:    PriorityHigh,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.TaskID, "task-"))
	require.True(t, res.MessageSent)
	require.True(t, res.DelegationLogged)
	require.NotEmpty(t, res.RunID)

	agent, err := f.platform.GetAgent(ctx, companionID)
	require.NoError(t, err)
	meta := MetadataFromTags(agent)
	require.Equal(t, CompanionBusy, meta.Status)
	require.Equal(t, res.TaskID, meta.TaskID)

	deliveries := f.platform.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, companionID, deliveries[0].AgentID)
	require.Equal(t, "system", deliveries[0].Msg.Role)
	require.True(t, deliveries[0].Async)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(deliveries[0].Msg.Content), &env))
	require.Equal(t, EnvelopeType, env.Type)
	require.Equal(t, res.TaskID, env.TaskID)
	require.Equal(t, f.conductorID, env.FromConductor)
	require.Equal(t, "summarize the caching literature", env.Task.Description)
	require.Equal(t, PriorityHigh, env.Task.Priority)
	require.Equal(t, DefaultTimeoutSeconds, env.Task.TimeoutSeconds)
	require.JSONEq(t, `{"query":"caching"}`, string(env.Task.Input))

	log, err := f.coord.readDelegationLog(ctx, f.conductorID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, res.TaskID, log[0].TaskID)
	require.Equal(t, DelegationPending, log[0].Status)
	require.Equal(t, "sess-1", log[0].SessionID)
}

func TestDelegateRejectsBusyCompanion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "sess-1")
	companionID := f.createCompanion(t, "sess-1", "research")

	_, err := f.coord.Delegate(ctx, DelegateParams{
		ConductorID: f.conductorID, CompanionID: companionID, Description: "first",
	})
	require.NoError(t, err)

	_, err = f.coord.Delegate(ctx, DelegateParams{
		ConductorID: f.conductorID, CompanionID: companionID, Description: "second",
	})
	require.ErrorIs(t, err, ErrCompanionBusy)
}

func TestDelegateRejectsUnknownPriority(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "sess-1")
	companionID := f.createCompanion(t, "sess-1", "research")

	_, err := f.coord.Delegate(context.Background(), DelegateParams{
		ConductorID: f.conductorID, CompanionID: companionID,
		Description: "task", Priority: "immediate",
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDelegateSendFailureRevertsCompanion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "sess-1")
	companionID := f.createCompanion(t, "sess-1", "research")

	f.platform.OnSend = func(agentID string, msg agentruntime.Message) error {
		return errors.New("mailbox full")
	}

	_, err := f.coord.Delegate(ctx, DelegateParams{
		ConductorID: f.conductorID, CompanionID: companionID, Description: "task",
	})
	require.ErrorContains(t, err, "mailbox full")

	agent, err := f.platform.GetAgent(ctx, companionID)
	require.NoError(t, err)
	meta := MetadataFromTags(agent)
	require.Equal(t, CompanionIdle, meta.Status)
	require.Empty(t, meta.TaskID)
}

func TestBroadcastBoundsFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "sess-1")
	f.createCompanion(t, "sess-1", "research")
	f.createCompanion(t, "sess-1", "research")
	f.createCompanion(t, "sess-1", "analysis")

	res, err := f.coord.Broadcast(ctx, BroadcastParams{
		ConductorID:          f.conductorID,
		SessionID:            "sess-1",
		Description:          "survey sources",
		SpecializationFilter: "research",
		MaxCompanions:        2,
	})
	require.NoError(t, err)
	require.Len(t, res.CompanionsAssigned, 2)
	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		require.Empty(t, r.Error)
		require.NotEmpty(t, r.TaskID)
	}
	require.Len(t, f.platform.Deliveries(), 2)

	// Everyone matching is now busy; the next broadcast finds no candidate.
	res, err = f.coord.Broadcast(ctx, BroadcastParams{
		ConductorID:          f.conductorID,
		SessionID:            "sess-1",
		Description:          "survey again",
		SpecializationFilter: "research",
	})
	require.NoError(t, err)
	require.Empty(t, res.CompanionsAssigned)
}

func TestReportResultClosesTheLoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blockID := f.createSession(t, "sess-1")
	companionID := f.createCompanion(t, "sess-1", "research")

	out, err := f.coord.Delegate(ctx, DelegateParams{
		ConductorID: f.conductorID,
		CompanionID: companionID,
		Description: "summarize findings",
		Skills:      []string{"skill://research.web@0.1.0"},
	})
	require.NoError(t, err)

	f.now = fixedNow.Add(90 * time.Second)
	res, err := f.coord.ReportResult(ctx, ReportParams{
		CompanionID: companionID,
		TaskID:      out.TaskID,
		ConductorID: f.conductorID,
		Status:      "succeeded",
		Summary:     "three sources summarized",
	})
	require.NoError(t, err)
	require.True(t, res.LogUpdated)
	require.True(t, res.SessionUpdated)
	require.InDelta(t, 90.0, res.DurationS, 0.001)

	log, err := f.coord.readDelegationLog(ctx, f.conductorID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, DelegationCompleted, log[0].Status)
	require.Equal(t, "succeeded", log[0].ResultStatus)
	require.NotNil(t, log[0].CompletedAt)

	agent, err := f.platform.GetAgent(ctx, companionID)
	require.NoError(t, err)
	meta := MetadataFromTags(agent)
	require.Equal(t, CompanionIdle, meta.Status)
	require.Empty(t, meta.TaskID)

	history, err := f.coord.taskHistory(ctx, companionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, out.TaskID, history[0].TaskID)
	require.Equal(t, "summarize findings", history[0].Description)
	require.Equal(t, "succeeded", history[0].ResultStatus)

	sc, err := f.coord.ReadContext(ctx, "sess-1", blockID)
	require.NoError(t, err)
	require.Contains(t, sc.CompletedTasks, out.TaskID)
	require.NotContains(t, sc.ActiveTasks, out.TaskID)
}

func TestReportResultRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "sess-1")
	companionID := f.createCompanion(t, "sess-1", "research")

	_, err := f.coord.ReportResult(context.Background(), ReportParams{
		CompanionID: companionID,
		TaskID:      "task-0",
		ConductorID: f.conductorID,
		Status:      "done",
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDelegationLogRingBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "sess-1")
	companionID := f.createCompanion(t, "sess-1", "research")

	var first string
	for i := 0; i < maxDelegations+5; i++ {
		out, err := f.coord.Delegate(ctx, DelegateParams{
			ConductorID: f.conductorID, CompanionID: companionID, Description: "tick",
		})
		require.NoError(t, err)
		if first == "" {
			first = out.TaskID
		}
		_, err = f.coord.ReportResult(ctx, ReportParams{
			CompanionID: companionID, TaskID: out.TaskID,
			ConductorID: f.conductorID, Status: "succeeded",
		})
		require.NoError(t, err)
	}

	log, err := f.coord.readDelegationLog(ctx, f.conductorID)
	require.NoError(t, err)
	require.Len(t, log, maxDelegations)
	for _, rec := range log {
		require.NotEqual(t, first, rec.TaskID)
	}
}
