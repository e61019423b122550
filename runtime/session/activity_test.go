package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadActivityAggregatesSessionView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "sess-1")
	researcher := f.createCompanion(t, "sess-1", "research", "research.web")
	analyst := f.createCompanion(t, "sess-1", "analysis")

	skill := "skill://research.web@0.1.0"
	first, err := f.coord.Delegate(ctx, DelegateParams{
		ConductorID: f.conductorID, CompanionID: researcher,
		Description: "gather sources", Skills: []string{skill},
	})
	require.NoError(t, err)
	second, err := f.coord.Delegate(ctx, DelegateParams{
		ConductorID: f.conductorID, CompanionID: analyst,
		Description: "analyze sources", Skills: []string{skill},
	})
	require.NoError(t, err)

	f.now = fixedNow.Add(30 * time.Second)
	_, err = f.coord.ReportResult(ctx, ReportParams{
		CompanionID: researcher, TaskID: first.TaskID,
		ConductorID: f.conductorID, Status: "succeeded",
	})
	require.NoError(t, err)
	f.now = fixedNow.Add(60 * time.Second)
	_, err = f.coord.ReportResult(ctx, ReportParams{
		CompanionID: analyst, TaskID: second.TaskID,
		ConductorID: f.conductorID, Status: "failed", ErrorCode: "timeout",
	})
	require.NoError(t, err)

	act, err := f.coord.ReadActivity(ctx, ActivityQuery{SessionID: "sess-1"})
	require.NoError(t, err)

	require.NotNil(t, act.SessionContext)
	require.Equal(t, "sess-1", act.SessionContext.SessionID)
	require.Len(t, act.Delegations, 2)
	require.Len(t, act.Companions, 2)

	sm, ok := act.SkillMetrics[skill]
	require.True(t, ok)
	require.Equal(t, 2, sm.UsageCount)
	require.Equal(t, 1, sm.SuccessCount)
	require.Equal(t, 1, sm.FailureCount)
	require.Equal(t, 0.5, sm.SuccessRate)
	require.InDelta(t, 45.0, sm.AvgDurationS, 0.001)
	require.Equal(t, []FailureMode{{ErrorCode: "timeout", Count: 1}}, sm.FailureModes)

	require.Equal(t, 2, act.Metrics.CompanionCount)
	require.Equal(t, 2, act.Metrics.CompanionsByStatus[CompanionIdle])
	require.Equal(t, 2, act.Metrics.TotalDelegations)
	require.Equal(t, 2, act.Metrics.CompletedTasks)
	require.Equal(t, 0.5, act.Metrics.SuccessRate)
	require.InDelta(t, 45.0, act.Metrics.AvgTaskDurationS, 0.001)
	require.Equal(t, []SkillUsage{{Skill: skill, Count: 2}}, act.Metrics.TopSkills)
}

func TestReadActivityBoundsReturnedDelegations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "sess-1")
	companionID := f.createCompanion(t, "sess-1", "research")

	var last string
	for i := 0; i < 6; i++ {
		out, err := f.coord.Delegate(ctx, DelegateParams{
			ConductorID: f.conductorID, CompanionID: companionID, Description: "tick",
		})
		require.NoError(t, err)
		last = out.TaskID
		_, err = f.coord.ReportResult(ctx, ReportParams{
			CompanionID: companionID, TaskID: out.TaskID,
			ConductorID: f.conductorID, Status: "succeeded",
		})
		require.NoError(t, err)
	}

	act, err := f.coord.ReadActivity(ctx, ActivityQuery{SessionID: "sess-1", MaxDelegations: 2})
	require.NoError(t, err)
	require.Len(t, act.Delegations, 2)
	require.Equal(t, last, act.Delegations[1].TaskID)
	// Metrics still cover the full log, not just the returned slice.
	require.Equal(t, 6, act.Metrics.TotalDelegations)
}

func TestReadActivityResolvesConductorFromCompanions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "sess-1")
	f.createCompanion(t, "sess-1", "research")

	act, err := f.coord.ReadActivity(ctx, ActivityQuery{SessionID: "sess-1"})
	require.NoError(t, err)
	require.NotNil(t, act.SessionContext)
	require.Equal(t, f.conductorID, act.SessionContext.ConductorID)
}

func TestReadActivityEmptySessionNeedsConductor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, "sess-1")

	_, err := f.coord.ReadActivity(ctx, ActivityQuery{SessionID: "sess-1"})
	require.ErrorIs(t, err, ErrInvalidInput)

	act, err := f.coord.ReadActivity(ctx, ActivityQuery{SessionID: "sess-1", ConductorID: f.conductorID})
	require.NoError(t, err)
	require.NotNil(t, act.SessionContext)
	require.Empty(t, act.Delegations)
	require.Zero(t, act.Metrics.CompanionCount)
}
