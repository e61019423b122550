package session

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
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/skills"
)

var fixedNow = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

// fixture bundles the in-memory platform, a conductor agent and a
// coordinator with deterministic clock and id source. Tests advance the
// clock by mutating now.
type fixture struct {
	platform    *agentmem.Platform
	docs        *docmem.Store
	coord       *Coordinator
	conductorID string
	now         time.Time
	seq         int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{platform: agentmem.New(), docs: docmem.New(), now: fixedNow}

	conductor, err := f.platform.CreateAgent(context.Background(), agentruntime.CreateAgentRequest{
		Name: "conductor",
		Tags: []string{"role:conductor"},
	})
	require.NoError(t, err)
	f.conductorID = conductor.ID

	f.platform.RegisterTool("web_search")
	index := skills.NewIndex()
	index.Add(skills.Manifest{
		ManifestID:     "manifest-web",
		SkillPackageID: "research.web",
		Name:           "Web Research",
		Version:        "0.1.0",
		RequiredTools:  []string{"web_search"},
	})
	loader := skills.NewLoader(f.platform, nil)

	f.coord = New(f.platform,
		WithDocumentStore(f.docs),
		WithSkills(index, loader),
		WithClock(func() time.Time { return f.now }),
		WithIDSource(func() string {
			f.seq++
			return fmt.Sprintf("%08x", f.seq)
		}),
	)
	return f
}

func (f *fixture) createSession(t *testing.T, sessionID string) string {
	t.Helper()
	blockID, err := f.coord.CreateContext(context.Background(), sessionID, f.conductorID, "test objective", nil)
	require.NoError(t, err)
	return blockID
}

func (f *fixture) createCompanion(t *testing.T, sessionID, specialization string, skills ...string) string {
	t.Helper()
	res, err := f.coord.CreateCompanion(context.Background(), CreateCompanionParams{
		SessionID:      sessionID,
		ConductorID:    f.conductorID,
		Specialization: specialization,
		InitialSkills:  skills,
	})
	require.NoError(t, err)
	return res.CompanionID
}

func TestCreateContextAttachesBlockToConductor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blockID, err := f.coord.CreateContext(ctx, "sess-1", f.conductorID, "ship the report", json.RawMessage(`{"topic":"caching"}`))
	require.NoError(t, err)

	blocks, err := f.platform.ListAgentBlocks(ctx, f.conductorID)
	require.NoError(t, err)
	found := false
	for _, b := range blocks {
		if b.ID == blockID {
			found = true
			require.Equal(t, "session_context:sess-1", b.Label)
		}
	}
	require.True(t, found)

	sc, err := f.coord.ReadContext(ctx, "sess-1", blockID)
	require.NoError(t, err)
	require.Equal(t, StateActive, sc.State)
	require.Equal(t, "sess-1", sc.SessionID)
	require.Equal(t, f.conductorID, sc.ConductorID)
	require.Equal(t, "ship the report", sc.Objective)
	require.Equal(t, "caching", sc.SharedData["topic"])
	require.Equal(t, fixedNow, sc.CreatedAt)
}

func TestUpdateContextRejectsWrongSession(t *testing.T) {
	f := newFixture(t)
	blockID := f.createSession(t, "sess-1")

	_, err := f.coord.UpdateContext(context.Background(), "sess-other", blockID, ContextPatch{State: StatePaused})
	require.ErrorIs(t, err, ErrSessionMismatch)
}

func TestUpdateContextTaskBookkeeping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blockID := f.createSession(t, "sess-1")

	_, err := f.coord.UpdateContext(ctx, "sess-1", blockID, ContextPatch{AddActiveTask: "task-1"})
	require.NoError(t, err)
	_, err = f.coord.UpdateContext(ctx, "sess-1", blockID, ContextPatch{AddActiveTask: "task-2"})
	require.NoError(t, err)
	sc, err := f.coord.UpdateContext(ctx, "sess-1", blockID, ContextPatch{CompleteTask: "task-1"})
	require.NoError(t, err)

	require.Equal(t, []string{"task-2"}, sc.ActiveTasks)
	require.Equal(t, []string{"task-1"}, sc.CompletedTasks)
}

func TestUpdateContextSharedDataMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blockID := f.createSession(t, "sess-1")

	_, err := f.coord.UpdateContext(ctx, "sess-1", blockID, ContextPatch{
		SharedData: json.RawMessage(`{"a": 1, "b": "keep"}`),
	})
	require.NoError(t, err)
	sc, err := f.coord.UpdateContext(ctx, "sess-1", blockID, ContextPatch{
		SharedData: json.RawMessage(`{"a": 2, "c": true, "b": null}`),
	})
	require.NoError(t, err)

	require.Equal(t, float64(2), sc.SharedData["a"])
	require.Equal(t, true, sc.SharedData["c"])
	require.NotContains(t, sc.SharedData, "b")
}

func TestAnnouncementRingBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blockID := f.createSession(t, "sess-1")

	for i := 0; i < maxAnnouncements+5; i++ {
		_, err := f.coord.UpdateContext(ctx, "sess-1", blockID, ContextPatch{
			Announcement: fmt.Sprintf("note %d", i),
		})
		require.NoError(t, err)
	}
	sc, err := f.coord.ReadContext(ctx, "sess-1", blockID)
	require.NoError(t, err)
	require.Len(t, sc.Announcements, maxAnnouncements)
	require.Equal(t, "note 5", sc.Announcements[0].Text)
	require.Equal(t, fmt.Sprintf("note %d", maxAnnouncements+4), sc.Announcements[maxAnnouncements-1].Text)
}

func TestUpdateContextRejectsUnknownState(t *testing.T) {
	f := newFixture(t)
	blockID := f.createSession(t, "sess-1")

	_, err := f.coord.UpdateContext(context.Background(), "sess-1", blockID, ContextPatch{State: "suspended"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateGuidelinesCreatesAndMerges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, blockID, err := f.coord.UpdateGuidelines(ctx, f.conductorID, GuidelinesPatch{
		AddRecommendation: "prefer research companions for discovery tasks",
		SkillPreferences:  map[string]string{"research": "skill://research.web@0.1.0"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, blockID)
	require.Len(t, g.Recommendations, 1)

	g2, blockID2, err := f.coord.UpdateGuidelines(ctx, f.conductorID, GuidelinesPatch{
		AddRecommendation: "scale down idle companions",
		Scaling:           &ScalingThresholds{MaxCompanions: 4, ScaleUpBacklog: 3},
		ModelDefaults:     map[string]string{"tier1": "small-model"},
	})
	require.NoError(t, err)
	require.Equal(t, blockID, blockID2)
	require.Len(t, g2.Recommendations, 2)
	require.Equal(t, "skill://research.web@0.1.0", g2.SkillPreferences["research"])
	require.Equal(t, 4, g2.Scaling.MaxCompanions)
	require.Equal(t, "small-model", g2.ModelDefaults["tier1"])
}

func TestGuidelinesRecommendationRingBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < maxRecommendations+3; i++ {
		_, _, err := f.coord.UpdateGuidelines(ctx, f.conductorID, GuidelinesPatch{
			AddRecommendation: fmt.Sprintf("rec %d", i),
		})
		require.NoError(t, err)
	}
	g, _, err := f.coord.UpdateGuidelines(ctx, f.conductorID, GuidelinesPatch{})
	require.NoError(t, err)
	require.Len(t, g.Recommendations, maxRecommendations)
	require.Equal(t, "rec 3", g.Recommendations[0].Text)
}
