package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/lujunbofan2019/LettaPlus-sub000/features/docstore/memory"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/docstore"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow"
)

const linearDefJSON = `{
	"workflow_id": "wf-lin",
	"workflow_name": "linear",
	"schema_version": "2.2.0",
	"asl": {
		"StartAt": "A",
		"States": {
			"A": {"Type": "Task", "Next": "B"},
			"B": {"Type": "Task", "End": true}
		}
	}
}`

func linearDef(t *testing.T) *workflow.Definition {
	t.Helper()
	def, err := workflow.Parse([]byte(linearDefJSON))
	require.NoError(t, err)
	return def
}

func newTestStore(opts ...Option) (*Store, *memory.Store) {
	docs := memory.New()
	return New(docs, opts...), docs
}

// grantLease installs a lease out of band, standing in for the lease manager.
func grantLease(t *testing.T, s *Store, workflowID, state, token string) {
	t.Helper()
	_, err := s.MutateState(context.Background(), workflowID, state, func(doc *StateDoc) error {
		now := time.Now().UTC()
		doc.Lease = Lease{Token: token, OwnerAgentID: "agent-a", TS: &now, TTLSeconds: 60}
		return nil
	})
	require.NoError(t, err)
}

// TestCreateSeedsDocuments verifies Create derives the transition graph and
// writes one pending state document per state plus the meta document.
func TestCreateSeedsDocuments(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	res, err := s.Create(ctx, linearDef(t), CreateOptions{
		Agents:         map[string]string{"A": "agent-a", "B": "agent-b"},
		PlannerAgentID: "agent-planner",
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"cp:wf:wf-lin:meta",
		"cp:wf:wf-lin:state:A",
		"cp:wf:wf-lin:state:B",
	}, res.CreatedKeys)
	require.Empty(t, res.ExistingKeys)

	require.Equal(t, "wf-lin", res.Meta.WorkflowID)
	require.Equal(t, "linear", res.Meta.WorkflowName)
	require.Equal(t, "A", res.Meta.StartAt)
	require.Equal(t, []string{"A", "B"}, res.Meta.States)
	require.Equal(t, []string{"B"}, res.Meta.TerminalStates)
	require.Equal(t, workflow.Dep{Upstream: []string{}, Downstream: []string{"B"}}, res.Meta.Deps["A"])
	require.Equal(t, workflow.Dep{Upstream: []string{"A"}, Downstream: []string{}}, res.Meta.Deps["B"])
	require.Equal(t, "agent-planner", res.Meta.PlannerAgentID)
	require.Empty(t, res.Meta.Status)

	doc, err := s.State(ctx, "wf-lin", "A")
	require.NoError(t, err)
	require.Equal(t, StatusPending, doc.Status)
	require.Zero(t, doc.Attempts)
	require.False(t, doc.Lease.Held())
}

// TestCreateIsIdempotent verifies a second Create writes nothing: every key
// reports as existing and documents mutated in between keep their content.
func TestCreateIsIdempotent(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	def := linearDef(t)

	first, err := s.Create(ctx, def, CreateOptions{Agents: map[string]string{"A": "agent-a"}})
	require.NoError(t, err)

	grantLease(t, s, "wf-lin", "A", "tok-1")
	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{NewStatus: "running", LeaseToken: "tok-1"})
	require.NoError(t, err)

	second, err := s.Create(ctx, def, CreateOptions{Agents: map[string]string{"A": "agent-a"}})
	require.NoError(t, err)
	require.Empty(t, second.CreatedKeys)
	require.ElementsMatch(t, first.CreatedKeys, second.ExistingKeys)
	require.Equal(t, first.Meta, second.Meta)

	doc, err := s.State(ctx, "wf-lin", "A")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, doc.Status)
}

// TestCreateRejectsBadInput verifies definition and agent-map validation.
func TestCreateRejectsBadInput(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, &workflow.Definition{}, CreateOptions{})
	require.ErrorIs(t, err, ErrInvalidInput)

	def, err := workflow.Parse([]byte(`{"workflow_id":"wf-x","asl":{"States":{"A":{"Type":"Task","End":true}}}}`))
	require.NoError(t, err)
	_, err = s.Create(ctx, def, CreateOptions{})
	require.ErrorIs(t, err, workflow.ErrNoStart)

	_, err = s.Create(ctx, linearDef(t), CreateOptions{Agents: map[string]string{"Ghost": "agent-x"}})
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestPatchStateLifecycle walks one state through running to succeeded and
// verifies the timestamps, attempts and output artifact along the way.
func TestPatchStateLifecycle(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, docs := newTestStore(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	_, err := s.Create(ctx, linearDef(t), CreateOptions{})
	require.NoError(t, err)
	grantLease(t, s, "wf-lin", "A", "tok-1")

	doc, err := s.PatchState(ctx, "wf-lin", "A", StatePatch{
		NewStatus:         "running",
		LeaseToken:        "tok-1",
		AttemptsIncrement: 1,
	})
	require.NoError(t, err)
	require.Equal(t, StatusRunning, doc.Status)
	require.Equal(t, 1, doc.Attempts)
	require.NotNil(t, doc.StartedAt)
	require.Equal(t, fixed, *doc.StartedAt)
	require.Nil(t, doc.FinishedAt)

	doc, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{
		NewStatus:  "succeeded",
		LeaseToken: "tok-1",
		Output:     json.RawMessage(`{"answer":42}`),
	})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, doc.Status)
	require.NotNil(t, doc.FinishedAt)
	require.Equal(t, fixed, *doc.FinishedAt)

	out, err := docs.Get(ctx, "dp:wf:wf-lin:output:A")
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":42}`, string(out))
}

// TestPatchStateLeaseMismatch verifies the CAS guard: a patch carrying a
// token other than the held one fails and writes nothing, the staged output
// included.
func TestPatchStateLeaseMismatch(t *testing.T) {
	s, docs := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, linearDef(t), CreateOptions{})
	require.NoError(t, err)
	grantLease(t, s, "wf-lin", "A", "tok-1")

	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{
		NewStatus:  "succeeded",
		LeaseToken: "tok-other",
		Output:     json.RawMessage(`{"answer":1}`),
	})
	require.ErrorIs(t, err, ErrLeaseMismatch)

	doc, err := s.State(ctx, "wf-lin", "A")
	require.NoError(t, err)
	require.Equal(t, StatusPending, doc.Status)
	_, err = docs.Get(ctx, "dp:wf:wf-lin:output:A")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

// TestPatchStateUnknownState verifies patching a state without a document
// fails with the store's not-found error.
func TestPatchStateUnknownState(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, linearDef(t), CreateOptions{})
	require.NoError(t, err)

	_, err = s.PatchState(ctx, "wf-lin", "Ghost", StatePatch{AttemptsIncrement: 1})
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

// TestPatchStateRejectsBadInput verifies argument validation happens before
// any store round trip.
func TestPatchStateRejectsBadInput(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, linearDef(t), CreateOptions{})
	require.NoError(t, err)

	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{AttemptsIncrement: -1})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{NewStatus: "paused"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{Output: json.RawMessage(`{broken`)})
	require.ErrorIs(t, err, ErrInvalidInput)

	// Running without a held lease would break the lease invariant.
	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{NewStatus: "running"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestReadFilterAndReadiness verifies the subset filter, meta inclusion and
// readiness computation, including upstream documents outside the filter.
func TestReadFilterAndReadiness(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, linearDef(t), CreateOptions{})
	require.NoError(t, err)

	snap, err := s.Read(ctx, "wf-lin", ReadOptions{IncludeMeta: true, ComputeReadiness: true})
	require.NoError(t, err)
	require.NotNil(t, snap.Meta)
	require.Len(t, snap.States, 2)
	require.Equal(t, map[string]bool{"A": true, "B": false}, snap.Readiness)

	grantLease(t, s, "wf-lin", "A", "tok-1")
	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{NewStatus: "running", LeaseToken: "tok-1"})
	require.NoError(t, err)
	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{NewStatus: "succeeded", LeaseToken: "tok-1"})
	require.NoError(t, err)

	// Readiness of B needs A's document even when the filter excludes it.
	snap, err = s.Read(ctx, "wf-lin", ReadOptions{States: []string{"B"}, ComputeReadiness: true})
	require.NoError(t, err)
	require.Nil(t, snap.Meta)
	require.Len(t, snap.States, 1)
	require.Equal(t, map[string]bool{"B": true}, snap.Readiness)

	_, err = s.Read(ctx, "wf-lin", ReadOptions{States: []string{"Ghost"}})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.Read(ctx, "wf-missing", ReadOptions{})
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

// TestReadinessSourceStates verifies source states are ready only while
// still pending, so a released source state cannot be re-acquired.
func TestReadinessSourceStates(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, linearDef(t), CreateOptions{})
	require.NoError(t, err)
	meta, err := s.Meta(ctx, "wf-lin")
	require.NoError(t, err)

	ready, err := s.Ready(ctx, meta, "A")
	require.NoError(t, err)
	require.True(t, ready)

	grantLease(t, s, "wf-lin", "A", "tok-1")
	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{NewStatus: "running", LeaseToken: "tok-1"})
	require.NoError(t, err)

	ready, err = s.Ready(ctx, meta, "A")
	require.NoError(t, err)
	require.False(t, ready)

	_, err = s.Ready(ctx, meta, "Ghost")
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestStatusDoneAlias verifies documents written with the legacy done status
// read back as succeeded and count as succeeded in readiness checks.
func TestStatusDoneAlias(t *testing.T) {
	s, docs := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, linearDef(t), CreateOptions{})
	require.NoError(t, err)
	err = docs.Set(ctx, "cp:wf:wf-lin:state:A", json.RawMessage(`{"status":"done","attempts":1,"lease":{}}`), 0)
	require.NoError(t, err)

	doc, err := s.State(ctx, "wf-lin", "A")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, doc.Status)

	meta, err := s.Meta(ctx, "wf-lin")
	require.NoError(t, err)
	ready, err := s.Ready(ctx, meta, "B")
	require.NoError(t, err)
	require.True(t, ready)
}

// TestParseStatus verifies normalization and rejection of unknown statuses.
func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("done")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, st)

	st, err = ParseStatus("cancelled")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, st)

	_, err = ParseStatus("finished")
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestMutateMeta verifies the optimistic meta helper commits fn's changes
// and that fn errors abort without writing.
func TestMutateMeta(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, linearDef(t), CreateOptions{})
	require.NoError(t, err)

	meta, err := s.MutateMeta(ctx, "wf-lin", func(m *WorkflowMeta) error {
		m.Agents["A"] = "agent-late"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "agent-late", meta.Agents["A"])

	boom := fmt.Errorf("boom")
	_, err = s.MutateMeta(ctx, "wf-lin", func(m *WorkflowMeta) error {
		m.Status = WorkflowFailed
		return boom
	})
	require.ErrorIs(t, err, boom)

	meta, err = s.Meta(ctx, "wf-lin")
	require.NoError(t, err)
	require.Empty(t, meta.Status)
}

// TestDelete verifies the administrative purge removes every workflow key
// and reports the ones that never existed.
func TestDelete(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, linearDef(t), CreateOptions{})
	require.NoError(t, err)
	grantLease(t, s, "wf-lin", "A", "tok-1")
	_, err = s.PatchState(ctx, "wf-lin", "A", StatePatch{
		NewStatus:  "succeeded",
		LeaseToken: "tok-1",
		Output:     json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)

	res, err := s.Delete(ctx, "wf-lin")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"cp:wf:wf-lin:meta",
		"cp:wf:wf-lin:state:A",
		"cp:wf:wf-lin:state:B",
		"dp:wf:wf-lin:output:A",
	}, res.DeletedKeys)
	require.ElementsMatch(t, []string{
		"dp:wf:wf-lin:output:B",
		"dp:wf:wf-lin:audit:finalize",
		"dp:wf:wf-lin:audit:amsp",
	}, res.MissingKeys)

	_, err = s.Delete(ctx, "wf-lin")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

// TestLeaseExpiry verifies the expiry rule now-ts > ttl on held and unheld
// leases.
func TestLeaseExpiry(t *testing.T) {
	now := time.Now().UTC()
	require.False(t, Lease{}.Expired(now))

	past := now.Add(-10 * time.Second)
	held := Lease{Token: "tok", TS: &past, TTLSeconds: 30}
	require.False(t, held.Expired(now))

	held.TTLSeconds = 5
	require.True(t, held.Expired(now))
}

// TestPatchStateInvariantsProperty drives one state document through random
// patch sequences and checks the document invariants after every step:
// attempts never decrease, running implies a held lease and started_at, and
// terminal statuses imply finished_at.
func TestPatchStateInvariantsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("patch sequences preserve state document invariants", prop.ForAll(
		func(seed int64, numOps int) bool {
			rng := rand.New(rand.NewSource(seed))
			s, _ := newTestStore()
			ctx := context.Background()
			def, err := workflow.Parse([]byte(linearDefJSON))
			if err != nil {
				return false
			}
			if _, err := s.Create(ctx, def, CreateOptions{}); err != nil {
				return false
			}

			terminal := []string{"succeeded", "failed", "cancelled", "done"}
			prevAttempts := 0
			for i := 0; i < numOps; i++ {
				switch rng.Intn(6) {
				case 0: // grant a lease, as the lease manager would
					_, _ = s.MutateState(ctx, "wf-lin", "A", func(doc *StateDoc) error {
						if !doc.Lease.Held() {
							now := time.Now().UTC()
							doc.Lease = Lease{Token: fmt.Sprintf("tok-%d", i), OwnerAgentID: "agent-a", TS: &now, TTLSeconds: 30}
						}
						return nil
					})
				case 1: // run under the held token
					doc, err := s.State(ctx, "wf-lin", "A")
					if err != nil {
						return false
					}
					if doc.Lease.Held() {
						_, _ = s.PatchState(ctx, "wf-lin", "A", StatePatch{
							NewStatus:         "running",
							LeaseToken:        doc.Lease.Token,
							AttemptsIncrement: 1,
						})
					}
				case 2:
					_, _ = s.PatchState(ctx, "wf-lin", "A", StatePatch{NewStatus: terminal[rng.Intn(len(terminal))]})
				case 3:
					_, _ = s.PatchState(ctx, "wf-lin", "A", StatePatch{AttemptsIncrement: rng.Intn(3)})
				case 4: // running without a lease must be rejected
					_, _ = s.PatchState(ctx, "wf-lin", "A", StatePatch{NewStatus: "running"})
				case 5: // release after terminal status, as correct callers do
					_, _ = s.MutateState(ctx, "wf-lin", "A", func(doc *StateDoc) error {
						if doc.Status != StatusRunning {
							doc.Lease.Token = ""
						}
						return nil
					})
				}

				doc, err := s.State(ctx, "wf-lin", "A")
				if err != nil {
					return false
				}
				if doc.Attempts < prevAttempts {
					return false
				}
				prevAttempts = doc.Attempts
				if doc.Status == StatusRunning && (!doc.Lease.Held() || doc.StartedAt == nil) {
					return false
				}
				if doc.Status.Terminal() && doc.FinishedAt == nil {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}
