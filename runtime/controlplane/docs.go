// Package controlplane persists and mutates the documents that drive
// choreographed workflow execution: one WorkflowMeta per workflow instance and
// one StateDoc per state.
//
// There is no central executor. Workers coordinate exclusively through these
// documents: they acquire a lease on a state, run, write their output, mark
// the state terminal and notify downstream peers. Every mutation is an
// optimistic read-modify-write on a single document, so correctness never
// depends on cross-document locks. Subpackages build the higher-level
// operations (lease, notify, finalize, bootstrap) on the primitives here.
package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow"
)

// Status is the execution status of a single workflow state.
type Status string

const (
	// StatusPending means the state has not started. Initial value.
	StatusPending Status = "pending"
	// StatusRunning means a worker holds the lease and is executing.
	StatusRunning Status = "running"
	// StatusSucceeded means the state finished successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the state finished with an error.
	StatusFailed Status = "failed"
	// StatusCancelled means the state was closed without running to
	// completion, typically by finalize.
	StatusCancelled Status = "cancelled"
)

// statusDone is a legacy alias for StatusSucceeded. It is accepted on reads
// and in status arguments but never written back.
const statusDone = "done"

// ParseStatus normalizes a status string. The "done" alias maps to
// StatusSucceeded; anything outside the known set is rejected.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return Status(s), nil
	case statusDone:
		return StatusSucceeded, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}

// UnmarshalJSON normalizes statuses on read so documents written with the
// legacy "done" alias compare equal to StatusSucceeded everywhere.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == statusDone {
		raw = string(StatusSucceeded)
	}
	*s = Status(raw)
	return nil
}

// Terminal reports whether the status ends a state's execution.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Workflow-level statuses stamped on WorkflowMeta by finalize. Per-state
// statuses never take the partial value.
const (
	WorkflowSucceeded = "succeeded"
	WorkflowFailed    = "failed"
	WorkflowPartial   = "partial"
	WorkflowCancelled = "cancelled"
)

type (
	// WorkflowMeta is the per-workflow document at MetaKey.
	//
	// Contract:
	// - Created once by bootstrap with create-if-absent semantics; the
	//   derived fields (states, deps, terminal_states) never change after.
	// - Never deleted during normal operation; it is the audit anchor.
	// - Status stays empty until finalize stamps the overall outcome.
	WorkflowMeta struct {
		// WorkflowID is the immutable workflow instance identifier.
		WorkflowID string `json:"workflow_id"`
		// WorkflowName and SchemaVersion copy the definition header.
		WorkflowName  string `json:"workflow_name,omitempty"`
		SchemaVersion string `json:"schema_version,omitempty"`
		// StartAt names the entry state.
		StartAt string `json:"start_at"`
		// States lists all state names in definition order.
		States []string `json:"states"`
		// TerminalStates lists the states that end the machine.
		TerminalStates []string `json:"terminal_states"`
		// Agents maps state name to the worker agent bound to it.
		Agents map[string]string `json:"agents"`
		// PlannerAgentID names an agent finalize must not delete.
		PlannerAgentID string `json:"planner_agent_id,omitempty"`
		// Deps is the transition graph: per state, its direct neighbors.
		Deps map[string]workflow.Dep `json:"deps"`
		// Status is the overall outcome, set by finalize only.
		Status string `json:"status,omitempty"`
		// FinalizedAt, FinalizeNote and CostSummary are set by finalize.
		FinalizedAt  *time.Time   `json:"finalized_at,omitempty"`
		FinalizeNote string       `json:"finalize_note,omitempty"`
		CostSummary  *CostSummary `json:"cost_summary,omitempty"`
		// CreatedAt records when the control plane was seeded.
		CreatedAt time.Time `json:"created_at"`
	}

	// StateDoc is the per-state document at StateKey.
	//
	// Invariants maintained by this package and the lease subpackage:
	// - Lease.Token empty ⇔ the lease is not held.
	// - Status running implies a held token and a started_at timestamp.
	// - A terminal status implies a finished_at timestamp.
	// - Attempts never decreases.
	StateDoc struct {
		// Status is the execution status, pending initially.
		Status Status `json:"status"`
		// Attempts counts lease acquisitions or explicit increments.
		Attempts int `json:"attempts"`
		// Lease is the current execution lease; zero when not held.
		Lease Lease `json:"lease"`
		// StartedAt and FinishedAt bound the execution window.
		StartedAt  *time.Time `json:"started_at,omitempty"`
		FinishedAt *time.Time `json:"finished_at,omitempty"`
		// LastError is the most recent error message reported by a worker
		// or by finalize when it closes the state.
		LastError string `json:"last_error,omitempty"`
		// ModelSelection and ExecutionMetrics are worker-reported cost
		// accounting inputs aggregated by finalize.
		ModelSelection   *ModelSelection   `json:"model_selection,omitempty"`
		ExecutionMetrics *ExecutionMetrics `json:"execution_metrics,omitempty"`
	}

	// Lease is the CAS-guarded execution grant stored inside a StateDoc. An
	// empty Token means the lease is not held; the remaining fields are
	// meaningful only while it is.
	Lease struct {
		Token        string     `json:"token,omitempty"`
		OwnerAgentID string     `json:"owner_agent_id,omitempty"`
		TS           *time.Time `json:"ts,omitempty"`
		TTLSeconds   int        `json:"ttl_s,omitempty"`
	}

	// ModelSelection records which model tier served a state, for cost
	// attribution and escalation accounting.
	ModelSelection struct {
		// Tier is the selected model tier, 0 through 3.
		Tier int `json:"tier"`
		// Model is the concrete model handle when known.
		Model string `json:"model,omitempty"`
		// FCS is the final complexity score that produced the tier.
		FCS float64 `json:"fcs,omitempty"`
		// Confidence qualifies the score, 0 through 1.
		Confidence float64 `json:"confidence,omitempty"`
		// TierEscalated marks a mid-run escalation above the initial tier.
		TierEscalated bool `json:"tier_escalated,omitempty"`
	}

	// ExecutionMetrics is the per-state resource usage reported by workers.
	ExecutionMetrics struct {
		TotalTokens      int     `json:"total_tokens,omitempty"`
		PromptTokens     int     `json:"prompt_tokens,omitempty"`
		CompletionTokens int     `json:"completion_tokens,omitempty"`
		LLMCalls         int     `json:"llm_calls,omitempty"`
		ToolCalls        int     `json:"tool_calls,omitempty"`
		DurationMS       int64   `json:"duration_ms,omitempty"`
		EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`
	}

	// CostSummary is the workflow-level aggregate finalize writes into the
	// meta document and the finalize audit record.
	CostSummary struct {
		TotalTokens       int              `json:"total_tokens"`
		PromptTokens      int              `json:"prompt_tokens"`
		CompletionTokens  int              `json:"completion_tokens"`
		LLMCalls          int              `json:"llm_calls"`
		ToolCalls         int              `json:"tool_calls"`
		TotalDurationMS   int64            `json:"total_duration_ms"`
		EstimatedCostUSD  float64          `json:"estimated_cost_usd"`
		StatesWithMetrics int              `json:"states_with_metrics"`
		Escalations       int              `json:"escalations"`
		ByTier            map[int]TierCost `json:"by_tier,omitempty"`
	}

	// TierCost breaks the cost summary down by model tier.
	TierCost struct {
		States           int     `json:"states"`
		TotalTokens      int     `json:"total_tokens"`
		EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	}
)

// Held reports whether the lease is currently held.
func (l Lease) Held() bool { return l.Token != "" }

// Expired reports whether a held lease has outlived its TTL at the given
// instant. An unheld lease is never expired.
func (l Lease) Expired(now time.Time) bool {
	if !l.Held() || l.TS == nil {
		return false
	}
	return now.Sub(*l.TS) > time.Duration(l.TTLSeconds)*time.Second
}

// Document keys. Control-plane documents live under cp:, data-plane artifacts
// (outputs, audit records) under dp:.

// MetaKey returns the document key of a workflow's WorkflowMeta.
func MetaKey(workflowID string) string {
	return "cp:wf:" + workflowID + ":meta"
}

// StateKey returns the document key of one state's StateDoc.
func StateKey(workflowID, state string) string {
	return "cp:wf:" + workflowID + ":state:" + state
}

// OutputKey returns the document key of a state's output artifact.
func OutputKey(workflowID, state string) string {
	return "dp:wf:" + workflowID + ":output:" + state
}

// AuditKey returns the document key of a finalize-time audit record of the
// given kind (for example "finalize" or "amsp").
func AuditKey(workflowID, kind string) string {
	return "dp:wf:" + workflowID + ":audit:" + kind
}

var (
	// ErrInvalidInput flags a malformed or out-of-contract argument. The
	// tool surface maps it to the invalid_input result kind.
	ErrInvalidInput = errors.New("controlplane: invalid input")
	// ErrLeaseMismatch means a supplied lease token differs from the held one.
	ErrLeaseMismatch = errors.New("controlplane: lease token mismatch")
	// ErrLeaseHeld means another worker holds an unexpired lease.
	ErrLeaseHeld = errors.New("controlplane: lease held")
	// ErrLeaseExpired means the held lease outlived its TTL.
	ErrLeaseExpired = errors.New("controlplane: lease expired")
	// ErrOwnerMismatch means the caller is not the agent bound to the state.
	ErrOwnerMismatch = errors.New("controlplane: owner mismatch")
	// ErrNotReady means the state's upstream prerequisites are not met.
	ErrNotReady = errors.New("controlplane: state not ready")
)
