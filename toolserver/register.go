package toolserver

import (
	"context"
	"encoding/json"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/mcp"
)

// handler adapts a typed service method to the transport handler shape. The
// transport guarantees args is a JSON object; decode failures are still
// reported as structured invalid_input results rather than transport errors.
func handler[A any](fn func(context.Context, A) any) mcp.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in A
		if err := json.Unmarshal(args, &in); err != nil {
			return failInput("decode arguments: %v", err), nil
		}
		return fn(ctx, in), nil
	}
}

func schema(properties string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	return json.RawMessage(`{"type":"object","properties":` + properties + `,"required":` + string(req) + `}`)
}

// Tools returns the full tool surface in registration order.
func (s *Service) Tools() []mcp.ToolDef {
	return []mcp.ToolDef{
		{
			Name:        "validate_workflow",
			Description: "Validate a workflow definition: schema, reference resolution, graph structure. The report carries the exit code (0 ok, 1 schema, 2 references, 3 graph, 4 other).",
			InputSchema: schema(`{
				"definition": {"description": "Workflow definition, as an object or a JSON string."}
			}`, "definition"),
			Handler: handler(s.ValidateWorkflow),
		},
		{
			Name:        "create_workflow_agents",
			Description: "Create one worker agent per Task state from the definition's agent templates and seed the control plane with the resulting bindings.",
			InputSchema: schema(`{
				"definition": {"description": "Workflow definition, as an object or a JSON string."},
				"name_prefix": {"type": "string"},
				"tags": {"type": "array", "items": {"type": "string"}},
				"planner_agent_id": {"type": "string"}
			}`, "definition"),
			Handler: handler(s.CreateWorkflowAgents),
		},
		{
			Name:        "create_control_plane",
			Description: "Seed the workflow meta and per-state documents. Idempotent: existing keys are reported, never overwritten.",
			InputSchema: schema(`{
				"definition": {"description": "Workflow definition, as an object or a JSON string."},
				"agents": {"type": "object", "additionalProperties": {"type": "string"}},
				"planner_agent_id": {"type": "string"}
			}`, "definition"),
			Handler: handler(s.CreateControlPlane),
		},
		{
			Name:        "read_control_plane",
			Description: "Read a point-in-time snapshot of a workflow's control plane, optionally with the meta document and per-state readiness.",
			InputSchema: schema(`{
				"workflow_id": {"type": "string"},
				"states": {"type": "array", "items": {"type": "string"}},
				"include_meta": {"type": "boolean"},
				"compute_readiness": {"type": "boolean"}
			}`, "workflow_id"),
			Handler: handler(s.ReadControlPlane),
		},
		{
			Name:        "update_workflow_state",
			Description: "Apply a CAS-guarded patch to one state document: status, attempts, lease fields, timestamps, error message and output artifact.",
			InputSchema: schema(`{
				"workflow_id": {"type": "string"},
				"state": {"type": "string"},
				"new_status": {"type": "string"},
				"attempts_increment": {"type": "integer"},
				"lease_token": {"type": "string"},
				"owner_agent_id": {"type": "string"},
				"lease_ttl_s": {"type": "integer"},
				"error_message": {"type": "string"},
				"set_started_at": {"type": "boolean"},
				"set_finished_at": {"type": "boolean"},
				"output_json": {"description": "State output, as an object or a JSON string."},
				"output_ttl_secs": {"type": "integer"}
			}`, "workflow_id", "state"),
			Handler: handler(s.UpdateWorkflowState),
		},
		{
			Name:        "acquire_state_lease",
			Description: "Acquire the exclusive execution lease on a state. Default behavior requires readiness and owner match, steals expired leases and moves pending states to running.",
			InputSchema: schema(`{
				"workflow_id": {"type": "string"},
				"state": {"type": "string"},
				"owner_agent_id": {"type": "string"},
				"ttl_s": {"type": "integer"},
				"lease_token": {"type": "string"},
				"require_ready": {"type": "boolean"},
				"require_owner_match": {"type": "boolean"},
				"allow_steal_if_expired": {"type": "boolean"},
				"set_running_on_acquire": {"type": "boolean"},
				"attempts_increment": {"type": "integer"}
			}`, "workflow_id", "state", "owner_agent_id"),
			Handler: handler(s.AcquireStateLease),
		},
		{
			Name:        "renew_state_lease",
			Description: "Renew a held lease under CAS on its token. Expired leases are rejected unless reject_if_expired is disabled.",
			InputSchema: schema(`{
				"workflow_id": {"type": "string"},
				"state": {"type": "string"},
				"lease_token": {"type": "string"},
				"ttl_s": {"type": "integer"},
				"owner_agent_id": {"type": "string"},
				"reject_if_expired": {"type": "boolean"},
				"touch_only": {"type": "boolean"}
			}`, "workflow_id", "state", "lease_token"),
			Handler: handler(s.RenewStateLease),
		},
		{
			Name:        "release_state_lease",
			Description: "Release a held lease. Does not change the state status; set the terminal status before releasing.",
			InputSchema: schema(`{
				"workflow_id": {"type": "string"},
				"state": {"type": "string"},
				"lease_token": {"type": "string"},
				"force": {"type": "boolean"},
				"clear_owner": {"type": "boolean"}
			}`, "workflow_id", "state"),
			Handler: handler(s.ReleaseStateLease),
		},
		{
			Name:        "notify_if_ready",
			Description: "Message the worker of one state when the state passes the skip-list and readiness filters. Skips are successful no-ops with the reason reported.",
			InputSchema: schema(`{
				"workflow_id": {"type": "string"},
				"state": {"type": "string"},
				"require_ready": {"type": "boolean"},
				"async": {"type": "boolean"},
				"payload": {"description": "Forwarded verbatim inside the event envelope."},
				"reason": {"type": "string"}
			}`, "workflow_id", "state"),
			Handler: handler(s.NotifyIfReady),
		},
		{
			Name:        "notify_next_workers",
			Description: "Fan a workflow event out to the downstream states of source_state, or kick off the source states when source_state is omitted.",
			InputSchema: schema(`{
				"workflow_id": {"type": "string"},
				"source_state": {"type": "string"},
				"require_ready": {"type": "boolean"},
				"async": {"type": "boolean"},
				"payload": {"description": "Forwarded verbatim inside the event envelope."}
			}`, "workflow_id"),
			Handler: handler(s.NotifyNextWorkers),
		},
		{
			Name:        "finalize_workflow",
			Description: "Close a workflow run: derive the final status, optionally cancel open states, aggregate cost, write the audit records and retire worker agents. Never deletes control- or data-plane keys.",
			InputSchema: schema(`{
				"workflow_id": {"type": "string"},
				"overall_status": {"type": "string"},
				"close_open_states": {"type": "boolean"},
				"delete_agents": {"type": "boolean"},
				"preserve_planner": {"type": "boolean"},
				"note": {"type": "string"}
			}`, "workflow_id"),
			Handler: handler(s.FinalizeWorkflow),
		},
		{
			Name:        "create_session_context",
			Description: "Allocate the shared session context block and attach it to the conductor.",
			InputSchema: schema(`{
				"session_id": {"type": "string"},
				"conductor_id": {"type": "string"},
				"objective": {"type": "string"},
				"initial_context": {"description": "Initial shared data, as an object or a JSON string."}
			}`, "session_id", "conductor_id"),
			Handler: handler(s.CreateSessionContext),
		},
		{
			Name:        "update_session_context",
			Description: "Patch the shared session context: lifecycle state, objective, task bookkeeping, announcements and shared-data merge (null values delete keys).",
			InputSchema: schema(`{
				"session_id": {"type": "string"},
				"block_id": {"type": "string"},
				"state": {"type": "string", "enum": ["active", "paused", "completing", "completed"]},
				"objective": {"type": "string"},
				"companion_count": {"type": "integer"},
				"add_active_task": {"type": "string"},
				"complete_task": {"type": "string"},
				"announcement": {"type": "string"},
				"shared_data_json": {"description": "Top-level keys merged into shared_data, as an object or a JSON string."}
			}`, "session_id", "block_id"),
			Handler: handler(s.UpdateSessionContext),
		},
		{
			Name:        "create_companion",
			Description: "Create a companion agent with the standard memory blocks and tag-encoded metadata, attach shared blocks and load the initial skills.",
			InputSchema: schema(`{
				"session_id": {"type": "string"},
				"conductor_id": {"type": "string"},
				"specialization": {"type": "string"},
				"name": {"type": "string"},
				"persona": {"type": "string"},
				"model": {"type": "string"},
				"shared_block_ids": {"type": "array", "items": {"type": "string"}},
				"initial_skills": {"type": "array", "items": {"type": "string"}},
				"tags": {"type": "array", "items": {"type": "string"}}
			}`, "session_id", "conductor_id"),
			Handler: handler(s.CreateCompanion),
		},
		{
			Name:        "list_session_companions",
			Description: "List the session's companions, optionally filtered by specialization and status, optionally with their loaded skills.",
			InputSchema: schema(`{
				"session_id": {"type": "string"},
				"specialization": {"type": "string"},
				"status": {"type": "string"},
				"include_skills": {"type": "boolean"}
			}`, "session_id"),
			Handler: handler(s.ListSessionCompanions),
		},
		{
			Name:        "update_companion_status",
			Description: "Rewrite selected tag families on a companion (status, specialization, current task). Omitted fields are untouched; empty strings clear the family.",
			InputSchema: schema(`{
				"companion_id": {"type": "string"},
				"status": {"type": "string"},
				"specialization": {"type": "string"},
				"current_task_id": {"type": "string"}
			}`, "companion_id"),
			Handler: handler(s.UpdateCompanionStatus),
		},
		{
			Name:        "delegate_task",
			Description: "Delegate one task to one companion: flip it busy, log the delegation, update its task context and send the delegation envelope.",
			InputSchema: schema(`{
				"conductor_id": {"type": "string"},
				"companion_id": {"type": "string"},
				"description": {"type": "string"},
				"skills": {"type": "array", "items": {"type": "string"}},
				"input": {"description": "Task input, as an object or a JSON string."},
				"priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
				"timeout_seconds": {"type": "integer"},
				"session_id": {"type": "string"},
				"instructions": {"type": "string"}
			}`, "conductor_id", "companion_id", "description"),
			Handler: handler(s.DelegateTask),
		},
		{
			Name:        "broadcast_task",
			Description: "Delegate a task to up to max_companions companions matching the specialization and status filters.",
			InputSchema: schema(`{
				"conductor_id": {"type": "string"},
				"session_id": {"type": "string"},
				"description": {"type": "string"},
				"skills": {"type": "array", "items": {"type": "string"}},
				"input": {"description": "Task input, as an object or a JSON string."},
				"priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
				"timeout_seconds": {"type": "integer"},
				"instructions": {"type": "string"},
				"specialization_filter": {"type": "string"},
				"status_filter": {"type": "string"},
				"max_companions": {"type": "integer"}
			}`, "conductor_id", "session_id", "description"),
			Handler: handler(s.BroadcastTask),
		},
		{
			Name:        "report_task_result",
			Description: "Record a companion's terminal task outcome: delegation log, task history ring, companion back to idle, session bookkeeping.",
			InputSchema: schema(`{
				"companion_id": {"type": "string"},
				"task_id": {"type": "string"},
				"conductor_id": {"type": "string"},
				"result_status": {"type": "string", "enum": ["succeeded", "failed", "partial"]},
				"summary": {"type": "string"},
				"outputs": {"description": "Task outputs, as an object or a JSON string."},
				"artifacts": {"type": "array", "items": {"type": "string"}},
				"error_code": {"type": "string"},
				"metrics": {"description": "Execution metrics, forwarded verbatim."}
			}`, "companion_id", "task_id", "conductor_id", "result_status"),
			Handler: handler(s.ReportTaskResult),
		},
		{
			Name:        "read_session_activity",
			Description: "Assemble the observer view of a session: context, recent delegations, companion pool and aggregated per-skill and overall metrics.",
			InputSchema: schema(`{
				"session_id": {"type": "string"},
				"conductor_id": {"type": "string"},
				"max_delegations": {"type": "integer"},
				"include_skills": {"type": "boolean"}
			}`, "session_id"),
			Handler: handler(s.ReadSessionActivity),
		},
		{
			Name:        "update_conductor_guidelines",
			Description: "Merge strategist guidance into the conductor's guidelines block: recommendations ring, skill preferences, scaling thresholds, model defaults.",
			InputSchema: schema(`{
				"conductor_id": {"type": "string"},
				"add_recommendation": {"type": "string"},
				"skill_preferences": {"type": "object", "additionalProperties": {"type": "string"}},
				"scaling_thresholds": {"type": "object"},
				"model_defaults": {"type": "object", "additionalProperties": {"type": "string"}}
			}`, "conductor_id"),
			Handler: handler(s.UpdateConductorGuidelines),
		},
		{
			Name:        "finalize_session",
			Description: "Wind a session down: optionally preserve companion wisdom, dismiss companions and delete the session block. Cleanup problems are warnings, not failures.",
			InputSchema: schema(`{
				"session_id": {"type": "string"},
				"block_id": {"type": "string"},
				"conductor_id": {"type": "string"},
				"delete_companions": {"type": "boolean"},
				"delete_session_block": {"type": "boolean"},
				"preserve_wisdom": {"type": "boolean"}
			}`, "session_id"),
			Handler: handler(s.FinalizeSession),
		},
		{
			Name:        "compute_task_complexity",
			Description: "Score a task on seven 0-3 dimensions and recommend a model tier (0-3) with a confidence estimate. Deterministic; latency budgets clamp the tier.",
			InputSchema: schema(`{
				"reasoning": {"type": "integer", "minimum": 0, "maximum": 3},
				"context": {"type": "integer", "minimum": 0, "maximum": 3},
				"ambiguity": {"type": "integer", "minimum": 0, "maximum": 3},
				"coordination": {"type": "integer", "minimum": 0, "maximum": 3},
				"stakes": {"type": "integer", "minimum": 0, "maximum": 3},
				"precision": {"type": "integer", "minimum": 0, "maximum": 3},
				"novelty": {"type": "integer", "minimum": 0, "maximum": 3},
				"max_latency_ms": {"type": "integer"},
				"sample_size": {"type": "integer"},
				"domain_maturity": {"type": "string", "enum": ["established", "emerging", "novel"]}
			}`, "reasoning", "context", "ambiguity", "coordination", "stakes", "precision", "novelty"),
			Handler: handler(s.ComputeTaskComplexity),
		},
	}
}
