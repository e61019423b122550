package toolserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/features/activity/pulse"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane/bootstrap"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane/finalize"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane/lease"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane/notify"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow/validator"
)

type (
	validateWorkflowArgs struct {
		Definition json.RawMessage `json:"definition"`
	}

	validateWorkflowResult struct {
		Status string            `json:"status"`
		Report *validator.Report `json:"report"`
	}

	createAgentsArgs struct {
		Definition     json.RawMessage `json:"definition"`
		NamePrefix     string          `json:"name_prefix,omitempty"`
		Tags           []string        `json:"tags,omitempty"`
		PlannerAgentID string          `json:"planner_agent_id,omitempty"`
	}

	createAgentsResult struct {
		Status string `json:"status"`
		*bootstrap.Result
	}

	createControlPlaneArgs struct {
		Definition     json.RawMessage   `json:"definition"`
		Agents         map[string]string `json:"agents,omitempty"`
		PlannerAgentID string            `json:"planner_agent_id,omitempty"`
	}

	createControlPlaneResult struct {
		Status string `json:"status"`
		*controlplane.CreateResult
	}

	readControlPlaneArgs struct {
		WorkflowID       string   `json:"workflow_id"`
		States           []string `json:"states,omitempty"`
		IncludeMeta      bool     `json:"include_meta,omitempty"`
		ComputeReadiness bool     `json:"compute_readiness,omitempty"`
	}

	readControlPlaneResult struct {
		Status string `json:"status"`
		*controlplane.Snapshot
	}

	updateStateArgs struct {
		WorkflowID        string          `json:"workflow_id"`
		State             string          `json:"state"`
		NewStatus         string          `json:"new_status,omitempty"`
		AttemptsIncrement int             `json:"attempts_increment,omitempty"`
		LeaseToken        string          `json:"lease_token,omitempty"`
		OwnerAgentID      string          `json:"owner_agent_id,omitempty"`
		LeaseTTLSeconds   *int            `json:"lease_ttl_s,omitempty"`
		ErrorMessage      string          `json:"error_message,omitempty"`
		SetStartedAt      bool            `json:"set_started_at,omitempty"`
		SetFinishedAt     bool            `json:"set_finished_at,omitempty"`
		OutputJSON        json.RawMessage `json:"output_json,omitempty"`
		OutputTTLSeconds  int             `json:"output_ttl_secs,omitempty"`
	}

	stateResult struct {
		Status       string                 `json:"status"`
		UpdatedState *controlplane.StateDoc `json:"updated_state"`
	}

	acquireLeaseArgs struct {
		WorkflowID          string `json:"workflow_id"`
		State               string `json:"state"`
		OwnerAgentID        string `json:"owner_agent_id"`
		TTLSeconds          int    `json:"ttl_s,omitempty"`
		LeaseToken          string `json:"lease_token,omitempty"`
		RequireReady        *bool  `json:"require_ready,omitempty"`
		RequireOwnerMatch   *bool  `json:"require_owner_match,omitempty"`
		AllowStealIfExpired *bool  `json:"allow_steal_if_expired,omitempty"`
		SetRunningOnAcquire *bool  `json:"set_running_on_acquire,omitempty"`
		AttemptsIncrement   *int   `json:"attempts_increment,omitempty"`
	}

	leaseResult struct {
		Status       string                 `json:"status"`
		Lease        *controlplane.Lease    `json:"lease,omitempty"`
		UpdatedState *controlplane.StateDoc `json:"updated_state"`
	}

	renewLeaseArgs struct {
		WorkflowID      string `json:"workflow_id"`
		State           string `json:"state"`
		LeaseToken      string `json:"lease_token"`
		TTLSeconds      int    `json:"ttl_s,omitempty"`
		OwnerAgentID    string `json:"owner_agent_id,omitempty"`
		RejectIfExpired *bool  `json:"reject_if_expired,omitempty"`
		TouchOnly       bool   `json:"touch_only,omitempty"`
	}

	releaseLeaseArgs struct {
		WorkflowID string `json:"workflow_id"`
		State      string `json:"state"`
		LeaseToken string `json:"lease_token"`
		Force      bool   `json:"force,omitempty"`
		ClearOwner bool   `json:"clear_owner,omitempty"`
	}

	notifyIfReadyArgs struct {
		WorkflowID   string          `json:"workflow_id"`
		State        string          `json:"state"`
		RequireReady *bool           `json:"require_ready,omitempty"`
		Async        bool            `json:"async,omitempty"`
		Payload      json.RawMessage `json:"payload,omitempty"`
		Reason       string          `json:"reason,omitempty"`
	}

	notifyIfReadyResult struct {
		Status string `json:"status"`
		*notify.Result
	}

	notifyNextArgs struct {
		WorkflowID   string          `json:"workflow_id"`
		SourceState  string          `json:"source_state,omitempty"`
		RequireReady *bool           `json:"require_ready,omitempty"`
		Async        bool            `json:"async,omitempty"`
		Payload      json.RawMessage `json:"payload,omitempty"`
	}

	notifyNextResult struct {
		Status string `json:"status"`
		*notify.Fanout
	}

	finalizeWorkflowArgs struct {
		WorkflowID      string `json:"workflow_id"`
		OverallStatus   string `json:"overall_status,omitempty"`
		CloseOpenStates *bool  `json:"close_open_states,omitempty"`
		DeleteAgents    *bool  `json:"delete_agents,omitempty"`
		PreservePlanner *bool  `json:"preserve_planner,omitempty"`
		Note            string `json:"note,omitempty"`
	}

	finalizeWorkflowResult struct {
		Status string `json:"status"`
		*finalize.Result
	}
)

// ValidateWorkflow runs the four-phase validator. The exit code travels in
// the report; an invalid definition is a successful validation run.
func (s *Service) ValidateWorkflow(ctx context.Context, args validateWorkflowArgs) any {
	raw, err := rawObject(args.Definition)
	if err != nil {
		return failInput("definition: %v", err)
	}
	if raw == nil {
		return failInput("definition is required")
	}
	report := s.validator.Validate(raw)
	status := "valid"
	if report.ExitCode != validator.ExitOK {
		status = "invalid"
	}
	return validateWorkflowResult{Status: status, Report: report}
}

// CreateWorkflowAgents materializes one worker per Task state and seeds the
// control plane with the resulting agent bindings.
func (s *Service) CreateWorkflowAgents(ctx context.Context, args createAgentsArgs) any {
	def, err := s.parseDefinition(args.Definition)
	if err != nil {
		return s.fail(err)
	}
	res, err := s.boot.Run(ctx, def, bootstrap.Options{
		BaseDir:        s.baseDir,
		NamePrefix:     args.NamePrefix,
		Tags:           args.Tags,
		PlannerAgentID: args.PlannerAgentID,
	})
	if err != nil {
		f := s.fail(err)
		if res != nil && len(res.CreatedAgents) > 0 {
			// Partial failure: report the orphaned agents for reconciliation.
			return struct {
				failure
				CreatedAgents []bootstrap.CreatedAgent `json:"created_agents"`
			}{f, res.CreatedAgents}
		}
		return f
	}
	return createAgentsResult{Status: "created", Result: res}
}

// CreateControlPlane seeds the meta and state documents without touching the
// agent platform. Idempotent: existing keys are reported, not rewritten.
func (s *Service) CreateControlPlane(ctx context.Context, args createControlPlaneArgs) any {
	def, err := s.parseDefinition(args.Definition)
	if err != nil {
		return s.fail(err)
	}
	res, err := s.store.Create(ctx, def, controlplane.CreateOptions{
		Agents:         args.Agents,
		PlannerAgentID: args.PlannerAgentID,
	})
	if err != nil {
		return s.fail(err)
	}
	return createControlPlaneResult{Status: "created", CreateResult: res}
}

// ReadControlPlane returns a point-in-time snapshot of the workflow.
func (s *Service) ReadControlPlane(ctx context.Context, args readControlPlaneArgs) any {
	if args.WorkflowID == "" {
		return failInput("workflow_id is required")
	}
	snap, err := s.store.Read(ctx, args.WorkflowID, controlplane.ReadOptions{
		States:           args.States,
		IncludeMeta:      args.IncludeMeta,
		ComputeReadiness: args.ComputeReadiness,
	})
	if err != nil {
		return s.fail(err)
	}
	return readControlPlaneResult{Status: "ok", Snapshot: snap}
}

// UpdateWorkflowState applies one CAS-guarded patch to a state document.
func (s *Service) UpdateWorkflowState(ctx context.Context, args updateStateArgs) any {
	if args.WorkflowID == "" || args.State == "" {
		return failInput("workflow_id and state are required")
	}
	output, err := rawObject(args.OutputJSON)
	if err != nil {
		return failInput("output_json: %v", err)
	}
	doc, err := s.store.PatchState(ctx, args.WorkflowID, args.State, controlplane.StatePatch{
		NewStatus:         args.NewStatus,
		AttemptsIncrement: args.AttemptsIncrement,
		LeaseToken:        args.LeaseToken,
		OwnerAgentID:      args.OwnerAgentID,
		LeaseTTLSeconds:   args.LeaseTTLSeconds,
		ErrorMessage:      args.ErrorMessage,
		SetStartedAt:      args.SetStartedAt,
		SetFinishedAt:     args.SetFinishedAt,
		Output:            output,
		OutputTTL:         time.Duration(args.OutputTTLSeconds) * time.Second,
	})
	if err != nil {
		return s.fail(err)
	}
	return stateResult{Status: "updated", UpdatedState: doc}
}

// AcquireStateLease grants the exclusive execution lease on one state.
func (s *Service) AcquireStateLease(ctx context.Context, args acquireLeaseArgs) any {
	if args.WorkflowID == "" || args.State == "" || args.OwnerAgentID == "" {
		return failInput("workflow_id, state and owner_agent_id are required")
	}
	opts := lease.DefaultAcquireOptions()
	opts.Token = args.LeaseToken
	if args.TTLSeconds > 0 {
		opts.TTL = time.Duration(args.TTLSeconds) * time.Second
	}
	if args.RequireReady != nil {
		opts.RequireReady = *args.RequireReady
	}
	if args.RequireOwnerMatch != nil {
		opts.RequireOwnerMatch = *args.RequireOwnerMatch
	}
	if args.AllowStealIfExpired != nil {
		opts.AllowStealIfExpired = *args.AllowStealIfExpired
	}
	if args.SetRunningOnAcquire != nil {
		opts.SetRunningOnAcquire = *args.SetRunningOnAcquire
	}
	if args.AttemptsIncrement != nil {
		opts.AttemptsIncrement = *args.AttemptsIncrement
	}
	doc, err := s.leases.Acquire(ctx, args.WorkflowID, args.State, args.OwnerAgentID, opts)
	if err != nil {
		return s.fail(err)
	}
	return leaseResult{Status: "lease_acquired", Lease: &doc.Lease, UpdatedState: doc}
}

// RenewStateLease extends a held lease under CAS on the token.
func (s *Service) RenewStateLease(ctx context.Context, args renewLeaseArgs) any {
	if args.WorkflowID == "" || args.State == "" || args.LeaseToken == "" {
		return failInput("workflow_id, state and lease_token are required")
	}
	opts := lease.DefaultRenewOptions()
	opts.OwnerAgentID = args.OwnerAgentID
	opts.TouchOnly = args.TouchOnly
	if args.TTLSeconds > 0 {
		opts.TTL = time.Duration(args.TTLSeconds) * time.Second
	}
	if args.RejectIfExpired != nil {
		opts.RejectIfExpired = *args.RejectIfExpired
	}
	doc, err := s.leases.Renew(ctx, args.WorkflowID, args.State, args.LeaseToken, opts)
	if err != nil {
		return s.fail(err)
	}
	return leaseResult{Status: "lease_renewed", Lease: &doc.Lease, UpdatedState: doc}
}

// ReleaseStateLease clears a held lease. The caller sets the terminal status
// before releasing; release never touches it.
func (s *Service) ReleaseStateLease(ctx context.Context, args releaseLeaseArgs) any {
	if args.WorkflowID == "" || args.State == "" {
		return failInput("workflow_id and state are required")
	}
	if args.LeaseToken == "" && !args.Force {
		return failInput("lease_token is required unless force is set")
	}
	doc, err := s.leases.Release(ctx, args.WorkflowID, args.State, args.LeaseToken, lease.ReleaseOptions{
		Force:      args.Force,
		ClearOwner: args.ClearOwner,
	})
	if err != nil {
		return s.fail(err)
	}
	return leaseResult{Status: "lease_released", Lease: &doc.Lease, UpdatedState: doc}
}

// NotifyIfReady probes one state and messages its worker when the state is
// actionable.
func (s *Service) NotifyIfReady(ctx context.Context, args notifyIfReadyArgs) any {
	if args.WorkflowID == "" || args.State == "" {
		return failInput("workflow_id and state are required")
	}
	opts := notify.DefaultOptions()
	opts.Async = args.Async
	opts.Payload = args.Payload
	opts.Reason = args.Reason
	if args.RequireReady != nil {
		opts.RequireReady = *args.RequireReady
	}
	res, err := s.notifier.NotifyIfReady(ctx, args.WorkflowID, args.State, opts)
	if err != nil {
		return s.fail(err)
	}
	if !res.Skipped {
		s.publish(ctx, pulse.Event{
			Type:       pulse.EventWorkflowNotified,
			WorkflowID: args.WorkflowID,
			State:      args.State,
			Payload:    res,
		})
	}
	return notifyIfReadyResult{Status: "notified", Result: res}
}

// NotifyNextWorkers fans the workflow forward from a finished state, or kicks
// off the source states when source_state is empty.
func (s *Service) NotifyNextWorkers(ctx context.Context, args notifyNextArgs) any {
	if args.WorkflowID == "" {
		return failInput("workflow_id is required")
	}
	opts := notify.DefaultOptions()
	opts.Async = args.Async
	opts.Payload = args.Payload
	if args.RequireReady != nil {
		opts.RequireReady = *args.RequireReady
	}
	fanout, err := s.notifier.NotifyNextWorkers(ctx, args.WorkflowID, args.SourceState, opts)
	if err != nil {
		return s.fail(err)
	}
	for _, target := range fanout.Targets {
		if target.Skipped || target.Error != "" {
			continue
		}
		s.publish(ctx, pulse.Event{
			Type:       pulse.EventWorkflowNotified,
			WorkflowID: args.WorkflowID,
			State:      target.TargetState,
			Payload:    target,
		})
	}
	return notifyNextResult{Status: "notified", Fanout: fanout}
}

// FinalizeWorkflow closes the workflow run, aggregates cost, writes the audit
// records and retires the worker agents.
func (s *Service) FinalizeWorkflow(ctx context.Context, args finalizeWorkflowArgs) any {
	if args.WorkflowID == "" {
		return failInput("workflow_id is required")
	}
	opts := finalize.DefaultOptions()
	opts.OverallStatus = args.OverallStatus
	opts.Note = args.Note
	if args.CloseOpenStates != nil {
		opts.CloseOpenStates = *args.CloseOpenStates
	}
	if args.DeleteAgents != nil {
		opts.DeleteAgents = *args.DeleteAgents
	}
	if args.PreservePlanner != nil {
		opts.PreservePlanner = *args.PreservePlanner
	}
	res, err := s.finalizer.Run(ctx, args.WorkflowID, opts)
	if err != nil {
		return s.fail(err)
	}
	s.publish(ctx, pulse.Event{
		Type:       pulse.EventWorkflowFinalized,
		WorkflowID: args.WorkflowID,
		Payload:    map[string]any{"final_status": res.FinalStatus, "status_counts": res.StatusCounts},
	})
	return finalizeWorkflowResult{Status: "finalized", Result: res}
}
