package toolserver

import (
	"context"
	"encoding/json"

	"github.com/lujunbofan2019/LettaPlus-sub000/features/activity/pulse"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/complexity"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/session"
)

type (
	createSessionContextArgs struct {
		SessionID      string          `json:"session_id"`
		ConductorID    string          `json:"conductor_id"`
		Objective      string          `json:"objective,omitempty"`
		InitialContext json.RawMessage `json:"initial_context,omitempty"`
	}

	createSessionContextResult struct {
		Status  string `json:"status"`
		BlockID string `json:"block_id"`
	}

	updateSessionContextArgs struct {
		SessionID      string          `json:"session_id"`
		BlockID        string          `json:"block_id"`
		State          string          `json:"state,omitempty"`
		Objective      string          `json:"objective,omitempty"`
		CompanionCount *int            `json:"companion_count,omitempty"`
		AddActiveTask  string          `json:"add_active_task,omitempty"`
		CompleteTask   string          `json:"complete_task,omitempty"`
		Announcement   string          `json:"announcement,omitempty"`
		SharedData     json.RawMessage `json:"shared_data_json,omitempty"`
	}

	sessionContextResult struct {
		Status  string           `json:"status"`
		Context *session.Context `json:"session_context"`
	}

	createCompanionArgs struct {
		SessionID      string   `json:"session_id"`
		ConductorID    string   `json:"conductor_id"`
		Specialization string   `json:"specialization,omitempty"`
		Name           string   `json:"name,omitempty"`
		Persona        string   `json:"persona,omitempty"`
		Model          string   `json:"model,omitempty"`
		SharedBlockIDs []string `json:"shared_block_ids,omitempty"`
		InitialSkills  []string `json:"initial_skills,omitempty"`
		ExtraTags      []string `json:"tags,omitempty"`
	}

	createCompanionResult struct {
		Status string `json:"status"`
		*session.CompanionResult
	}

	listCompanionsArgs struct {
		SessionID      string `json:"session_id"`
		Specialization string `json:"specialization,omitempty"`
		CompanionState string `json:"status,omitempty"`
		IncludeSkills  bool   `json:"include_skills,omitempty"`
	}

	listCompanionsResult struct {
		Status     string                  `json:"status"`
		Companions []session.CompanionInfo `json:"companions"`
	}

	updateCompanionStatusArgs struct {
		CompanionID    string  `json:"companion_id"`
		CompanionState *string `json:"status,omitempty"`
		Specialization *string `json:"specialization,omitempty"`
		CurrentTaskID  *string `json:"current_task_id,omitempty"`
	}

	updateCompanionStatusResult struct {
		Status    string                 `json:"status"`
		Companion *session.CompanionInfo `json:"companion"`
	}

	delegateTaskArgs struct {
		ConductorID    string          `json:"conductor_id"`
		CompanionID    string          `json:"companion_id"`
		Description    string          `json:"description"`
		Skills         []string        `json:"skills,omitempty"`
		Input          json.RawMessage `json:"input,omitempty"`
		Priority       string          `json:"priority,omitempty"`
		TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
		SessionID      string          `json:"session_id,omitempty"`
		Instructions   string          `json:"instructions,omitempty"`
	}

	delegateTaskResult struct {
		Status string `json:"status"`
		*session.DelegateResult
	}

	broadcastTaskArgs struct {
		ConductorID          string          `json:"conductor_id"`
		SessionID            string          `json:"session_id"`
		Description          string          `json:"description"`
		Skills               []string        `json:"skills,omitempty"`
		Input                json.RawMessage `json:"input,omitempty"`
		Priority             string          `json:"priority,omitempty"`
		TimeoutSeconds       int             `json:"timeout_seconds,omitempty"`
		Instructions         string          `json:"instructions,omitempty"`
		SpecializationFilter string          `json:"specialization_filter,omitempty"`
		StatusFilter         string          `json:"status_filter,omitempty"`
		MaxCompanions        int             `json:"max_companions,omitempty"`
	}

	broadcastTaskResult struct {
		Status string `json:"status"`
		*session.BroadcastResult
	}

	reportResultArgs struct {
		CompanionID  string          `json:"companion_id"`
		TaskID       string          `json:"task_id"`
		ConductorID  string          `json:"conductor_id"`
		ResultStatus string          `json:"result_status"`
		Summary      string          `json:"summary,omitempty"`
		Outputs      json.RawMessage `json:"outputs,omitempty"`
		Artifacts    []string        `json:"artifacts,omitempty"`
		ErrorCode    string          `json:"error_code,omitempty"`
		Metrics      json.RawMessage `json:"metrics,omitempty"`
	}

	reportResultResult struct {
		Status string `json:"status"`
		*session.ReportResult
	}

	readActivityArgs struct {
		SessionID      string `json:"session_id"`
		ConductorID    string `json:"conductor_id,omitempty"`
		MaxDelegations int    `json:"max_delegations,omitempty"`
		IncludeSkills  bool   `json:"include_skills,omitempty"`
	}

	readActivityResult struct {
		Status string `json:"status"`
		*session.Activity
	}

	updateGuidelinesArgs struct {
		ConductorID       string                     `json:"conductor_id"`
		AddRecommendation string                     `json:"add_recommendation,omitempty"`
		SkillPreferences  map[string]string          `json:"skill_preferences,omitempty"`
		Scaling           *session.ScalingThresholds `json:"scaling_thresholds,omitempty"`
		ModelDefaults     map[string]string          `json:"model_defaults,omitempty"`
	}

	updateGuidelinesResult struct {
		Status     string              `json:"status"`
		BlockID    string              `json:"block_id"`
		Guidelines *session.Guidelines `json:"guidelines"`
	}

	finalizeSessionArgs struct {
		SessionID          string `json:"session_id"`
		BlockID            string `json:"block_id,omitempty"`
		ConductorID        string `json:"conductor_id,omitempty"`
		DeleteCompanions   bool   `json:"delete_companions,omitempty"`
		DeleteSessionBlock bool   `json:"delete_session_block,omitempty"`
		PreserveWisdom     bool   `json:"preserve_wisdom,omitempty"`
	}

	finalizeSessionResult struct {
		Status string `json:"status"`
		*session.FinalizeResult
	}

	complexityArgs struct {
		Reasoning      int    `json:"reasoning"`
		Context        int    `json:"context"`
		Ambiguity      int    `json:"ambiguity"`
		Coordination   int    `json:"coordination"`
		Stakes         int    `json:"stakes"`
		Precision      int    `json:"precision"`
		Novelty        int    `json:"novelty"`
		MaxLatencyMS   int    `json:"max_latency_ms,omitempty"`
		SampleSize     int    `json:"sample_size,omitempty"`
		DomainMaturity string `json:"domain_maturity,omitempty"`
	}

	complexityResult struct {
		Status string `json:"status"`
		complexity.Result
		// RecommendedModel is the configured default model of the selected
		// tier, when the overlay defines one.
		RecommendedModel string `json:"recommended_model,omitempty"`
	}
)

// CreateSessionContext allocates the shared session block on the conductor.
func (s *Service) CreateSessionContext(ctx context.Context, args createSessionContextArgs) any {
	initial, err := rawObject(args.InitialContext)
	if err != nil {
		return failInput("initial_context: %v", err)
	}
	blockID, err := s.sessions.CreateContext(ctx, args.SessionID, args.ConductorID, args.Objective, initial)
	if err != nil {
		return s.fail(err)
	}
	return createSessionContextResult{Status: "created", BlockID: blockID}
}

// UpdateSessionContext applies a read-modify-write patch to the shared block.
func (s *Service) UpdateSessionContext(ctx context.Context, args updateSessionContextArgs) any {
	shared, err := rawObject(args.SharedData)
	if err != nil {
		return failInput("shared_data_json: %v", err)
	}
	sc, err := s.sessions.UpdateContext(ctx, args.SessionID, args.BlockID, session.ContextPatch{
		State:          args.State,
		Objective:      args.Objective,
		CompanionCount: args.CompanionCount,
		AddActiveTask:  args.AddActiveTask,
		CompleteTask:   args.CompleteTask,
		Announcement:   args.Announcement,
		SharedData:     shared,
	})
	if err != nil {
		return s.fail(err)
	}
	return sessionContextResult{Status: "updated", Context: sc}
}

// CreateCompanion provisions a tagged companion agent with the standard
// memory blocks and loads its initial skills.
func (s *Service) CreateCompanion(ctx context.Context, args createCompanionArgs) any {
	res, err := s.sessions.CreateCompanion(ctx, session.CreateCompanionParams{
		SessionID:      args.SessionID,
		ConductorID:    args.ConductorID,
		Specialization: args.Specialization,
		Name:           args.Name,
		Persona:        args.Persona,
		Model:          args.Model,
		SharedBlockIDs: args.SharedBlockIDs,
		InitialSkills:  args.InitialSkills,
		ExtraTags:      args.ExtraTags,
	})
	if err != nil {
		return s.fail(err)
	}
	return createCompanionResult{Status: "created", CompanionResult: res}
}

// ListSessionCompanions lists the session's companion pool, optionally
// filtered by specialization and status tags.
func (s *Service) ListSessionCompanions(ctx context.Context, args listCompanionsArgs) any {
	companions, err := s.sessions.ListCompanions(ctx, args.SessionID, session.ListFilters{
		Specialization: args.Specialization,
		Status:         args.CompanionState,
		IncludeSkills:  args.IncludeSkills,
	})
	if err != nil {
		return s.fail(err)
	}
	if companions == nil {
		companions = []session.CompanionInfo{}
	}
	return listCompanionsResult{Status: "ok", Companions: companions}
}

// UpdateCompanionStatus rewrites exactly the touched tag families.
func (s *Service) UpdateCompanionStatus(ctx context.Context, args updateCompanionStatusArgs) any {
	if args.CompanionID == "" {
		return failInput("companion_id is required")
	}
	info, err := s.sessions.UpdateCompanionStatus(ctx, args.CompanionID, session.StatusUpdate{
		Status:         args.CompanionState,
		Specialization: args.Specialization,
		TaskID:         args.CurrentTaskID,
	})
	if err != nil {
		return s.fail(err)
	}
	return updateCompanionStatusResult{Status: "updated", Companion: info}
}

// DelegateTask assigns one task to one companion.
func (s *Service) DelegateTask(ctx context.Context, args delegateTaskArgs) any {
	input, err := rawObject(args.Input)
	if err != nil {
		return failInput("input: %v", err)
	}
	res, err := s.sessions.Delegate(ctx, session.DelegateParams{
		ConductorID:    args.ConductorID,
		CompanionID:    args.CompanionID,
		Description:    args.Description,
		Skills:         args.Skills,
		Input:          input,
		Priority:       args.Priority,
		TimeoutSeconds: args.TimeoutSeconds,
		SessionID:      args.SessionID,
		Instructions:   args.Instructions,
	})
	if err != nil {
		return s.fail(err)
	}
	s.publish(ctx, pulse.Event{
		Type:      pulse.EventTaskDelegated,
		SessionID: args.SessionID,
		TaskID:    res.TaskID,
		Payload:   map[string]string{"companion_id": res.CompanionID},
	})
	return delegateTaskResult{Status: "delegated", DelegateResult: res}
}

// BroadcastTask fans a task out over the filtered companion pool.
func (s *Service) BroadcastTask(ctx context.Context, args broadcastTaskArgs) any {
	input, err := rawObject(args.Input)
	if err != nil {
		return failInput("input: %v", err)
	}
	res, err := s.sessions.Broadcast(ctx, session.BroadcastParams{
		ConductorID:          args.ConductorID,
		SessionID:            args.SessionID,
		Description:          args.Description,
		Skills:               args.Skills,
		Input:                input,
		Priority:             args.Priority,
		TimeoutSeconds:       args.TimeoutSeconds,
		Instructions:         args.Instructions,
		SpecializationFilter: args.SpecializationFilter,
		StatusFilter:         args.StatusFilter,
		MaxCompanions:        args.MaxCompanions,
	})
	if err != nil {
		return s.fail(err)
	}
	for _, d := range res.Results {
		if d.Error != "" {
			continue
		}
		s.publish(ctx, pulse.Event{
			Type:      pulse.EventTaskDelegated,
			SessionID: args.SessionID,
			TaskID:    d.TaskID,
			Payload:   map[string]string{"companion_id": d.CompanionID},
		})
	}
	return broadcastTaskResult{Status: "delegated", BroadcastResult: res}
}

// ReportTaskResult records a companion's terminal task outcome and closes
// the delegation loop.
func (s *Service) ReportTaskResult(ctx context.Context, args reportResultArgs) any {
	outputs, err := rawObject(args.Outputs)
	if err != nil {
		return failInput("outputs: %v", err)
	}
	res, err := s.sessions.ReportResult(ctx, session.ReportParams{
		CompanionID: args.CompanionID,
		TaskID:      args.TaskID,
		ConductorID: args.ConductorID,
		Status:      args.ResultStatus,
		Summary:     args.Summary,
		Outputs:     outputs,
		Artifacts:   args.Artifacts,
		ErrorCode:   args.ErrorCode,
		Metrics:     args.Metrics,
	})
	if err != nil {
		return s.fail(err)
	}
	s.publish(ctx, pulse.Event{
		Type:    pulse.EventTaskCompleted,
		TaskID:  args.TaskID,
		Payload: map[string]string{"companion_id": args.CompanionID, "result_status": args.ResultStatus},
	})
	return reportResultResult{Status: "recorded", ReportResult: res}
}

// ReadSessionActivity assembles the observer view of a session.
func (s *Service) ReadSessionActivity(ctx context.Context, args readActivityArgs) any {
	activity, err := s.sessions.ReadActivity(ctx, session.ActivityQuery{
		SessionID:      args.SessionID,
		ConductorID:    args.ConductorID,
		MaxDelegations: args.MaxDelegations,
		IncludeSkills:  args.IncludeSkills,
	})
	if err != nil {
		return s.fail(err)
	}
	return readActivityResult{Status: "ok", Activity: activity}
}

// UpdateConductorGuidelines merges strategist guidance into the conductor's
// guidelines block.
func (s *Service) UpdateConductorGuidelines(ctx context.Context, args updateGuidelinesArgs) any {
	guidelines, blockID, err := s.sessions.UpdateGuidelines(ctx, args.ConductorID, session.GuidelinesPatch{
		AddRecommendation: args.AddRecommendation,
		SkillPreferences:  args.SkillPreferences,
		Scaling:           args.Scaling,
		ModelDefaults:     args.ModelDefaults,
	})
	if err != nil {
		return s.fail(err)
	}
	return updateGuidelinesResult{Status: "updated", BlockID: blockID, Guidelines: guidelines}
}

// FinalizeSession winds a session down: wisdom preservation, companion
// dismissal, block cleanup. Cleanup problems degrade to warnings.
func (s *Service) FinalizeSession(ctx context.Context, args finalizeSessionArgs) any {
	res, err := s.sessions.Finalize(ctx, session.FinalizeParams{
		SessionID:          args.SessionID,
		BlockID:            args.BlockID,
		ConductorID:        args.ConductorID,
		DeleteCompanions:   args.DeleteCompanions,
		DeleteSessionBlock: args.DeleteSessionBlock,
		PreserveWisdom:     args.PreserveWisdom,
	})
	if err != nil {
		return s.fail(err)
	}
	s.publish(ctx, pulse.Event{
		Type:      pulse.EventSessionFinalized,
		SessionID: args.SessionID,
		Payload:   map[string]any{"dismissed_companions": len(res.DismissedCompanions)},
	})
	return finalizeSessionResult{Status: "finalized", FinalizeResult: res}
}

// ComputeTaskComplexity scores a task and, when the overlay defines model
// tiers, annotates the recommended model for the selected tier.
func (s *Service) ComputeTaskComplexity(ctx context.Context, args complexityArgs) any {
	res, err := complexity.Score(complexity.Input{
		Scores: complexity.Scores{
			Reasoning:    args.Reasoning,
			Context:      args.Context,
			Ambiguity:    args.Ambiguity,
			Coordination: args.Coordination,
			Stakes:       args.Stakes,
			Precision:    args.Precision,
			Novelty:      args.Novelty,
		},
		MaxLatencyMS:   args.MaxLatencyMS,
		SampleSize:     args.SampleSize,
		DomainMaturity: args.DomainMaturity,
	})
	if err != nil {
		return s.fail(err)
	}
	out := complexityResult{Status: "ok", Result: res}
	if tier, ok := s.tiers[res.Tier]; ok {
		out.RecommendedModel = tier.Model
	}
	return out
}
