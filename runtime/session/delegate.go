package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
)

// EnvelopeType tags every delegation envelope sent to a companion.
const EnvelopeType = "task_delegation"

// Task priorities accepted on delegation.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// DefaultTimeoutSeconds bounds a delegated task when the caller gives none.
const DefaultTimeoutSeconds = 300

// Delegation record statuses. Result statuses are reported by the companion.
const (
	DelegationPending   = "pending"
	DelegationCompleted = "completed"
)

type (
	// DelegationRecord is one entry of the conductor's delegation log.
	DelegationRecord struct {
		TaskID         string     `json:"task_id"`
		CompanionID    string     `json:"companion_id"`
		SessionID      string     `json:"session_id,omitempty"`
		Description    string     `json:"description,omitempty"`
		SkillsAssigned []string   `json:"skills_assigned,omitempty"`
		Priority       string     `json:"priority"`
		Status         string     `json:"status"`
		ResultStatus   string     `json:"result_status,omitempty"`
		DelegatedAt    time.Time  `json:"delegated_at"`
		CompletedAt    *time.Time `json:"completed_at,omitempty"`
		DurationS      float64    `json:"duration_s,omitempty"`
		ErrorCode      string     `json:"error_code,omitempty"`
	}

	// delegationLogDoc is the delegation_log block payload, a bounded ring
	// of the most recent records, oldest first.
	delegationLogDoc struct {
		Delegations []DelegationRecord `json:"delegations"`
	}

	// Envelope is the task-delegation message delivered to a companion as
	// the text content of a system-role message.
	Envelope struct {
		Type          string    `json:"type"`
		TaskID        string    `json:"task_id"`
		FromConductor string    `json:"from_conductor"`
		Timestamp     time.Time `json:"timestamp"`
		Task          TaskSpec  `json:"task"`
		Instructions  string    `json:"instructions,omitempty"`
	}

	// TaskSpec is the task description inside a delegation envelope.
	TaskSpec struct {
		Description    string          `json:"description"`
		RequiredSkills []string        `json:"required_skills,omitempty"`
		Input          json.RawMessage `json:"input,omitempty"`
		Priority       string          `json:"priority"`
		TimeoutSeconds int             `json:"timeout_seconds"`
	}

	// DelegateParams describes one task delegation.
	DelegateParams struct {
		ConductorID    string
		CompanionID    string
		Description    string
		Skills         []string
		Input          json.RawMessage
		Priority       string
		TimeoutSeconds int
		SessionID      string
		Instructions   string
	}

	// DelegateResult reports one delegation.
	DelegateResult struct {
		TaskID           string `json:"task_id"`
		CompanionID      string `json:"companion_id"`
		MessageSent      bool   `json:"message_sent"`
		RunID            string `json:"run_id,omitempty"`
		DelegationLogged bool   `json:"delegation_logged"`
	}

	// BroadcastParams describes a fan-out delegation over the session pool.
	BroadcastParams struct {
		ConductorID string
		SessionID   string
		Description string
		Skills      []string
		Input       json.RawMessage
		Priority    string
		TimeoutSeconds int
		Instructions   string
		// SpecializationFilter restricts candidates to one specialization.
		SpecializationFilter string
		// StatusFilter restricts candidates by status tag; defaults to idle.
		StatusFilter string
		// MaxCompanions bounds how many companions receive a task;
		// defaults to 1.
		MaxCompanions int
	}

	// BroadcastResult reports a fan-out delegation per candidate.
	BroadcastResult struct {
		CompanionsAssigned []string            `json:"companions_assigned"`
		Results            []BroadcastDelegate `json:"delegation_results"`
	}

	// BroadcastDelegate is one per-companion broadcast outcome.
	BroadcastDelegate struct {
		CompanionID string `json:"companion_id"`
		TaskID      string `json:"task_id,omitempty"`
		RunID       string `json:"run_id,omitempty"`
		Error       string `json:"error,omitempty"`
	}

	// ReportParams records a companion's terminal task outcome.
	ReportParams struct {
		CompanionID string
		TaskID      string
		ConductorID string
		// Status is the result status: succeeded, failed or partial.
		Status    string
		Summary   string
		Outputs   json.RawMessage
		Artifacts []string
		ErrorCode string
		// Metrics is forwarded verbatim into the history record summary
		// when present.
		Metrics json.RawMessage
	}

	// ReportResult reports what the result recording changed.
	ReportResult struct {
		TaskID         string  `json:"task_id"`
		LogUpdated     bool    `json:"log_updated"`
		SessionUpdated bool    `json:"session_updated"`
		DurationS      float64 `json:"duration_s,omitempty"`
	}
)

// Delegate assigns a task to one companion: the companion is flipped to busy,
// the delegation is logged on the conductor, the companion's task context is
// updated and the envelope is sent asynchronously. A failed send reverts the
// companion to idle.
func (c *Coordinator) Delegate(ctx context.Context, p DelegateParams) (*DelegateResult, error) {
	if p.ConductorID == "" || p.CompanionID == "" || p.Description == "" {
		return nil, fmt.Errorf("%w: conductor_id, companion_id and description are required", ErrInvalidInput)
	}
	priority, err := normalizePriority(p.Priority)
	if err != nil {
		return nil, err
	}
	timeout := p.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}

	agent, err := c.requireCompanion(ctx, p.CompanionID)
	if err != nil {
		return nil, err
	}
	meta := MetadataFromTags(agent)
	if meta.Status == CompanionBusy {
		return nil, fmt.Errorf("companion %q runs task %q: %w", p.CompanionID, meta.TaskID, ErrCompanionBusy)
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = meta.SessionID
	}

	taskID := "task-" + c.newID()
	now := c.now().UTC()

	tags := replaceTagFamily(agent.Tags, tagPrefixStatus, CompanionBusy)
	tags = replaceTagFamily(tags, tagPrefixCurrentTask, taskID)
	if _, err := c.platform.ReplaceAgentTags(ctx, p.CompanionID, tags); err != nil {
		return nil, fmt.Errorf("mark companion busy: %w", err)
	}

	res := &DelegateResult{TaskID: taskID, CompanionID: p.CompanionID}
	record := DelegationRecord{
		TaskID:         taskID,
		CompanionID:    p.CompanionID,
		SessionID:      sessionID,
		Description:    p.Description,
		SkillsAssigned: p.Skills,
		Priority:       priority,
		Status:         DelegationPending,
		DelegatedAt:    now,
	}
	if err := c.appendDelegation(ctx, p.ConductorID, record); err != nil {
		c.log.Warn(ctx, "delegation log append failed",
			"conductor_id", p.ConductorID, "task_id", taskID, "err", err)
	} else {
		res.DelegationLogged = true
	}

	if err := c.mutateTaskContext(ctx, p.CompanionID, func(doc *taskContextDoc) {
		doc.CurrentTask = &TaskAssignment{
			TaskID:         taskID,
			Description:    p.Description,
			RequiredSkills: p.Skills,
			Input:          p.Input,
			Priority:       priority,
			TimeoutSeconds: timeout,
			DelegatedAt:    now,
		}
	}); err != nil {
		c.log.Warn(ctx, "task context update failed",
			"companion_id", p.CompanionID, "task_id", taskID, "err", err)
	}

	env := Envelope{
		Type:          EnvelopeType,
		TaskID:        taskID,
		FromConductor: p.ConductorID,
		Timestamp:     now,
		Task: TaskSpec{
			Description:    p.Description,
			RequiredSkills: p.Skills,
			Input:          p.Input,
			Priority:       priority,
			TimeoutSeconds: timeout,
		},
		Instructions: p.Instructions,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode delegation envelope: %w", err)
	}
	sent, err := c.platform.SendMessageAsync(ctx, p.CompanionID, agentruntime.Message{
		Role:    "system",
		Content: string(body),
	})
	if err != nil {
		c.revertToIdle(ctx, p.CompanionID)
		return nil, fmt.Errorf("send delegation to companion %q: %w", p.CompanionID, err)
	}
	res.MessageSent = true
	res.RunID = sent.RunID

	c.metrics.IncCounter("session.delegated", 1, "priority", priority)
	c.log.Info(ctx, "task delegated",
		"session_id", sessionID, "task_id", taskID,
		"conductor_id", p.ConductorID, "companion_id", p.CompanionID)
	return res, nil
}

// Broadcast delegates the task to up to MaxCompanions companions matching the
// specialization and status filters. Per-companion failures are reported in
// the results instead of aborting the fan-out.
func (c *Coordinator) Broadcast(ctx context.Context, p BroadcastParams) (*BroadcastResult, error) {
	if p.ConductorID == "" || p.SessionID == "" || p.Description == "" {
		return nil, fmt.Errorf("%w: conductor_id, session_id and description are required", ErrInvalidInput)
	}
	status := p.StatusFilter
	if status == "" {
		status = CompanionIdle
	}
	max := p.MaxCompanions
	if max <= 0 {
		max = 1
	}
	candidates, err := c.ListCompanions(ctx, p.SessionID, ListFilters{
		Specialization: p.SpecializationFilter,
		Status:         status,
	})
	if err != nil {
		return nil, err
	}

	res := &BroadcastResult{}
	for _, cand := range candidates {
		if len(res.CompanionsAssigned) >= max {
			break
		}
		out, err := c.Delegate(ctx, DelegateParams{
			ConductorID:    p.ConductorID,
			CompanionID:    cand.ID,
			Description:    p.Description,
			Skills:         p.Skills,
			Input:          p.Input,
			Priority:       p.Priority,
			TimeoutSeconds: p.TimeoutSeconds,
			SessionID:      p.SessionID,
			Instructions:   p.Instructions,
		})
		if err != nil {
			res.Results = append(res.Results, BroadcastDelegate{CompanionID: cand.ID, Error: err.Error()})
			continue
		}
		res.CompanionsAssigned = append(res.CompanionsAssigned, cand.ID)
		res.Results = append(res.Results, BroadcastDelegate{
			CompanionID: cand.ID,
			TaskID:      out.TaskID,
			RunID:       out.RunID,
		})
	}
	return res, nil
}

// ReportResult records a task's terminal outcome: the delegation log entry is
// completed, the companion returns to idle with the task archived in its
// history ring, and the session context moves the task to completed.
func (c *Coordinator) ReportResult(ctx context.Context, p ReportParams) (*ReportResult, error) {
	if p.CompanionID == "" || p.TaskID == "" || p.ConductorID == "" {
		return nil, fmt.Errorf("%w: companion_id, task_id and conductor_id are required", ErrInvalidInput)
	}
	switch p.Status {
	case "succeeded", "failed", "partial":
	default:
		return nil, fmt.Errorf("%w: unknown result status %q", ErrInvalidInput, p.Status)
	}
	now := c.now().UTC()
	res := &ReportResult{TaskID: p.TaskID}

	var sessionID string
	err := c.mutateDelegationLog(ctx, p.ConductorID, func(doc *delegationLogDoc) {
		for i := range doc.Delegations {
			rec := &doc.Delegations[i]
			if rec.TaskID != p.TaskID {
				continue
			}
			rec.Status = DelegationCompleted
			rec.ResultStatus = p.Status
			rec.CompletedAt = &now
			rec.DurationS = now.Sub(rec.DelegatedAt).Seconds()
			rec.ErrorCode = p.ErrorCode
			sessionID = rec.SessionID
			res.LogUpdated = true
			res.DurationS = rec.DurationS
			return
		}
	})
	if err != nil {
		c.log.Warn(ctx, "delegation log update failed",
			"conductor_id", p.ConductorID, "task_id", p.TaskID, "err", err)
	}

	if err := c.mutateTaskContext(ctx, p.CompanionID, func(doc *taskContextDoc) {
		record := TaskRecord{
			TaskID:       p.TaskID,
			ResultStatus: p.Status,
			Summary:      p.Summary,
			ErrorCode:    p.ErrorCode,
			CompletedAt:  now,
			DurationS:    res.DurationS,
		}
		if doc.CurrentTask != nil && doc.CurrentTask.TaskID == p.TaskID {
			record.Description = doc.CurrentTask.Description
			doc.CurrentTask = nil
		}
		doc.History = appendBounded(doc.History, record, maxTaskHistory)
	}); err != nil {
		c.log.Warn(ctx, "task context archive failed",
			"companion_id", p.CompanionID, "task_id", p.TaskID, "err", err)
	}

	idle := CompanionIdle
	clear := ""
	if _, err := c.UpdateCompanionStatus(ctx, p.CompanionID, StatusUpdate{Status: &idle, TaskID: &clear}); err != nil {
		c.log.Warn(ctx, "companion status reset failed",
			"companion_id", p.CompanionID, "task_id", p.TaskID, "err", err)
	}

	if sessionID != "" {
		if block, err := c.findSessionBlock(ctx, p.ConductorID, sessionID); err == nil {
			if _, err := c.mutateContext(ctx, sessionID, block.ID, func(sc *Context) error {
				sc.completeTask(p.TaskID)
				return nil
			}); err == nil {
				res.SessionUpdated = true
			} else {
				c.log.Warn(ctx, "session context completion failed",
					"session_id", sessionID, "task_id", p.TaskID, "err", err)
			}
		}
	}

	c.metrics.IncCounter("session.completed", 1, "result", p.Status)
	c.log.Info(ctx, "task result recorded",
		"task_id", p.TaskID, "companion_id", p.CompanionID, "result", p.Status)
	return res, nil
}

// appendDelegation appends a record to the conductor's delegation log ring,
// creating and attaching the block on first use.
func (c *Coordinator) appendDelegation(ctx context.Context, conductorID string, record DelegationRecord) error {
	blocks, err := c.platform.ListAgentBlocks(ctx, conductorID)
	if err != nil {
		return fmt.Errorf("list conductor blocks: %w", err)
	}
	for _, b := range blocks {
		if b.Label != DelegationLogLabel {
			continue
		}
		var doc delegationLogDoc
		if b.Value != "" {
			if err := json.Unmarshal([]byte(b.Value), &doc); err != nil {
				c.log.Warn(ctx, "resetting unreadable delegation log", "conductor_id", conductorID, "err", err)
				doc = delegationLogDoc{}
			}
		}
		doc.Delegations = appendBounded(doc.Delegations, record, maxDelegations)
		value, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode delegation log: %w", err)
		}
		if err := c.platform.UpdateBlockValue(ctx, b.ID, string(value)); err != nil {
			return fmt.Errorf("write delegation log: %w", err)
		}
		return nil
	}

	value, err := json.Marshal(delegationLogDoc{Delegations: []DelegationRecord{record}})
	if err != nil {
		return fmt.Errorf("encode delegation log: %w", err)
	}
	block, err := c.platform.CreateBlock(ctx, agentruntime.BlockSpec{
		Label: DelegationLogLabel,
		Value: string(value),
	})
	if err != nil {
		return fmt.Errorf("create delegation log: %w", err)
	}
	if err := c.platform.AttachBlock(ctx, conductorID, block.ID); err != nil {
		return fmt.Errorf("attach delegation log: %w", err)
	}
	return nil
}

// mutateDelegationLog runs a read-modify-write cycle on the conductor's
// delegation log block.
func (c *Coordinator) mutateDelegationLog(ctx context.Context, conductorID string, fn func(*delegationLogDoc)) error {
	blocks, err := c.platform.ListAgentBlocks(ctx, conductorID)
	if err != nil {
		return fmt.Errorf("list conductor blocks: %w", err)
	}
	for _, b := range blocks {
		if b.Label != DelegationLogLabel {
			continue
		}
		var doc delegationLogDoc
		if b.Value != "" {
			if err := json.Unmarshal([]byte(b.Value), &doc); err != nil {
				return fmt.Errorf("decode delegation log: %w", err)
			}
		}
		fn(&doc)
		value, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode delegation log: %w", err)
		}
		if err := c.platform.UpdateBlockValue(ctx, b.ID, string(value)); err != nil {
			return fmt.Errorf("write delegation log: %w", err)
		}
		return nil
	}
	return fmt.Errorf("delegation_log block on conductor %q: %w", conductorID, ErrBlockMissing)
}

// readDelegationLog returns the conductor's delegation records, oldest first.
// A missing log reads as empty.
func (c *Coordinator) readDelegationLog(ctx context.Context, conductorID string) ([]DelegationRecord, error) {
	blocks, err := c.platform.ListAgentBlocks(ctx, conductorID)
	if err != nil {
		return nil, fmt.Errorf("list conductor blocks: %w", err)
	}
	for _, b := range blocks {
		if b.Label != DelegationLogLabel || b.Value == "" {
			continue
		}
		var doc delegationLogDoc
		if err := json.Unmarshal([]byte(b.Value), &doc); err != nil {
			return nil, fmt.Errorf("decode delegation log: %w", err)
		}
		return doc.Delegations, nil
	}
	return nil, nil
}

// revertToIdle undoes the busy flip after a failed delegation send.
func (c *Coordinator) revertToIdle(ctx context.Context, companionID string) {
	idle := CompanionIdle
	clear := ""
	if _, err := c.UpdateCompanionStatus(ctx, companionID, StatusUpdate{Status: &idle, TaskID: &clear}); err != nil {
		c.log.Warn(ctx, "companion revert failed", "companion_id", companionID, "err", err)
	}
}

func normalizePriority(p string) (string, error) {
	switch p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, p)
	}
}
