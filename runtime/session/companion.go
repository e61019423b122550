package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/skills"
)

// Companion lifecycle statuses encoded in the status tag. A companion in the
// error status needs an explicit reset through UpdateCompanionStatus.
const (
	CompanionIdle  = "idle"
	CompanionBusy  = "busy"
	CompanionError = "error"
)

// Tag families projected from CompanionMetadata. Mutations rewrite only the
// affected family and preserve every other tag on the agent.
const (
	tagRoleCompanion     = "role:companion"
	tagPrefixSession     = "session:"
	tagPrefixSpecialty   = "specialization:"
	tagPrefixStatus      = "status:"
	tagPrefixConductor   = "conductor:"
	tagPrefixCurrentTask = "task:"
)

type (
	// CompanionMetadata is the typed view of a companion's tag-encoded state.
	CompanionMetadata struct {
		SessionID      string `json:"session_id,omitempty"`
		ConductorID    string `json:"conductor_id,omitempty"`
		Specialization string `json:"specialization,omitempty"`
		Status         string `json:"status,omitempty"`
		TaskID         string `json:"task_id,omitempty"`
	}

	// CreateCompanionParams describes a new companion.
	CreateCompanionParams struct {
		SessionID      string
		ConductorID    string
		Specialization string
		// Name overrides the composed runtime name.
		Name string
		// Persona seeds the persona block; empty uses a specialization line.
		Persona string
		// Model overrides the platform default model.
		Model string
		// SharedBlockIDs attach existing shared blocks (typically the
		// session context block).
		SharedBlockIDs []string
		// InitialSkills are resolved through the skill index and loaded on
		// the new companion. Unresolved references are skipped with a
		// warning.
		InitialSkills []string
		// ExtraTags are carried verbatim in addition to the metadata tags.
		ExtraTags []string
	}

	// CompanionResult reports a created companion.
	CompanionResult struct {
		CompanionID   string   `json:"companion_id"`
		Name          string   `json:"name"`
		Tags          []string `json:"tags"`
		SkillsLoaded  []string `json:"skills_loaded,omitempty"`
		SkillsSkipped []string `json:"skills_skipped,omitempty"`
	}

	// CompanionInfo is one listed companion.
	CompanionInfo struct {
		ID       string            `json:"id"`
		Name     string            `json:"name"`
		Metadata CompanionMetadata `json:"metadata"`
		Skills   []string          `json:"skills,omitempty"`
	}

	// ListFilters restricts ListCompanions.
	ListFilters struct {
		Specialization string
		Status         string
		// IncludeSkills reads each companion's active-skills block.
		IncludeSkills bool
	}

	// StatusUpdate rewrites selected tag families on a companion. Nil fields
	// are left unchanged; a pointer to the empty string clears the family.
	StatusUpdate struct {
		Status         *string
		Specialization *string
		TaskID         *string
	}

	// taskContextDoc is the task_context block payload.
	taskContextDoc struct {
		CurrentTask *TaskAssignment `json:"current_task,omitempty"`
		// History is the bounded ring of completed tasks, oldest first.
		History []TaskRecord `json:"history,omitempty"`
	}

	// TaskAssignment is the in-flight task recorded on a companion.
	TaskAssignment struct {
		TaskID         string          `json:"task_id"`
		Description    string          `json:"description"`
		RequiredSkills []string        `json:"required_skills,omitempty"`
		Input          json.RawMessage `json:"input,omitempty"`
		Priority       string          `json:"priority"`
		TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
		DelegatedAt    time.Time       `json:"delegated_at"`
	}

	// TaskRecord is one completed task in a companion's history ring.
	TaskRecord struct {
		TaskID       string    `json:"task_id"`
		Description  string    `json:"description,omitempty"`
		ResultStatus string    `json:"result_status"`
		Summary      string    `json:"summary,omitempty"`
		ErrorCode    string    `json:"error_code,omitempty"`
		CompletedAt  time.Time `json:"completed_at"`
		DurationS    float64   `json:"duration_s,omitempty"`
	}
)

// Tags projects the metadata to the platform tag set.
func (m CompanionMetadata) Tags() []string {
	tags := []string{tagRoleCompanion}
	if m.SessionID != "" {
		tags = append(tags, tagPrefixSession+m.SessionID)
	}
	if m.Specialization != "" {
		tags = append(tags, tagPrefixSpecialty+m.Specialization)
	}
	if m.Status != "" {
		tags = append(tags, tagPrefixStatus+m.Status)
	}
	if m.ConductorID != "" {
		tags = append(tags, tagPrefixConductor+m.ConductorID)
	}
	if m.TaskID != "" {
		tags = append(tags, tagPrefixCurrentTask+m.TaskID)
	}
	return tags
}

// MetadataFromTags projects an agent's tag set back to typed metadata.
func MetadataFromTags(a agentruntime.Agent) CompanionMetadata {
	var m CompanionMetadata
	m.SessionID, _ = a.TagValue(tagPrefixSession)
	m.Specialization, _ = a.TagValue(tagPrefixSpecialty)
	m.Status, _ = a.TagValue(tagPrefixStatus)
	m.ConductorID, _ = a.TagValue(tagPrefixConductor)
	m.TaskID, _ = a.TagValue(tagPrefixCurrentTask)
	return m
}

// CreateCompanion materializes a companion agent with the standard memory
// blocks, the metadata tag set, the shared block attachments and the initial
// skills.
func (c *Coordinator) CreateCompanion(ctx context.Context, p CreateCompanionParams) (*CompanionResult, error) {
	if p.SessionID == "" || p.ConductorID == "" {
		return nil, fmt.Errorf("%w: session_id and conductor_id are required", ErrInvalidInput)
	}
	if p.Specialization == "" {
		p.Specialization = "general"
	}

	name := p.Name
	if name == "" {
		name = fmt.Sprintf("dcf-%s-%s-%s", shortID(p.SessionID), p.Specialization, c.newID()[:4])
	}
	persona := p.Persona
	if persona == "" {
		persona = "You are a " + p.Specialization + " companion agent. You execute tasks delegated by your conductor and report results when done."
	}

	meta := CompanionMetadata{
		SessionID:      p.SessionID,
		ConductorID:    p.ConductorID,
		Specialization: p.Specialization,
		Status:         CompanionIdle,
	}
	emptyTask, err := json.Marshal(taskContextDoc{})
	if err != nil {
		return nil, fmt.Errorf("encode task context: %w", err)
	}

	req := agentruntime.CreateAgentRequest{
		Name:  name,
		Model: p.Model,
		Tags:  append(meta.Tags(), p.ExtraTags...),
		Blocks: []agentruntime.BlockSpec{
			{Label: PersonaLabel, Value: persona},
			{Label: TaskContextLabel, Value: string(emptyTask)},
			{Label: skills.BlockLabel, Value: `{"active_skills":[]}`},
		},
		BlockIDs: p.SharedBlockIDs,
	}
	agent, err := c.platform.CreateAgent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create companion: %w", err)
	}

	res := &CompanionResult{CompanionID: agent.ID, Name: agent.Name, Tags: agent.Tags}
	for _, ref := range p.InitialSkills {
		manifest, ok := c.resolveSkill(ref)
		if !ok {
			c.log.Warn(ctx, "companion skill not resolvable",
				"session_id", p.SessionID, "companion_id", agent.ID, "skill", ref)
			res.SkillsSkipped = append(res.SkillsSkipped, ref)
			continue
		}
		if _, err := c.loader.Load(ctx, agent.ID, manifest); err != nil {
			c.log.Warn(ctx, "companion skill load failed",
				"session_id", p.SessionID, "companion_id", agent.ID, "skill", ref, "err", err)
			res.SkillsSkipped = append(res.SkillsSkipped, ref)
			continue
		}
		res.SkillsLoaded = append(res.SkillsLoaded, manifest.Canonical())
	}

	c.metrics.IncCounter("session.companions_created", 1, "specialization", p.Specialization)
	c.log.Info(ctx, "companion created",
		"session_id", p.SessionID, "companion_id", agent.ID, "specialization", p.Specialization)
	return res, nil
}

// ListCompanions returns the session's companions, filtered by
// specialization and status tags when requested.
func (c *Coordinator) ListCompanions(ctx context.Context, sessionID string, filters ListFilters) ([]CompanionInfo, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	agents, err := c.platform.ListAgents(ctx, agentruntime.ListQuery{
		Tags:     []string{tagPrefixSession + sessionID, tagRoleCompanion},
		MatchAll: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list session companions: %w", err)
	}
	var out []CompanionInfo
	for _, a := range agents {
		meta := MetadataFromTags(a)
		if filters.Specialization != "" && meta.Specialization != filters.Specialization {
			continue
		}
		if filters.Status != "" && meta.Status != filters.Status {
			continue
		}
		info := CompanionInfo{ID: a.ID, Name: a.Name, Metadata: meta}
		if filters.IncludeSkills && c.loader != nil {
			active, err := c.loader.Active(ctx, a.ID)
			if err != nil {
				c.log.Warn(ctx, "read companion skills failed", "companion_id", a.ID, "err", err)
			}
			for _, s := range active {
				info.Skills = append(info.Skills, s.SkillID)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// UpdateCompanionStatus rewrites exactly the tag families named in the
// update, preserving all other tags.
func (c *Coordinator) UpdateCompanionStatus(ctx context.Context, companionID string, update StatusUpdate) (*CompanionInfo, error) {
	if update.Status != nil && *update.Status != "" {
		switch *update.Status {
		case CompanionIdle, CompanionBusy, CompanionError:
		default:
			return nil, fmt.Errorf("%w: unknown companion status %q", ErrInvalidInput, *update.Status)
		}
	}
	agent, err := c.requireCompanion(ctx, companionID)
	if err != nil {
		return nil, err
	}
	tags := agent.Tags
	if update.Status != nil {
		tags = replaceTagFamily(tags, tagPrefixStatus, *update.Status)
	}
	if update.Specialization != nil {
		tags = replaceTagFamily(tags, tagPrefixSpecialty, *update.Specialization)
	}
	if update.TaskID != nil {
		tags = replaceTagFamily(tags, tagPrefixCurrentTask, *update.TaskID)
	}
	updated, err := c.platform.ReplaceAgentTags(ctx, companionID, tags)
	if err != nil {
		return nil, fmt.Errorf("replace companion tags: %w", err)
	}
	return &CompanionInfo{ID: updated.ID, Name: updated.Name, Metadata: MetadataFromTags(updated)}, nil
}

// requireCompanion loads the agent and checks it carries the companion role.
func (c *Coordinator) requireCompanion(ctx context.Context, companionID string) (agentruntime.Agent, error) {
	agent, err := c.platform.GetAgent(ctx, companionID)
	if err != nil {
		return agentruntime.Agent{}, fmt.Errorf("companion %q: %w", companionID, err)
	}
	if !agent.HasTag(tagRoleCompanion) {
		return agentruntime.Agent{}, fmt.Errorf("agent %q: %w", companionID, ErrNotCompanion)
	}
	return agent, nil
}

// mutateTaskContext runs a read-modify-write cycle on a companion's
// task_context block.
func (c *Coordinator) mutateTaskContext(ctx context.Context, companionID string, fn func(*taskContextDoc)) error {
	blocks, err := c.platform.ListAgentBlocks(ctx, companionID)
	if err != nil {
		return fmt.Errorf("list companion blocks: %w", err)
	}
	for _, b := range blocks {
		if b.Label != TaskContextLabel {
			continue
		}
		var doc taskContextDoc
		if b.Value != "" {
			if err := json.Unmarshal([]byte(b.Value), &doc); err != nil {
				c.log.Warn(ctx, "resetting unreadable task context", "companion_id", companionID, "err", err)
				doc = taskContextDoc{}
			}
		}
		fn(&doc)
		value, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode task context: %w", err)
		}
		if err := c.platform.UpdateBlockValue(ctx, b.ID, string(value)); err != nil {
			return fmt.Errorf("write task context: %w", err)
		}
		return nil
	}
	return fmt.Errorf("task_context block on companion %q: %w", companionID, ErrBlockMissing)
}

// replaceTagFamily removes every tag with the prefix and appends the new
// value when non-empty.
func replaceTagFamily(tags []string, prefix, value string) []string {
	out := make([]string, 0, len(tags)+1)
	for _, t := range tags {
		if !strings.HasPrefix(t, prefix) {
			out = append(out, t)
		}
	}
	if value != "" {
		out = append(out, prefix+value)
	}
	return out
}

// resolveSkill resolves a skill reference through the configured index.
func (c *Coordinator) resolveSkill(ref string) (*skills.Manifest, bool) {
	if c.index == nil || c.loader == nil {
		return nil, false
	}
	return c.index.Resolve(ref)
}

// shortID returns a compact prefix of an identifier for name composition.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
