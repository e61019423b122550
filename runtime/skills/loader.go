package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
)

// BlockLabel is the agent memory block the loader manages.
const BlockLabel = "dcf_active_skills"

type (
	// ActiveSkill is one entry of the dcf_active_skills block payload. The
	// required tools are recorded at load time so unloading needs no index.
	ActiveSkill struct {
		SkillID       string    `json:"skill_id"`
		Name          string    `json:"name"`
		Version       string    `json:"version"`
		Directives    []string  `json:"directives,omitempty"`
		Permissions   []string  `json:"permissions,omitempty"`
		RequiredTools []string  `json:"required_tools,omitempty"`
		LoadedAt      time.Time `json:"loaded_at"`
	}

	// LoadResult reports what loading one skill changed on the agent.
	LoadResult struct {
		SkillID       string   `json:"skill_id"`
		ToolsAttached []string `json:"tools_attached,omitempty"`
		ToolsSkipped  []string `json:"tools_skipped,omitempty"`
	}

	// UnloadResult reports what unloading one skill changed on the agent.
	UnloadResult struct {
		Removed       bool     `json:"removed"`
		ToolsDetached []string `json:"tools_detached,omitempty"`
		Warnings      []string `json:"warnings,omitempty"`
	}

	// Loader applies manifests to platform agents.
	Loader struct {
		platform agentruntime.Client
		logger   telemetry.Logger
		now      func() time.Time
	}

	activeBlock struct {
		ActiveSkills []ActiveSkill `json:"active_skills"`
	}
)

// NewLoader constructs a Loader. A nil logger falls back to the noop logger.
func NewLoader(platform agentruntime.Client, logger telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Loader{platform: platform, logger: logger, now: time.Now}
}

// LoadFile reads and parses skill manifests from a filesystem path. Import
// URI policy is enforced by the caller before resolution.
func LoadFile(path string) ([]Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skills: read %s: %w", path, err)
	}
	manifests, err := ParseImport(raw)
	if err != nil {
		return nil, fmt.Errorf("skills: %s: %w", path, err)
	}
	return manifests, nil
}

// Load activates the manifest on the agent: the dcf_active_skills block is
// rewritten (created and attached when missing) and every required platform
// tool is attached. Tool names the platform does not know are logged and
// skipped; workers can still acquire them later.
func (l *Loader) Load(ctx context.Context, agentID string, m *Manifest) (LoadResult, error) {
	res := LoadResult{SkillID: m.Canonical()}

	block, found, err := l.findBlock(ctx, agentID)
	if err != nil {
		return res, err
	}

	var payload activeBlock
	if found && block.Value != "" {
		if err := json.Unmarshal([]byte(block.Value), &payload); err != nil {
			l.logger.Warn(ctx, "resetting unreadable skills block", "agent_id", agentID, "err", err)
			payload = activeBlock{}
		}
	}

	entry := ActiveSkill{
		SkillID:       res.SkillID,
		Name:          m.Name,
		Version:       m.Version,
		Directives:    m.Directives,
		Permissions:   m.Permissions,
		RequiredTools: m.RequiredTools,
		LoadedAt:      l.now().UTC(),
	}
	replaced := false
	for i, s := range payload.ActiveSkills {
		if s.SkillID == entry.SkillID {
			payload.ActiveSkills[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		payload.ActiveSkills = append(payload.ActiveSkills, entry)
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return res, fmt.Errorf("skills: encode block: %w", err)
	}
	if found {
		if err := l.platform.UpdateBlockValue(ctx, block.ID, string(value)); err != nil {
			return res, fmt.Errorf("skills: update block: %w", err)
		}
	} else {
		created, err := l.platform.CreateBlock(ctx, agentruntime.BlockSpec{Label: BlockLabel, Value: string(value)})
		if err != nil {
			return res, fmt.Errorf("skills: create block: %w", err)
		}
		if err := l.platform.AttachBlock(ctx, agentID, created.ID); err != nil {
			return res, fmt.Errorf("skills: attach block: %w", err)
		}
	}

	if len(m.RequiredTools) > 0 {
		toolIDs, err := l.toolsByName(ctx)
		if err != nil {
			return res, err
		}
		for _, name := range m.RequiredTools {
			id, ok := toolIDs[name]
			if !ok {
				l.logger.Warn(ctx, "skill tool not on platform", "agent_id", agentID, "skill", res.SkillID, "tool", name)
				res.ToolsSkipped = append(res.ToolsSkipped, name)
				continue
			}
			if err := l.platform.AttachTool(ctx, agentID, id); err != nil {
				return res, fmt.Errorf("skills: attach tool %s: %w", name, err)
			}
			res.ToolsAttached = append(res.ToolsAttached, name)
		}
	}
	return res, nil
}

// Unload removes the skill from the agent's dcf_active_skills block and
// detaches the tools recorded at load time. Detach failures degrade to
// warnings so dismissal can proceed.
func (l *Loader) Unload(ctx context.Context, agentID, skillRef string) (UnloadResult, error) {
	var res UnloadResult

	block, found, err := l.findBlock(ctx, agentID)
	if err != nil {
		return res, err
	}
	if !found || block.Value == "" {
		return res, nil
	}

	var payload activeBlock
	if err := json.Unmarshal([]byte(block.Value), &payload); err != nil {
		return res, fmt.Errorf("skills: decode block: %w", err)
	}

	var entry ActiveSkill
	var kept []ActiveSkill
	for _, s := range payload.ActiveSkills {
		if s.SkillID == skillRef && !res.Removed {
			entry = s
			res.Removed = true
			continue
		}
		kept = append(kept, s)
	}
	if !res.Removed {
		return res, nil
	}

	value, err := json.Marshal(activeBlock{ActiveSkills: kept})
	if err != nil {
		return res, fmt.Errorf("skills: encode block: %w", err)
	}
	if err := l.platform.UpdateBlockValue(ctx, block.ID, string(value)); err != nil {
		return res, fmt.Errorf("skills: update block: %w", err)
	}

	if len(entry.RequiredTools) > 0 {
		toolIDs, err := l.toolsByName(ctx)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("list tools: %v", err))
			return res, nil
		}
		for _, name := range entry.RequiredTools {
			id, ok := toolIDs[name]
			if !ok {
				continue
			}
			if err := l.platform.DetachTool(ctx, agentID, id); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("detach %s: %v", name, err))
				continue
			}
			res.ToolsDetached = append(res.ToolsDetached, name)
		}
	}
	return res, nil
}

// Active returns the skills currently recorded on the agent's block.
func (l *Loader) Active(ctx context.Context, agentID string) ([]ActiveSkill, error) {
	block, found, err := l.findBlock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !found || block.Value == "" {
		return nil, nil
	}
	var payload activeBlock
	if err := json.Unmarshal([]byte(block.Value), &payload); err != nil {
		return nil, fmt.Errorf("skills: decode block: %w", err)
	}
	return payload.ActiveSkills, nil
}

func (l *Loader) findBlock(ctx context.Context, agentID string) (agentruntime.Block, bool, error) {
	blocks, err := l.platform.ListAgentBlocks(ctx, agentID)
	if err != nil {
		return agentruntime.Block{}, false, fmt.Errorf("skills: list blocks: %w", err)
	}
	for _, b := range blocks {
		if b.Label == BlockLabel {
			return b, true, nil
		}
	}
	return agentruntime.Block{}, false, nil
}

func (l *Loader) toolsByName(ctx context.Context) (map[string]string, error) {
	tools, err := l.platform.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("skills: list tools: %w", err)
	}
	byName := make(map[string]string, len(tools))
	for _, t := range tools {
		byName[t.Name] = t.ID
	}
	return byName, nil
}
