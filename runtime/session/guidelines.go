package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
)

type (
	// Guidelines is the strategist-maintained block on a conductor: a
	// bounded ring of recommendations plus standing preferences the
	// conductor consults when delegating.
	Guidelines struct {
		// Recommendations keeps the most recent strategist advice.
		Recommendations []Recommendation `json:"recommendations,omitempty"`
		// SkillPreferences maps a task domain to the preferred skill ref.
		SkillPreferences map[string]string `json:"skill_preferences,omitempty"`
		// Scaling holds the companion-pool scaling thresholds.
		Scaling *ScalingThresholds `json:"scaling_thresholds,omitempty"`
		// ModelDefaults maps a model tier name to the default model handle.
		ModelDefaults map[string]string `json:"model_defaults,omitempty"`
		UpdatedAt     time.Time         `json:"updated_at"`
	}

	// Recommendation is one timestamped strategist note.
	Recommendation struct {
		Text string    `json:"text"`
		TS   time.Time `json:"ts"`
	}

	// ScalingThresholds tunes when the conductor grows or shrinks the pool.
	ScalingThresholds struct {
		// MaxCompanions caps the pool size.
		MaxCompanions int `json:"max_companions,omitempty"`
		// ScaleUpBacklog is the pending-task count that justifies a new
		// companion.
		ScaleUpBacklog int `json:"scale_up_backlog,omitempty"`
		// ScaleDownIdleSeconds is how long a companion may idle before
		// dismissal.
		ScaleDownIdleSeconds int `json:"scale_down_idle_s,omitempty"`
	}

	// GuidelinesPatch mutates selected guideline fields. Maps merge by key;
	// thresholds replace wholesale when non-nil.
	GuidelinesPatch struct {
		AddRecommendation string
		SkillPreferences  map[string]string
		Scaling           *ScalingThresholds
		ModelDefaults     map[string]string
	}
)

// UpdateGuidelines applies a patch to the conductor's guidelines block,
// creating and attaching the block on first use. Returns the committed
// guidelines and the block id.
func (c *Coordinator) UpdateGuidelines(ctx context.Context, conductorID string, patch GuidelinesPatch) (*Guidelines, string, error) {
	if conductorID == "" {
		return nil, "", fmt.Errorf("%w: conductor_id is required", ErrInvalidInput)
	}
	blocks, err := c.platform.ListAgentBlocks(ctx, conductorID)
	if err != nil {
		return nil, "", fmt.Errorf("list conductor blocks: %w", err)
	}

	var g Guidelines
	blockID := ""
	for _, b := range blocks {
		if b.Label != GuidelinesLabel {
			continue
		}
		blockID = b.ID
		if b.Value != "" {
			if err := json.Unmarshal([]byte(b.Value), &g); err != nil {
				c.log.Warn(ctx, "resetting unreadable guidelines block",
					"conductor_id", conductorID, "err", err)
				g = Guidelines{}
			}
		}
		break
	}

	if patch.AddRecommendation != "" {
		g.Recommendations = appendBounded(g.Recommendations,
			Recommendation{Text: patch.AddRecommendation, TS: c.now().UTC()}, maxRecommendations)
	}
	for k, v := range patch.SkillPreferences {
		if g.SkillPreferences == nil {
			g.SkillPreferences = make(map[string]string)
		}
		g.SkillPreferences[k] = v
	}
	if patch.Scaling != nil {
		g.Scaling = patch.Scaling
	}
	for k, v := range patch.ModelDefaults {
		if g.ModelDefaults == nil {
			g.ModelDefaults = make(map[string]string)
		}
		g.ModelDefaults[k] = v
	}
	g.UpdatedAt = c.now().UTC()

	value, err := json.Marshal(g)
	if err != nil {
		return nil, "", fmt.Errorf("encode guidelines: %w", err)
	}
	if blockID != "" {
		if err := c.platform.UpdateBlockValue(ctx, blockID, string(value)); err != nil {
			return nil, "", fmt.Errorf("write guidelines: %w", err)
		}
	} else {
		block, err := c.platform.CreateBlock(ctx, agentruntime.BlockSpec{
			Label: GuidelinesLabel,
			Value: string(value),
		})
		if err != nil {
			return nil, "", fmt.Errorf("create guidelines block: %w", err)
		}
		if err := c.platform.AttachBlock(ctx, conductorID, block.ID); err != nil {
			return nil, "", fmt.Errorf("attach guidelines block: %w", err)
		}
		blockID = block.ID
	}
	c.log.Debug(ctx, "guidelines updated", "conductor_id", conductorID, "block_id", blockID)
	return &g, blockID, nil
}
