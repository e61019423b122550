package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type (
	// FinalizeParams describes one session finalize.
	FinalizeParams struct {
		SessionID string
		// BlockID names the session context block; empty is resolved from
		// the conductor's attached blocks.
		BlockID string
		// ConductorID locates the session block when BlockID is empty and
		// the context cannot be read.
		ConductorID string
		// DeleteCompanions dismisses every companion of the session.
		DeleteCompanions bool
		// DeleteSessionBlock removes the session context block at the end.
		DeleteSessionBlock bool
		// PreserveWisdom captures each companion's recent task history into
		// a data-plane document before dismissal.
		PreserveWisdom bool
	}

	// FinalizeResult reports one session finalize.
	FinalizeResult struct {
		SessionID           string   `json:"session_id"`
		DismissedCompanions []string `json:"dismissed_companions,omitempty"`
		WisdomKey           string   `json:"wisdom_key,omitempty"`
		SessionBlockDeleted bool     `json:"session_block_deleted"`
		Warnings            []string `json:"warnings,omitempty"`
	}

	// wisdomDoc is the preserved companion experience written to the data
	// plane at finalize.
	wisdomDoc struct {
		SessionID  string                      `json:"session_id"`
		CapturedAt time.Time                   `json:"captured_at"`
		Companions map[string]companionWisdom  `json:"companions"`
	}

	companionWisdom struct {
		Name           string       `json:"name"`
		Specialization string       `json:"specialization,omitempty"`
		History        []TaskRecord `json:"history,omitempty"`
	}
)

// Finalize ends a session: the context moves through completing to
// completed, companion wisdom is optionally preserved, companions are
// dismissed (skills unloaded, shared blocks detached, agent deleted) and the
// context block is optionally removed. Finalization is best-effort; non-fatal
// failures are collected into warnings.
func (c *Coordinator) Finalize(ctx context.Context, p FinalizeParams) (*FinalizeResult, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	res := &FinalizeResult{SessionID: p.SessionID}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		c.log.Warn(ctx, "session finalize warning", "session_id", p.SessionID, "warning", msg)
	}

	blockID := p.BlockID
	if blockID == "" && p.ConductorID != "" {
		if block, err := c.findSessionBlock(ctx, p.ConductorID, p.SessionID); err == nil {
			blockID = block.ID
		} else {
			warn("locate session block: %v", err)
		}
	}

	if blockID != "" {
		if _, err := c.mutateContext(ctx, p.SessionID, blockID, func(sc *Context) error {
			sc.State = StateCompleting
			return nil
		}); err != nil {
			warn("mark session completing: %v", err)
		}
	}

	companions, err := c.ListCompanions(ctx, p.SessionID, ListFilters{})
	if err != nil {
		return nil, err
	}

	if p.PreserveWisdom {
		res.WisdomKey = c.preserveWisdom(ctx, p.SessionID, companions, warn)
	}

	if p.DeleteCompanions {
		for _, comp := range companions {
			c.dismissCompanion(ctx, comp, warn)
			res.DismissedCompanions = append(res.DismissedCompanions, comp.ID)
		}
	}

	if blockID != "" {
		if _, err := c.mutateContext(ctx, p.SessionID, blockID, func(sc *Context) error {
			sc.State = StateCompleted
			if p.DeleteCompanions {
				sc.CompanionCount = 0
			}
			return nil
		}); err != nil {
			warn("mark session completed: %v", err)
		}
		if p.DeleteSessionBlock {
			if err := c.platform.DeleteBlock(ctx, blockID); err != nil {
				warn("delete session block: %v", err)
			} else {
				res.SessionBlockDeleted = true
			}
		}
	}

	c.metrics.IncCounter("session.finalized", 1)
	c.log.Info(ctx, "session finalized",
		"session_id", p.SessionID,
		"dismissed", len(res.DismissedCompanions),
		"warnings", len(res.Warnings))
	return res, nil
}

// preserveWisdom captures each companion's task history ring into the
// session's wisdom document. Returns the written key, empty on failure.
func (c *Coordinator) preserveWisdom(ctx context.Context, sessionID string, companions []CompanionInfo, warn func(string, ...any)) string {
	if c.docs == nil {
		warn("preserve wisdom: no document store configured")
		return ""
	}
	doc := wisdomDoc{
		SessionID:  sessionID,
		CapturedAt: c.now().UTC(),
		Companions: make(map[string]companionWisdom, len(companions)),
	}
	for _, comp := range companions {
		history, err := c.taskHistory(ctx, comp.ID)
		if err != nil {
			warn("capture history of %q: %v", comp.ID, err)
			continue
		}
		doc.Companions[comp.ID] = companionWisdom{
			Name:           comp.Name,
			Specialization: comp.Metadata.Specialization,
			History:        history,
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		warn("encode wisdom: %v", err)
		return ""
	}
	key := WisdomKey(sessionID)
	if err := c.docs.Set(ctx, key, raw, 0); err != nil {
		warn("write wisdom %q: %v", key, err)
		return ""
	}
	return key
}

// taskHistory returns the companion's bounded task history ring.
func (c *Coordinator) taskHistory(ctx context.Context, companionID string) ([]TaskRecord, error) {
	blocks, err := c.platform.ListAgentBlocks(ctx, companionID)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if b.Label != TaskContextLabel || b.Value == "" {
			continue
		}
		var doc taskContextDoc
		if err := json.Unmarshal([]byte(b.Value), &doc); err != nil {
			return nil, err
		}
		return doc.History, nil
	}
	return nil, nil
}

// dismissCompanion unloads the companion's skills, detaches its shared
// session blocks and deletes the agent. Every step degrades to a warning so
// one stuck companion cannot block the finalize.
func (c *Coordinator) dismissCompanion(ctx context.Context, comp CompanionInfo, warn func(string, ...any)) {
	if c.loader != nil {
		active, err := c.loader.Active(ctx, comp.ID)
		if err != nil {
			warn("list skills of %q: %v", comp.ID, err)
		}
		for _, s := range active {
			if _, err := c.loader.Unload(ctx, comp.ID, s.SkillID); err != nil {
				warn("unload skill %q from %q: %v", s.SkillID, comp.ID, err)
			}
		}
	}

	blocks, err := c.platform.ListAgentBlocks(ctx, comp.ID)
	if err != nil {
		warn("list blocks of %q: %v", comp.ID, err)
	}
	for _, b := range blocks {
		if !strings.HasPrefix(b.Label, SessionBlockPrefix) {
			continue
		}
		if err := c.platform.DetachBlock(ctx, comp.ID, b.ID); err != nil {
			warn("detach block %q from %q: %v", b.Label, comp.ID, err)
		}
	}

	if err := c.platform.DeleteAgent(ctx, comp.ID); err != nil {
		warn("delete companion %q: %v", comp.ID, err)
		return
	}
	c.metrics.IncCounter("session.companions_dismissed", 1)
}
