package session

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// DefaultActivityDelegations bounds how many recent delegations an activity
// read returns when the caller gives no limit.
const DefaultActivityDelegations = 50

type (
	// ActivityQuery selects what ReadActivity returns.
	ActivityQuery struct {
		SessionID string
		// ConductorID locates the delegation log and the session block.
		// Empty is resolved from the companions' conductor tags.
		ConductorID string
		// MaxDelegations bounds the returned delegation records; zero uses
		// DefaultActivityDelegations.
		MaxDelegations int
		// IncludeSkills reads each companion's active-skills block.
		IncludeSkills bool
	}

	// Activity is the observer view of a session: context, recent
	// delegations, the companion pool and aggregated performance metrics.
	Activity struct {
		SessionContext *Context                `json:"session_context,omitempty"`
		Delegations    []DelegationRecord      `json:"delegations,omitempty"`
		Companions     []CompanionInfo         `json:"companions,omitempty"`
		SkillMetrics   map[string]SkillMetrics `json:"skill_metrics,omitempty"`
		Metrics        OverallMetrics          `json:"metrics"`
	}

	// SkillMetrics aggregates delegation outcomes per assigned skill.
	SkillMetrics struct {
		UsageCount   int     `json:"usage_count"`
		SuccessCount int     `json:"success_count"`
		FailureCount int     `json:"failure_count"`
		// SuccessRate is successes over finished uses, rounded to one
		// decimal. Zero when nothing finished yet.
		SuccessRate  float64       `json:"success_rate"`
		AvgDurationS float64       `json:"avg_duration_s,omitempty"`
		FailureModes []FailureMode `json:"failure_modes,omitempty"`
	}

	// FailureMode counts one error code observed on a skill.
	FailureMode struct {
		ErrorCode string `json:"error_code"`
		Count     int    `json:"count"`
	}

	// OverallMetrics summarizes the session.
	OverallMetrics struct {
		CompanionCount     int            `json:"companion_count"`
		CompanionsByStatus map[string]int `json:"companions_by_status,omitempty"`
		TotalDelegations   int            `json:"total_delegations"`
		CompletedTasks     int            `json:"completed_tasks"`
		SuccessRate        float64        `json:"success_rate"`
		AvgTaskDurationS   float64        `json:"avg_task_duration_s,omitempty"`
		// TopSkills lists the five most used skills by delegation count.
		TopSkills []SkillUsage `json:"top_skills,omitempty"`
	}

	// SkillUsage is one entry of the top-skills ranking.
	SkillUsage struct {
		Skill string `json:"skill"`
		Count int    `json:"count"`
	}
)

// ReadActivity assembles the session activity view. Partial data is better
// than none for an observer: a missing session block or delegation log
// degrades to the respective fields staying empty.
func (c *Coordinator) ReadActivity(ctx context.Context, q ActivityQuery) (*Activity, error) {
	if q.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	max := q.MaxDelegations
	if max <= 0 {
		max = DefaultActivityDelegations
	}

	companions, err := c.ListCompanions(ctx, q.SessionID, ListFilters{IncludeSkills: q.IncludeSkills})
	if err != nil {
		return nil, err
	}
	conductorID := q.ConductorID
	if conductorID == "" {
		for _, comp := range companions {
			if comp.Metadata.ConductorID != "" {
				conductorID = comp.Metadata.ConductorID
				break
			}
		}
	}
	if conductorID == "" {
		return nil, fmt.Errorf("%w: conductor_id is required when the session has no companions", ErrInvalidInput)
	}

	act := &Activity{Companions: companions}

	if block, err := c.findSessionBlock(ctx, conductorID, q.SessionID); err == nil {
		sc, err := c.ReadContext(ctx, q.SessionID, block.ID)
		if err != nil {
			return nil, err
		}
		act.SessionContext = sc
	} else {
		c.log.Warn(ctx, "session block unavailable for activity read",
			"session_id", q.SessionID, "conductor_id", conductorID, "err", err)
	}

	log, err := c.readDelegationLog(ctx, conductorID)
	if err != nil {
		return nil, err
	}
	sessionLog := make([]DelegationRecord, 0, len(log))
	for _, rec := range log {
		if rec.SessionID == "" || rec.SessionID == q.SessionID {
			sessionLog = append(sessionLog, rec)
		}
	}
	if len(sessionLog) > max {
		act.Delegations = sessionLog[len(sessionLog)-max:]
	} else {
		act.Delegations = sessionLog
	}

	act.SkillMetrics = aggregateSkills(sessionLog)
	act.Metrics = aggregateOverall(companions, sessionLog, act.SkillMetrics)
	return act, nil
}

// aggregateSkills folds the full session log into per-skill aggregates. The
// whole log feeds the metrics even when the returned record list is shorter.
func aggregateSkills(log []DelegationRecord) map[string]SkillMetrics {
	if len(log) == 0 {
		return nil
	}
	type acc struct {
		usage, success, failure int
		duration                float64
		finished                int
		failures                map[string]int
	}
	bySkill := make(map[string]*acc)
	for _, rec := range log {
		for _, skill := range rec.SkillsAssigned {
			a := bySkill[skill]
			if a == nil {
				a = &acc{failures: make(map[string]int)}
				bySkill[skill] = a
			}
			a.usage++
			if rec.Status != DelegationCompleted {
				continue
			}
			a.finished++
			a.duration += rec.DurationS
			switch rec.ResultStatus {
			case "succeeded":
				a.success++
			case "failed":
				a.failure++
				code := rec.ErrorCode
				if code == "" {
					code = "unknown"
				}
				a.failures[code]++
			}
		}
	}
	if len(bySkill) == 0 {
		return nil
	}
	out := make(map[string]SkillMetrics, len(bySkill))
	for skill, a := range bySkill {
		m := SkillMetrics{
			UsageCount:   a.usage,
			SuccessCount: a.success,
			FailureCount: a.failure,
		}
		if a.success+a.failure > 0 {
			m.SuccessRate = round1(float64(a.success) / float64(a.success+a.failure))
		}
		if a.finished > 0 {
			m.AvgDurationS = a.duration / float64(a.finished)
		}
		m.FailureModes = topFailureModes(a.failures, 3)
		out[skill] = m
	}
	return out
}

// aggregateOverall folds companions and the session log into the summary
// metrics.
func aggregateOverall(companions []CompanionInfo, log []DelegationRecord, skillMetrics map[string]SkillMetrics) OverallMetrics {
	m := OverallMetrics{
		CompanionCount:   len(companions),
		TotalDelegations: len(log),
	}
	if len(companions) > 0 {
		m.CompanionsByStatus = make(map[string]int, 3)
		for _, comp := range companions {
			status := comp.Metadata.Status
			if status == "" {
				status = "unknown"
			}
			m.CompanionsByStatus[status]++
		}
	}
	succeeded, finished := 0, 0
	var duration float64
	for _, rec := range log {
		if rec.Status != DelegationCompleted {
			continue
		}
		m.CompletedTasks++
		duration += rec.DurationS
		switch rec.ResultStatus {
		case "succeeded":
			succeeded++
			finished++
		case "failed":
			finished++
		}
	}
	if finished > 0 {
		m.SuccessRate = round1(float64(succeeded) / float64(finished))
	}
	if m.CompletedTasks > 0 {
		m.AvgTaskDurationS = duration / float64(m.CompletedTasks)
	}

	usage := make([]SkillUsage, 0, len(skillMetrics))
	for skill, sm := range skillMetrics {
		usage = append(usage, SkillUsage{Skill: skill, Count: sm.UsageCount})
	}
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Count != usage[j].Count {
			return usage[i].Count > usage[j].Count
		}
		return usage[i].Skill < usage[j].Skill
	})
	if len(usage) > 5 {
		usage = usage[:5]
	}
	m.TopSkills = usage
	return m
}

// topFailureModes ranks error codes by count, ties broken alphabetically.
func topFailureModes(failures map[string]int, limit int) []FailureMode {
	if len(failures) == 0 {
		return nil
	}
	out := make([]FailureMode, 0, len(failures))
	for code, count := range failures {
		out = append(out, FailureMode{ErrorCode: code, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ErrorCode < out[j].ErrorCode
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// round1 rounds a ratio to one decimal.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
