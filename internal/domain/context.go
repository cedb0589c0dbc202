package domain

import (
	"fmt"
	"time"
)

// AgentContext is the session-scoped memory shared by the planner and executor.
// It is owned by one workflow state and must not be shared across sessions.
type AgentContext struct {
	LastAction          string     `json:"last_action,omitempty"`
	LastActionTime      *time.Time `json:"last_action_time,omitempty"`
	ActionHistory       []string   `json:"action_history"`
	DiscoveredFiles     []string   `json:"discovered_files"`
	ImportantFindings   []string   `json:"important_findings"`
	ErrorCount          int        `json:"error_count"`
	StartTime           time.Time  `json:"start_time"`
	TotalStepsCompleted int        `json:"total_steps_completed"`
	TotalStepsPlanned   int        `json:"total_steps_planned"`
}

// NewAgentContext returns a context with zeroed counters.
func NewAgentContext(now time.Time) *AgentContext {
	return &AgentContext{
		ActionHistory:     []string{},
		DiscoveredFiles:   []string{},
		ImportantFindings: []string{},
		StartTime:         now,
	}
}

// RecordAction updates the last-action fields and appends to the history.
func (c *AgentContext) RecordAction(now time.Time, action string) {
	c.LastAction = action
	c.LastActionTime = &now
	c.ActionHistory = append(c.ActionHistory, fmt.Sprintf("%s: %s", now.UTC().Format(time.RFC3339), action))
}

// AddDiscoveredFiles merges paths into the discovered set, keeping first-seen order.
func (c *AgentContext) AddDiscoveredFiles(paths ...string) {
	seen := make(map[string]struct{}, len(c.DiscoveredFiles))
	for _, p := range c.DiscoveredFiles {
		seen[p] = struct{}{}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		c.DiscoveredFiles = append(c.DiscoveredFiles, p)
	}
}

// AddFindings appends findings in order.
func (c *AgentContext) AddFindings(findings ...string) {
	c.ImportantFindings = append(c.ImportantFindings, findings...)
}

// RecentActions returns the last n history entries.
func (c *AgentContext) RecentActions(n int) []string {
	if n >= len(c.ActionHistory) {
		return c.ActionHistory
	}
	return c.ActionHistory[len(c.ActionHistory)-n:]
}

// RefreshProgress recomputes the step counters from the step list.
func (c *AgentContext) RefreshProgress(steps []*PlanStep) {
	c.TotalStepsCompleted = CountStatus(steps, StepComplete)
	c.TotalStepsPlanned = len(steps)
}
