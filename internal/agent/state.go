package agent

import (
	"time"

	"github.com/ashureev/repo-agent/internal/domain"
)

// State is the checkpointed state of one workflow thread. It is owned by a
// single run at a time.
type State struct {
	ThreadID   string               `json:"thread_id"`
	Repository domain.GitHubContext `json:"repository"`
	Steps      []*domain.PlanStep   `json:"steps"`
	Context    *domain.AgentContext `json:"context"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// NewState returns the initial state: no steps and a fresh context.
func NewState(threadID string, repo domain.GitHubContext, now time.Time) *State {
	return &State{
		ThreadID:   threadID,
		Repository: repo,
		Steps:      []*domain.PlanStep{},
		Context:    domain.NewAgentContext(now),
		UpdatedAt:  now,
	}
}

// normalize fills nil collections left by older or hand-written checkpoints.
func (s *State) normalize(now time.Time) {
	if s.Steps == nil {
		s.Steps = []*domain.PlanStep{}
	}
	if s.Context == nil {
		s.Context = domain.NewAgentContext(now)
	}
	if s.Context.ActionHistory == nil {
		s.Context.ActionHistory = []string{}
	}
	if s.Context.DiscoveredFiles == nil {
		s.Context.DiscoveredFiles = []string{}
	}
	if s.Context.ImportantFindings == nil {
		s.Context.ImportantFindings = []string{}
	}
}
