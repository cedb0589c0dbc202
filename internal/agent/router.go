package agent

import "github.com/ashureev/repo-agent/internal/domain"

// Node names a workflow graph node.
type Node string

const (
	NodePlan    Node = "plan"
	NodeExecute Node = "execute"
	NodeEnd     Node = "end"
)

// Route selects the next node from the step list. With no pending step the
// planner runs; a pending tool step is executed; any other pending step ends
// the workflow.
func Route(steps []*domain.PlanStep) Node {
	next := domain.FirstPending(steps)
	switch {
	case next == nil:
		return NodePlan
	case next.IsTool():
		return NodeExecute
	default:
		return NodeEnd
	}
}
