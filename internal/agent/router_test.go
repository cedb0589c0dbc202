package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashureev/repo-agent/internal/domain"
)

func TestRoute(t *testing.T) {
	step := func(kind domain.StepKind, status domain.StepStatus) *domain.PlanStep {
		s := domain.NewPlanStep("step_1", kind, "d", nil)
		s.Status = status
		return s
	}

	tests := []struct {
		name  string
		steps []*domain.PlanStep
		want  Node
	}{
		{"no steps", nil, NodePlan},
		{"empty steps", []*domain.PlanStep{}, NodePlan},
		{"pending tool", []*domain.PlanStep{step(domain.KindTool, domain.StepPending)}, NodeExecute},
		{"pending final", []*domain.PlanStep{step(domain.KindFinal, domain.StepPending)}, NodeEnd},
		{"pending unknown kind", []*domain.PlanStep{step("summary", domain.StepPending)}, NodeEnd},
		{"complete tool", []*domain.PlanStep{step(domain.KindTool, domain.StepComplete)}, NodePlan},
		{"failed tool", []*domain.PlanStep{step(domain.KindTool, domain.StepFailed)}, NodePlan},
		{
			"first pending wins",
			[]*domain.PlanStep{
				step(domain.KindTool, domain.StepComplete),
				step(domain.KindFinal, domain.StepPending),
				step(domain.KindTool, domain.StepPending),
			},
			NodeEnd,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(tt.steps))
		})
	}
}
