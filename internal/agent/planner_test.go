package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/repo-agent/internal/domain"
	"github.com/ashureev/repo-agent/internal/llm"
)

func newTestPlanner(t *testing.T, model llm.Client) *Planner {
	t.Helper()
	p, err := NewPlanner(model, nil)
	require.NoError(t, err)
	return p
}

func TestPlannerMalformedOutputFallsBack(t *testing.T) {
	p := newTestPlanner(t, &scriptedModel{replies: []string{"not json"}})

	step, err := p.Plan(context.Background(), nil, domain.NewAgentContext(time.Now()), nil)
	require.NoError(t, err)

	assert.Equal(t, "step_1", step.ID)
	assert.Equal(t, domain.KindTool, step.Kind)
	assert.Equal(t, "not json", step.Description)
	assert.Empty(t, step.SubActions)
	assert.NotNil(t, step.SubActions)
	assert.Equal(t, domain.StepPending, step.Status)
	assert.Nil(t, step.StartedAt)
	assert.Nil(t, step.Result)
	assert.Empty(t, step.Updates)
}

func TestPlannerEmptyReplyFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"m",`+
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":""}}]}`)
	}))
	defer srv.Close()

	models := map[string]llm.Client{
		"openai client":    llm.NewOpenAIClient(llm.Config{APIKey: "k", BaseURL: srv.URL + "/v1/", Model: "m"}),
		"wrapped sentinel": &scriptedModel{err: fmt.Errorf("provider: %w", llm.ErrEmptyResponse)},
	}
	for name, model := range models {
		t.Run(name, func(t *testing.T) {
			step, err := newTestPlanner(t, model).Plan(context.Background(), nil, domain.NewAgentContext(time.Now()), nil)
			require.NoError(t, err)
			assert.Equal(t, "step_1", step.ID)
			assert.Equal(t, domain.KindTool, step.Kind)
			assert.Empty(t, step.Description)
			assert.Empty(t, step.SubActions)
		})
	}
}

func TestPlannerSchemaViolationFallsBack(t *testing.T) {
	tests := map[string]string{
		"missing description":     `{"type":"tool"}`,
		"sub-action without tool": `{"type":"tool","description":"x","sub_actions":[{"order":1}]}`,
		"order is not a number":   `{"type":"tool","description":"x","sub_actions":[{"tool":"get_tree","order":"first"}]}`,
		"not an object":           `["get_tree"]`,
	}
	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			p := newTestPlanner(t, &scriptedModel{replies: []string{reply}})
			step, err := p.Plan(context.Background(), nil, domain.NewAgentContext(time.Now()), nil)
			require.NoError(t, err)
			assert.Equal(t, domain.KindTool, step.Kind)
			assert.Equal(t, reply, step.Description)
			assert.Empty(t, step.SubActions)
		})
	}
}

func TestPlannerParsesStep(t *testing.T) {
	reply := "```json\n" + `{
		"type": "tool",
		"description": "Explore the layout",
		"status": "complete",
		"sub_actions": [
			{"tool": "read_files", "description": "Read docs", "args": {"paths": ["README.md"]}, "order": 2, "status": "complete"},
			{"tool": "get_tree", "description": "List root", "order": 1}
		]
	}` + "\n```"
	p := newTestPlanner(t, &scriptedModel{replies: []string{reply}})

	existing := []*domain.PlanStep{domain.NewPlanStep("step_1", domain.KindTool, "earlier", nil)}
	step, err := p.Plan(context.Background(), existing, domain.NewAgentContext(time.Now()), nil)
	require.NoError(t, err)

	assert.Equal(t, "step_2", step.ID)
	assert.Equal(t, domain.KindTool, step.Kind)
	assert.Equal(t, "Explore the layout", step.Description)
	assert.Equal(t, domain.StepPending, step.Status, "model-supplied status is ignored")
	require.Len(t, step.SubActions, 2)

	assert.Equal(t, "read_files", step.SubActions[0].Tool)
	assert.Equal(t, 2, step.SubActions[0].Order)
	assert.Equal(t, []any{"README.md"}, step.SubActions[0].Args["paths"])
	for _, sa := range step.SubActions {
		assert.Equal(t, domain.SubActionPending, sa.Status)
		assert.NotNil(t, sa.Args)
	}
}

func TestPlannerFinalStep(t *testing.T) {
	p := newTestPlanner(t, &scriptedModel{})

	step, err := p.Plan(context.Background(), nil, domain.NewAgentContext(time.Now()), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.KindFinal, step.Kind)
	assert.False(t, step.IsTool())
}

func TestPlannerEmitsProgress(t *testing.T) {
	rec := &LogRecorder{}
	p := newTestPlanner(t, &scriptedModel{replies: []string{"not json"}})

	_, err := p.Plan(context.Background(), nil, domain.NewAgentContext(time.Now()), rec)
	require.NoError(t, err)

	entries := rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Planning next step...", entries[0].Message)
	assert.False(t, entries[0].Done)
	assert.Equal(t, "Planning complete: not json", entries[1].Message)
	assert.True(t, entries[1].Done)
	assert.Equal(t, domain.LevelInfo, entries[1].Level)
}

func TestPlannerModelError(t *testing.T) {
	p := newTestPlanner(t, &scriptedModel{err: errBoom})

	step, err := p.Plan(context.Background(), nil, domain.NewAgentContext(time.Now()), nil)
	assert.Nil(t, step)
	assert.ErrorIs(t, err, errBoom)
}

func TestPlannerPromptSummarizesContext(t *testing.T) {
	model := &scriptedModel{}
	p := newTestPlanner(t, model)

	actx := domain.NewAgentContext(time.Now())
	actx.AddDiscoveredFiles("README.md")
	actx.AddFindings("Found 2 files in root")
	for i := 0; i < 7; i++ {
		actx.RecordAction(time.Now(), "action-"+string(rune('a'+i)))
	}
	actx.TotalStepsCompleted = 3

	_, err := p.Plan(context.Background(), nil, actx, nil)
	require.NoError(t, err)

	calls := model.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	assert.Equal(t, llm.RoleSystem, calls[0][0].Role)
	assert.Contains(t, calls[0][0].Content, "get_tree")
	assert.Contains(t, calls[0][0].Content, `"sub_actions"`, "the reflected schema is part of the prompt")

	summary := calls[0][1].Content
	assert.Equal(t, llm.RoleUser, calls[0][1].Role)
	assert.Contains(t, summary, `"README.md"`)
	assert.Contains(t, summary, "Found 2 files in root")
	assert.Contains(t, summary, "Total steps completed: 3")
	assert.Contains(t, summary, "action-g")
	assert.Contains(t, summary, "action-c")
	assert.NotContains(t, summary, "action-b", "only the five most recent actions are sent")
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence("  {\"a\":1}  "))
	assert.True(t, strings.HasPrefix(stripFence("not json"), "not"))
}
