package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/repo-agent/internal/domain"
)

const exploreReply = `{"type":"tool","description":"Explore the root","sub_actions":[` +
	`{"tool":"get_tree","description":"List the root","args":{"path":""},"order":1},` +
	`{"tool":"read_files","description":"Read the readme","args":{"paths":["README.md"]},"order":2}]}`

func newTestWorkflow(t *testing.T, model *scriptedModel, checkpoints Checkpointer, maxIterations int) *Workflow {
	t.Helper()
	planner, err := NewPlanner(model, nil)
	require.NoError(t, err)
	return NewWorkflow(planner, NewExecutor(nil), checkpoints, maxIterations, nil)
}

func testRepo() domain.GitHubContext {
	return domain.GitHubContext{Owner: "octo", Repo: "hello"}
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	model := &scriptedModel{replies: []string{exploreReply}}
	checkpoints := NewMemoryCheckpointer()
	rec := &LogRecorder{}
	w := newTestWorkflow(t, model, checkpoints, 0)

	state := NewState("user:session", testRepo(), time.Now())
	iterations, err := w.Run(context.Background(), state, newFakeRepository(), rec)
	require.NoError(t, err)

	// plan, execute, plan(final)
	assert.Equal(t, 3, iterations)
	require.Len(t, state.Steps, 2)
	assert.Equal(t, "step_1", state.Steps[0].ID)
	assert.Equal(t, domain.StepComplete, state.Steps[0].Status)
	assert.Equal(t, "step_2", state.Steps[1].ID)
	assert.Equal(t, domain.KindFinal, state.Steps[1].Kind)
	assert.Equal(t, domain.StepPending, state.Steps[1].Status)

	assert.Equal(t, 1, state.Context.TotalStepsCompleted)
	assert.Equal(t, 2, state.Context.TotalStepsPlanned)
	assert.Equal(t, []string{"README.md", "go.mod"}, state.Context.DiscoveredFiles)

	var planned int
	for _, a := range state.Context.ActionHistory {
		if strings.Contains(a, "Planning step: ") {
			planned++
		}
	}
	assert.Equal(t, 2, planned)

	messages := rec.Messages()
	require.NotEmpty(t, messages)
	assert.Equal(t, "Analysis complete", messages[len(messages)-1])

	saved, err := checkpoints.Load(context.Background(), "user:session")
	require.NoError(t, err)
	assert.Len(t, saved.Steps, 2)
	assert.Equal(t, domain.StepComplete, saved.Steps[0].Status)
}

func TestWorkflowObserverSeesFullStepList(t *testing.T) {
	model := &scriptedModel{replies: []string{exploreReply}}
	w := newTestWorkflow(t, model, nil, 0)

	var maxSteps int
	obs := ObserverFunc(func(_ context.Context, u StateUpdate) {
		require.NotNil(t, u.Logs)
		if len(u.Steps) > maxSteps {
			maxSteps = len(u.Steps)
		}
	})

	state := NewState("t", testRepo(), time.Now())
	_, err := w.Run(context.Background(), state, newFakeRepository(), obs)
	require.NoError(t, err)
	assert.Equal(t, 2, maxSteps)
}

// loopPlanner never finishes.
type loopPlanner struct{ calls int }

func (p *loopPlanner) Plan(_ context.Context, steps []*domain.PlanStep, _ *domain.AgentContext, _ Observer) (*domain.PlanStep, error) {
	p.calls++
	return domain.NewPlanStep(fmt.Sprintf("step_%d", len(steps)+1), domain.KindTool, "again", nil), nil
}

func TestWorkflowStopsAtIterationLimit(t *testing.T) {
	planner := &loopPlanner{}
	rec := &LogRecorder{}
	w := NewWorkflow(planner, NewExecutor(nil), NewMemoryCheckpointer(), 4, nil)

	state := NewState("t", testRepo(), time.Now())
	iterations, err := w.Run(context.Background(), state, newFakeRepository(), rec)

	require.ErrorIs(t, err, ErrIterationLimit)
	assert.Equal(t, 4, iterations)
	assert.Equal(t, 2, planner.calls)
	assert.Len(t, state.Steps, 2)

	entries := rec.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, domain.LevelWarning, last.Level)
	assert.Equal(t, "Stopped after 4 iterations; run again to continue", last.Message)
}

func TestWorkflowPlannerErrorFailsRun(t *testing.T) {
	model := &scriptedModel{err: errBoom}
	checkpoints := NewMemoryCheckpointer()
	rec := &LogRecorder{}
	w := newTestWorkflow(t, model, checkpoints, 0)

	state := NewState("t", testRepo(), time.Now())
	iterations, err := w.Run(context.Background(), state, newFakeRepository(), rec)

	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, iterations)
	assert.Empty(t, state.Steps)
	assert.Equal(t, 1, state.Context.ErrorCount)

	entries := rec.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, domain.LevelError, last.Level)
	assert.True(t, strings.HasPrefix(last.Message, "Planning failed: "))

	saved, err := checkpoints.Load(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Context.ErrorCount)
}

func TestWorkflowResumesFromCheckpoint(t *testing.T) {
	checkpoints := NewMemoryCheckpointer()
	state := NewState("t", testRepo(), time.Now())
	state.Steps = append(state.Steps, domain.NewPlanStep("step_1", domain.KindTool, "List", []*domain.SubAction{
		subAction("get_tree", 1, map[string]any{"path": ""}),
	}))
	require.NoError(t, checkpoints.Save(context.Background(), state))

	restored, err := checkpoints.Load(context.Background(), "t")
	require.NoError(t, err)

	model := &scriptedModel{}
	w := newTestWorkflow(t, model, checkpoints, 0)
	iterations, err := w.Run(context.Background(), restored, newFakeRepository(), nil)
	require.NoError(t, err)

	// execute the restored step, then plan the final step
	assert.Equal(t, 2, iterations)
	assert.Len(t, model.Calls(), 1)
	assert.Equal(t, domain.StepComplete, restored.Steps[0].Status)
	assert.Equal(t, "step_2", restored.Steps[1].ID)
}

func TestWorkflowFinishedStateEndsImmediately(t *testing.T) {
	model := &scriptedModel{}
	w := newTestWorkflow(t, model, nil, 0)

	state := NewState("t", testRepo(), time.Now())
	state.Steps = append(state.Steps, domain.NewPlanStep("step_1", domain.KindFinal, "done", nil))

	iterations, err := w.Run(context.Background(), state, newFakeRepository(), nil)
	require.NoError(t, err)
	assert.Zero(t, iterations)
	assert.Empty(t, model.Calls())
}

func TestWorkflowHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &scriptedModel{}
	w := newTestWorkflow(t, model, nil, 0)

	iterations, err := w.Run(ctx, NewState("t", testRepo(), time.Now()), newFakeRepository(), nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, iterations)
	assert.Empty(t, model.Calls())
}
