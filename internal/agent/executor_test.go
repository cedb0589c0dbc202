package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/repo-agent/internal/domain"
)

func subAction(tool string, order int, args map[string]any) *domain.SubAction {
	return &domain.SubAction{
		Tool:        tool,
		Description: tool + " action",
		Args:        args,
		Order:       order,
		Status:      domain.SubActionPending,
	}
}

func assertDuration(t *testing.T, started, completed *time.Time, duration *float64) {
	t.Helper()
	require.NotNil(t, started)
	require.NotNil(t, completed)
	require.NotNil(t, duration)
	assert.InDelta(t, completed.Sub(*started).Seconds(), *duration, 1e-9)
}

func TestExecutorRunsSubActionsInOrder(t *testing.T) {
	repo := newFakeRepository()
	actx := domain.NewAgentContext(time.Now())
	step := domain.NewPlanStep("step_1", domain.KindTool, "Explore", []*domain.SubAction{
		subAction("search_code", 3, map[string]any{"query": "func main"}),
		subAction("get_tree", 1, map[string]any{"path": ""}),
		subAction("read_files", 2, map[string]any{"paths": []any{"README.md", "go.mod"}}),
	})

	rec := &LogRecorder{}
	got := NewExecutor(nil).Execute(context.Background(), step, actx, repo, rec)
	require.Same(t, step, got)

	assert.Equal(t, domain.StepComplete, step.Status)
	assert.Equal(t, []string{"list_directory:", "read_files", "search_code:func main"}, repo.Calls())
	for _, sa := range step.SubActions {
		assert.Equal(t, domain.SubActionComplete, sa.Status)
		assertDuration(t, sa.StartedAt, sa.CompletedAt, sa.Duration)
	}
	assertDuration(t, step.StartedAt, step.CompletedAt, step.Duration)

	results, ok := step.Result.([]any)
	require.True(t, ok)
	assert.Len(t, results, 3)

	assert.Equal(t, []string{"README.md", "go.mod", "cmd/hello/main.go"}, actx.DiscoveredFiles, "discovered files are deduplicated")
	assert.Equal(t, []string{"Found 2 files in root", "Read 2 files", "Found 1 matches for 'func main'"}, actx.ImportantFindings)
	assert.Equal(t, "Searched for: func main", actx.LastAction)
	assert.Zero(t, actx.ErrorCount)
	assert.Equal(t, "Starting step execution...", step.Updates[0])

	var completed int
	for _, e := range rec.Entries() {
		if strings.HasPrefix(e.Message, "Completed: ") {
			completed++
			assert.True(t, e.Done, e.Message)
		}
	}
	assert.Equal(t, 3, completed)
}

func TestExecutorStopsOnFirstFailure(t *testing.T) {
	repo := newFakeRepository()
	repo.failOn["src"] = errBoom
	actx := domain.NewAgentContext(time.Now())
	rec := &LogRecorder{}

	step := domain.NewPlanStep("step_1", domain.KindTool, "Explore", []*domain.SubAction{
		subAction("get_tree", 1, map[string]any{"path": "src"}),
		subAction("read_files", 2, map[string]any{"paths": []any{"README.md"}}),
	})

	NewExecutor(nil).Execute(context.Background(), step, actx, repo, rec)

	assert.Equal(t, domain.StepFailed, step.Status)
	first, second := step.SubActions[0], step.SubActions[1]
	assert.Equal(t, domain.SubActionFailed, first.Status)
	assert.Contains(t, first.Error, "boom")
	assertDuration(t, first.StartedAt, first.CompletedAt, first.Duration)

	assert.Equal(t, domain.SubActionPending, second.Status)
	assert.Nil(t, second.StartedAt)
	assert.Nil(t, second.CompletedAt)

	assert.Equal(t, 1, actx.ErrorCount)
	assert.Equal(t, first.Error, step.Error)
	assert.Nil(t, step.Result)
	assertDuration(t, step.StartedAt, step.CompletedAt, step.Duration)
	assert.Equal(t, []string{"list_directory:src"}, repo.Calls())

	entries := rec.Entries()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "Step failed: Explore", last.Message)
	assert.Equal(t, domain.LevelError, last.Level)
	assert.True(t, last.Done)
}

func TestExecutorUnknownToolIsTypedFailure(t *testing.T) {
	actx := domain.NewAgentContext(time.Now())
	step := domain.NewPlanStep("step_1", domain.KindTool, "Bad", []*domain.SubAction{
		subAction("rm_rf", 1, nil),
	})

	NewExecutor(nil).Execute(context.Background(), step, actx, newFakeRepository(), nil)

	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Equal(t, domain.SubActionFailed, step.SubActions[0].Status)
	assert.Contains(t, step.Error, "unknown tool")
	assert.Equal(t, 1, actx.ErrorCount)
}

func TestExecutorRecoversToolPanic(t *testing.T) {
	repo := newFakeRepository()
	repo.panicOn = "explode"
	actx := domain.NewAgentContext(time.Now())
	step := domain.NewPlanStep("step_1", domain.KindTool, "Panics", []*domain.SubAction{
		subAction("get_tree", 1, map[string]any{"path": "explode"}),
		subAction("get_tree", 2, map[string]any{"path": ""}),
	})

	NewExecutor(nil).Execute(context.Background(), step, actx, repo, nil)

	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Contains(t, step.SubActions[0].Error, "listing exploded")
	assert.Equal(t, domain.SubActionPending, step.SubActions[1].Status)
	assert.Equal(t, 1, actx.ErrorCount)
}

func TestExecutorStepLevelPanic(t *testing.T) {
	actx := domain.NewAgentContext(time.Now())
	step := domain.NewPlanStep("step_1", domain.KindTool, "Observer panics", nil)

	calls := 0
	obs := ObserverFunc(func(context.Context, StateUpdate) {
		calls++
		if calls == 1 {
			panic("observer exploded")
		}
	})

	got := NewExecutor(nil).Execute(context.Background(), step, actx, newFakeRepository(), obs)
	require.Same(t, step, got)

	assert.Equal(t, domain.StepFailed, step.Status, "a started step never stays pending")
	assert.Contains(t, step.Error, "observer exploded")
	assert.Equal(t, 1, actx.ErrorCount)
	assertDuration(t, step.StartedAt, step.CompletedAt, step.Duration)
}

func TestExecutorEmptyStepCompletes(t *testing.T) {
	actx := domain.NewAgentContext(time.Now())
	step := domain.NewPlanStep("step_1", domain.KindTool, "freeform text", nil)

	NewExecutor(nil).Execute(context.Background(), step, actx, newFakeRepository(), nil)

	assert.Equal(t, domain.StepComplete, step.Status)
	assert.Equal(t, []any{}, step.Result)
}

func TestExecutorIgnoresNonExecutableSteps(t *testing.T) {
	exec := NewExecutor(nil)
	actx := domain.NewAgentContext(time.Now())

	final := domain.NewPlanStep("step_1", domain.KindFinal, "done", nil)
	exec.Execute(context.Background(), final, actx, newFakeRepository(), nil)
	assert.Equal(t, domain.StepPending, final.Status)
	assert.Nil(t, final.StartedAt)

	done := domain.NewPlanStep("step_2", domain.KindTool, "done", nil)
	done.Status = domain.StepComplete
	exec.Execute(context.Background(), done, actx, newFakeRepository(), nil)
	assert.Nil(t, done.StartedAt)

	assert.Nil(t, exec.Execute(context.Background(), nil, actx, newFakeRepository(), nil))
	assert.Empty(t, actx.ActionHistory)
}

func TestExecutorWrapsToolErrors(t *testing.T) {
	repo := newFakeRepository()
	repo.failOn["q"] = errBoom
	step := domain.NewPlanStep("step_1", domain.KindTool, "Search", []*domain.SubAction{
		subAction("search_code", 1, map[string]any{"query": "q"}),
	})

	out, err := NewExecutor(nil).runSubAction(context.Background(), repo, step.SubActions[0])
	assert.Nil(t, out.Result)

	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, CodeToolExecution, toolErr.Code)
	assert.ErrorIs(t, err, errBoom)
}

// observerPanickingOn returns an observer that panics on updates whose first log
// message starts with prefix.
func observerPanickingOn(prefix string) Observer {
	return ObserverFunc(func(_ context.Context, u StateUpdate) {
		if len(u.Logs) > 0 && strings.HasPrefix(u.Logs[0].Message, prefix) {
			panic("observer exploded")
		}
	})
}

func TestExecutorPanicFailsInProgressSubAction(t *testing.T) {
	actx := domain.NewAgentContext(time.Now())
	step := domain.NewPlanStep("step_1", domain.KindTool, "Explore", []*domain.SubAction{
		subAction("get_tree", 1, map[string]any{"path": ""}),
		subAction("read_files", 2, map[string]any{"paths": []any{"README.md"}}),
	})

	got := NewExecutor(nil).Execute(context.Background(), step, actx, newFakeRepository(), observerPanickingOn("Executing: "))
	require.Same(t, step, got)

	assert.Equal(t, domain.StepFailed, step.Status)
	first := step.SubActions[0]
	assert.Equal(t, domain.SubActionFailed, first.Status)
	assert.Contains(t, first.Error, "observer exploded")
	assertDuration(t, first.StartedAt, first.CompletedAt, first.Duration)
	assert.Equal(t, domain.SubActionPending, step.SubActions[1].Status)
	assert.Equal(t, 1, actx.ErrorCount)
}

func TestExecutorPanicAfterSubActionFailureCountsOnce(t *testing.T) {
	repo := newFakeRepository()
	repo.failOn["src"] = errBoom
	actx := domain.NewAgentContext(time.Now())
	step := domain.NewPlanStep("step_1", domain.KindTool, "Explore", []*domain.SubAction{
		subAction("get_tree", 1, map[string]any{"path": "src"}),
	})

	got := NewExecutor(nil).Execute(context.Background(), step, actx, repo, observerPanickingOn("Error in "))
	require.Same(t, step, got)

	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Equal(t, domain.SubActionFailed, step.SubActions[0].Status)
	assert.Contains(t, step.SubActions[0].Error, "boom")
	assert.Equal(t, 1, actx.ErrorCount)
}

func TestExecutorContainsPanickingObserver(t *testing.T) {
	actx := domain.NewAgentContext(time.Now())
	step := domain.NewPlanStep("step_1", domain.KindTool, "Explore", nil)
	obs := ObserverFunc(func(context.Context, StateUpdate) { panic("always") })

	var got *domain.PlanStep
	require.NotPanics(t, func() {
		got = NewExecutor(nil).Execute(context.Background(), step, actx, newFakeRepository(), obs)
	})
	require.Same(t, step, got)
	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Equal(t, 1, actx.ErrorCount)
}
