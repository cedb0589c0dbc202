package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ashureev/repo-agent/internal/domain"
	"github.com/ashureev/repo-agent/internal/metrics"
)

// Executor runs the sub-actions of a pending tool step against a repository.
type Executor struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger, now: time.Now}
}

// Execute runs step in place and returns it. Steps that are not pending tool
// steps are returned untouched. Sub-actions run in ascending order and the
// first failure stops the step; nothing is raised to the caller.
func (e *Executor) Execute(ctx context.Context, step *domain.PlanStep, actx *domain.AgentContext, client RepositoryClient, obs Observer) (out *domain.PlanStep) {
	if step == nil || step.Status != domain.StepPending || !step.IsTool() {
		return step
	}
	obs = orNop(obs)
	steps := []*domain.PlanStep{step}
	counted := false

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		out = step
		err := fmt.Errorf("panic: %v", r)
		e.logger.Error("Step execution panicked", "step_id", step.ID, "error", err)

		now := e.now()
		for _, sa := range step.SubActions {
			if sa.Status == domain.SubActionInProgress {
				sa.Fail(now, err)
				metrics.SubActionFinished(toolLabel(sa.Tool), string(domain.SubActionFailed))
			}
		}
		step.Status = domain.StepFailed
		step.Error = err.Error()
		step.Finish(now)
		if !counted {
			actx.ErrorCount++
		}
		metrics.StepFinished(string(domain.StepFailed))
		e.emitSafely(ctx, obs, step.ID, StateUpdate{Steps: steps, Context: actx, Logs: []domain.LogEntry{
			domain.NewLogEntry(now, domain.LevelError, true, "Step failed: "+err.Error()),
		}})
	}()

	now := e.now()
	step.Start(now)
	step.AddUpdate("Starting step execution...")
	actx.RecordAction(now, "Starting step: "+step.Description)
	obs.Emit(ctx, StateUpdate{Steps: steps, Context: actx, Logs: []domain.LogEntry{
		domain.NewLogEntry(now, domain.LevelInfo, false, "Starting step: "+step.Description),
	}})

	sort.SliceStable(step.SubActions, func(i, j int) bool {
		return step.SubActions[i].Order < step.SubActions[j].Order
	})

	results := make([]any, 0, len(step.SubActions))
	var failed *domain.SubAction
	for _, sa := range step.SubActions {
		label := sa.Description
		if label == "" {
			label = sa.Tool
		}

		sa.Start(e.now())
		obs.Emit(ctx, StateUpdate{Steps: steps, Logs: []domain.LogEntry{
			domain.NewLogEntry(e.now(), domain.LevelInfo, false, "Executing: "+label),
		}})

		res, err := e.runSubAction(ctx, client, sa)
		if err != nil {
			sa.Fail(e.now(), err)
			actx.ErrorCount++
			counted = true
			step.AddUpdate(fmt.Sprintf("Error in %s: %s", label, sa.Error))
			metrics.SubActionFinished(toolLabel(sa.Tool), string(domain.SubActionFailed))
			e.logger.Warn("Sub-action failed", "step_id", step.ID, "tool", sa.Tool, "order", sa.Order, "error", err)
			obs.Emit(ctx, StateUpdate{Steps: steps, Context: actx, Logs: []domain.LogEntry{
				domain.NewLogEntry(e.now(), domain.LevelError, false, fmt.Sprintf("Error in %s: %s", label, sa.Error)),
			}})
			failed = sa
			break
		}

		done := e.now()
		sa.Complete(done, res.Result)
		actx.AddDiscoveredFiles(res.Discovered...)
		actx.AddFindings(res.Findings...)
		actx.RecordAction(done, res.Action)
		step.AddUpdate("Completed: " + label)
		metrics.SubActionFinished(toolLabel(sa.Tool), string(domain.SubActionComplete))
		results = append(results, res.Result)
		obs.Emit(ctx, StateUpdate{Steps: steps, Context: actx, Logs: []domain.LogEntry{
			domain.NewLogEntry(done, domain.LevelInfo, true, "Completed: "+label),
		}})
	}

	level := domain.LevelInfo
	if failed == nil {
		step.Status = domain.StepComplete
		step.Result = results
	} else {
		step.Status = domain.StepFailed
		step.Error = failed.Error
		level = domain.LevelError
	}
	end := e.now()
	step.Finish(end)
	metrics.StepFinished(string(step.Status))

	obs.Emit(ctx, StateUpdate{Steps: steps, Context: actx, Logs: []domain.LogEntry{
		domain.NewLogEntry(end, level, true, fmt.Sprintf("Step %s: %s", step.Status, step.Description)),
	}})
	return step
}

// emitSafely delivers u while the step is already failing; a panicking
// observer is logged and dropped.
func (e *Executor) emitSafely(ctx context.Context, obs Observer, stepID string, u StateUpdate) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Observer panicked while reporting step failure", "step_id", stepID, "panic", r)
		}
	}()
	obs.Emit(ctx, u)
}

// runSubAction dispatches one sub-action, converting a handler panic into a
// ToolError.
func (e *Executor) runSubAction(ctx context.Context, client RepositoryClient, sa *domain.SubAction) (out toolOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newToolError(CodeToolPanic, sa.Tool, fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	if client == nil {
		return toolOutcome{}, newToolError(CodeToolExecution, sa.Tool, "no repository client", nil)
	}
	return dispatchTool(ctx, client, sa.Tool, sa.Args)
}
