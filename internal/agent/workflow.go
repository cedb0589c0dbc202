package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/repo-agent/internal/domain"
)

// DefaultMaxIterations bounds node invocations per run when none is configured.
const DefaultMaxIterations = 25

// StepPlanner produces the next plan step.
type StepPlanner interface {
	Plan(ctx context.Context, steps []*domain.PlanStep, actx *domain.AgentContext, obs Observer) (*domain.PlanStep, error)
}

// StepExecutor runs a pending tool step in place.
type StepExecutor interface {
	Execute(ctx context.Context, step *domain.PlanStep, actx *domain.AgentContext, client RepositoryClient, obs Observer) *domain.PlanStep
}

// Workflow drives the plan -> route -> execute loop for one thread.
type Workflow struct {
	planner       StepPlanner
	executor      StepExecutor
	checkpoints   Checkpointer
	maxIterations int
	logger        *slog.Logger
	now           func() time.Time
}

// NewWorkflow wires the graph nodes. A nil checkpointer keeps state in memory only.
func NewWorkflow(planner StepPlanner, executor StepExecutor, checkpoints Checkpointer, maxIterations int, logger *slog.Logger) *Workflow {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		planner:       planner,
		executor:      executor,
		checkpoints:   checkpoints,
		maxIterations: maxIterations,
		logger:        logger,
		now:           time.Now,
	}
}

// Run advances state until the router ends the workflow, the iteration bound
// is hit, the planner's model call fails, or ctx is done. The entry node is
// chosen by the router, so a restored state resumes where it stopped. State
// is checkpointed after every node. It returns the number of nodes run.
func (w *Workflow) Run(ctx context.Context, state *State, client RepositoryClient, obs Observer) (int, error) {
	state.normalize(w.now())
	obs = &fullStateObserver{next: orNop(obs), state: state}
	log := w.logger.With("thread_id", state.ThreadID)

	iterations := 0
	for {
		node := Route(state.Steps)
		if node == NodeEnd {
			log.Info("Workflow finished", "iterations", iterations, "steps", len(state.Steps))
			obs.Emit(ctx, StateUpdate{Steps: state.Steps, Context: state.Context, Logs: []domain.LogEntry{
				domain.NewLogEntry(w.now(), domain.LevelInfo, true, "Analysis complete"),
			}})
			return iterations, nil
		}
		if iterations >= w.maxIterations {
			log.Warn("Workflow iteration limit reached", "limit", w.maxIterations, "next", node)
			obs.Emit(ctx, StateUpdate{Logs: []domain.LogEntry{
				domain.NewLogEntry(w.now(), domain.LevelWarning, true,
					fmt.Sprintf("Stopped after %d iterations; run again to continue", w.maxIterations)),
			}})
			return iterations, ErrIterationLimit
		}
		if err := ctx.Err(); err != nil {
			return iterations, err
		}

		switch node {
		case NodePlan:
			if err := w.plan(ctx, state, obs); err != nil {
				log.Error("Planning failed", "error", err)
				state.Context.ErrorCount++
				obs.Emit(ctx, StateUpdate{Context: state.Context, Logs: []domain.LogEntry{
					domain.NewLogEntry(w.now(), domain.LevelError, true, "Planning failed: "+err.Error()),
				}})
				if saveErr := w.save(ctx, state); saveErr != nil {
					log.Warn("Failed to checkpoint after planning error", "error", saveErr)
				}
				return iterations, err
			}
		case NodeExecute:
			w.executor.Execute(ctx, domain.FirstPending(state.Steps), state.Context, client, obs)
			state.Context.RefreshProgress(state.Steps)
		}
		iterations++

		if err := w.save(ctx, state); err != nil {
			return iterations, err
		}
		obs.Emit(ctx, StateUpdate{Steps: state.Steps, Context: state.Context, Logs: []domain.LogEntry{}})
	}
}

// plan appends the next step and updates the context bookkeeping.
func (w *Workflow) plan(ctx context.Context, state *State, obs Observer) error {
	step, err := w.planner.Plan(ctx, state.Steps, state.Context, obs)
	if err != nil {
		return err
	}
	state.Steps = append(state.Steps, step)
	state.Context.RecordAction(w.now(), "Planning step: "+step.Description)
	state.Context.RefreshProgress(state.Steps)
	return nil
}

func (w *Workflow) save(ctx context.Context, state *State) error {
	state.UpdatedAt = w.now()
	if w.checkpoints == nil {
		return nil
	}
	if err := w.checkpoints.Save(ctx, state); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// fullStateObserver widens step updates from a single node to the whole
// step list of the thread.
type fullStateObserver struct {
	next  Observer
	state *State
}

func (o *fullStateObserver) Emit(ctx context.Context, u StateUpdate) {
	if u.Steps != nil {
		u.Steps = o.state.Steps
	}
	if u.Logs == nil {
		u.Logs = []domain.LogEntry{}
	}
	o.next.Emit(ctx, u)
}
