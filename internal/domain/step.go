// Package domain contains core domain types for the repository agent.
package domain

import (
	"time"
)

// StepKind classifies a plan step. Only KindTool is executable; any other
// kind ends the workflow.
type StepKind string

const (
	// KindTool marks a step whose sub-actions call repository tools.
	KindTool StepKind = "tool"
	// KindFinal is the kind planners conventionally use to signal completion.
	KindFinal StepKind = "final"
)

// StepStatus is the lifecycle state of a PlanStep.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepComplete StepStatus = "complete"
	StepFailed   StepStatus = "failed"
)

// SubActionStatus is the lifecycle state of a SubAction.
type SubActionStatus string

const (
	SubActionPending    SubActionStatus = "pending"
	SubActionInProgress SubActionStatus = "in_progress"
	SubActionComplete   SubActionStatus = "complete"
	SubActionFailed     SubActionStatus = "failed"
)

// SubAction is one tool invocation within a PlanStep.
type SubAction struct {
	Tool        string          `json:"tool"`
	Description string          `json:"description"`
	Args        map[string]any  `json:"args"`
	Order       int             `json:"order"`
	Status      SubActionStatus `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    *float64        `json:"duration,omitempty"` // seconds
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Start marks the sub-action in progress.
func (a *SubAction) Start(now time.Time) {
	a.Status = SubActionInProgress
	a.StartedAt = &now
}

// Complete records a successful result.
func (a *SubAction) Complete(now time.Time, result any) {
	a.Status = SubActionComplete
	a.Result = result
	a.finish(now)
}

// Fail records the failure message.
func (a *SubAction) Fail(now time.Time, err error) {
	a.Status = SubActionFailed
	a.Error = err.Error()
	a.finish(now)
}

func (a *SubAction) finish(now time.Time) {
	a.CompletedAt = &now
	a.Duration = elapsed(a.StartedAt, a.CompletedAt)
}

// PlanStep is one unit of agent work.
type PlanStep struct {
	ID          string       `json:"id"`
	Kind        StepKind     `json:"type"`
	Description string       `json:"description"`
	Status      StepStatus   `json:"status"`
	Result      any          `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	Updates     []string     `json:"updates"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Duration    *float64     `json:"duration,omitempty"` // seconds
	SubActions  []*SubAction `json:"sub_actions"`
}

// NewPlanStep returns a pending step with empty result, updates and timestamps.
func NewPlanStep(id string, kind StepKind, description string, subActions []*SubAction) *PlanStep {
	if subActions == nil {
		subActions = []*SubAction{}
	}
	return &PlanStep{
		ID:          id,
		Kind:        kind,
		Description: description,
		Status:      StepPending,
		Updates:     []string{},
		SubActions:  subActions,
	}
}

// IsTool reports whether the step is executable by the tool executor.
func (s *PlanStep) IsTool() bool {
	return s.Kind == KindTool
}

// Start stamps the step start time.
func (s *PlanStep) Start(now time.Time) {
	s.StartedAt = &now
}

// Finish stamps completion and derives the duration.
func (s *PlanStep) Finish(now time.Time) {
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	s.CompletedAt = &now
	s.Duration = elapsed(s.StartedAt, s.CompletedAt)
}

// AddUpdate appends a note to the step's update log.
func (s *PlanStep) AddUpdate(note string) {
	s.Updates = append(s.Updates, note)
}

// FirstPending returns the first step still pending, or nil.
func FirstPending(steps []*PlanStep) *PlanStep {
	for _, s := range steps {
		if s.Status == StepPending {
			return s
		}
	}
	return nil
}

// CountStatus returns how many steps are in the given status.
func CountStatus(steps []*PlanStep, status StepStatus) int {
	n := 0
	for _, s := range steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

func elapsed(start, end *time.Time) *float64 {
	if start == nil || end == nil {
		return nil
	}
	d := end.Sub(*start).Seconds()
	return &d
}
