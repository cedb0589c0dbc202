package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTool is returned when a sub-action names a tool the registry
	// does not know.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when sub-action arguments have the wrong shape.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrNotFound is returned when a repository path does not resolve.
	ErrNotFound = errors.New("repository path not found")
	// ErrIterationLimit is returned when a run exhausts its node budget.
	ErrIterationLimit = errors.New("workflow iteration limit reached")
	// ErrRunInProgress is returned when a session already has an active run.
	ErrRunInProgress = errors.New("a run is already in progress for this session")
	// ErrSessionNotFound is returned when no checkpoint exists for a session.
	ErrSessionNotFound = errors.New("session not found")
)

// Error codes carried by ToolError.
const (
	CodeUnknownTool      = "UNKNOWN_TOOL"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeNotFound         = "NOT_FOUND"
	CodeToolExecution    = "TOOL_EXECUTION_FAILED"
	CodeToolPanic        = "TOOL_PANIC"
)

// ToolError describes a failed sub-action dispatch.
type ToolError struct {
	Code    string
	Tool    string
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

func newToolError(code, tool, message string, cause error) *ToolError {
	return &ToolError{Code: code, Tool: tool, Message: message, Cause: cause}
}
