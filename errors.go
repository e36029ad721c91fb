package hitlflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error type
	ErrorTypeAll = "all"

	// ErrorTypeValidation is a malformed input payload. No run is created.
	ErrorTypeValidation = "validation"

	// ErrorTypeUnknownCheckpoint is a decision against a checkpoint that does
	// not exist, was already consumed, or no longer gates its run.
	ErrorTypeUnknownCheckpoint = "unknown_checkpoint"

	// ErrorTypeStageExecution is a stage executor failure. The run is FAILED
	// and pending stages are left as they were.
	ErrorTypeStageExecution = "stage_execution"

	// ErrorTypeRouting is a router that could not pick a successor.
	ErrorTypeRouting = "routing"

	// ErrorTypePersistence is a failed store write. The step is not complete
	// and the run stays in its last durably saved state.
	ErrorTypePersistence = "persistence"

	// ErrorTypeTimeout matches a deadline or cancellation from the caller
	ErrorTypeTimeout = "timeout"
)

var (
	// ErrUnknownCheckpoint is returned by stores for checkpoints that are
	// missing or already consumed.
	ErrUnknownCheckpoint = errors.New("unknown or consumed checkpoint")

	// ErrRunNotFound is returned by stores for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidGraph is returned when a graph definition is inconsistent.
	ErrInvalidGraph = errors.New("invalid graph")
)

// WorkflowError represents a structured error with classification
// It supports Go's error wrapping patterns with Unwrap() method
type WorkflowError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Stage   Stage  `json:"stage,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Stage, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// NewWorkflowError creates a new WorkflowError with the specified type and cause.
func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{
		Type:  errorType,
		Cause: cause,
	}
}

func wrapError(errorType string, stage Stage, runID string, err error) *WorkflowError {
	return &WorkflowError{
		Type:    errorType,
		Cause:   err.Error(),
		Stage:   stage,
		RunID:   runID,
		Wrapped: err,
	}
}

// ValidationError reports a malformed input payload.
func ValidationError(err error) *WorkflowError {
	return wrapError(ErrorTypeValidation, "", "", err)
}

// ClassifyError attempts to classify a regular error into a WorkflowError
func ClassifyError(err error) *WorkflowError {
	var workflowError *WorkflowError
	if errors.As(err, &workflowError) {
		return workflowError
	}
	if errors.Is(err, ErrUnknownCheckpoint) {
		return wrapError(ErrorTypeUnknownCheckpoint, "", "", err)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return wrapError(ErrorTypeTimeout, "", "", err)
	}
	return wrapError(ErrorTypeStageExecution, "", "", err)
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	if err == nil {
		return false
	}
	if errorType == ErrorTypeAll {
		return true
	}
	return ClassifyError(err).Type == errorType
}

// IsUnknownCheckpoint reports whether err means the checkpoint cannot be used.
func IsUnknownCheckpoint(err error) bool {
	return MatchesErrorType(err, ErrorTypeUnknownCheckpoint)
}

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool {
	return MatchesErrorType(err, ErrorTypeValidation)
}
