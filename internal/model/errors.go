package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed taxonomy of pipeline failures. Every kind carries
// a structured payload via PipelineError.
type ErrorKind string

const (
	ErrEmptyMessage             ErrorKind = "empty_message"
	ErrAIUnavailable            ErrorKind = "ai_unavailable"
	ErrAITransient              ErrorKind = "ai_transient"
	ErrMalformedAIResponse      ErrorKind = "malformed_ai_response"
	ErrCostCeilingReached       ErrorKind = "cost_ceiling_reached"
	ErrNoTestableConditions     ErrorKind = "no_testable_conditions"
	ErrContradictoryConstraints ErrorKind = "contradictory_constraints"
	ErrCodebaseUnreadable       ErrorKind = "codebase_unreadable"
	ErrWorkspaceCreationFailed  ErrorKind = "workspace_creation_failed"
	ErrDiskFull                 ErrorKind = "disk_full"
	ErrStageTimeout             ErrorKind = "stage_timeout"
	ErrStageCrashed             ErrorKind = "stage_crashed"
	ErrStorageContention        ErrorKind = "storage_contention"
	ErrStorageCorruption        ErrorKind = "storage_corruption"
	ErrClarificationNeeded      ErrorKind = "clarification_needed"
)

// PipelineError is a classified failure with the phase it occurred in and an
// optional structured payload.
type PipelineError struct {
	Kind    ErrorKind
	Phase   IntentStatus
	Message string
	Detail  map[string]string
	Err     error
}

func (e *PipelineError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Phase != "" {
		fmt.Fprintf(&b, " [%s]", e.Phase)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is expected to clear on its own.
func (e *PipelineError) Retryable() bool {
	switch e.Kind {
	case ErrAITransient, ErrStorageContention:
		return true
	default:
		return false
	}
}

// KindOf extracts the error kind, or "" when err is not a PipelineError.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is a PipelineError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
