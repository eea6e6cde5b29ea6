// Package sessionerrors classifies errors raised by the conversation pipeline
// and applies the session recovery policy.
//
// Every error observed on a session is classified exactly once. Recoverable
// errors are logged and absorbed; fatal errors are logged with full context,
// optionally preceded by a one-line spoken apology, and the session is allowed
// to close.
package sessionerrors

import (
	"errors"
	"fmt"
	"net"
)

// Stage is the pipeline stage an error originated from.
type Stage string

// Pipeline stages.
const (
	StageUnknown     Stage = ""
	StageRecognition Stage = "recognition"
	StageGeneration  Stage = "generation"
	StageSynthesis   Stage = "synthesis"
	StageTransport   Stage = "transport"
)

// String returns the stage name, or "unknown".
func (s Stage) String() string {
	if s == StageUnknown {
		return "unknown"
	}
	return string(s)
}

// ParseStage maps a stage name, including the short aliases used by
// pipeline event payloads (stt, llm, tts), to a Stage.
func ParseStage(name string) Stage {
	switch name {
	case "recognition", "stt":
		return StageRecognition
	case "generation", "llm":
		return StageGeneration
	case "synthesis", "tts":
		return StageSynthesis
	case "transport", "room", "rtc":
		return StageTransport
	default:
		return StageUnknown
	}
}

// PipelineError is an error surfaced by one pipeline stage.
type PipelineError struct {
	// Stage is the originating stage.
	Stage Stage

	// Name is the error class name reported by the stage, e.g. "APIConnectionError".
	Name string

	// Type is the stage's error type tag, e.g. "stt_error".
	Type string

	// Message is the human-readable error text.
	Message string

	// Retryable is set when the stage flagged the error as retryable.
	Retryable bool

	// Cause is the underlying error, if any.
	Cause error
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(stage Stage, name, message string, cause error, retryable bool) *PipelineError {
	return &PipelineError{
		Stage:     stage,
		Name:      name,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s error [%s]: %s", e.Stage, e.Name, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Stage, e.Message)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is.
func (e *PipelineError) Is(target error) bool {
	if e.Cause != nil && errors.Is(e.Cause, target) {
		return true
	}
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Stage == t.Stage && e.Name == t.Name
}

// AsPipelineError returns err as a *PipelineError, wrapping foreign errors
// with an unknown stage.
func AsPipelineError(err error) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return &PipelineError{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Cause:   err,
	}
}

// FromPanic converts a recovered panic value into a transport-stage error.
func FromPanic(v any) *PipelineError {
	pe := &PipelineError{
		Stage:   StageTransport,
		Name:    "panic",
		Message: fmt.Sprint(v),
	}
	if err, ok := v.(error); ok {
		pe.Cause = err
	}
	return pe
}

// isNetworkError reports whether err wraps a net.Error.
func isNetworkError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
