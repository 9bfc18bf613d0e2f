package engine

import "fmt"

// Code is a stable machine-readable error code. Callers branch on
// codes, never on message text.
type Code string

const (
	CodeItemNotFound       Code = "item_not_found"
	CodePipelineNotFound   Code = "pipeline_not_found"
	CodeInvalidStage       Code = "invalid_stage"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeWipLimitExceeded   Code = "wip_limit_exceeded"
	CodeDependenciesNotMet Code = "dependencies_not_met"
	CodeAlreadyClaimed     Code = "already_claimed"
	CodeStaleState         Code = "stale_state"
	CodeDependencyCycle    Code = "dependency_cycle"
	CodeOutputCollision    Code = "output_collision"
	CodeBadInput           Code = "bad_input"
)

// Error is the engine's structured error: a code plus enough detail
// for the caller to decide between retry-with-different-input and
// escalate-to-human without parsing the message.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// newError builds an Error; details may be nil.
func newError(code Code, details map[string]any, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: details,
	}
}

// IsCode reports whether err is an engine Error with the given code.
func IsCode(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
