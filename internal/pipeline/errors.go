package pipeline

import (
	"errors"
	"fmt"

	"github.com/carepath/report-pipeline/internal/model"
)

// ErrorCode classifies a stage failure. Codes are persisted on the job.
type ErrorCode string

const (
	CodePreconditionFailed      ErrorCode = "precondition_failed"
	CodeGuardrailViolation      ErrorCode = "guardrail_violation"
	CodeValidationUnknown       ErrorCode = "validation_unknown"
	CodeSafetyUnknown           ErrorCode = "safety_unknown"
	CodeTransientTransport      ErrorCode = "transient_transport_failure"
	CodeSchemaViolation         ErrorCode = "schema_violation"
	CodeUnknownAlgorithmVersion ErrorCode = "unknown_algorithm_version"
	CodeInternal                ErrorCode = "internal_error"
)

// StageError is the error type every stage handler returns.
type StageError struct {
	Code      ErrorCode
	Stage     model.Stage
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func newStageError(code ErrorCode, stage model.Stage, err error) *StageError {
	return &StageError{
		Code:      code,
		Stage:     stage,
		Retryable: code == CodeTransientTransport,
		Err:       err,
	}
}

func preconditionf(stage model.Stage, format string, args ...any) *StageError {
	return newStageError(CodePreconditionFailed, stage, fmt.Errorf(format, args...))
}

// CodeOf returns the code carried by err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	var oe *OutcomeError
	if errors.As(err, &oe) && oe.Outcome.ErrorCode != "" {
		return ErrorCode(oe.Outcome.ErrorCode)
	}
	return CodeInternal
}

// IsPrecondition reports whether err means the stage could not start. Such
// failures leave the job untouched.
func IsPrecondition(err error) bool {
	switch CodeOf(err) {
	case CodePreconditionFailed, CodeUnknownAlgorithmVersion:
		return true
	}
	return false
}

// ErrJobFailed is returned by per-stage entry points called on a failed job.
var ErrJobFailed = errors.New("pipeline: job is failed; retry it first")

// ErrInvalidTransition is returned for notification status callbacks that do
// not follow sent -> delivered|failed.
var ErrInvalidTransition = errors.New("pipeline: invalid notification transition")
