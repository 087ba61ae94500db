// Package apperr defines the stage-tagged error type shared by every pipeline component.
//
// An *Error names the stage that produced it and a stable code. errors.Is matches on
// (Stage, Code), so callers dispatch on the sentinels below and never on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Stage identifies the pipeline component an error originated from.
type Stage string

const (
	StageValidate Stage = "validate"
	StageIngest   Stage = "ingest"
	StageFont     Stage = "font"
	StageAI       Stage = "ai"
	StageRender   Stage = "render"
	StagePipeline Stage = "pipeline"
)

// Code is the stable, machine-readable error kind within a stage.
type Code string

const (
	CodeInvalidField      Code = "INVALID_FIELD"
	CodeMarginExceedsPage Code = "MARGIN_EXCEEDS_PAGE"

	CodeUnsupported Code = "UNSUPPORTED"
	CodeCorrupt     Code = "CORRUPT"
	CodeTooLarge    Code = "TOO_LARGE"
	CodeNotFound    Code = "NOT_FOUND"

	CodeUnavailable Code = "UNAVAILABLE"
	CodeRejected    Code = "REJECTED"
	CodeTimeout     Code = "TIMEOUT"

	CodeFontMissing      Code = "FONT_MISSING"
	CodeContentTooLarge  Code = "CONTENT_TOO_LARGE"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeInvalidOutput    Code = "INVALID_OUTPUT"

	CodeInvalidState       Code = "INVALID_STATE"
	CodeStaleResponse      Code = "STALE_RESPONSE"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeInvariantViolation Code = "INTERNAL_INVARIANT_VIOLATION"
	CodeUnexpectedResponse Code = "UNEXPECTED_RESPONSE"
)

// Error is a failure attributed to one pipeline stage.
type Error struct {
	Stage Stage
	Code  Code
	// Field is set for validation failures.
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := fmt.Sprintf("%s: %s", e.Stage, e.Code)
	if e.Field != "" {
		prefix = fmt.Sprintf("%s (%s)", prefix, e.Field)
	}
	if e.Err != nil {
		return prefix + ": " + e.Err.Error()
	}
	return prefix
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same stage and code.
// Empty fields on the target act as wildcards.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Stage != "" && t.Stage != e.Stage {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

// New builds an *Error wrapping err.
func New(stage Stage, code Code, err error) *Error {
	return &Error{Stage: stage, Code: code, Err: err}
}

// Newf builds an *Error with a formatted message.
func Newf(stage Stage, code Code, format string, args ...any) *Error {
	return &Error{Stage: stage, Code: code, Err: fmt.Errorf(format, args...)}
}

// Field builds a validation error for a single config field.
func Field(field, reason string) *Error {
	return &Error{Stage: StageValidate, Code: CodeInvalidField, Field: field, Err: errors.New(reason)}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StageOf returns the originating stage of err, or "" when err carries none.
func StageOf(err error) Stage {
	if e, ok := As(err); ok {
		return e.Stage
	}
	return ""
}

// Sentinels for errors.Is.
var (
	ErrValidation        = &Error{Stage: StageValidate}
	ErrInvalidField      = &Error{Stage: StageValidate, Code: CodeInvalidField}
	ErrMarginExceedsPage = &Error{Stage: StageValidate, Code: CodeMarginExceedsPage}

	ErrIngestUnsupported = &Error{Stage: StageIngest, Code: CodeUnsupported}
	ErrIngestCorrupt     = &Error{Stage: StageIngest, Code: CodeCorrupt}
	ErrIngestTooLarge    = &Error{Stage: StageIngest, Code: CodeTooLarge}
	ErrIngestNotFound    = &Error{Stage: StageIngest, Code: CodeNotFound}

	ErrFontNotFound = &Error{Stage: StageFont, Code: CodeNotFound}

	ErrAI            = &Error{Stage: StageAI}
	ErrAIUnavailable = &Error{Stage: StageAI, Code: CodeUnavailable}
	ErrAIRejected    = &Error{Stage: StageAI, Code: CodeRejected}
	ErrAITimeout     = &Error{Stage: StageAI, Code: CodeTimeout}

	ErrRenderFontMissing      = &Error{Stage: StageRender, Code: CodeFontMissing}
	ErrRenderContentTooLarge  = &Error{Stage: StageRender, Code: CodeContentTooLarge}
	ErrRenderTimeout          = &Error{Stage: StageRender, Code: CodeTimeout}
	ErrRenderValidationFailed = &Error{Stage: StageRender, Code: CodeValidationFailed}
	ErrRenderNotFound         = &Error{Stage: StageRender, Code: CodeNotFound}
	ErrRenderInvalidOutput    = &Error{Stage: StageRender, Code: CodeInvalidOutput}

	ErrInvalidState       = &Error{Stage: StagePipeline, Code: CodeInvalidState}
	ErrStaleResponse      = &Error{Stage: StagePipeline, Code: CodeStaleResponse}
	ErrSessionNotFound    = &Error{Stage: StagePipeline, Code: CodeSessionNotFound}
	ErrInvariantViolation = &Error{Code: CodeInvariantViolation}
)
