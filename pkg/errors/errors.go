// Package errors provides the unified error type and factory functions for the
// ic50bert trainer.  Every layer (data projection, tokenization, collation,
// training, infrastructure sinks) reports failures as an AppError so that the
// command line, logs and metrics can classify them by ErrorCode.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ─────────────────────────────────────────────────────────────────────────────
// Stack capture
// ─────────────────────────────────────────────────────────────────────────────

// stackDepth is the maximum number of frames captured per error.
const stackDepth = 32

// captureStack returns a formatted call-stack string starting two frames above
// the caller (skipping captureStack itself and New/Wrap).
func captureStack(skip int) string {
	pcs := make([]uintptr, stackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		f, more := frames.Next()
		if !strings.Contains(f.File, "runtime/") {
			fmt.Fprintf(&sb, "\n\t%s:%d %s", f.File, f.Line, f.Function)
		}
		if !more {
			break
		}
	}
	return sb.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// AppError
// ─────────────────────────────────────────────────────────────────────────────

// AppError is the single structured error type used throughout the trainer.
// It supports Go 1.13+ wrapping so errors.Is / errors.As / errors.Unwrap work
// across package boundaries.
//
// Usage:
//
//	return errors.New(errors.ErrCodeSchema, "column \"IC50 (nM)\" not found")
//	return errors.Wrap(err, errors.ErrCodeTokenizerUnavailable, "load vocab")
type AppError struct {
	// Code is the typed error code that identifies the failure category.
	Code ErrorCode

	// Message is the primary human-readable description of the error.
	Message string

	// Detail carries supplementary context (row index, column name, shapes).
	Detail string

	// Cause is the underlying error, if any.
	Cause error

	// Stack is the call-stack captured at construction.  It is not part of
	// Error() output.
	Stack string
}

// Error implements the standard error interface.
// Format: "[<code>] <message>: <detail>: <cause>" with empty segments omitted.
func (e *AppError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code.String(), e.Message)
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause error.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetail returns a shallow copy of the receiver with Detail set.
// It is safe to call on a nil pointer (returns nil).
func (e *AppError) WithDetail(detail string) *AppError {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Detail = detail
	return &clone
}

// WithDetailf is WithDetail with fmt.Sprintf formatting.
func (e *AppError) WithDetailf(format string, args ...interface{}) *AppError {
	return e.WithDetail(fmt.Sprintf(format, args...))
}

// WithCause returns a shallow copy of the receiver with Cause set to err.
func (e *AppError) WithCause(err error) *AppError {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Cause = err
	return &clone
}

// ─────────────────────────────────────────────────────────────────────────────
// Factories
// ─────────────────────────────────────────────────────────────────────────────

// New constructs a fresh AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Stack:   captureStack(1),
	}
}

// Newf is New with fmt.Sprintf formatting of the message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(1),
	}
}

// Wrap constructs an AppError that wraps an existing error.  If err is nil,
// Wrap returns nil.  When code is CodeUnknown and err already carries an
// AppError, the original code is preserved.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	if code == CodeUnknown {
		var ae *AppError
		if errors.As(err, &ae) {
			code = ae.Code
		}
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Stack:   captureStack(1),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Chain inspection
// ─────────────────────────────────────────────────────────────────────────────

// IsCode reports whether any error in err's chain is an *AppError with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	var ae *AppError
	for err != nil {
		if errors.As(err, &ae) && ae.Code == code {
			return true
		}
		if ae != nil {
			err = ae.Cause
			ae = nil
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// GetCode extracts the ErrorCode from the first *AppError in err's chain.
func GetCode(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// Is and As re-export the standard library helpers so callers can import a
// single errors package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// ─────────────────────────────────────────────────────────────────────────────
// Taxonomy constructors
// ─────────────────────────────────────────────────────────────────────────────

// SchemaError reports an expected input column that is missing or unusable.
func SchemaError(message string) *AppError {
	return &AppError{Code: ErrCodeSchema, Message: message, Stack: captureStack(1)}
}

// IndexError reports a dataset position outside [0, N).
func IndexError(index, length int) *AppError {
	return &AppError{
		Code:    ErrCodeIndexOutOfRange,
		Message: fmt.Sprintf("index %d out of range [0, %d)", index, length),
		Stack:   captureStack(1),
	}
}

// TokenizationError reports malformed tokenizer input.
func TokenizationError(message string) *AppError {
	return &AppError{Code: ErrCodeEmptySequence, Message: message, Stack: captureStack(1)}
}

// ShapeMismatch reports batch arrays with inconsistent dimensions.
func ShapeMismatch(message string) *AppError {
	return &AppError{Code: ErrCodeShapeMismatch, Message: message, Stack: captureStack(1)}
}

// DeviceUnavailable reports a requested device that cannot be used.
func DeviceUnavailable(message string) *AppError {
	return &AppError{Code: ErrCodeDeviceUnavailable, Message: message, Stack: captureStack(1)}
}

// NumericInstability reports a non-finite loss value.
func NumericInstability(message string) *AppError {
	return &AppError{Code: ErrCodeNonFiniteLoss, Message: message, Stack: captureStack(1)}
}

// InvalidParam constructs a CodeInvalidParam AppError.
func InvalidParam(message string) *AppError {
	return &AppError{Code: CodeInvalidParam, Message: message, Stack: captureStack(1)}
}

// Internal constructs a CodeInternal AppError.
func Internal(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Stack: captureStack(1)}
}

// IsSchemaError reports whether err is a schema-class failure.
func IsSchemaError(err error) bool {
	return IsCode(err, ErrCodeSchema) || IsCode(err, ErrCodeTargetNotNumeric)
}

// IsIndexError reports whether err is an index-out-of-range failure.
func IsIndexError(err error) bool { return IsCode(err, ErrCodeIndexOutOfRange) }

// IsTokenizationError reports whether err is any tokenizer-module failure.
func IsTokenizationError(err error) bool {
	var ae *AppError
	for err != nil {
		if errors.As(err, &ae) && ModuleForCode(ae.Code) == "TOK" {
			return true
		}
		if ae != nil {
			err = ae.Cause
			ae = nil
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsShapeMismatch reports whether err is a shape-mismatch failure.
func IsShapeMismatch(err error) bool { return IsCode(err, ErrCodeShapeMismatch) }

// IsDeviceError reports whether err is a device failure.
func IsDeviceError(err error) bool { return IsCode(err, ErrCodeDeviceUnavailable) }

// IsNumericInstability reports whether err is a non-finite loss failure.
func IsNumericInstability(err error) bool { return IsCode(err, ErrCodeNonFiniteLoss) }
