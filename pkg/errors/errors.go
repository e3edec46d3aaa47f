package errors

import (
	"errors"
	"fmt"
)

// Error codes used by the exchange layer.
const (
	CodeUnsupportedDType     = "UNSUPPORTED_DTYPE"
	CodeUnsupportedColumn    = "UNSUPPORTED_COLUMN"
	CodeUnsupportedValueType = "UNSUPPORTED_VALUE_TYPE"
	CodeEmptyCode            = "EMPTY_CODE"
	CodeEmptyRecord          = "EMPTY_RECORD"
	CodeCodeResolution       = "CODE_RESOLUTION"
	CodeForeignExecution     = "FOREIGN_EXECUTION"
	CodeForeignTeardown      = "FOREIGN_TEARDOWN"
	CodeAlreadyResolved      = "ALREADY_RESOLVED"
	CodeSchemaMismatch       = "SCHEMA_MISMATCH"
)

var (
	// ErrUnsupportedDType indicates an array element type outside float32, float64, int16, int32, int64
	ErrUnsupportedDType = errors.New("unsupported array dtype")

	// ErrUnsupportedColumn indicates a column type that has no variable counterpart
	ErrUnsupportedColumn = errors.New("unsupported column type")

	// ErrUnsupportedValueType indicates a node in a value graph that cannot be decoded
	ErrUnsupportedValueType = errors.New("unsupported value type")

	// ErrEmptyCode indicates that a transform resolved to no code
	ErrEmptyCode = errors.New("code resolved to an empty string")

	// ErrEmptyRecord indicates an empty input record on a configured port
	ErrEmptyRecord = errors.New("record should not be empty")

	// ErrCodeResolution indicates that code could not be read from its path
	ErrCodeResolution = errors.New("unable to resolve code")

	// ErrForeignExecution indicates that the foreign runtime raised a fault
	ErrForeignExecution = errors.New("foreign execution failed")

	// ErrForeignTeardown indicates that the foreign runtime could not be torn down cleanly
	ErrForeignTeardown = errors.New("foreign teardown failed")

	// ErrAlreadyResolved indicates a second terminal publish on a batch observable
	ErrAlreadyResolved = errors.New("result already published")

	// ErrSchemaMismatch indicates a record that does not match its declared schema
	ErrSchemaMismatch = errors.New("record does not match schema")
)

var sentinels = map[string]error{
	CodeUnsupportedDType:     ErrUnsupportedDType,
	CodeUnsupportedColumn:    ErrUnsupportedColumn,
	CodeUnsupportedValueType: ErrUnsupportedValueType,
	CodeEmptyCode:            ErrEmptyCode,
	CodeEmptyRecord:          ErrEmptyRecord,
	CodeCodeResolution:       ErrCodeResolution,
	CodeForeignExecution:     ErrForeignExecution,
	CodeForeignTeardown:      ErrForeignTeardown,
	CodeAlreadyResolved:      ErrAlreadyResolved,
	CodeSchemaMismatch:       ErrSchemaMismatch,
}

// Error represents a structured exchange error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's code
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Code]
	return ok && sentinel == target
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Newf creates a structured error with a formatted message and no cause
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// CodeOf returns the code of the first structured error in err's chain, or
// the code of a wrapped sentinel
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// IsStructural reports whether err is a type error that must abort a decode or encode
func IsStructural(err error) bool {
	return errors.Is(err, ErrUnsupportedDType) ||
		errors.Is(err, ErrUnsupportedColumn) ||
		errors.Is(err, ErrUnsupportedValueType)
}
