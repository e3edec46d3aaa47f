package schema

import (
	"fmt"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// Codes carried by SchemaError
const (
	CodeInvalidType      = "INVALID_TYPE"
	CodeInvalidColumn    = "INVALID_COLUMN"
	CodeDuplicateColumn  = "DUPLICATE_COLUMN"
	CodeParse            = "SCHEMA_PARSE_ERROR"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeConversion       = "CONVERSION_ERROR"
)

// SchemaError reports a bad column declaration, a record that does not match
// its schema, or a failed Arrow conversion
type SchemaError struct {
	Message string
	Code    string
	Err     error
}

func (e *SchemaError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *SchemaError) Unwrap() error { return e.Err }

// NewSchemaError creates a schema error with the given code
func NewSchemaError(message, code string, err error) *SchemaError {
	return &SchemaError{Message: message, Code: code, Err: err}
}

// ParseError wraps a failure to decode a column schema document
func ParseError(err error) *SchemaError {
	return NewSchemaError("column schema parsing failed", CodeParse, err)
}

// ValidationFailedError summarises record validation failures. It wraps
// cerrors.ErrSchemaMismatch so callers can classify it.
func ValidationFailedError(failures []ValidationError) *SchemaError {
	msg := fmt.Sprintf("record failed validation (%d errors)", len(failures))
	if len(failures) > 0 {
		msg += fmt.Sprintf(", first at %s: %s", failures[0].Path, failures[0].Message)
	}
	return NewSchemaError(msg, CodeValidationFailed, cerrors.ErrSchemaMismatch)
}

// ConversionError reports a column that could not be moved to or from Arrow
func ConversionError(column string, err error) *SchemaError {
	return NewSchemaError(fmt.Sprintf("arrow conversion of column %q failed", column), CodeConversion, err)
}
