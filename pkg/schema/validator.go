package schema

import (
	"fmt"
	"time"

	"github.com/wehubfusion/Conduit/pkg/ndarray"
)

// Validator validates records against column schemas
type Validator struct {
	allowNulls bool
}

// NewValidator creates a new record validator. Null cells are accepted.
func NewValidator() *Validator {
	return &Validator{allowNulls: true}
}

// NewStrictValidator creates a validator that rejects null cells
func NewStrictValidator() *Validator {
	return &Validator{allowNulls: false}
}

// Validate validates a record against a schema
func (v *Validator) Validate(record Record, schema *ColumnSchema) *ValidationResult {
	result := &ValidationResult{
		Valid:  true,
		Errors: []ValidationError{},
	}

	if len(record) != schema.NumColumns() {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    "record",
			Message: fmt.Sprintf("expected %d columns, got %d", schema.NumColumns(), len(record)),
			Code:    "ARITY_MISMATCH",
		})
		return result
	}

	for i, value := range record {
		col := schema.Column(i)
		if err := v.validateValue(value, col); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}

	if len(result.Errors) > 0 {
		result.Valid = false
	}
	return result
}

// Check validates a record and returns an error matching cerrors.ErrSchemaMismatch on failure
func (v *Validator) Check(record Record, schema *ColumnSchema) error {
	result := v.Validate(record, schema)
	if result.Valid {
		return nil
	}
	return ValidationFailedError(result.Errors)
}

// validateValue validates a single cell against its column
func (v *Validator) validateValue(value interface{}, col Column) *ValidationError {
	if value == nil {
		if v.allowNulls {
			return nil
		}
		return &ValidationError{
			Path:    col.Name,
			Message: "field is required",
			Code:    "REQUIRED",
		}
	}

	ok := false
	switch col.Type {
	case TypeInteger:
		_, ok = value.(int32)
	case TypeLong:
		_, ok = value.(int64)
	case TypeFloat:
		_, ok = value.(float32)
	case TypeDouble:
		_, ok = value.(float64)
	case TypeString, TypeCategorical:
		_, ok = value.(string)
	case TypeBoolean:
		_, ok = value.(bool)
	case TypeNDArray:
		_, ok = value.(*ndarray.Descriptor)
	case TypeBytes:
		_, ok = value.([]byte)
	case TypeTime:
		_, ok = value.(time.Time)
	}
	if ok {
		return nil
	}
	return &ValidationError{
		Path:    col.Name,
		Message: fmt.Sprintf("expected %s, got %T", col.Type, value),
		Code:    "TYPE_MISMATCH",
	}
}
