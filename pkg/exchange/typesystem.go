package exchange

import (
	"fmt"
	"math"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/ndarray"
	"github.com/wehubfusion/Conduit/pkg/schema"
)

// Action is the outcome of mapping a column type onto the variable model
type Action int

const (
	// Produce means the column becomes a variable
	Produce Action = iota
	// Drop means the column is skipped without error
	Drop
)

// ToColumnType maps a variable tag to its column type. List and Dict have
// no column counterpart.
func ToColumnType(t Type) (schema.ColumnType, error) {
	switch t {
	case TypeInt:
		return schema.TypeInteger, nil
	case TypeFloat:
		return schema.TypeFloat, nil
	case TypeStr:
		return schema.TypeString, nil
	case TypeBool:
		return schema.TypeBoolean, nil
	case TypeNDArray:
		return schema.TypeNDArray, nil
	case TypeList, TypeDict:
		return "", cerrors.Newf(cerrors.CodeUnsupportedColumn, "%s variables have no column type", t)
	}
	return "", cerrors.Newf(cerrors.CodeUnsupportedColumn, "unknown variable type %q", t)
}

// FromColumnType maps a column type to a variable tag. Bytes columns are
// dropped; Time columns fail because dates have no variable form.
func FromColumnType(ct schema.ColumnType) (Type, Action, error) {
	switch ct {
	case schema.TypeInteger, schema.TypeLong:
		return TypeInt, Produce, nil
	case schema.TypeFloat, schema.TypeDouble:
		return TypeFloat, Produce, nil
	case schema.TypeString, schema.TypeCategorical:
		return TypeStr, Produce, nil
	case schema.TypeBoolean:
		return TypeBool, Produce, nil
	case schema.TypeNDArray:
		return TypeNDArray, Produce, nil
	case schema.TypeBytes:
		return "", Drop, nil
	case schema.TypeTime:
		return "", Drop, cerrors.Newf(cerrors.CodeUnsupportedColumn, "%s columns are not supported", ct)
	}
	return "", Drop, cerrors.Newf(cerrors.CodeUnsupportedColumn, "unknown column type %q", ct)
}

// BundleSchemaFromColumns derives the variable schema of a column schema,
// skipping dropped columns.
func BundleSchemaFromColumns(cs *schema.ColumnSchema) (Schema, error) {
	var out Schema
	for _, c := range cs.Columns() {
		t, action, err := FromColumnType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		if action == Drop {
			continue
		}
		out = append(out, Field{Name: c.Name, Type: t})
	}
	return out, nil
}

// ColumnsFromBundleSchema derives the column schema of a variable schema
func ColumnsFromBundleSchema(s Schema) (*schema.ColumnSchema, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("variable schema must not be empty")
	}
	columns := make([]schema.Column, len(s))
	for i, f := range s {
		ct, err := ToColumnType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", f.Name, err)
		}
		columns[i] = schema.Column{Name: f.Name, Type: ct}
	}
	return schema.NewColumnSchema(columns...)
}

// VariableFromColumn converts a record cell of column type ct. Null cells and
// cells whose column is dropped or unsupported are errors.
func VariableFromColumn(value interface{}, ct schema.ColumnType) (Variable, error) {
	t, action, err := FromColumnType(ct)
	if err != nil {
		return Variable{}, err
	}
	if action == Drop {
		return Variable{}, cerrors.Newf(cerrors.CodeUnsupportedColumn, "%s columns have no variable form", ct)
	}
	if value == nil {
		return Variable{}, cerrors.Newf(cerrors.CodeSchemaMismatch, "null %s cell", ct)
	}

	var (
		v  Variable
		ok bool
	)
	switch ct {
	case schema.TypeInteger:
		var n int32
		if n, ok = value.(int32); ok {
			v = Int(int64(n))
		}
	case schema.TypeLong:
		var n int64
		if n, ok = value.(int64); ok {
			v = Int(n)
		}
	case schema.TypeFloat:
		var f float32
		if f, ok = value.(float32); ok {
			v = Float(float64(f))
		}
	case schema.TypeDouble:
		var f float64
		if f, ok = value.(float64); ok {
			v = Float(f)
		}
	case schema.TypeString, schema.TypeCategorical:
		var s string
		if s, ok = value.(string); ok {
			v = Str(s)
		}
	case schema.TypeBoolean:
		var b bool
		if b, ok = value.(bool); ok {
			v = Bool(b)
		}
	case schema.TypeNDArray:
		var d *ndarray.Descriptor
		if d, ok = value.(*ndarray.Descriptor); ok {
			v = NDArray(d)
		}
	}
	if !ok {
		return Variable{}, cerrors.Newf(cerrors.CodeSchemaMismatch, "%s cell holds %T, want %s", ct, value, t)
	}
	return v, nil
}

// ColumnFromVariable converts a variable into a record cell of column type ct
func ColumnFromVariable(v Variable, ct schema.ColumnType) (interface{}, error) {
	t, action, err := FromColumnType(ct)
	if err != nil {
		return nil, err
	}
	if action == Drop {
		return nil, cerrors.Newf(cerrors.CodeUnsupportedColumn, "%s columns have no variable form", ct)
	}
	v, err = Coerce(v, t)
	if err != nil {
		return nil, err
	}

	switch ct {
	case schema.TypeInteger:
		if v.i < math.MinInt32 || v.i > math.MaxInt32 {
			return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "value %d overflows %s", v.i, ct)
		}
		return int32(v.i), nil
	case schema.TypeLong:
		return v.i, nil
	case schema.TypeFloat:
		if !math.IsInf(v.f, 0) && math.Abs(v.f) > math.MaxFloat32 {
			return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "value %g overflows %s", v.f, ct)
		}
		return float32(v.f), nil
	case schema.TypeDouble:
		return v.f, nil
	case schema.TypeString, schema.TypeCategorical:
		return v.s, nil
	case schema.TypeBoolean:
		return v.b, nil
	case schema.TypeNDArray:
		return v.arr, nil
	}
	return nil, cerrors.Newf(cerrors.CodeUnsupportedColumn, "unknown column type %q", ct)
}
