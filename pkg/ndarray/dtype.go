package ndarray

import (
	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// DType is the element type of an array
type DType string

// Recognized element types. The literal values are the wire names.
const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
)

// ParseDType resolves a wire name to a DType
func ParseDType(name string) (DType, error) {
	switch DType(name) {
	case Float32, Float64, Int16, Int32, Int64:
		return DType(name), nil
	}
	return "", cerrors.Newf(cerrors.CodeUnsupportedDType, "unsupported array type %q", name)
}

// Size returns the element width in bytes
func (d DType) Size() int {
	switch d {
	case Int16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	}
	return 0
}

// String returns the wire name
func (d DType) String() string {
	return string(d)
}
