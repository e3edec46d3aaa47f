// Package exchange holds the typed values that cross the boundary between the
// host process and a foreign runtime: the Variable union, ordered bundles of
// named variables, the mapping to tabular column types, and the decoder that
// turns untyped value graphs into variables.
package exchange

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/ndarray"
)

// Type is the tag of a Variable. The literal values are the names used in
// port configuration.
type Type string

// Variable tags
const (
	TypeInt     Type = "INT"
	TypeFloat   Type = "FLOAT"
	TypeStr     Type = "STR"
	TypeBool    Type = "BOOL"
	TypeNDArray Type = "NDARRAY"
	TypeList    Type = "LIST"
	TypeDict    Type = "DICT"
)

// AllTypes lists every variable tag
var AllTypes = []Type{TypeInt, TypeFloat, TypeStr, TypeBool, TypeNDArray, TypeList, TypeDict}

// ParseType resolves a variable type name regardless of letter case
func ParseType(name string) (Type, error) {
	fold := cases.Fold()
	folded := fold.String(strings.TrimSpace(name))
	for _, t := range AllTypes {
		if fold.String(string(t)) == folded {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown variable type %q", name)
}

// Variable is a typed value. Its tag is fixed at construction; the zero
// Variable has no tag and is not valid.
type Variable struct {
	typ  Type
	i    int64
	f    float64
	s    string
	b    bool
	arr  *ndarray.Descriptor
	list []Variable
	dict map[string]Variable
}

// Int creates an Int variable
func Int(v int64) Variable { return Variable{typ: TypeInt, i: v} }

// Float creates a Float variable
func Float(v float64) Variable { return Variable{typ: TypeFloat, f: v} }

// Str creates a Str variable
func Str(v string) Variable { return Variable{typ: TypeStr, s: v} }

// Bool creates a Bool variable
func Bool(v bool) Variable { return Variable{typ: TypeBool, b: v} }

// NDArray creates an NDArray variable around a descriptor
func NDArray(d *ndarray.Descriptor) Variable { return Variable{typ: TypeNDArray, arr: d} }

// List creates a List variable. The items are copied.
func List(items ...Variable) Variable {
	return Variable{typ: TypeList, list: append([]Variable{}, items...)}
}

// Dict creates a Dict variable. The map is copied.
func Dict(entries map[string]Variable) Variable {
	m := make(map[string]Variable, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return Variable{typ: TypeDict, dict: m}
}

// Type returns the tag
func (v Variable) Type() Type { return v.typ }

// IsValid reports whether v was built by one of the constructors
func (v Variable) IsValid() bool { return v.typ != "" }

// AsInt returns the value of an Int variable
func (v Variable) AsInt() (int64, bool) { return v.i, v.typ == TypeInt }

// AsFloat returns the value of a Float variable
func (v Variable) AsFloat() (float64, bool) { return v.f, v.typ == TypeFloat }

// AsStr returns the value of a Str variable
func (v Variable) AsStr() (string, bool) { return v.s, v.typ == TypeStr }

// AsBool returns the value of a Bool variable
func (v Variable) AsBool() (bool, bool) { return v.b, v.typ == TypeBool }

// AsNDArray returns the descriptor of an NDArray variable
func (v Variable) AsNDArray() (*ndarray.Descriptor, bool) { return v.arr, v.typ == TypeNDArray }

// AsList returns the items of a List variable
func (v Variable) AsList() ([]Variable, bool) { return v.list, v.typ == TypeList }

// AsDict returns the entries of a Dict variable
func (v Variable) AsDict() (map[string]Variable, bool) { return v.dict, v.typ == TypeDict }

// Equal reports whether two variables have the same tag and value. Arrays are
// equal when they describe the same region.
func (v Variable) Equal(o Variable) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case "":
		return true
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f
	case TypeStr:
		return v.s == o.s
	case TypeBool:
		return v.b == o.b
	case TypeNDArray:
		return sameArray(v.arr, o.arr)
	case TypeList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case TypeDict:
		if len(v.dict) != len(o.dict) {
			return false
		}
		for k, item := range v.dict {
			other, ok := o.dict[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	}
	panic(fmt.Sprintf("exchange: unhandled variable type %q", v.typ))
}

func sameArray(a, b *ndarray.Descriptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Address != b.Address || a.DType != b.DType || len(a.Shape) != len(b.Shape) || len(a.Stride) != len(b.Stride) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	for i := range a.Stride {
		if a.Stride[i] != b.Stride[i] {
			return false
		}
	}
	return true
}

// String renders the variable for logs
func (v Variable) String() string {
	switch v.typ {
	case "":
		return "<invalid>"
	case TypeInt:
		return fmt.Sprintf("%d", v.i)
	case TypeFloat:
		return fmt.Sprintf("%g", v.f)
	case TypeStr:
		return fmt.Sprintf("%q", v.s)
	case TypeBool:
		return fmt.Sprintf("%t", v.b)
	case TypeNDArray:
		return v.arr.String()
	case TypeList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeDict:
		keys := make([]string, 0, len(v.dict))
		for k := range v.dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%q: %s", k, v.dict[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("<%s>", v.typ)
}

// Coerce converts v to the declared tag t. Int widens to Float, and a Float
// holding an exact integer narrows to Int, since script runtimes often have a
// single number type. Every other mismatch is an error.
func Coerce(v Variable, t Type) (Variable, error) {
	if v.typ == t {
		return v, nil
	}
	switch {
	case v.typ == TypeInt && t == TypeFloat:
		return Float(float64(v.i)), nil
	case v.typ == TypeFloat && t == TypeInt:
		if n := int64(v.f); float64(n) == v.f {
			return Int(n), nil
		}
	}
	return Variable{}, cerrors.Newf(cerrors.CodeSchemaMismatch, "cannot use %s value %s as %s", v.typ, v, t)
}
