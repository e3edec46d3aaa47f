package exchange

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/ndarray"
)

// NullPlaceholder is the Str value a null node decodes to. The variable model
// has no null variant, so absence and the text "None" are indistinguishable.
const NullPlaceholder = "None"

// Decode converts an untyped value graph into a Variable. Rules apply in
// order: array marker maps, maps, sequences, strings, booleans, integers,
// floats, already decoded values, null. Anything else is an
// UnsupportedValueType error naming the Go type.
func Decode(value interface{}) (Variable, error) {
	return decode(value, "$")
}

func decode(value interface{}, path string) (Variable, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		if ndarray.HasMarker(v) {
			d, err := ndarray.FromMap(v)
			if err != nil {
				return Variable{}, fmt.Errorf("%s: %w", path, err)
			}
			return NDArray(d), nil
		}
		return decodeMap(v, path)
	case []interface{}:
		return decodeSlice(len(v), func(i int) interface{} { return v[i] }, path)
	case string:
		return Str(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint8:
		return Int(int64(v)), nil
	case uint16:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case uint:
		return decodeUnsigned(uint64(v), path)
	case uint64:
		return decodeUnsigned(v, path)
	case json.Number:
		if n, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return Int(n), nil
		}
		f, err := v.Float64()
		if err != nil {
			return Variable{}, cerrors.Newf(cerrors.CodeUnsupportedValueType, "%s: malformed number %q", path, v)
		}
		return Float(f), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case *ndarray.Descriptor:
		if v == nil {
			return Str(NullPlaceholder), nil
		}
		return NDArray(v), nil
	case Variable:
		if !v.IsValid() {
			return Variable{}, cerrors.Newf(cerrors.CodeUnsupportedValueType, "%s: invalid variable", path)
		}
		return v, nil
	case nil:
		return Str(NullPlaceholder), nil
	}
	return decodeReflect(value, path)
}

func decodeUnsigned(n uint64, path string) (Variable, error) {
	if n > math.MaxInt64 {
		return Variable{}, cerrors.Newf(cerrors.CodeUnsupportedValueType, "%s: integer %d overflows int64", path, n)
	}
	return Int(int64(n)), nil
}

func decodeMap(m map[string]interface{}, path string) (Variable, error) {
	out := make(map[string]Variable, len(m))
	for k, item := range m {
		v, err := decode(item, path+"."+k)
		if err != nil {
			return Variable{}, err
		}
		out[k] = v
	}
	return Variable{typ: TypeDict, dict: out}, nil
}

func decodeSlice(n int, at func(int) interface{}, path string) (Variable, error) {
	out := make([]Variable, n)
	for i := 0; i < n; i++ {
		v, err := decode(at(i), fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return Variable{}, err
		}
		out[i] = v
	}
	return Variable{typ: TypeList, list: out}, nil
}

// decodeReflect handles typed containers such as []float64 or map[string]int
func decodeReflect(value interface{}, path string) (Variable, error) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		return decodeSlice(rv.Len(), func(i int) interface{} { return rv.Index(i).Interface() }, path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]Variable, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			v, err := decode(iter.Value().Interface(), path+"."+k)
			if err != nil {
				return Variable{}, err
			}
			out[k] = v
		}
		return Variable{typ: TypeDict, dict: out}, nil
	}
	return Variable{}, cerrors.Newf(cerrors.CodeUnsupportedValueType, "%s: unsupported value type %T", path, value)
}

// DecodeMap decodes each entry of a top-level map into a bundle. Entries are
// ordered by name.
func DecodeMap(m map[string]interface{}) (*Bundle, error) {
	b := NewBundle()
	for _, name := range orderedKeys(m, nil) {
		v, err := decode(m[name], name)
		if err != nil {
			return nil, err
		}
		b.Set(name, v)
	}
	return b, nil
}

// ExpandInner lifts the entries of the Dict stored under key into a new
// bundle, one variable per entry.
func ExpandInner(b *Bundle, key string) (*Bundle, error) {
	v, ok := b.Get(key)
	if !ok {
		return nil, fmt.Errorf("no variable %q to expand", key)
	}
	entries, ok := v.AsDict()
	if !ok {
		return nil, fmt.Errorf("variable %q is %s, not %s", key, v.Type(), TypeDict)
	}

	out := NewBundle()
	for _, name := range orderedKeys(entries, nil) {
		out.Set(name, entries[name])
	}
	return out, nil
}

// DecodeJSON reads one JSON document and decodes it. Numbers keep their
// integer or floating form.
func DecodeJSON(r io.Reader) (Variable, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Variable{}, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return Decode(raw)
}
