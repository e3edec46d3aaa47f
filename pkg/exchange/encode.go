package exchange

import (
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/Conduit/pkg/ndarray"
)

// ArrayEncoder turns a descriptor into the graph node handed to a runtime
type ArrayEncoder func(d *ndarray.Descriptor) interface{}

// Encode converts a Variable back into an untyped graph. Arrays become wire
// maps carrying the array marker.
func Encode(v Variable) interface{} {
	return EncodeWith(v, func(d *ndarray.Descriptor) interface{} { return d.ToMap() })
}

// EncodeWith is Encode with a custom array encoding
func EncodeWith(v Variable, arrays ArrayEncoder) interface{} {
	switch v.typ {
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	case TypeStr:
		return v.s
	case TypeBool:
		return v.b
	case TypeNDArray:
		return arrays(v.arr)
	case TypeList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = EncodeWith(item, arrays)
		}
		return out
	case TypeDict:
		out := make(map[string]interface{}, len(v.dict))
		for k, item := range v.dict {
			out[k] = EncodeWith(item, arrays)
		}
		return out
	}
	panic(fmt.Sprintf("exchange: cannot encode variable of type %q", v.typ))
}

// EncodeBundle encodes every variable of b into a map keyed by name
func EncodeBundle(b *Bundle, arrays ArrayEncoder) map[string]interface{} {
	if arrays == nil {
		arrays = func(d *ndarray.Descriptor) interface{} { return d.ToMap() }
	}
	out := make(map[string]interface{}, b.Len())
	b.Range(func(name string, v Variable) bool {
		out[name] = EncodeWith(v, arrays)
		return true
	})
	return out
}

// MarshalJSON encodes the variable as its untyped graph
func (v Variable) MarshalJSON() ([]byte, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("cannot marshal an invalid variable")
	}
	return json.Marshal(Encode(v))
}

// MarshalJSON encodes the bundle as an object keyed by variable name
func (b *Bundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(EncodeBundle(b, nil))
}
