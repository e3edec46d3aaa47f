package ndarray

import (
	"encoding/json"
	"fmt"
	"math"
)

// Wire map keys for arrays embedded in a generic value graph.
const (
	KeyMarker       = "_is_ndarray"
	KeyLegacyMarker = "_is_numpy_array"
	KeyDType        = "dtype"
	KeyShape        = "shape"
	KeyStride       = "stride"
	KeyAddress      = "address"
	KeyData         = "data"
)

// byteSource is satisfied by buffers handed back from an interpreter, such as
// goja's ArrayBuffer.
type byteSource interface {
	Bytes() []byte
}

// HasMarker reports whether m is an array wire map rather than a dictionary
func HasMarker(m map[string]interface{}) bool {
	if _, ok := m[KeyMarker]; ok {
		return true
	}
	_, ok := m[KeyLegacyMarker]
	return ok
}

// FromMap decodes an array wire map. The result owns its memory because it
// originates from a foreign call. When the map carries no stride field the
// stride is filled from shape and StrideFromShape is set.
func FromMap(m map[string]interface{}) (*Descriptor, error) {
	name, ok := m[KeyDType].(string)
	if !ok {
		return nil, fmt.Errorf("array map has no string %q field", KeyDType)
	}
	dtype, err := ParseDType(name)
	if err != nil {
		return nil, err
	}

	shape, err := int64List(m[KeyShape], KeyShape)
	if err != nil {
		return nil, err
	}

	strideFromShape := false
	var stride []int64
	if raw, ok := m[KeyStride]; ok && raw != nil {
		if stride, err = int64List(raw, KeyStride); err != nil {
			return nil, err
		}
	} else {
		stride = append([]int64(nil), shape...)
		strideFromShape = true
	}

	var data []byte
	switch v := m[KeyData].(type) {
	case nil:
	case []byte:
		data = v
	case byteSource:
		data = v.Bytes()
	default:
		return nil, fmt.Errorf("array %q field has unsupported type %T", KeyData, v)
	}

	if data != nil {
		n, err := elementCount(shape)
		if err != nil {
			return nil, err
		}
		if want := n * int64(dtype.Size()); int64(len(data)) != want {
			return nil, fmt.Errorf("array of shape %v and dtype %s needs %d bytes of %q, got %d", shape, dtype, want, KeyData, len(data))
		}
	}

	var address uintptr
	if raw, ok := m[KeyAddress]; ok && raw != nil {
		a, err := toInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("array %q: %w", KeyAddress, err)
		}
		address = uintptr(a)
	} else if data == nil {
		return nil, fmt.Errorf("array map has neither %q nor %q", KeyAddress, KeyData)
	}

	d, err := New(address, shape, stride, dtype, true)
	if err != nil {
		return nil, err
	}
	d.StrideFromShape = strideFromShape
	if data != nil {
		d.attach(data)
		if address == 0 && len(data) > 0 {
			d.Address = addressOf(data)
		}
	}
	return d, nil
}

// ToMap encodes the descriptor as a wire map. Backing bytes, when present,
// are placed under the data key as-is so that callers can wrap them without copying.
func (d *Descriptor) ToMap() map[string]interface{} {
	shape := make([]interface{}, len(d.Shape))
	for i, v := range d.Shape {
		shape[i] = v
	}
	stride := make([]interface{}, len(d.Stride))
	for i, v := range d.Stride {
		stride[i] = v
	}

	m := map[string]interface{}{
		KeyMarker:  true,
		KeyDType:   string(d.DType),
		KeyShape:   shape,
		KeyStride:  stride,
		KeyAddress: int64(d.Address),
	}
	if data := d.Data(); data != nil {
		m[KeyData] = data
	}
	return m
}

func int64List(raw interface{}, field string) ([]int64, error) {
	switch v := raw.(type) {
	case []int64:
		return append([]int64(nil), v...), nil
	case []int:
		out := make([]int64, len(v))
		for i, n := range v {
			out[i] = int64(n)
		}
		return out, nil
	case []interface{}:
		out := make([]int64, len(v))
		for i, item := range v {
			n, err := toInt64(item)
			if err != nil {
				return nil, fmt.Errorf("array %q[%d]: %w", field, i, err)
			}
			out[i] = n
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("array map has no %q field", field)
	}
	return nil, fmt.Errorf("array %q field has unsupported type %T", field, raw)
}

func toInt64(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return 0, fmt.Errorf("value %v is not an exact integer", v)
		}
		return int64(v), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}
