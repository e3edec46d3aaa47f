package ndarray

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

func TestFromMapRecognizedDTypes(t *testing.T) {
	for _, name := range []string{"float32", "float64", "int16", "int32", "int64"} {
		t.Run(name, func(t *testing.T) {
			d, err := FromMap(map[string]interface{}{
				KeyLegacyMarker: true,
				KeyDType:        name,
				KeyShape:        []interface{}{int64(2), int64(3)},
				KeyAddress:      int64(0x7f00dead0000),
			})
			require.NoError(t, err)

			assert.Equal(t, DType(name), d.DType)
			assert.Equal(t, []int64{2, 3}, d.Shape)
			assert.Equal(t, uintptr(0x7f00dead0000), d.Address)
			assert.True(t, d.OwnsMemory)
		})
	}
}

func TestFromMapUnsupportedDType(t *testing.T) {
	for _, name := range []string{"float16", "uint8", "bool", "", "FLOAT32"} {
		_, err := FromMap(map[string]interface{}{
			KeyDType:   name,
			KeyShape:   []interface{}{int64(1)},
			KeyAddress: int64(1),
		})
		assert.True(t, errors.Is(err, cerrors.ErrUnsupportedDType), "dtype %q: %v", name, err)
	}
}

func TestFromMapFlagsStrideAliasing(t *testing.T) {
	d, err := FromMap(map[string]interface{}{
		KeyDType:   "int32",
		KeyShape:   []interface{}{int64(4), int64(5)},
		KeyAddress: int64(64),
	})
	require.NoError(t, err)
	assert.True(t, d.StrideFromShape)
	assert.Equal(t, d.Shape, d.Stride)

	d, err = FromMap(map[string]interface{}{
		KeyDType:   "int32",
		KeyShape:   []interface{}{int64(4), int64(5)},
		KeyStride:  []interface{}{int64(20), int64(4)},
		KeyAddress: int64(64),
	})
	require.NoError(t, err)
	assert.False(t, d.StrideFromShape)
	assert.Equal(t, []int64{20, 4}, d.Stride)
}

func TestFromMapAcceptsJSONNumbers(t *testing.T) {
	d, err := FromMap(map[string]interface{}{
		KeyDType:   "float64",
		KeyShape:   []interface{}{json.Number("3")},
		KeyAddress: json.Number("140737488355328"),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, d.Shape)
	assert.Equal(t, uintptr(140737488355328), d.Address)
}

func TestFromMapRejectsNonIntegralShape(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		KeyDType:   "float64",
		KeyShape:   []interface{}{2.5},
		KeyAddress: int64(1),
	})
	assert.Error(t, err)
}

func TestFromMapRejectsShortData(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		KeyMarker: true,
		KeyDType:  "float64",
		KeyShape:  []interface{}{int64(2), int64(2)},
		KeyStride: []interface{}{int64(16), int64(8)},
		KeyData:   make([]byte, 8),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs 32 bytes")

	d, err := FromMap(map[string]interface{}{
		KeyMarker: true,
		KeyDType:  "float64",
		KeyShape:  []interface{}{int64(2), int64(2)},
		KeyStride: []interface{}{int64(16), int64(8)},
		KeyData:   make([]byte, 32),
	})
	require.NoError(t, err)
	m, err := d.AsDense()
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, []int{2, 2}, []int{r, c})
}

func TestFloat64sChecksDataLength(t *testing.T) {
	d, err := New(0, []int64{2, 2}, []int64{16, 8}, Float64, true)
	require.NoError(t, err)
	d.attach(make([]byte, 8))

	_, err = d.Float64s()
	assert.Error(t, err)
	_, err = d.AsDense()
	assert.Error(t, err)
}

func TestNewShapeStrideMismatch(t *testing.T) {
	_, err := New(1, []int64{2, 2}, []int64{8}, Float64, false)
	assert.Error(t, err)
}

func TestFromBytesSharesMemory(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	d, err := FromFloat64s(values, 2, 3)
	require.NoError(t, err)

	assert.Equal(t, []int64{24, 8}, d.Stride)
	assert.True(t, d.IsContiguous())
	assert.NotZero(t, d.Address)

	view, err := d.Float64s()
	require.NoError(t, err)
	view[0] = 42
	assert.Equal(t, float64(42), values[0])
}

func TestFromBytesLengthMismatch(t *testing.T) {
	_, err := FromBytes(make([]byte, 10), []int64{3}, Int32)
	assert.Error(t, err)
}

func TestReleaseOwnership(t *testing.T) {
	owned, err := FromBytes(make([]byte, 8), []int64{2}, Int32)
	require.NoError(t, err)
	require.NoError(t, owned.Release())
	assert.True(t, owned.Released())
	assert.Nil(t, owned.Data())
	assert.ErrorIs(t, owned.Release(), ErrAlreadyReleased)

	borrowed, err := Borrow(make([]byte, 8), []int64{4}, Int16)
	require.NoError(t, err)
	assert.ErrorIs(t, borrowed.Release(), ErrNotOwner)
	assert.False(t, borrowed.Released())
}

func TestToMapRoundTrip(t *testing.T) {
	d, err := FromBytes(make([]byte, 16), []int64{2, 2}, Int32)
	require.NoError(t, err)

	m := d.ToMap()
	assert.True(t, HasMarker(m))

	back, err := FromMap(m)
	require.NoError(t, err)
	assert.Equal(t, d.Shape, back.Shape)
	assert.Equal(t, d.Stride, back.Stride)
	assert.Equal(t, d.Address, back.Address)
	assert.Equal(t, d.DType, back.DType)
	assert.False(t, back.StrideFromShape)
}

func TestAsDenseIsZeroCopy(t *testing.T) {
	d, err := FromFloat64s([]float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)

	m, err := d.AsDense()
	require.NoError(t, err)
	m.Set(1, 1, 9)

	view, err := d.Float64s()
	require.NoError(t, err)
	assert.Equal(t, float64(9), view[3])

	back, err := FromDense(m)
	require.NoError(t, err)
	assert.Equal(t, d.Address, back.Address)

	_, err = d.AsVector()
	assert.Error(t, err)
}
