package exchange

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/ndarray"
	"github.com/wehubfusion/Conduit/pkg/schema"
)

func TestTypeTableRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeInt, TypeFloat, TypeStr, TypeBool, TypeNDArray} {
		ct, err := ToColumnType(typ)
		require.NoError(t, err, typ)

		back, action, err := FromColumnType(ct)
		require.NoError(t, err, typ)
		assert.Equal(t, Produce, action)
		assert.Equal(t, typ, back)
	}

	for _, typ := range []Type{TypeList, TypeDict} {
		_, err := ToColumnType(typ)
		assert.True(t, errors.Is(err, cerrors.ErrUnsupportedColumn), typ)
	}
}

func TestFromColumnTypeIsTotal(t *testing.T) {
	expected := map[schema.ColumnType]struct {
		typ    Type
		action Action
		fails  bool
	}{
		schema.TypeInteger:     {typ: TypeInt},
		schema.TypeLong:        {typ: TypeInt},
		schema.TypeFloat:       {typ: TypeFloat},
		schema.TypeDouble:      {typ: TypeFloat},
		schema.TypeString:      {typ: TypeStr},
		schema.TypeCategorical: {typ: TypeStr},
		schema.TypeBoolean:     {typ: TypeBool},
		schema.TypeNDArray:     {typ: TypeNDArray},
		schema.TypeBytes:       {action: Drop},
		schema.TypeTime:        {fails: true},
	}
	require.Len(t, expected, len(schema.AllTypes))

	for _, ct := range schema.AllTypes {
		want, ok := expected[ct]
		require.True(t, ok, "column type %s has no expectation", ct)

		typ, action, err := FromColumnType(ct)
		if want.fails {
			assert.True(t, errors.Is(err, cerrors.ErrUnsupportedColumn), ct)
			continue
		}
		require.NoError(t, err, ct)
		assert.Equal(t, want.action, action, ct)
		assert.Equal(t, want.typ, typ, ct)
	}
}

func TestBundleSchemaFromColumns(t *testing.T) {
	cs, err := schema.NewColumnSchema(
		schema.Column{Name: "id", Type: schema.TypeLong},
		schema.Column{Name: "blob", Type: schema.TypeBytes},
		schema.Column{Name: "label", Type: schema.TypeCategorical},
	)
	require.NoError(t, err)

	s, err := BundleSchemaFromColumns(cs)
	require.NoError(t, err)
	assert.Equal(t, Schema{{Name: "id", Type: TypeInt}, {Name: "label", Type: TypeStr}}, s)

	withTime, err := schema.NewColumnSchema(schema.Column{Name: "at", Type: schema.TypeTime})
	require.NoError(t, err)
	_, err = BundleSchemaFromColumns(withTime)
	assert.True(t, errors.Is(err, cerrors.ErrUnsupportedColumn))
}

func TestColumnsFromBundleSchema(t *testing.T) {
	cs, err := ColumnsFromBundleSchema(Schema{{Name: "x", Type: TypeFloat}, {Name: "ok", Type: TypeBool}})
	require.NoError(t, err)
	assert.Equal(t, []schema.Column{
		{Name: "x", Type: schema.TypeFloat},
		{Name: "ok", Type: schema.TypeBoolean},
	}, cs.Columns())

	_, err = ColumnsFromBundleSchema(nil)
	assert.Error(t, err)

	_, err = ColumnsFromBundleSchema(Schema{{Name: "l", Type: TypeList}})
	assert.True(t, errors.Is(err, cerrors.ErrUnsupportedColumn))
}

func TestCellConversion(t *testing.T) {
	arr, err := ndarray.FromFloat64s([]float64{1, 2})
	require.NoError(t, err)

	tests := []struct {
		ct    schema.ColumnType
		cell  interface{}
		value Variable
	}{
		{schema.TypeInteger, int32(-3), Int(-3)},
		{schema.TypeLong, int64(1) << 40, Int(1 << 40)},
		{schema.TypeFloat, float32(0.25), Float(0.25)},
		{schema.TypeDouble, 2.5, Float(2.5)},
		{schema.TypeString, "a", Str("a")},
		{schema.TypeCategorical, "red", Str("red")},
		{schema.TypeBoolean, true, Bool(true)},
		{schema.TypeNDArray, arr, NDArray(arr)},
	}

	for _, tt := range tests {
		t.Run(string(tt.ct), func(t *testing.T) {
			v, err := VariableFromColumn(tt.cell, tt.ct)
			require.NoError(t, err)
			assert.True(t, tt.value.Equal(v), "got %s", v)

			cell, err := ColumnFromVariable(v, tt.ct)
			require.NoError(t, err)
			assert.Equal(t, tt.cell, cell)
		})
	}
}

func TestCellConversionErrors(t *testing.T) {
	_, err := VariableFromColumn(int64(1), schema.TypeInteger)
	assert.True(t, errors.Is(err, cerrors.ErrSchemaMismatch))

	_, err = VariableFromColumn(nil, schema.TypeLong)
	assert.True(t, errors.Is(err, cerrors.ErrSchemaMismatch))

	_, err = VariableFromColumn([]byte("x"), schema.TypeBytes)
	assert.True(t, errors.Is(err, cerrors.ErrUnsupportedColumn))

	_, err = ColumnFromVariable(Int(math.MaxInt32+1), schema.TypeInteger)
	assert.True(t, errors.Is(err, cerrors.ErrSchemaMismatch))

	_, err = ColumnFromVariable(Str("x"), schema.TypeTime)
	assert.True(t, errors.Is(err, cerrors.ErrUnsupportedColumn))

	cell, err := ColumnFromVariable(Int(3), schema.TypeDouble)
	require.NoError(t, err)
	assert.Equal(t, float64(3), cell)

	_, err = ColumnFromVariable(Float(3.5), schema.TypeLong)
	assert.True(t, errors.Is(err, cerrors.ErrSchemaMismatch))

	_, err = ColumnFromVariable(Float(1e300), schema.TypeFloat)
	assert.True(t, errors.Is(err, cerrors.ErrSchemaMismatch))

	cell, err = ColumnFromVariable(Float(math.Inf(-1)), schema.TypeFloat)
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(cell.(float32)), -1))
}

func TestParseType(t *testing.T) {
	for _, name := range []string{"int", "INT", " Int "} {
		typ, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, TypeInt, typ)
	}
	typ, err := ParseType("ndarray")
	require.NoError(t, err)
	assert.Equal(t, TypeNDArray, typ)

	_, err = ParseType("tuple")
	assert.Error(t, err)
}
