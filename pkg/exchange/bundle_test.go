package exchange

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

func TestBundleOrderAndUniqueness(t *testing.T) {
	b := NewBundle()
	require.NoError(t, b.Add("b", Int(1)))
	require.NoError(t, b.Add("a", Str("x")))
	assert.Error(t, b.Add("a", Str("y")))
	assert.Error(t, b.Add("", Int(1)))
	assert.Error(t, b.Add("zero", Variable{}))

	assert.Equal(t, []string{"b", "a"}, b.Names())
	assert.Equal(t, Schema{{Name: "b", Type: TypeInt}, {Name: "a", Type: TypeStr}}, b.Schema())

	b.Set("b", Float(2))
	b.Set("c", Bool(true))
	assert.Equal(t, []string{"b", "a", "c"}, b.Names())
	v, ok := b.Get("b")
	require.True(t, ok)
	assert.Equal(t, TypeFloat, v.Type())
}

func TestBundleConform(t *testing.T) {
	b := NewBundle()
	b.Set("first", Int(4))
	b.Set("ratio", Int(1))
	b.Set("scratch", Str("tmp"))

	out, err := b.Conform(Schema{{Name: "ratio", Type: TypeFloat}, {Name: "first", Type: TypeInt}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ratio", "first"}, out.Names())
	ratio, _ := out.Get("ratio")
	assert.True(t, Float(1).Equal(ratio))

	_, err = b.Conform(Schema{{Name: "missing", Type: TypeInt}})
	assert.Error(t, err)

	_, err = b.Conform(Schema{{Name: "scratch", Type: TypeInt}})
	assert.True(t, errors.Is(err, cerrors.ErrSchemaMismatch))
}

func TestSchemaFromMap(t *testing.T) {
	s, err := SchemaFromMap(map[string]string{"z": "int", "a": "STR", "m": "Float"}, []string{"m"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m", "a", "z"}, s.Names())

	typ, ok := s.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, TypeStr, typ)

	_, err = SchemaFromMap(map[string]string{"x": "complex"}, nil)
	assert.Error(t, err)

	merged := s.Merge(Schema{{Name: "a", Type: TypeInt}, {Name: "new", Type: TypeBool}})
	assert.Equal(t, []string{"m", "a", "z", "new"}, merged.Names())
	typ, _ = merged.Lookup("a")
	assert.Equal(t, TypeStr, typ)
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(Float(3), TypeInt)
	require.NoError(t, err)
	assert.True(t, Int(3).Equal(v))

	_, err = Coerce(Float(3.1), TypeInt)
	assert.Error(t, err)

	_, err = Coerce(Bool(true), TypeStr)
	assert.Error(t, err)

	v, err = Coerce(List(Int(1)), TypeList)
	require.NoError(t, err)
	assert.Equal(t, TypeList, v.Type())
}
