package serve

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/exchange"
	"github.com/wehubfusion/Conduit/pkg/ndarray"
	"github.com/wehubfusion/Conduit/pkg/schema"
)

// decodeRow converts a JSON row into a record of schema cs. Without a schema
// numbers become int64 or float64 and other values are kept as decoded.
func decodeRow(row []interface{}, cs *schema.ColumnSchema) (schema.Record, error) {
	record := make(schema.Record, len(row))
	if cs == nil || len(row) == 0 {
		for i, raw := range row {
			record[i] = plainValue(raw)
		}
		return record, nil
	}
	if len(row) != cs.NumColumns() {
		return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "expected %d columns, got %d", cs.NumColumns(), len(row))
	}
	for i, raw := range row {
		col := cs.Column(i)
		cell, err := decodeCell(raw, col.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		record[i] = cell
	}
	return record, nil
}

func plainValue(raw interface{}) interface{} {
	n, ok := raw.(json.Number)
	if !ok {
		return raw
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}

func decodeCell(raw interface{}, ct schema.ColumnType) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}

	mismatch := func() error {
		return cerrors.Newf(cerrors.CodeSchemaMismatch, "%s cell holds %T", ct, raw)
	}

	switch ct {
	case schema.TypeInteger, schema.TypeLong:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, mismatch()
		}
		i, err := n.Int64()
		if err != nil {
			return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "%s is not an integer", n)
		}
		if ct == schema.TypeLong {
			return i, nil
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "value %d overflows %s", i, ct)
		}
		return int32(i), nil
	case schema.TypeFloat, schema.TypeDouble:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, mismatch()
		}
		f, err := n.Float64()
		if err != nil {
			return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "%s is not a number", n)
		}
		if ct == schema.TypeFloat {
			return float32(f), nil
		}
		return f, nil
	case schema.TypeString, schema.TypeCategorical:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil
	case schema.TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	case schema.TypeBytes:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch()
		}
		return base64.StdEncoding.DecodeString(s)
	case schema.TypeTime:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch()
		}
		return time.Parse(time.RFC3339Nano, s)
	case schema.TypeNDArray:
		m, ok := raw.(map[string]interface{})
		if !ok || !ndarray.HasMarker(m) {
			return nil, mismatch()
		}
		return decodeArray(m)
	}
	return nil, cerrors.Newf(cerrors.CodeUnsupportedColumn, "unknown column type %q", ct)
}

// decodeArray reads an array wire map whose data travels as base64. A
// foreign address is meaningless here and is dropped when data is present.
func decodeArray(m map[string]interface{}) (*ndarray.Descriptor, error) {
	if s, ok := m[ndarray.KeyData].(string); ok {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("array data: %w", err)
		}
		m[ndarray.KeyData] = data
		delete(m, ndarray.KeyAddress)
	}
	v, err := exchange.Decode(m)
	if err != nil {
		return nil, err
	}
	d, _ := v.AsNDArray()
	return d, nil
}

// encodeRow converts a record into JSON-ready values. Arrays become wire
// maps without an address.
func encodeRow(record schema.Record) []interface{} {
	row := make([]interface{}, len(record))
	for i, cell := range record {
		if d, ok := cell.(*ndarray.Descriptor); ok && d != nil {
			m := d.ToMap()
			delete(m, ndarray.KeyAddress)
			row[i] = m
			continue
		}
		row[i] = cell
	}
	return row
}
