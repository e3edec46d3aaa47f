package schema

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/wehubfusion/Conduit/pkg/ndarray"
)

// MetadataColumnType is the field metadata key carrying the column type, so
// that Categorical and String survive a trip through Arrow.
const MetadataColumnType = "conduit.column_type"

// Child field names of the struct encoding NDArray columns
const (
	ndarrayFieldDType = "dtype"
	ndarrayFieldShape = "shape"
	ndarrayFieldData  = "data"
)

var ndarrayType = arrow.StructOf(
	arrow.Field{Name: ndarrayFieldDType, Type: arrow.BinaryTypes.String},
	arrow.Field{Name: ndarrayFieldShape, Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	arrow.Field{Name: ndarrayFieldData, Type: arrow.BinaryTypes.Binary},
)

// ArrowType returns the Arrow data type used for a column type
func ArrowType(t ColumnType) (arrow.DataType, error) {
	switch t {
	case TypeInteger:
		return arrow.PrimitiveTypes.Int32, nil
	case TypeLong:
		return arrow.PrimitiveTypes.Int64, nil
	case TypeFloat:
		return arrow.PrimitiveTypes.Float32, nil
	case TypeDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case TypeString, TypeCategorical:
		return arrow.BinaryTypes.String, nil
	case TypeBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case TypeNDArray:
		return ndarrayType, nil
	case TypeBytes:
		return arrow.BinaryTypes.Binary, nil
	case TypeTime:
		return arrow.FixedWidthTypes.Timestamp_ns, nil
	}
	return nil, NewSchemaError(fmt.Sprintf("invalid column type: %s", t), CodeInvalidType, nil)
}

// ToArrowSchema converts a column schema into an Arrow schema. Every field is
// nullable and tagged with its column type.
func ToArrowSchema(s *ColumnSchema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, s.NumColumns())
	for i, c := range s.columns {
		dt, err := ArrowType(c.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{
			Name:     c.Name,
			Type:     dt,
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{MetadataColumnType}, []string{string(c.Type)}),
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

// FromArrowSchema converts an Arrow schema into a column schema. The column
// type metadata wins; untagged fields are inferred from their Arrow type.
func FromArrowSchema(as *arrow.Schema) (*ColumnSchema, error) {
	columns := make([]Column, 0, as.NumFields())
	for _, f := range as.Fields() {
		t, err := columnTypeOf(f)
		if err != nil {
			return nil, err
		}
		columns = append(columns, Column{Name: f.Name, Type: t})
	}
	return NewColumnSchema(columns...)
}

func columnTypeOf(f arrow.Field) (ColumnType, error) {
	if idx := f.Metadata.FindKey(MetadataColumnType); idx >= 0 {
		return ParseColumnType(f.Metadata.Values()[idx])
	}

	switch dt := f.Type.(type) {
	case *arrow.Int32Type:
		return TypeInteger, nil
	case *arrow.Int64Type:
		return TypeLong, nil
	case *arrow.Float32Type:
		return TypeFloat, nil
	case *arrow.Float64Type:
		return TypeDouble, nil
	case *arrow.StringType:
		return TypeString, nil
	case *arrow.BooleanType:
		return TypeBoolean, nil
	case *arrow.BinaryType:
		return TypeBytes, nil
	case *arrow.TimestampType:
		return TypeTime, nil
	case *arrow.StructType:
		if arrow.TypeEqual(dt, ndarrayType) {
			return TypeNDArray, nil
		}
	}
	return "", ConversionError(f.Name, fmt.Errorf("no column type for arrow type %s", f.Type))
}

// ToArrowRecord builds one Arrow record batch from row records. NDArray cells
// must be contiguous and carry host-visible bytes.
func ToArrowRecord(mem memory.Allocator, s *ColumnSchema, records []Record) (arrow.Record, error) {
	as, err := ToArrowSchema(s)
	if err != nil {
		return nil, err
	}

	rb := array.NewRecordBuilder(mem, as)
	defer rb.Release()

	validator := NewValidator()
	for row, record := range records {
		if err := validator.Check(record, s); err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		for i, value := range record {
			if err := appendValue(rb.Field(i), s.columns[i].Type, value); err != nil {
				return nil, ConversionError(s.columns[i].Name, err)
			}
		}
	}
	return rb.NewRecord(), nil
}

func appendValue(b array.Builder, t ColumnType, value interface{}) error {
	if value == nil {
		b.AppendNull()
		return nil
	}

	switch t {
	case TypeInteger:
		b.(*array.Int32Builder).Append(value.(int32))
	case TypeLong:
		b.(*array.Int64Builder).Append(value.(int64))
	case TypeFloat:
		b.(*array.Float32Builder).Append(value.(float32))
	case TypeDouble:
		b.(*array.Float64Builder).Append(value.(float64))
	case TypeString, TypeCategorical:
		b.(*array.StringBuilder).Append(value.(string))
	case TypeBoolean:
		b.(*array.BooleanBuilder).Append(value.(bool))
	case TypeBytes:
		b.(*array.BinaryBuilder).Append(value.([]byte))
	case TypeTime:
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(value.(time.Time).UnixNano()))
	case TypeNDArray:
		return appendNDArray(b.(*array.StructBuilder), value.(*ndarray.Descriptor))
	default:
		return fmt.Errorf("invalid column type: %s", t)
	}
	return nil
}

func appendNDArray(sb *array.StructBuilder, d *ndarray.Descriptor) error {
	if !d.IsContiguous() {
		return fmt.Errorf("array with stride %v is not contiguous", d.Stride)
	}
	data := d.Data()
	if data == nil && d.NumElements() > 0 {
		return ndarray.ErrNoData
	}

	sb.Append(true)
	sb.FieldBuilder(0).(*array.StringBuilder).Append(string(d.DType))
	lb := sb.FieldBuilder(1).(*array.ListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Int64Builder).AppendValues(d.Shape, nil)
	sb.FieldBuilder(2).(*array.BinaryBuilder).Append(data)
	return nil
}

// FromArrowRecord reads an Arrow record batch into row records. Bytes and
// NDArray cells borrow the record's buffers: they stay valid only while the
// record is retained, and NDArray cells must not be released.
func FromArrowRecord(rec arrow.Record) (*ColumnSchema, []Record, error) {
	s, err := FromArrowSchema(rec.Schema())
	if err != nil {
		return nil, nil, err
	}

	rows := int(rec.NumRows())
	records := make([]Record, rows)
	for r := range records {
		records[r] = make(Record, s.NumColumns())
	}

	for i, col := range rec.Columns() {
		for r := 0; r < rows; r++ {
			if col.IsNull(r) {
				continue
			}
			value, err := readValue(col, r)
			if err != nil {
				return nil, nil, ConversionError(s.columns[i].Name, err)
			}
			records[r][i] = value
		}
	}
	return s, records, nil
}

func readValue(col arrow.Array, r int) (interface{}, error) {
	switch a := col.(type) {
	case *array.Int32:
		return a.Value(r), nil
	case *array.Int64:
		return a.Value(r), nil
	case *array.Float32:
		return a.Value(r), nil
	case *array.Float64:
		return a.Value(r), nil
	case *array.String:
		return a.Value(r), nil
	case *array.Boolean:
		return a.Value(r), nil
	case *array.Binary:
		return a.Value(r), nil
	case *array.Timestamp:
		return time.Unix(0, int64(a.Value(r))).UTC(), nil
	case *array.Struct:
		return readNDArray(a, r)
	}
	return nil, fmt.Errorf("unsupported arrow array %T", col)
}

func readNDArray(a *array.Struct, r int) (*ndarray.Descriptor, error) {
	dtypes, ok := a.Field(0).(*array.String)
	if !ok {
		return nil, fmt.Errorf("ndarray %q child has type %s", ndarrayFieldDType, a.Field(0).DataType())
	}
	shapes, ok := a.Field(1).(*array.List)
	if !ok {
		return nil, fmt.Errorf("ndarray %q child has type %s", ndarrayFieldShape, a.Field(1).DataType())
	}
	blobs, ok := a.Field(2).(*array.Binary)
	if !ok {
		return nil, fmt.Errorf("ndarray %q child has type %s", ndarrayFieldData, a.Field(2).DataType())
	}

	dtype, err := ndarray.ParseDType(dtypes.Value(r))
	if err != nil {
		return nil, err
	}
	dims := shapes.ListValues().(*array.Int64)
	start, end := shapes.ValueOffsets(r)
	shape := make([]int64, 0, end-start)
	for k := start; k < end; k++ {
		shape = append(shape, dims.Value(int(k)))
	}
	return ndarray.Borrow(blobs.Value(r), shape, dtype)
}
