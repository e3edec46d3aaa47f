// Package schema is the tabular side of the exchange: column types, ordered
// column schemas and row records, plus conversion to Arrow record batches.
package schema

import (
	"encoding/json"
	"fmt"
)

// ColumnType is the type of a single column in a tabular record
type ColumnType string

// Supported column types
const (
	TypeInteger     ColumnType = "Integer"
	TypeLong        ColumnType = "Long"
	TypeFloat       ColumnType = "Float"
	TypeDouble      ColumnType = "Double"
	TypeString      ColumnType = "String"
	TypeCategorical ColumnType = "Categorical"
	TypeBoolean     ColumnType = "Boolean"
	TypeNDArray     ColumnType = "NDArray"
	TypeBytes       ColumnType = "Bytes"
	TypeTime        ColumnType = "Time"
)

// AllTypes lists every declared column type
var AllTypes = []ColumnType{
	TypeInteger, TypeLong, TypeFloat, TypeDouble, TypeString,
	TypeCategorical, TypeBoolean, TypeNDArray, TypeBytes, TypeTime,
}

// IsValidType checks if a column type is declared
func IsValidType(t ColumnType) bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts column type names in any letter case
func (t *ColumnType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseColumnType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Column is a named, typed column
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// ColumnSchema is an ordered list of columns with unique names
type ColumnSchema struct {
	columns []Column
	index   map[string]int
}

// NewColumnSchema builds a schema, rejecting duplicate names and unknown types
func NewColumnSchema(columns ...Column) (*ColumnSchema, error) {
	s := &ColumnSchema{
		columns: make([]Column, 0, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	for _, c := range columns {
		if err := s.add(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// FromNamesAndTypes pairs parallel name and type lists into a schema
func FromNamesAndTypes(names []string, types []ColumnType) (*ColumnSchema, error) {
	if len(names) != len(types) {
		return nil, NewSchemaError(
			fmt.Sprintf("%d column names but %d column types", len(names), len(types)),
			"ARITY_MISMATCH", nil)
	}
	columns := make([]Column, len(names))
	for i := range names {
		columns[i] = Column{Name: names[i], Type: types[i]}
	}
	return NewColumnSchema(columns...)
}

func (s *ColumnSchema) add(c Column) error {
	if c.Name == "" {
		return NewSchemaError("column name is required", CodeInvalidColumn, nil)
	}
	if !IsValidType(c.Type) {
		return NewSchemaError(fmt.Sprintf("column %q has invalid type %q", c.Name, c.Type), CodeInvalidColumn, nil)
	}
	if _, dup := s.index[c.Name]; dup {
		return NewSchemaError(fmt.Sprintf("duplicate column %q", c.Name), CodeDuplicateColumn, nil)
	}
	s.index[c.Name] = len(s.columns)
	s.columns = append(s.columns, c)
	return nil
}

// NumColumns returns the number of columns
func (s *ColumnSchema) NumColumns() int {
	return len(s.columns)
}

// Column returns the i-th column
func (s *ColumnSchema) Column(i int) Column {
	return s.columns[i]
}

// Columns returns a copy of the columns in order
func (s *ColumnSchema) Columns() []Column {
	return append([]Column(nil), s.columns...)
}

// Names returns the column names in order
func (s *ColumnSchema) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column
func (s *ColumnSchema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// TypeOf returns the type of the named column
func (s *ColumnSchema) TypeOf(name string) (ColumnType, bool) {
	i, ok := s.index[name]
	if !ok {
		return "", false
	}
	return s.columns[i].Type, true
}

// MarshalJSON encodes the schema as an ordered column list
func (s *ColumnSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.columns)
}

// UnmarshalJSON decodes an ordered column list
func (s *ColumnSchema) UnmarshalJSON(data []byte) error {
	var columns []Column
	if err := json.Unmarshal(data, &columns); err != nil {
		return err
	}
	parsed, err := NewColumnSchema(columns...)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// Record is one row of values aligned with a ColumnSchema.
//
// Go value types per column: Integer int32, Long int64, Float float32,
// Double float64, String and Categorical string, Boolean bool,
// NDArray *ndarray.Descriptor, Bytes []byte, Time time.Time. A nil cell is null.
type Record []interface{}

// ValidationError represents a single validation error
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult holds the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}
