package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/cases"
)

// ParseColumnType resolves a column type name regardless of letter case
func ParseColumnType(name string) (ColumnType, error) {
	fold := cases.Fold()
	folded := fold.String(name)
	for _, t := range AllTypes {
		if fold.String(string(t)) == folded {
			return t, nil
		}
	}
	return "", NewSchemaError(fmt.Sprintf("invalid column type: %s", name), CodeInvalidType, nil)
}

// Parser handles parsing of column schema definitions
type Parser struct{}

// NewParser creates a new schema parser
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses a schema from JSON bytes. Two layouts are accepted: an ordered
// column list `[{"name":"a","type":"Integer"}]`, or parallel lists
// `{"names":["a"],"types":["Integer"]}`.
func (p *Parser) Parse(schemaBytes []byte) (*ColumnSchema, error) {
	if len(schemaBytes) == 0 {
		return nil, fmt.Errorf("schema bytes cannot be empty")
	}

	if trimmed := bytes.TrimSpace(schemaBytes); len(trimmed) > 0 && trimmed[0] == '[' {
		var columns []Column
		if err := json.Unmarshal(trimmed, &columns); err != nil {
			return nil, ParseError(err)
		}
		s, err := NewColumnSchema(columns...)
		if err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
		return s, nil
	}

	var parallel struct {
		Names []string     `json:"names"`
		Types []ColumnType `json:"types"`
	}
	if err := json.Unmarshal(schemaBytes, &parallel); err != nil {
		return nil, ParseError(err)
	}
	s, err := FromNamesAndTypes(parallel.Names, parallel.Types)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return s, nil
}
