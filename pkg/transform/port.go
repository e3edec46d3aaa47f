package transform

import (
	"fmt"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/exchange"
	"github.com/wehubfusion/Conduit/pkg/schema"
)

// port is the built form of one PortConfig
type port struct {
	name string
	code string

	// inputs are the variables bound from record cells
	inputs       exchange.Schema
	inputColumns *schema.ColumnSchema

	// requested are the variables read back, in output column order
	requested     exchange.Schema
	outputColumns *schema.ColumnSchema

	extras *exchange.Bundle
}

func buildPort(name, code string, cfg StepConfig) (*port, error) {
	pc := cfg.Ports[name]
	p := &port{name: name, code: code}

	var err error
	if len(pc.ExtraInputs) > 0 {
		if p.extras, err = exchange.DecodeMap(pc.ExtraInputs); err != nil {
			return nil, fmt.Errorf("extra inputs: %w", err)
		}
	}

	inputColumns := cfg.InputSchemas[name]
	switch {
	case len(pc.Inputs) > 0:
		var order []string
		if inputColumns != nil {
			order = inputColumns.Names()
		}
		p.inputs, err = exchange.SchemaFromMap(pc.Inputs, order)
	case inputColumns != nil:
		p.inputs, err = exchange.BundleSchemaFromColumns(inputColumns)
	default:
		err = fmt.Errorf("port needs declared inputs or an input schema")
	}
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}

	if inputColumns == nil {
		if inputColumns, err = exchange.ColumnsFromBundleSchema(p.inputs); err != nil {
			return nil, fmt.Errorf("inputs: %w", err)
		}
	}
	p.inputColumns = inputColumns

	// declared inputs missing from the record must come from extras
	var bound exchange.Schema
	for _, f := range p.inputs {
		if _, ok := inputColumns.Index(f.Name); ok {
			bound = append(bound, f)
			continue
		}
		if p.extras != nil {
			if v, ok := p.extras.Get(f.Name); ok {
				// JSON config numbers decode as floats
				if v, err = exchange.Coerce(v, f.Type); err != nil {
					return nil, fmt.Errorf("extra input %q: %w", f.Name, err)
				}
				p.extras.Set(f.Name, v)
				continue
			}
		}
		return nil, fmt.Errorf("input %q is neither a record column nor an extra input", f.Name)
	}
	p.inputs = bound

	if len(pc.Outputs) == 0 && !pc.ReturnAllInputs {
		return nil, fmt.Errorf("port declares no outputs")
	}
	declared := cfg.OutputSchemas[name]
	var order []string
	if declared != nil {
		order = declared.Names()
	}
	outputs, err := exchange.SchemaFromMap(pc.Outputs, order)
	if err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}

	candidates := outputs
	if pc.ReturnAllInputs {
		candidates = returnAll(p.inputs, outputs)
	}

	if declared != nil {
		p.outputColumns = declared
		p.requested, err = requestedFor(declared, candidates)
	} else {
		p.requested = candidates
		p.outputColumns, err = outputColumnsFor(candidates, inputColumns)
	}
	if err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}
	return p, nil
}

// returnAll lists record-bound inputs first, typed as outputs when also
// declared there, followed by output-only variables.
func returnAll(inputs, outputs exchange.Schema) exchange.Schema {
	all := make(exchange.Schema, 0, len(inputs)+len(outputs))
	for _, f := range inputs {
		if t, ok := outputs.Lookup(f.Name); ok {
			f.Type = t
		}
		all = append(all, f)
	}
	return all.Merge(outputs)
}

// requestedFor orders candidates by a declared output schema. Every column
// must be produced; candidates without a column are not read back.
func requestedFor(declared *schema.ColumnSchema, candidates exchange.Schema) (exchange.Schema, error) {
	requested := make(exchange.Schema, 0, declared.NumColumns())
	for _, col := range declared.Columns() {
		t, ok := candidates.Lookup(col.Name)
		if !ok {
			return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "output column %q is not a declared output", col.Name)
		}
		if _, action, err := exchange.FromColumnType(col.Type); err != nil {
			return nil, err
		} else if action == exchange.Drop {
			return nil, cerrors.Newf(cerrors.CodeUnsupportedColumn, "output column %q has type %s", col.Name, col.Type)
		}
		requested = append(requested, exchange.Field{Name: col.Name, Type: t})
	}
	return requested, nil
}

// outputColumnsFor derives output columns, keeping the input column type of
// variables that pass through with an unchanged tag.
func outputColumnsFor(requested exchange.Schema, inputColumns *schema.ColumnSchema) (*schema.ColumnSchema, error) {
	columns := make([]schema.Column, len(requested))
	for i, f := range requested {
		if ct, ok := inputColumns.TypeOf(f.Name); ok {
			if t, action, err := exchange.FromColumnType(ct); err == nil && action != exchange.Drop && t == f.Type {
				columns[i] = schema.Column{Name: f.Name, Type: ct}
				continue
			}
		}
		ct, err := exchange.ToColumnType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", f.Name, err)
		}
		columns[i] = schema.Column{Name: f.Name, Type: ct}
	}
	return schema.NewColumnSchema(columns...)
}

// bind builds the call bundle: extras first, then record cells, which win
func (p *port) bind(record schema.Record) (*exchange.Bundle, error) {
	b := exchange.NewBundle()
	if p.extras != nil {
		b.Merge(p.extras)
	}
	for _, f := range p.inputs {
		idx, _ := p.inputColumns.Index(f.Name)
		v, err := exchange.VariableFromColumn(record[idx], p.inputColumns.Column(idx).Type)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", f.Name, err)
		}
		if v, err = exchange.Coerce(v, f.Type); err != nil {
			return nil, fmt.Errorf("input %q: %w", f.Name, err)
		}
		b.Set(f.Name, v)
	}
	return b, nil
}

// unbind converts the call result into an output record
func (p *port) unbind(outputs *exchange.Bundle) (schema.Record, error) {
	record := make(schema.Record, p.outputColumns.NumColumns())
	for i, col := range p.outputColumns.Columns() {
		v, ok := outputs.Get(col.Name)
		if !ok {
			return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "output %q missing from result", col.Name)
		}
		cell, err := exchange.ColumnFromVariable(v, col.Type)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", col.Name, err)
		}
		record[i] = cell
	}
	return record, nil
}
