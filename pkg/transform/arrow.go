package transform

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/schema"
)

// TransformArrow runs every row of an Arrow record batch through the script
// of a named input and returns the results as a new batch. Columns are
// matched by name. A declared input without a port returns rec retained.
// Any row failure fails the whole batch.
func (s *Step) TransformArrow(ctx context.Context, name string, rec arrow.Record) (arrow.Record, error) {
	if s.State() == StateDestroyed {
		return nil, ErrDestroyed
	}
	p, ok := s.ports[name]
	if !ok {
		if !s.declared(name) {
			return nil, fmt.Errorf("unknown input name %q", name)
		}
		rec.Retain()
		return rec, nil
	}

	ctx, span := s.tracer.Start(ctx, "transform.TransformArrow",
		trace.WithAttributes(
			attribute.String("port", name),
			attribute.Int64("batch.rows", rec.NumRows())))
	defer span.End()

	got, rows, err := schema.FromArrowRecord(rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	rows, err = reorder(got, p.inputColumns, rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out, err := s.runAll(ctx, len(rows), func(ctx context.Context, i int) (string, schema.Record, error) {
		result, err := s.runRecord(ctx, p, rows[i])
		return name, result, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := schema.ToArrowRecord(s.allocator, p.outputColumns, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "batch transformed")
	return result, nil
}

// reorder arranges rows read with schema got into the column order of want
func reorder(got, want *schema.ColumnSchema, rows []schema.Record) ([]schema.Record, error) {
	idx := make([]int, want.NumColumns())
	identity := got.NumColumns() == want.NumColumns()
	for i, col := range want.Columns() {
		j, ok := got.Index(col.Name)
		if !ok {
			return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "batch has no column %q", col.Name)
		}
		idx[i] = j
		identity = identity && i == j
	}
	if identity {
		return rows, nil
	}

	out := make([]schema.Record, len(rows))
	for r, row := range rows {
		record := make(schema.Record, len(idx))
		for i, j := range idx {
			record[i] = row[j]
		}
		out[r] = record
	}
	return out, nil
}
