package batch

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/exchange"
	"github.com/wehubfusion/Conduit/pkg/ndarray"
)

// LinearEvaluator applies y = x·W + b to a float64 matrix held in the input
// batch, without going through a script. A mask, when present, must be a
// float64 vector with one entry per row and scales each output row.
type LinearEvaluator struct {
	input   string
	output  string
	weights *mat.Dense
	bias    []float64
}

// NewLinearEvaluator reads input as an rows×k matrix and writes output as
// rows×n, where weights is k×n. bias may be nil or hold n values.
func NewLinearEvaluator(input, output string, weights *mat.Dense, bias []float64) (*LinearEvaluator, error) {
	if input == "" || output == "" {
		return nil, fmt.Errorf("input and output names are required")
	}
	if weights == nil {
		return nil, fmt.Errorf("weights are required")
	}
	if _, n := weights.Dims(); bias != nil && len(bias) != n {
		return nil, fmt.Errorf("bias has %d values, weights have %d columns", len(bias), n)
	}
	return &LinearEvaluator{input: input, output: output, weights: weights, bias: bias}, nil
}

var _ Evaluator = (*LinearEvaluator)(nil)

func (e *LinearEvaluator) Evaluate(_ context.Context, input Batch) ([]Batch, error) {
	if input.Values == nil {
		return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "batch has no values")
	}
	v, ok := input.Values.Get(e.input)
	if !ok {
		return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "batch has no %q array", e.input)
	}
	arr, ok := v.AsNDArray()
	if !ok {
		return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "%q is %s, want NDARRAY", e.input, v.Type())
	}
	x, err := arr.AsDense()
	if err != nil {
		return nil, cerrors.NewError(cerrors.CodeSchemaMismatch, fmt.Sprintf("%q: %v", e.input, err), err)
	}

	rows, k := x.Dims()
	if wk, _ := e.weights.Dims(); wk != k {
		return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "%q has %d columns, weights expect %d", e.input, k, wk)
	}

	var y mat.Dense
	y.Mul(x, e.weights)
	if e.bias != nil {
		for i := 0; i < rows; i++ {
			row := y.RawRowView(i)
			for j, b := range e.bias {
				row[j] += b
			}
		}
	}

	if input.Mask != nil {
		mask, err := input.Mask.AsVector()
		if err != nil {
			return nil, cerrors.NewError(cerrors.CodeSchemaMismatch, fmt.Sprintf("mask: %v", err), err)
		}
		if mask.Len() != rows {
			return nil, cerrors.Newf(cerrors.CodeSchemaMismatch, "mask has %d entries for %d rows", mask.Len(), rows)
		}
		for i := 0; i < rows; i++ {
			if m := mask.AtVec(i); m != 1 {
				row := y.RawRowView(i)
				for j := range row {
					row[j] *= m
				}
			}
		}
	}

	out, err := ndarray.FromDense(&y)
	if err != nil {
		return nil, err
	}
	values := exchange.NewBundle()
	values.Set(e.output, exchange.NDArray(out))
	return []Batch{{Values: values}}, nil
}
