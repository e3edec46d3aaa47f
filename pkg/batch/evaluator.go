package batch

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Conduit/pkg/exchange"
)

// MaskVariable is the global a batch mask is bound to
const MaskVariable = "mask"

// Executor runs scripts; *jsruntime.Runtime implements it
type Executor interface {
	Compile(code string) error
	Execute(ctx context.Context, code string, inputs *exchange.Bundle, outputs exchange.Schema) (*exchange.Bundle, error)
}

// ScriptEvaluator evaluates a batch by running a script with the batch values
// bound as globals.
//
// Without a split key the declared outputs form a single output batch. With
// one, the script leaves a list of objects under that name and each object
// becomes an output batch, conformed to the declared outputs when any.
type ScriptEvaluator struct {
	executor Executor
	code     string
	outputs  exchange.Schema
	splitKey string
}

// NewScriptEvaluator compiles code and returns an evaluator for it
func NewScriptEvaluator(executor Executor, code string, outputs exchange.Schema, splitKey string) (*ScriptEvaluator, error) {
	if splitKey == "" && len(outputs) == 0 {
		return nil, fmt.Errorf("outputs or a split key are required")
	}
	if err := executor.Compile(code); err != nil {
		return nil, err
	}
	return &ScriptEvaluator{
		executor: executor,
		code:     code,
		outputs:  outputs,
		splitKey: splitKey,
	}, nil
}

func (e *ScriptEvaluator) Evaluate(ctx context.Context, input Batch) ([]Batch, error) {
	inputs := exchange.NewBundle()
	if input.Values != nil {
		inputs.Merge(input.Values)
	}
	if input.Mask != nil {
		inputs.Set(MaskVariable, exchange.NDArray(input.Mask))
	}

	if e.splitKey == "" {
		out, err := e.executor.Execute(ctx, e.code, inputs, e.outputs)
		if err != nil {
			return nil, err
		}
		return []Batch{{Values: out}}, nil
	}

	out, err := e.executor.Execute(ctx, e.code, inputs, exchange.Schema{{Name: e.splitKey, Type: exchange.TypeList}})
	if err != nil {
		return nil, err
	}
	v, _ := out.Get(e.splitKey)
	items, _ := v.AsList()

	batches := make([]Batch, 0, len(items))
	for i, item := range items {
		holder := exchange.NewBundle()
		holder.Set(e.splitKey, item)
		values, err := exchange.ExpandInner(holder, e.splitKey)
		if err != nil {
			return nil, fmt.Errorf("output batch %d: %w", i, err)
		}
		if len(e.outputs) > 0 {
			if values, err = values.Conform(e.outputs); err != nil {
				return nil, fmt.Errorf("output batch %d: %w", i, err)
			}
		}
		batches = append(batches, Batch{Values: values})
	}
	return batches, nil
}
