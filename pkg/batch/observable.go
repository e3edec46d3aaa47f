// Package batch decouples batch submission from batch consumption for
// evaluators that may turn one logical call into several output batches.
package batch

import (
	"context"
	"fmt"
	"sync"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/exchange"
	"github.com/wehubfusion/Conduit/pkg/ndarray"
)

// Batch is one input or output batch with an optional mask array
type Batch struct {
	Values *exchange.Bundle
	Mask   *ndarray.Descriptor
}

// Observer is notified once with the terminal result of an Observable.
// Exactly one of output and err is set.
type Observer func(output []Batch, err error)

// Observable is a single-resolution result for a set of input batches. The
// first of SetOutputBatches and SetOutputException wins; the result is then
// immutable and replayed to late subscribers.
type Observable struct {
	mu        sync.Mutex
	inputs    []Batch
	sealed    bool
	resolved  bool
	output    []Batch
	err       error
	observers []Observer
	done      chan struct{}
}

// NewObservable creates an unresolved observable holding inputs
func NewObservable(inputs ...Batch) *Observable {
	return &Observable{
		inputs: append([]Batch(nil), inputs...),
		done:   make(chan struct{}),
	}
}

// InputBatches returns the pending input batches in submission order
func (o *Observable) InputBatches() []Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Batch(nil), o.inputs...)
}

// AddInput appends further input batches. Batches added while a dispatcher
// is evaluating are evaluated before the result is published. It fails once
// the last input has been taken or a result is published.
func (o *Observable) AddInput(batches ...Batch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resolved || o.sealed {
		return cerrors.NewError(cerrors.CodeAlreadyResolved, "cannot add input to a resolved observable", nil)
	}
	o.inputs = append(o.inputs, batches...)
	return nil
}

// pendingFrom returns the inputs after the first n. When none are left the
// observable is sealed so no batch can be accepted without being evaluated.
func (o *Observable) pendingFrom(n int) []Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n >= len(o.inputs) {
		o.sealed = true
		return nil
	}
	return append([]Batch(nil), o.inputs[n:]...)
}

func (o *Observable) seal() {
	o.mu.Lock()
	o.sealed = true
	o.mu.Unlock()
}

// SetOutputBatches publishes a successful result
func (o *Observable) SetOutputBatches(output []Batch) error {
	return o.resolve(append([]Batch(nil), output...), nil)
}

// SetOutputException publishes a failure
func (o *Observable) SetOutputException(err error) error {
	if err == nil {
		return fmt.Errorf("output exception must not be nil")
	}
	return o.resolve(nil, err)
}

func (o *Observable) resolve(output []Batch, err error) error {
	o.mu.Lock()
	if o.resolved {
		o.mu.Unlock()
		return cerrors.NewError(cerrors.CodeAlreadyResolved, "result already published", nil)
	}
	o.resolved = true
	o.output = output
	o.err = err
	observers := o.observers
	o.observers = nil
	close(o.done)
	o.mu.Unlock()

	for _, fn := range observers {
		fn(output, err)
	}
	return nil
}

// Subscribe registers fn for the terminal result. When the result is already
// published fn runs immediately on the calling goroutine.
func (o *Observable) Subscribe(fn Observer) {
	o.mu.Lock()
	if !o.resolved {
		o.observers = append(o.observers, fn)
		o.mu.Unlock()
		return
	}
	output, err := o.output, o.err
	o.mu.Unlock()
	fn(output, err)
}

// Output returns the published output batches, or nil
func (o *Observable) Output() []Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.output
}

// OutputException returns the published failure, or nil
func (o *Observable) OutputException() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Resolved reports whether a result was published
func (o *Observable) Resolved() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolved
}

// Done is closed when a result is published
func (o *Observable) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until a result is published or ctx ends
func (o *Observable) Wait(ctx context.Context) ([]Batch, error) {
	select {
	case <-o.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.output, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
