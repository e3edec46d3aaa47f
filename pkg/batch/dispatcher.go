package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/pkg/concurrency"
)

// ErrDispatcherClosed is returned by Submit after Close
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Evaluator computes the output batches of one input batch
type Evaluator interface {
	Evaluate(ctx context.Context, input Batch) ([]Batch, error)
}

// EvaluatorFunc adapts a function to Evaluator
type EvaluatorFunc func(ctx context.Context, input Batch) ([]Batch, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, input Batch) ([]Batch, error) {
	return f(ctx, input)
}

type job struct {
	ctx        context.Context
	observable *Observable
}

// DispatcherStats reports dispatcher counters
type DispatcherStats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Dispatcher evaluates observables on a fixed set of workers. Every
// evaluation goes through the limiter, so an open circuit fails fast.
type Dispatcher struct {
	evaluator Evaluator
	limiter   *concurrency.Limiter
	logger    *zap.Logger

	jobs chan job
	wg   conc.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher starts workers that feed evaluator. A nil limiter allows
// as many evaluations as there are workers.
func NewDispatcher(evaluator Evaluator, workers int, limiter *concurrency.Limiter, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if limiter == nil {
		limiter = concurrency.NewLimiter(workers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		evaluator: evaluator,
		limiter:   limiter,
		logger:    logger.Named("dispatcher"),
		jobs:      make(chan job, workers*2),
	}
	for i := 0; i < workers; i++ {
		d.wg.Go(d.work)
	}
	d.logger.Debug("dispatcher started", zap.Int("workers", workers))
	return d
}

// Submit queues an observable for evaluation. Its result is published on the
// observable; Submit only fails when the job cannot be queued.
func (d *Dispatcher) Submit(ctx context.Context, o *Observable) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.jobs <- job{ctx: ctx, observable: o}:
		d.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch wraps inputs in an observable and submits it
func (d *Dispatcher) Dispatch(ctx context.Context, inputs ...Batch) (*Observable, error) {
	o := NewObservable(inputs...)
	if err := d.Submit(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Close stops accepting work and waits for queued jobs to finish
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Debug("dispatcher stopped", zap.Any("stats", d.Stats()))
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Submitted: d.submitted.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) work() {
	for j := range d.jobs {
		output, err := d.evaluate(j.ctx, j.observable)
		if err != nil {
			d.failed.Add(1)
			err = j.observable.SetOutputException(err)
		} else {
			d.succeeded.Add(1)
			err = j.observable.SetOutputBatches(output)
		}
		if err != nil {
			d.logger.Warn("failed to publish batch result", zap.Error(err))
		}
	}
}

// evaluate runs every input batch in order and concatenates their outputs.
// Batches added during evaluation are picked up until none are pending. The
// first failure stops the observable.
func (d *Dispatcher) evaluate(ctx context.Context, o *Observable) ([]Batch, error) {
	var output []Batch
	for n := 0; ; {
		pending := o.pendingFrom(n)
		if len(pending) == 0 {
			return output, nil
		}
		for _, input := range pending {
			var batches []Batch
			err := d.limiter.Do(ctx, func() error {
				var evalErr error
				if recovered := panics.Try(func() {
					batches, evalErr = d.evaluator.Evaluate(ctx, input)
				}); recovered != nil {
					return recovered.AsError()
				}
				return evalErr
			})
			if err != nil {
				o.seal()
				return nil, fmt.Errorf("batch %d: %w", n, err)
			}
			output = append(output, batches...)
			n++
		}
	}
}
