package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/pkg/concurrency"
	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/exchange"
	"github.com/wehubfusion/Conduit/pkg/jsruntime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func values(kv ...interface{}) *exchange.Bundle {
	b := exchange.NewBundle()
	for i := 0; i < len(kv); i += 2 {
		b.Set(kv[i].(string), kv[i+1].(exchange.Variable))
	}
	return b
}

func TestObservablePublishesOnce(t *testing.T) {
	o := NewObservable(Batch{Values: values("x", exchange.Int(1))})
	out := []Batch{{Values: values("y", exchange.Int(2))}}

	require.NoError(t, o.SetOutputBatches(out))

	err := o.SetOutputException(errors.New("late failure"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrAlreadyResolved))
	assert.True(t, errors.Is(o.SetOutputBatches(nil), cerrors.ErrAlreadyResolved))

	assert.Nil(t, o.OutputException())
	require.Len(t, o.Output(), 1)

	var late []Batch
	var calls int
	o.Subscribe(func(output []Batch, err error) {
		calls++
		late = output
		assert.NoError(t, err)
	})
	assert.Equal(t, 1, calls)
	require.Len(t, late, 1)
	y, _ := late[0].Values.Get("y")
	assert.True(t, exchange.Int(2).Equal(y))
}

func TestObservableException(t *testing.T) {
	o := NewObservable()
	boom := errors.New("evaluation failed")

	require.NoError(t, o.SetOutputException(boom))
	assert.Equal(t, boom, o.OutputException())
	assert.Nil(t, o.Output())
	assert.True(t, errors.Is(o.SetOutputBatches(nil), cerrors.ErrAlreadyResolved))
	assert.Error(t, o.SetOutputException(nil))

	_, err := o.Wait(context.Background())
	assert.Equal(t, boom, err)
}

func TestObservableNotifiesEachSubscriberOnce(t *testing.T) {
	o := NewObservable()

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		o.Subscribe(func([]Batch, error) { count.Add(1) })
	}

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.SetOutputBatches(nil) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(5), count.Load())
	assert.True(t, o.Resolved())
}

func TestObservableAddInput(t *testing.T) {
	o := NewObservable(Batch{Values: values("a", exchange.Int(1))})
	require.NoError(t, o.AddInput(Batch{Values: values("a", exchange.Int(2))}, Batch{Values: values("a", exchange.Int(3))}))
	assert.Len(t, o.InputBatches(), 3)

	require.NoError(t, o.SetOutputBatches(nil))
	assert.True(t, errors.Is(o.AddInput(Batch{}), cerrors.ErrAlreadyResolved))
}

func TestObservableWaitHonorsContext(t *testing.T) {
	o := NewObservable()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-o.Done():
		t.Fatal("unresolved observable reported done")
	default:
	}
}

func TestDispatcherEvaluatesAllInputs(t *testing.T) {
	double := EvaluatorFunc(func(_ context.Context, in Batch) ([]Batch, error) {
		v, _ := in.Values.Get("x")
		n, _ := v.AsInt()
		return []Batch{{Values: values("y", exchange.Int(n*2))}}, nil
	})
	d := NewDispatcher(double, 3, nil, zap.NewNop())
	defer d.Close()

	var observables []*Observable
	for i := 0; i < 10; i++ {
		o, err := d.Dispatch(context.Background(),
			Batch{Values: values("x", exchange.Int(int64(i)))},
			Batch{Values: values("x", exchange.Int(int64(i+100)))})
		require.NoError(t, err)
		observables = append(observables, o)
	}

	for i, o := range observables {
		out, err := o.Wait(context.Background())
		require.NoError(t, err)
		require.Len(t, out, 2)
		first, _ := out[0].Values.Get("y")
		second, _ := out[1].Values.Get("y")
		assert.True(t, exchange.Int(int64(i*2)).Equal(first))
		assert.True(t, exchange.Int(int64((i+100)*2)).Equal(second))
	}

	stats := d.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Succeeded)
}

func TestDispatcherEvaluatesInputAddedDuringEvaluation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	echo := EvaluatorFunc(func(_ context.Context, in Batch) ([]Batch, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return []Batch{in}, nil
	})
	d := NewDispatcher(echo, 1, nil, zap.NewNop())
	defer d.Close()

	o, err := d.Dispatch(context.Background(), Batch{Values: values("x", exchange.Int(1))})
	require.NoError(t, err)

	<-started
	require.NoError(t, o.AddInput(Batch{Values: values("x", exchange.Int(2))}))
	close(release)

	out, err := o.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	second, _ := out[1].Values.Get("x")
	assert.True(t, exchange.Int(2).Equal(second))
	assert.Equal(t, int32(2), calls.Load())

	assert.ErrorIs(t, o.AddInput(Batch{}), cerrors.ErrAlreadyResolved)
}

func TestDispatcherPublishesFirstError(t *testing.T) {
	var calls atomic.Int32
	failing := EvaluatorFunc(func(_ context.Context, in Batch) ([]Batch, error) {
		calls.Add(1)
		return nil, errors.New("model rejected batch")
	})
	d := NewDispatcher(failing, 1, nil, zap.NewNop())
	defer d.Close()

	o, err := d.Dispatch(context.Background(), Batch{}, Batch{})
	require.NoError(t, err)

	_, err = o.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 0")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	panicky := EvaluatorFunc(func(context.Context, Batch) ([]Batch, error) {
		panic("bad input")
	})
	d := NewDispatcher(panicky, 1, nil, zap.NewNop())
	defer d.Close()

	o, err := d.Dispatch(context.Background(), Batch{})
	require.NoError(t, err)
	_, err = o.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
}

func TestDispatcherCircuitOpens(t *testing.T) {
	cb := concurrency.NewCircuitBreaker(2, time.Minute)
	limiter := concurrency.NewLimiterWithCircuitBreaker(1, cb)
	failing := EvaluatorFunc(func(context.Context, Batch) ([]Batch, error) {
		return nil, errors.New("down")
	})
	d := NewDispatcher(failing, 1, limiter, zap.NewNop())
	defer d.Close()

	for i := 0; i < 2; i++ {
		o, err := d.Dispatch(context.Background(), Batch{})
		require.NoError(t, err)
		_, err = o.Wait(context.Background())
		require.Error(t, err)
	}

	o, err := d.Dispatch(context.Background(), Batch{})
	require.NoError(t, err)
	_, err = o.Wait(context.Background())
	assert.ErrorIs(t, err, concurrency.ErrCircuitOpen)
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	d := NewDispatcher(EvaluatorFunc(func(context.Context, Batch) ([]Batch, error) { return nil, nil }), 2, nil, nil)
	d.Close()
	d.Close()

	_, err := d.Dispatch(context.Background(), Batch{})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func newRuntime(t *testing.T) *jsruntime.Runtime {
	t.Helper()
	rt, err := jsruntime.New(jsruntime.Config{Timeout: time.Second, MaxInterpreters: 2}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Teardown() })
	return rt
}

func TestScriptEvaluatorSingleBatch(t *testing.T) {
	eval, err := NewScriptEvaluator(newRuntime(t), "y = x + 1",
		exchange.Schema{{Name: "y", Type: exchange.TypeInt}}, "")
	require.NoError(t, err)

	d := NewDispatcher(eval, 2, nil, zap.NewNop())
	defer d.Close()

	o, err := d.Dispatch(context.Background(), Batch{Values: values("x", exchange.Int(41))})
	require.NoError(t, err)
	out, err := o.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	y, _ := out[0].Values.Get("y")
	assert.True(t, exchange.Int(42).Equal(y), "got %s", y)
}

func TestScriptEvaluatorSplitsBatches(t *testing.T) {
	eval, err := NewScriptEvaluator(newRuntime(t),
		"batches = [{y: x}, {y: x * 2}, {y: x * 3}]",
		exchange.Schema{{Name: "y", Type: exchange.TypeFloat}}, "batches")
	require.NoError(t, err)

	out, err := eval.Evaluate(context.Background(), Batch{Values: values("x", exchange.Int(2))})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, b := range out {
		y, ok := b.Values.Get("y")
		require.True(t, ok)
		assert.True(t, exchange.Float(float64(2*(i+1))).Equal(y), "batch %d got %s", i, y)
	}
}

func TestScriptEvaluatorRejectsBadScript(t *testing.T) {
	_, err := NewScriptEvaluator(newRuntime(t), "y = (", exchange.Schema{{Name: "y", Type: exchange.TypeInt}}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrForeignExecution))

	_, err = NewScriptEvaluator(newRuntime(t), "y = 1", nil, "")
	assert.Error(t, err)
}
