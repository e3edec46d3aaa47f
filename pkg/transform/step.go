// Package transform runs scripted pipeline steps. A Step binds one script to
// each configured input port, converts records to variable bundles, runs the
// script in the foreign runtime and converts the declared outputs back into
// records.
package transform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/exchange"
	"github.com/wehubfusion/Conduit/pkg/jsruntime"
	"github.com/wehubfusion/Conduit/pkg/schema"
)

// Executor is the foreign runtime a step runs its scripts in.
// *jsruntime.Runtime implements it.
type Executor interface {
	SetPath(path string) bool
	Init() error
	Compile(code string) error
	Execute(ctx context.Context, code string, inputs *exchange.Bundle, outputs exchange.Schema) (*exchange.Bundle, error)
	Teardown() error
}

var _ Executor = (*jsruntime.Runtime)(nil)

// Reporter receives failures worth surfacing outside the logs
type Reporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// State is the lifecycle position of a step
type State int32

const (
	StateUnconfigured State = iota
	StateCodeResolved
	StateBuilt
	StateExecuting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateCodeResolved:
		return "code_resolved"
	case StateBuilt:
		return "built"
	case StateExecuting:
		return "executing"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type options struct {
	logger    *zap.Logger
	executor  Executor
	resolver  CodeResolver
	reporter  Reporter
	tracer    trace.Tracer
	allocator memory.Allocator
	validator *schema.Validator
}

// Option configures a Step
type Option func(*options)

// WithLogger sets the step logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithExecutor shares a runtime between steps. Without it the step creates
// its own runtime from StepConfig.Runtime.
func WithExecutor(executor Executor) Option {
	return func(o *options) { o.executor = executor }
}

// WithResolver sets how CodePath values are read
func WithResolver(resolver CodeResolver) Option {
	return func(o *options) { o.resolver = resolver }
}

// WithReporter forwards record and teardown failures
func WithReporter(reporter Reporter) Option {
	return func(o *options) { o.reporter = reporter }
}

// WithTracerProvider sets where step spans go
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp.Tracer("conduit/transform") }
}

// WithAllocator sets the allocator for Arrow output
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) { o.allocator = mem }
}

// WithStrictValidation rejects null cells in input records
func WithStrictValidation() Option {
	return func(o *options) { o.validator = schema.NewStrictValidator() }
}

// Step is a built scripted step. Transform may be called from one goroutine
// at a time; records within a batch run in parallel up to Parallelism.
type Step struct {
	config StepConfig
	ports  map[string]*port

	executor  Executor
	resolver  CodeResolver
	reporter  Reporter
	logger    *zap.Logger
	tracer    trace.Tracer
	allocator memory.Allocator
	validator *schema.Validator

	state     atomic.Int32
	destroyMu sync.Mutex
}

// New resolves the code of every port, derives port schemas, initializes the
// runtime and compiles every script. Failures of all ports are joined.
func New(ctx context.Context, cfg StepConfig, opts ...Option) (*Step, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid step config: %w", err)
	}

	o := options{
		tracer:    otel.Tracer("conduit/transform"),
		allocator: memory.DefaultAllocator,
		validator: schema.NewValidator(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.executor == nil {
		rt, err := jsruntime.New(cfg.Runtime, o.logger)
		if err != nil {
			return nil, err
		}
		o.executor = rt
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = 1
	}

	s := &Step{
		config:    cfg,
		ports:     make(map[string]*port, len(cfg.Ports)),
		executor:  o.executor,
		resolver:  o.resolver,
		reporter:  o.reporter,
		logger:    o.logger.Named("transform"),
		tracer:    o.tracer,
		allocator: o.allocator,
		validator: o.validator,
	}
	s.state.Store(int32(StateUnconfigured))

	names := make([]string, 0, len(cfg.Ports))
	for name := range cfg.Ports {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	sources := make(map[string]string, len(names))
	for _, name := range names {
		pc := cfg.Ports[name]
		if pc.RuntimePath != "" {
			if s.executor.SetPath(pc.RuntimePath) {
				s.logger.Info("setting runtime path", zap.String("port", name), zap.String("path", pc.RuntimePath))
			} else {
				s.logger.Info("runtime path not applied", zap.String("port", name), zap.String("path", pc.RuntimePath))
			}
		}

		code, err := resolveCode(ctx, s.resolver, pc)
		if err != nil {
			s.logger.Error("failed to resolve code", zap.String("port", name), zap.String("code_path", pc.CodePath), zap.Error(err))
		}
		if isBlank(code) {
			errs = append(errs, fmt.Errorf("port %s: %w", name, cerrors.NewError(cerrors.CodeEmptyCode, "code resolved to an empty string", err)))
			continue
		}
		sources[name] = code
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	s.state.Store(int32(StateCodeResolved))

	for _, name := range names {
		p, err := buildPort(name, sources[name], cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("port %s: %w", name, err))
			continue
		}
		s.ports[name] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := s.executor.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}
	for _, name := range names {
		if err := s.executor.Compile(s.ports[name].code); err != nil {
			errs = append(errs, fmt.Errorf("port %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	s.state.Store(int32(StateBuilt))
	s.logger.Info("step built", zap.Strings("ports", names), zap.Int("parallelism", cfg.Parallelism))
	return s, nil
}

// State returns the lifecycle position of the step
func (s *Step) State() State {
	return State(s.state.Load())
}

// InputNames returns the declared step inputs; record i of a batch belongs
// to InputNames()[i]
func (s *Step) InputNames() []string {
	return append([]string(nil), s.config.InputNames...)
}

// Ports returns the configured port names in order
func (s *Step) Ports() []string {
	names := make([]string, 0, len(s.ports))
	for name := range s.ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InputSchema returns the column schema records for port must follow
func (s *Step) InputSchema(name string) (*schema.ColumnSchema, bool) {
	p, ok := s.ports[name]
	if !ok {
		return nil, false
	}
	return p.inputColumns, true
}

// OutputSchema returns the column schema of records produced for port
func (s *Step) OutputSchema(name string) (*schema.ColumnSchema, bool) {
	p, ok := s.ports[name]
	if !ok {
		return nil, false
	}
	return p.outputColumns, true
}

// Transform runs record i of a batch through the script of port
// InputNames[i]. Records of unconfigured inputs pass through unchanged. The
// result keeps batch order; when some records fail the others still complete
// and a *BatchError lists the failures.
func (s *Step) Transform(ctx context.Context, records []schema.Record) ([]schema.Record, error) {
	if s.State() == StateDestroyed {
		return nil, ErrDestroyed
	}

	ctx, span := s.tracer.Start(ctx, "transform.Transform",
		trace.WithAttributes(attribute.Int("batch.size", len(records))))
	defer span.End()

	s.state.CompareAndSwap(int32(StateBuilt), int32(StateExecuting))
	defer s.state.CompareAndSwap(int32(StateExecuting), int32(StateBuilt))

	out, err := s.runAll(ctx, len(records), func(ctx context.Context, i int) (string, schema.Record, error) {
		if i >= len(s.config.InputNames) {
			return "", nil, fmt.Errorf("no input name declared for record %d", i)
		}
		name := s.config.InputNames[i]
		p, ok := s.ports[name]
		if !ok {
			return name, records[i], nil
		}
		result, err := s.runRecord(ctx, p, records[i])
		return name, result, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetStatus(codes.Ok, "batch transformed")
	return out, nil
}

// TransformPort runs one record through the script of a named input. A
// declared input without a port returns the record unchanged.
func (s *Step) TransformPort(ctx context.Context, name string, record schema.Record) (schema.Record, error) {
	if s.State() == StateDestroyed {
		return nil, ErrDestroyed
	}
	p, ok := s.ports[name]
	if !ok {
		if !s.declared(name) {
			return nil, fmt.Errorf("unknown input name %q", name)
		}
		return record, nil
	}

	ctx, span := s.tracer.Start(ctx, "transform.TransformPort",
		trace.WithAttributes(attribute.String("port", name)))
	defer span.End()

	result, err := s.runRecord(ctx, p, record)
	if err != nil {
		s.report(ctx, err, name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (s *Step) declared(name string) bool {
	for _, n := range s.config.InputNames {
		if n == name {
			return true
		}
	}
	return false
}

// runAll runs n independent record jobs on a bounded goroutine pool
func (s *Step) runAll(ctx context.Context, n int, job func(ctx context.Context, i int) (string, schema.Record, error)) ([]schema.Record, error) {
	out := make([]schema.Record, n)

	var mu sync.Mutex
	var failures []*RecordError

	p := pool.New().WithMaxGoroutines(s.config.Parallelism)
	for i := 0; i < n; i++ {
		p.Go(func() {
			name, result, err := job(ctx, i)
			if err != nil {
				s.logger.Warn("record failed", zap.Int("index", i), zap.String("port", name), zap.Error(err))
				s.report(ctx, err, name)
				mu.Lock()
				failures = append(failures, &RecordError{Index: i, Port: name, Err: err})
				mu.Unlock()
				return
			}
			out[i] = result
		})
	}
	p.Wait()

	if len(failures) == 0 {
		return out, nil
	}
	sort.Slice(failures, func(a, b int) bool { return failures[a].Index < failures[b].Index })
	return out, &BatchError{Errors: failures}
}

func (s *Step) runRecord(ctx context.Context, p *port, record schema.Record) (schema.Record, error) {
	if len(record) == 0 {
		return nil, cerrors.NewError(cerrors.CodeEmptyRecord, "record should not be empty", nil)
	}
	if err := s.validator.Check(record, p.inputColumns); err != nil {
		return nil, err
	}

	inputs, err := p.bind(record)
	if err != nil {
		return nil, err
	}
	outputs, err := s.executor.Execute(ctx, p.code, inputs, p.requested)
	if err != nil {
		return nil, err
	}
	return p.unbind(outputs)
}

func (s *Step) report(ctx context.Context, err error, port string) {
	if s.reporter == nil || cerrors.IsStructural(err) {
		return
	}
	s.reporter.Report(ctx, err, map[string]string{
		"component": "transform",
		"port":      port,
		"code":      cerrors.CodeOf(err),
	})
}

// Destroy tears the runtime down. It is safe to call before any execution
// and more than once; only the first call reaches the runtime.
func (s *Step) Destroy() error {
	s.destroyMu.Lock()
	defer s.destroyMu.Unlock()

	if State(s.state.Swap(int32(StateDestroyed))) == StateDestroyed {
		return nil
	}
	if err := s.executor.Teardown(); err != nil {
		if cerrors.CodeOf(err) != cerrors.CodeForeignTeardown {
			err = cerrors.NewError(cerrors.CodeForeignTeardown, "runtime teardown failed", err)
		}
		s.logger.Error("failed to destroy step", zap.Error(err))
		if s.reporter != nil {
			s.reporter.Report(context.Background(), err, map[string]string{"component": "transform"})
		}
		return err
	}
	s.logger.Info("step destroyed")
	return nil
}
