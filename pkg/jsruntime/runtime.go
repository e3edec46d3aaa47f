// Package jsruntime hosts the foreign runtime that scripted steps run in.
//
// A Runtime owns a bounded set of goja interpreters. Each call gets one
// interpreter exclusively: declared inputs are bound as globals, the program
// runs under a deadline, declared outputs are read back from globals and the
// interpreter is reset before it serves another call.
package jsruntime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/exchange"
	"github.com/wehubfusion/Conduit/pkg/ndarray"
)

// Runtime is a process-wide foreign runtime shared by every step
type Runtime struct {
	config   Config
	logger   *zap.Logger
	registry *UtilityRegistry

	pathMu sync.Mutex
	path   string
	frozen bool // set once Init has read path

	initOnce sync.Once
	initErr  error
	pool     atomic.Pointer[interpreterPool]

	programsMu sync.RWMutex
	programs   map[string]*goja.Program
}

// New creates a runtime. Interpreters are built by Init or the first call.
func New(config Config, logger *zap.Logger) (*Runtime, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("jsruntime")

	return &Runtime{
		config:   config,
		logger:   logger,
		registry: NewUtilityRegistry(logger),
		programs: make(map[string]*goja.Program),
	}, nil
}

// SetPath records the runtime search path. The first non-empty path wins;
// later calls return false and leave it untouched. It takes effect at Init,
// so once Init has run every call returns false.
func (r *Runtime) SetPath(path string) bool {
	if path == "" {
		return false
	}
	r.pathMu.Lock()
	defer r.pathMu.Unlock()

	if r.frozen {
		r.logger.Warn("runtime already initialized, path not applied", zap.String("path", r.path), zap.String("ignored", path))
		return false
	}
	if r.path != "" {
		if r.path != path {
			r.logger.Debug("runtime path already set, ignoring", zap.String("path", r.path), zap.String("ignored", path))
		}
		return false
	}
	r.path = path
	return true
}

// Path returns the recorded runtime search path
func (r *Runtime) Path() string {
	r.pathMu.Lock()
	defer r.pathMu.Unlock()
	return r.path
}

// Init builds the interpreter set once. Every .js file found on the search
// path runs in each interpreter before its first call.
func (r *Runtime) Init() error {
	r.initOnce.Do(func() {
		r.pathMu.Lock()
		r.frozen = true
		path := r.path
		r.pathMu.Unlock()

		preload, err := r.loadPath(path)
		if err != nil {
			r.initErr = err
			return
		}
		pool, err := newInterpreterPool(&r.config, r.registry, preload, r.logger)
		if err != nil {
			r.initErr = err
			return
		}
		r.pool.Store(pool)
		r.logger.Info("runtime initialized",
			zap.String("path", r.Path()),
			zap.Int("preloaded", len(preload)),
			zap.Int("max_interpreters", r.config.MaxInterpreters),
			zap.String("security_level", r.config.SecurityLevel))
	})
	return r.initErr
}

// loadPath compiles the scripts named by a list of files and directories
// separated by the OS list separator. Directories contribute their .js files
// in name order.
func (r *Runtime) loadPath(path string) ([]*goja.Program, error) {
	if path == "" {
		return nil, nil
	}

	var files []string
	for _, entry := range filepath.SplitList(path) {
		if entry == "" {
			continue
		}
		info, err := os.Stat(entry)
		if err != nil {
			return nil, fmt.Errorf("runtime path %s: %w", entry, err)
		}
		if !info.IsDir() {
			files = append(files, entry)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(entry, "*.js"))
		if err != nil {
			return nil, fmt.Errorf("runtime path %s: %w", entry, err)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}

	programs := make([]*goja.Program, 0, len(files))
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		prog, err := goja.Compile(file, string(src), false)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s: %w", file, wrapError(nil, err))
		}
		programs = append(programs, prog)
	}
	return programs, nil
}

// Compile checks that code is a valid script and caches the program
func (r *Runtime) Compile(code string) error {
	_, err := r.program(code)
	return err
}

func (r *Runtime) program(code string) (*goja.Program, error) {
	r.programsMu.RLock()
	prog, ok := r.programs[code]
	r.programsMu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := goja.Compile("step.js", code, false)
	if err != nil {
		return nil, wrapError(nil, err)
	}

	r.programsMu.Lock()
	r.programs[code] = prog
	r.programsMu.Unlock()
	return prog, nil
}

// Execute runs code with inputs bound as globals and reads back the declared
// outputs, coerced to their declared types. Script faults match
// cerrors.ErrForeignExecution.
func (r *Runtime) Execute(ctx context.Context, code string, inputs *exchange.Bundle, outputs exchange.Schema) (result *exchange.Bundle, err error) {
	if err := r.Init(); err != nil {
		return nil, err
	}

	prog, err := r.program(code)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	pool := r.pool.Load()
	it, err := pool.acquire(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire interpreter: %w", err)
	}
	defer func() {
		if releaseErr := pool.release(it); releaseErr != nil {
			r.logger.Warn("failed to release interpreter", zap.Error(releaseErr))
		}
	}()

	start := time.Now()
	result, err = r.run(timeoutCtx, it, prog, inputs, outputs)
	if err != nil && isRedeclaration(err) && it.reuseCount > 0 {
		// top-level let/const from an earlier call survive a reset
		if rebuildErr := pool.rebuild(it); rebuildErr != nil {
			return nil, errors.Join(err, rebuildErr)
		}
		result, err = r.run(timeoutCtx, it, prog, inputs, outputs)
	}

	r.logger.Debug("script executed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("reuse_count", it.reuseCount),
		zap.Bool("failed", err != nil))
	return result, err
}

func (r *Runtime) run(ctx context.Context, it *interpreter, prog *goja.Program, inputs *exchange.Bundle, outputs exchange.Schema) (result *exchange.Bundle, err error) {
	vm := it.vm

	defer func() {
		if rec := recover(); rec != nil {
			err = NewInternalError(fmt.Sprintf("panic during execution: %v", rec))
		}
	}()

	done := make(chan struct{})
	var interrupted bool
	var interruptMu sync.Mutex
	var watcher sync.WaitGroup

	watcher.Add(1)
	go func() {
		defer watcher.Done()
		select {
		case <-ctx.Done():
			interruptMu.Lock()
			interrupted = true
			interruptMu.Unlock()
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()
	defer watcher.Wait()
	defer close(done)

	timedOut := func() bool {
		interruptMu.Lock()
		defer interruptMu.Unlock()
		return interrupted
	}

	if inputs != nil {
		var bindErr error
		inputs.Range(func(name string, v exchange.Variable) bool {
			if bindErr = vm.Set(name, exchange.EncodeWith(v, arrayEncoder(vm))); bindErr != nil {
				bindErr = NewInternalError(fmt.Sprintf("failed to bind input %s: %v", name, bindErr))
				return false
			}
			return true
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	if _, err := vm.RunProgram(prog); err != nil {
		if timedOut() {
			return nil, NewTimeoutError(r.config.Timeout.Milliseconds())
		}
		return nil, wrapError(vm, err)
	}
	if err := r.registry.FlushEnabled(vm, &r.config); err != nil {
		if timedOut() {
			return nil, NewTimeoutError(r.config.Timeout.Milliseconds())
		}
		return nil, wrapError(vm, err)
	}

	return readOutputs(vm, outputs)
}

// arrayEncoder binds array bytes as an ArrayBuffer over the same memory
func arrayEncoder(vm *goja.Runtime) exchange.ArrayEncoder {
	return func(d *ndarray.Descriptor) interface{} {
		m := d.ToMap()
		if data := d.Data(); data != nil {
			m[ndarray.KeyData] = vm.NewArrayBuffer(data)
		}
		return m
	}
}

func readOutputs(vm *goja.Runtime, outputs exchange.Schema) (*exchange.Bundle, error) {
	result := exchange.NewBundle()
	for _, field := range outputs {
		val := vm.Get(field.Name)
		if val == nil || goja.IsUndefined(val) {
			return nil, NewOutputError(fmt.Sprintf("output %q was not set by the script", field.Name))
		}

		v, err := exchange.Decode(val.Export())
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", field.Name, err)
		}
		v, err = exchange.Coerce(v, field.Type)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", field.Name, err)
		}
		if err := result.Add(field.Name, v); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func isRedeclaration(err error) bool {
	var jsErr *JSError
	return errors.As(err, &jsErr) && strings.Contains(jsErr.Message, "already been declared")
}

// Teardown releases interpreter state: idle extra interpreters are destroyed
// and the primary is reset. It is safe to call repeatedly and the runtime
// stays usable afterwards.
func (r *Runtime) Teardown() error {
	pool := r.pool.Load()
	if pool == nil {
		return nil
	}
	if err := pool.teardown(); err != nil {
		return cerrors.NewError(cerrors.CodeForeignTeardown, "runtime teardown failed", err)
	}
	r.logger.Debug("runtime torn down", zap.Int("interpreters", pool.stats().CurrentSize))
	return nil
}

// Stats returns interpreter set counters
func (r *Runtime) Stats() PoolStats {
	pool := r.pool.Load()
	if pool == nil {
		return PoolStats{MaxSize: r.config.MaxInterpreters}
	}
	return pool.stats()
}

// Config returns the effective runtime configuration
func (r *Runtime) Config() Config {
	return r.config
}
