package jsruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// interpreter is one isolated goja instance. The primary interpreter lives
// as long as the runtime; extras are created on demand and destroyed on
// teardown or after MaxReuseCount calls.
type interpreter struct {
	vm         *goja.Runtime
	baseline   map[string]goja.Value
	primary    bool
	createdAt  time.Time
	lastUsedAt time.Time
	reuseCount int
}

// interpreterPool hands out interpreters exclusively. Shaped after a
// chan-based VM pool: idle interpreters wait in the channel and new ones
// are built while the set is below its bound.
type interpreterPool struct {
	idle     chan *interpreter
	registry *UtilityRegistry
	sandbox  *Sandbox
	config   *Config
	preload  []*goja.Program
	logger   *zap.Logger

	maxSize       int
	currentSize   int32
	totalCreated  int64
	totalAcquired int64
	totalReleased int64

	mu sync.Mutex
}

// PoolStats reports interpreter set counters
type PoolStats struct {
	CurrentSize   int   `json:"current_size"`
	MaxSize       int   `json:"max_size"`
	Available     int   `json:"available"`
	TotalCreated  int64 `json:"total_created"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalReleased int64 `json:"total_released"`
}

func newInterpreterPool(config *Config, registry *UtilityRegistry, preload []*goja.Program, logger *zap.Logger) (*interpreterPool, error) {
	p := &interpreterPool{
		idle:     make(chan *interpreter, config.MaxInterpreters),
		registry: registry,
		sandbox:  NewSandbox(config),
		config:   config,
		preload:  preload,
		logger:   logger,
		maxSize:  config.MaxInterpreters,
	}

	primary, err := p.create(true)
	if err != nil {
		return nil, fmt.Errorf("failed to create primary interpreter: %w", err)
	}
	p.idle <- primary
	return p, nil
}

// acquire takes an idle interpreter, builds one while below the bound, or
// waits for a release.
func (p *interpreterPool) acquire(ctx context.Context) (*interpreter, error) {
	atomic.AddInt64(&p.totalAcquired, 1)

	select {
	case it := <-p.idle:
		return p.checkout(it)
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if int(atomic.AddInt32(&p.currentSize, 1)) <= p.maxSize {
		it, err := p.create(false)
		if err != nil {
			atomic.AddInt32(&p.currentSize, -1)
			return nil, fmt.Errorf("failed to create interpreter: %w", err)
		}
		return it, nil
	}
	atomic.AddInt32(&p.currentSize, -1)

	select {
	case it := <-p.idle:
		return p.checkout(it)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *interpreterPool) checkout(it *interpreter) (*interpreter, error) {
	it.lastUsedAt = time.Now()
	it.reuseCount++

	if !it.primary && it.reuseCount >= p.config.MaxReuseCount {
		p.destroy(it)
		atomic.AddInt32(&p.currentSize, 1)
		fresh, err := p.create(false)
		if err != nil {
			atomic.AddInt32(&p.currentSize, -1)
			return nil, fmt.Errorf("failed to recreate interpreter: %w", err)
		}
		return fresh, nil
	}
	return it, nil
}

// release resets an interpreter and returns it to the idle set. An
// interpreter that cannot be reset is rebuilt in place.
func (p *interpreterPool) release(it *interpreter) error {
	atomic.AddInt64(&p.totalReleased, 1)

	if err := p.reset(it); err != nil {
		p.logger.Warn("interpreter reset failed, rebuilding", zap.Bool("primary", it.primary), zap.Error(err))
		if rebuildErr := p.rebuild(it); rebuildErr != nil {
			if !it.primary {
				p.destroy(it)
				return fmt.Errorf("failed to reset interpreter: %w", errors.Join(err, rebuildErr))
			}
			return fmt.Errorf("failed to rebuild primary interpreter: %w", rebuildErr)
		}
	}

	select {
	case p.idle <- it:
	default:
		p.destroy(it)
	}
	return nil
}

// create builds a sandboxed interpreter with utilities and preloaded
// programs, then records its global names as the reset baseline. Callers
// account for currentSize except for the primary.
func (p *interpreterPool) create(primary bool) (*interpreter, error) {
	it := &interpreter{primary: primary, createdAt: time.Now()}
	if err := p.setup(it); err != nil {
		return nil, err
	}
	it.lastUsedAt = it.createdAt
	if primary {
		atomic.AddInt32(&p.currentSize, 1)
	}
	atomic.AddInt64(&p.totalCreated, 1)
	return it, nil
}

func (p *interpreterPool) setup(it *interpreter) error {
	vm := goja.New()

	if err := p.sandbox.Apply(vm); err != nil {
		return fmt.Errorf("failed to apply sandbox: %w", err)
	}
	if err := p.registry.RegisterEnabled(vm, p.config); err != nil {
		return fmt.Errorf("failed to register utilities: %w", err)
	}
	for _, prog := range p.preload {
		if _, err := vm.RunProgram(prog); err != nil {
			return fmt.Errorf("failed to preload runtime path: %w", wrapError(vm, err))
		}
	}
	if err := p.sandbox.Seal(vm); err != nil {
		return err
	}

	it.vm = vm
	it.baseline = globalValues(vm)
	return nil
}

// rebuild replaces the goja instance of an interpreter, keeping its slot
func (p *interpreterPool) rebuild(it *interpreter) error {
	if it.vm != nil {
		_ = p.registry.CleanupEnabled(it.vm, p.config)
	}
	it.vm = nil
	it.reuseCount = 0
	return p.setup(it)
}

// reset removes every global a call added on top of the baseline and puts
// back baseline globals the call reassigned or deleted. Objects reachable
// from the baseline are frozen by Sandbox.Seal.
func (p *interpreterPool) reset(it *interpreter) error {
	if it.vm == nil {
		return fmt.Errorf("interpreter destroyed")
	}
	if err := p.registry.CleanupEnabled(it.vm, p.config); err != nil {
		return fmt.Errorf("failed to cleanup utilities: %w", err)
	}
	it.vm.ClearInterrupt()

	global := it.vm.GlobalObject()
	for _, name := range global.GetOwnPropertyNames() {
		if _, ok := it.baseline[name]; ok {
			continue
		}
		// var declarations are not configurable; blank them instead
		if err := global.Delete(name); err != nil {
			if err := global.Set(name, goja.Undefined()); err != nil {
				return fmt.Errorf("failed to clear global %s: %w", name, err)
			}
		}
	}
	for name, want := range it.baseline {
		if current := global.Get(name); current != nil && current.SameAs(want) {
			continue
		}
		if err := global.Set(name, want); err != nil {
			return fmt.Errorf("failed to restore global %s: %w", name, err)
		}
	}
	return nil
}

func (p *interpreterPool) destroy(it *interpreter) {
	if it == nil || it.vm == nil {
		return
	}
	_ = p.registry.CleanupEnabled(it.vm, p.config)
	it.vm = nil
	atomic.AddInt32(&p.currentSize, -1)
}

// teardown destroys every idle extra interpreter and resets the primary.
// Interpreters in use are reset when released.
func (p *interpreterPool) teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var keep []*interpreter
	var errs []error
	for {
		select {
		case it := <-p.idle:
			if !it.primary {
				p.destroy(it)
				continue
			}
			if err := p.reset(it); err != nil {
				errs = append(errs, err)
				if err := p.rebuild(it); err != nil {
					errs = append(errs, err)
				}
			}
			keep = append(keep, it)
			continue
		default:
		}
		break
	}

	for _, it := range keep {
		p.idle <- it
	}
	return errors.Join(errs...)
}

// stats returns interpreter set counters
func (p *interpreterPool) stats() PoolStats {
	return PoolStats{
		CurrentSize:   int(atomic.LoadInt32(&p.currentSize)),
		MaxSize:       p.maxSize,
		Available:     len(p.idle),
		TotalCreated:  atomic.LoadInt64(&p.totalCreated),
		TotalAcquired: atomic.LoadInt64(&p.totalAcquired),
		TotalReleased: atomic.LoadInt64(&p.totalReleased),
	}
}

func globalValues(vm *goja.Runtime) map[string]goja.Value {
	global := vm.GlobalObject()
	names := global.GetOwnPropertyNames()
	values := make(map[string]goja.Value, len(names))
	for _, name := range names {
		values[name] = global.Get(name)
	}
	return values
}
