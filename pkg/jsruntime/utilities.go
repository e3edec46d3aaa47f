package jsruntime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Utility is a host capability exposed to scripts
type Utility interface {
	// Name returns the unique name of the utility
	Name() string

	// Register installs the utility in an interpreter
	Register(vm *goja.Runtime) error

	// AllowedSecurityLevels returns the security levels that allow this utility
	AllowedSecurityLevels() []string

	// Cleanup is called when the interpreter is reset or destroyed
	Cleanup(vm *goja.Runtime) error
}

// UtilityRegistry manages available utilities
type UtilityRegistry struct {
	utilities map[string]Utility
	mu        sync.RWMutex
}

// NewUtilityRegistry creates a registry with the built-in utilities. Script
// console output goes to logger.
func NewUtilityRegistry(logger *zap.Logger) *UtilityRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &UtilityRegistry{
		utilities: make(map[string]Utility),
	}

	registry.Register(&ConsoleUtility{logger: logger.Named("console")})
	registry.Register(&JSONUtility{})
	registry.Register(&EncodingUtility{})
	registry.Register(&TimersUtility{pending: make(map[*goja.Runtime][]timer)})

	return registry
}

// Register adds a utility to the registry
func (r *UtilityRegistry) Register(utility Utility) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.utilities[utility.Name()] = utility
}

// RegisterEnabled registers all enabled utilities in the interpreter
func (r *UtilityRegistry) RegisterEnabled(vm *goja.Runtime, config *Config) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, utilityName := range config.EnabledUtilities {
		utility, ok := r.utilities[utilityName]
		if !ok || !allowedAt(utility, config.SecurityLevel) {
			continue
		}
		if err := utility.Register(vm); err != nil {
			return fmt.Errorf("failed to register utility %s: %w", utilityName, err)
		}
	}
	return nil
}

// CleanupEnabled calls cleanup on all enabled utilities
func (r *UtilityRegistry) CleanupEnabled(vm *goja.Runtime, config *Config) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, utilityName := range config.EnabledUtilities {
		utility, ok := r.utilities[utilityName]
		if !ok {
			continue
		}
		if err := utility.Cleanup(vm); err != nil {
			return fmt.Errorf("failed to cleanup utility %s: %w", utilityName, err)
		}
	}
	return nil
}

// FlushEnabled drains deferred work of enabled utilities that queue any
func (r *UtilityRegistry) FlushEnabled(vm *goja.Runtime, config *Config) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, utilityName := range config.EnabledUtilities {
		f, ok := r.utilities[utilityName].(interface {
			Flush(vm *goja.Runtime) error
		})
		if !ok {
			continue
		}
		if err := f.Flush(vm); err != nil {
			return err
		}
	}
	return nil
}

func allowedAt(utility Utility, securityLevel string) bool {
	for _, level := range utility.AllowedSecurityLevels() {
		if level == securityLevel {
			return true
		}
	}
	return false
}

func exportArgs(call goja.FunctionCall) string {
	args := make([]interface{}, len(call.Arguments))
	for i, arg := range call.Arguments {
		args[i] = arg.Export()
	}
	return fmt.Sprint(args...)
}

// ConsoleUtility routes console.log/info/warn/error to the runtime logger
type ConsoleUtility struct {
	logger *zap.Logger
}

func (u *ConsoleUtility) Name() string { return "console" }

func (u *ConsoleUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *ConsoleUtility) Register(vm *goja.Runtime) error {
	console := vm.NewObject()

	logAt := func(log func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			log(exportArgs(call))
			return goja.Undefined()
		}
	}

	console.Set("log", logAt(u.logger.Info))
	console.Set("info", logAt(u.logger.Info))
	console.Set("debug", logAt(u.logger.Debug))
	console.Set("warn", logAt(u.logger.Warn))
	console.Set("error", logAt(u.logger.Error))

	return vm.Set("console", console)
}

func (u *ConsoleUtility) Cleanup(vm *goja.Runtime) error {
	return u.logger.Sync()
}

// JSONUtility provides JSON.parse and JSON.stringify backed by encoding/json
type JSONUtility struct{}

func (u *JSONUtility) Name() string { return "json" }

func (u *JSONUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *JSONUtility) Register(vm *goja.Runtime) error {
	jsonObj := vm.NewObject()

	jsonObj.Set("parse", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("JSON.parse requires an argument"))
		}

		var result interface{}
		if err := json.Unmarshal([]byte(call.Argument(0).String()), &result); err != nil {
			panic(vm.NewGoError(fmt.Errorf("JSON.parse error: %w", err)))
		}
		return vm.ToValue(result)
	})

	jsonObj.Set("stringify", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("JSON.stringify requires an argument"))
		}

		bytes, err := json.Marshal(call.Argument(0).Export())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("JSON.stringify error: %w", err)))
		}
		return vm.ToValue(string(bytes))
	})

	return vm.Set("JSON", jsonObj)
}

func (u *JSONUtility) Cleanup(vm *goja.Runtime) error {
	return nil
}

// EncodingUtility provides btoa and atob
type EncodingUtility struct{}

func (u *EncodingUtility) Name() string { return "encoding" }

func (u *EncodingUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *EncodingUtility) Register(vm *goja.Runtime) error {
	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("btoa requires an argument"))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	}); err != nil {
		return err
	}

	return vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("atob requires an argument"))
		}
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob error: %w", err)))
		}
		return vm.ToValue(string(decoded))
	})
}

func (u *EncodingUtility) Cleanup(vm *goja.Runtime) error {
	return nil
}

// TimersUtility provides setTimeout and clearTimeout. Callbacks never run
// concurrently with a call: they are queued per interpreter and run in delay
// order by Flush once the program returns.
type TimersUtility struct {
	mu      sync.Mutex
	pending map[*goja.Runtime][]timer
	nextID  int
}

type timer struct {
	id       int
	delay    int64
	callback goja.Callable
}

func (u *TimersUtility) Name() string { return "timers" }

func (u *TimersUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelPermissive}
}

func (u *TimersUtility) Register(vm *goja.Runtime) error {
	setTimeout := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(vm.NewTypeError("setTimeout requires at least 2 arguments"))
		}
		callback, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("first argument must be a function"))
		}

		u.mu.Lock()
		id := u.nextID
		u.nextID++
		u.pending[vm] = append(u.pending[vm], timer{id: id, delay: call.Argument(1).ToInteger(), callback: callback})
		u.mu.Unlock()

		return vm.ToValue(id)
	}

	clearTimeout := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		id := int(call.Argument(0).ToInteger())

		u.mu.Lock()
		queue := u.pending[vm]
		for i, t := range queue {
			if t.id == id {
				u.pending[vm] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		u.mu.Unlock()
		return goja.Undefined()
	}

	if err := vm.Set("setTimeout", setTimeout); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", clearTimeout); err != nil {
		return err
	}
	if err := vm.Set("setInterval", setTimeout); err != nil {
		return err
	}
	return vm.Set("clearInterval", clearTimeout)
}

// Flush runs queued callbacks until none remain. Callbacks may schedule more.
func (u *TimersUtility) Flush(vm *goja.Runtime) error {
	for {
		u.mu.Lock()
		queue := u.pending[vm]
		if len(queue) == 0 {
			u.mu.Unlock()
			return nil
		}
		next := 0
		for i, t := range queue {
			if t.delay < queue[next].delay {
				next = i
			}
		}
		t := queue[next]
		u.pending[vm] = append(queue[:next], queue[next+1:]...)
		u.mu.Unlock()

		if _, err := t.callback(goja.Undefined()); err != nil {
			return err
		}
	}
}

func (u *TimersUtility) Cleanup(vm *goja.Runtime) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.pending, vm)
	return nil
}
