package jsruntime

import (
	"fmt"

	"github.com/dop251/goja"
)

// Sandbox manages security restrictions for script execution
type Sandbox struct {
	securityLevel string
}

// NewSandbox creates a new sandbox with the given configuration
func NewSandbox(config *Config) *Sandbox {
	return &Sandbox{securityLevel: config.SecurityLevel}
}

// Apply applies sandbox restrictions to an interpreter
func (s *Sandbox) Apply(vm *goja.Runtime) error {
	if err := s.removeDangerousGlobals(vm); err != nil {
		return fmt.Errorf("failed to remove dangerous globals: %w", err)
	}
	if err := s.freezeBuiltins(vm); err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	return s.injectSecurityAPI(vm)
}

// removeDangerousGlobals removes or restricts dangerous global objects
func (s *Sandbox) removeDangerousGlobals(vm *goja.Runtime) error {
	dangerousGlobals := []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"__dirname",
		"__filename",
		"Buffer",
		"setImmediate",
		"clearImmediate",
	}

	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if s.securityLevel == SecurityLevelStrict {
		restrictedEval := func(call goja.FunctionCall) goja.Value {
			panic(vm.NewGoError(NewSecurityError("eval is not allowed in strict security mode")))
		}
		if err := vm.Set("eval", restrictedEval); err != nil {
			return err
		}
	}

	return nil
}

// freezeBuiltins freezes built-in objects to prevent modification
func (s *Sandbox) freezeBuiltins(vm *goja.Runtime) error {
	if s.securityLevel == SecurityLevelPermissive {
		return nil
	}

	builtins := []string{
		"Object", "Array", "Function", "String", "Number", "Boolean",
		"Date", "RegExp", "Error", "Math",
	}

	val, err := vm.RunString(`
		(function() {
			return function freezeObject(obj) {
				if (obj && typeof obj === 'object') {
					Object.freeze(obj);
					if (obj.prototype) {
						Object.freeze(obj.prototype);
					}
				}
			};
		})()
	`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}

	freezeFn, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}

	for _, name := range builtins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		// best effort; a builtin that refuses to freeze stays mutable
		_, _ = freezeFn(goja.Undefined(), obj)
	}
	return nil
}

// sealScript deep-freezes everything reachable from an object except the
// global object. Values that refuse to freeze, such as non-empty typed
// arrays, are skipped.
const sealScript = `
	(function(global) {
		var seen = new Set();
		var names = Object.getOwnPropertyNames;
		var desc = Object.getOwnPropertyDescriptor;
		var proto = Object.getPrototypeOf;
		function walk(obj) {
			if (obj === null || obj === global || seen.has(obj)) {
				return;
			}
			if (typeof obj !== 'object' && typeof obj !== 'function') {
				return;
			}
			seen.add(obj);
			try { Object.freeze(obj); } catch (e) {}
			var keys;
			try { keys = names(obj); } catch (e) { keys = []; }
			for (var i = 0; i < keys.length; i++) {
				var d;
				try { d = desc(obj, keys[i]); } catch (e) { d = undefined; }
				if (!d) {
					continue;
				}
				if ('value' in d) {
					walk(d.value);
				} else {
					walk(d.get);
					walk(d.set);
				}
			}
			walk(proto(obj));
		}
		return walk;
	})
`

// Seal freezes every object reachable from the interpreter's current
// globals, at every security level. Together with restoring reassigned
// globals on reset this keeps one call from changing what the next call on
// the same interpreter sees.
func (s *Sandbox) Seal(vm *goja.Runtime) error {
	factory, err := vm.RunString(sealScript)
	if err != nil {
		return fmt.Errorf("failed to create seal function: %w", err)
	}
	makeWalk, ok := goja.AssertFunction(factory)
	if !ok {
		return fmt.Errorf("seal factory is not a function")
	}
	global := vm.GlobalObject()
	walkVal, err := makeWalk(goja.Undefined(), global)
	if err != nil {
		return fmt.Errorf("failed to create seal function: %w", err)
	}
	walk, ok := goja.AssertFunction(walkVal)
	if !ok {
		return fmt.Errorf("seal function is not a function")
	}

	for _, name := range global.GetOwnPropertyNames() {
		if _, err := walk(goja.Undefined(), global.Get(name)); err != nil {
			return fmt.Errorf("failed to seal global %s: %w", name, err)
		}
	}
	return nil
}

// ValidateOperation checks if an operation is allowed at the current security level
func (s *Sandbox) ValidateOperation(operation string) error {
	for _, forbidden := range s.restrictions() {
		if operation == forbidden {
			return NewSecurityError(fmt.Sprintf("operation '%s' is not allowed at security level '%s'",
				operation, s.securityLevel))
		}
	}
	return nil
}

func (s *Sandbox) restrictions() []string {
	switch s.securityLevel {
	case SecurityLevelStrict:
		return []string{"eval", "Function", "setTimeout", "setInterval", "XMLHttpRequest", "fetch", "WebSocket", "importScripts"}
	case SecurityLevelStandard:
		return []string{"XMLHttpRequest", "fetch", "WebSocket", "importScripts"}
	case SecurityLevelPermissive:
		return []string{"importScripts"}
	}
	return nil
}

// injectSecurityAPI exposes __security__.level and __security__.isAllowed(op)
func (s *Sandbox) injectSecurityAPI(vm *goja.Runtime) error {
	securityObj := vm.NewObject()
	if err := securityObj.Set("level", s.securityLevel); err != nil {
		return err
	}
	if err := securityObj.Set("isAllowed", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(false)
		}
		return vm.ToValue(s.ValidateOperation(call.Argument(0).String()) == nil)
	}); err != nil {
		return err
	}
	return vm.Set("__security__", securityObj)
}
