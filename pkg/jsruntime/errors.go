package jsruntime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// ErrorType categorizes script failures
type ErrorType string

const (
	ErrorTypeSyntax   ErrorType = "syntax_error"
	ErrorTypeRuntime  ErrorType = "runtime_error"
	ErrorTypeTimeout  ErrorType = "timeout_error"
	ErrorTypeSecurity ErrorType = "security_error"
	ErrorTypeOutput   ErrorType = "output_error"
	ErrorTypeInternal ErrorType = "internal_error"
)

// JSError is a fault raised while running foreign code. It matches
// cerrors.ErrForeignExecution.
type JSError struct {
	Type       ErrorType    `json:"type"`
	Message    string       `json:"message"`
	StackTrace []StackFrame `json:"stack_trace,omitempty"`
	Line       int          `json:"line,omitempty"`
	Column     int          `json:"column,omitempty"`
}

// StackFrame represents a single frame in the stack trace
type StackFrame struct {
	FunctionName string `json:"function_name,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
}

// Error implements the error interface
func (e *JSError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Type, e.Message))

	if e.Line > 0 {
		b.WriteString(fmt.Sprintf(" at line %d", e.Line))
		if e.Column > 0 {
			b.WriteString(fmt.Sprintf(", column %d", e.Column))
		}
	}

	if len(e.StackTrace) > 0 {
		b.WriteString("\nStack trace:")
		for i, frame := range e.StackTrace {
			if i >= 10 {
				b.WriteString(fmt.Sprintf("\n  ... %d more frames", len(e.StackTrace)-i))
				break
			}
			b.WriteString("\n  at ")
			if frame.FunctionName != "" {
				b.WriteString(frame.FunctionName)
			} else {
				b.WriteString("<anonymous>")
			}
			if frame.FileName != "" {
				b.WriteString(fmt.Sprintf(" (%s:%d:%d)", frame.FileName, frame.Line, frame.Column))
			} else {
				b.WriteString(fmt.Sprintf(" (line %d:%d)", frame.Line, frame.Column))
			}
		}
	}

	return b.String()
}

// Is matches the foreign execution sentinel
func (e *JSError) Is(target error) bool {
	return target == cerrors.ErrForeignExecution
}

// parseException converts a goja exception into a JSError, reading the stack
// through the interpreter that raised it.
func parseException(vm *goja.Runtime, exc *goja.Exception) *JSError {
	if exc == nil {
		return NewInternalError("unknown error")
	}

	jsErr := &JSError{
		Type:    ErrorTypeRuntime,
		Message: exc.Error(),
	}

	if val := exc.Value(); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		obj := val.ToObject(vm)

		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			jsErr.StackTrace = parseStackTrace(stack.String())
		}
		if line := obj.Get("line"); line != nil && !goja.IsUndefined(line) {
			if lineNum, ok := line.Export().(int64); ok {
				jsErr.Line = int(lineNum)
			}
		}
		if col := obj.Get("column"); col != nil && !goja.IsUndefined(col) {
			if colNum, ok := col.Export().(int64); ok {
				jsErr.Column = int(colNum)
			}
		}
	}

	jsErr.Type = classify(jsErr.Message, ErrorTypeRuntime)
	return jsErr
}

func classify(message string, fallback ErrorType) ErrorType {
	errMsg := strings.ToLower(message)
	switch {
	case strings.Contains(errMsg, "syntax"):
		return ErrorTypeSyntax
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "interrupted"):
		return ErrorTypeTimeout
	case strings.Contains(errMsg, "forbidden") || strings.Contains(errMsg, "not allowed"):
		return ErrorTypeSecurity
	}
	return fallback
}

// parseStackTrace parses a JavaScript stack trace string into structured frames
func parseStackTrace(stackStr string) []StackFrame {
	if stackStr == "" {
		return nil
	}

	lines := strings.Split(stackStr, "\n")
	frames := make([]StackFrame, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		// the first line of a V8-style stack repeats the message
		if line == "" || !strings.HasPrefix(line, "at ") && !strings.Contains(line, "@") {
			continue
		}
		frames = append(frames, parseStackFrame(line))
	}
	return frames
}

// parseStackFrame parses a single stack frame line. Handles
// "at fn (file:line:col)", "at file:line:col" and "fn@file:line:col".
func parseStackFrame(line string) StackFrame {
	var frame StackFrame

	line = strings.TrimSpace(strings.TrimPrefix(line, "at "))

	var location string
	if idx := strings.Index(line, "("); idx != -1 {
		if idx > 0 {
			frame.FunctionName = strings.TrimSpace(line[:idx])
		}
		if closeParen := strings.Index(line[idx:], ")"); closeParen != -1 {
			location = line[idx+1 : idx+closeParen]
		}
	} else if idx := strings.Index(line, "@"); idx != -1 {
		if idx > 0 {
			frame.FunctionName = strings.TrimSpace(line[:idx])
		}
		location = line[idx+1:]
	} else {
		location = line
	}

	if location != "" {
		parseLocation(location, &frame)
	}
	return frame
}

// parseLocation extracts file, line, and column from a location string
func parseLocation(location string, frame *StackFrame) {
	parts := strings.Split(location, ":")

	switch len(parts) {
	case 3:
		frame.FileName = parts[0]
		fmt.Sscanf(parts[1], "%d", &frame.Line)
		fmt.Sscanf(parts[2], "%d", &frame.Column)
	case 2:
		var first, second int
		fmt.Sscanf(parts[0], "%d", &first)
		fmt.Sscanf(parts[1], "%d", &second)

		if first > 0 && second > 0 {
			frame.Line = first
			frame.Column = second
		} else {
			frame.FileName = parts[0]
			frame.Line = second
		}
	case 1:
		fmt.Sscanf(parts[0], "%d", &frame.Line)
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(timeoutMs int64) *JSError {
	return &JSError{
		Type:    ErrorTypeTimeout,
		Message: fmt.Sprintf("execution timeout after %dms", timeoutMs),
	}
}

// NewSecurityError creates a new security error
func NewSecurityError(message string) *JSError {
	return &JSError{
		Type:    ErrorTypeSecurity,
		Message: message,
	}
}

// NewOutputError reports a declared output the script did not produce
func NewOutputError(message string) *JSError {
	return &JSError{
		Type:    ErrorTypeOutput,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string) *JSError {
	return &JSError{
		Type:    ErrorTypeInternal,
		Message: message,
	}
}

// wrapError converts a compile or interpreter error into a JSError
func wrapError(vm *goja.Runtime, err error) *JSError {
	if err == nil {
		return nil
	}

	var jsErr *JSError
	if errors.As(err, &jsErr) {
		return jsErr
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return parseException(vm, exc)
	}
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return &JSError{Type: ErrorTypeSyntax, Message: syntaxErr.Error()}
	}

	return &JSError{
		Type:    classify(err.Error(), ErrorTypeInternal),
		Message: err.Error(),
	}
}
