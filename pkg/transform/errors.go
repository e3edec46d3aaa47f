package transform

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDestroyed is returned by calls on a destroyed step
var ErrDestroyed = errors.New("step destroyed")

// RecordError is the failure of one record of a batch
type RecordError struct {
	Index int
	Port  string
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (port %s): %v", e.Index, e.Port, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// BatchError collects the record failures of one batch. Records not listed
// completed normally.
type BatchError struct {
	Errors []*RecordError
}

func (e *BatchError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d records failed: %s", len(e.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes every record error to errors.Is and errors.As
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		errs[i] = err
	}
	return errs
}

// Failed reports whether record i failed
func (e *BatchError) Failed(i int) bool {
	for _, err := range e.Errors {
		if err.Index == i {
			return true
		}
	}
	return false
}
