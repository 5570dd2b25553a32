// Package apperr defines the error kinds shared across formsync packages.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrTransient        = errors.New("transient store error")
	ErrComputeFault     = errors.New("compute fault")
	ErrReadOnly         = errors.New("field is read-only")
	ErrInvalidInput     = errors.New("invalid input")
)

// TransientStoreError reports a store call that kept failing after retries.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transient store error", e.Op)
	}
	return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// Is reports ErrTransient so callers can match the kind without the type.
func (e *TransientStoreError) Is(target error) bool {
	return target == ErrTransient
}

// Permanent reports whether err is a kind that retrying cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidInput)
}
